package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/john/multichat/internal/avatar"
	"github.com/john/multichat/internal/broadcast"
	"github.com/john/multichat/internal/config"
	"github.com/john/multichat/internal/kick"
	"github.com/john/multichat/internal/logger"
	"github.com/john/multichat/internal/message"
	"github.com/john/multichat/internal/relay"
	"github.com/john/multichat/internal/server"
	"github.com/john/multichat/internal/supervisor"
	"github.com/john/multichat/internal/tiktok"
	"github.com/john/multichat/internal/twitch"
	"github.com/john/multichat/internal/youtube"
)

func main() {
	// A missing .env is normal in production
	_ = godotenv.Load()

	// Get config path from environment variable or use default
	configPath, explicit := os.LookupEnv("CONFIG_PATH")
	if !explicit || configPath == "" {
		configPath = "config.yaml"
	}

	// Load configuration
	cfg, err := config.Load(configPath, !explicit)
	if err != nil {
		slog.Error("Failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	log := logger.New(logger.Options{Level: cfg.Log.Level, File: cfg.Log.File})
	slog.SetDefault(log)
	log.Info("Multichat starting...", slog.String("config", configPath))

	// Log configured platforms
	channels := cfg.Channels()
	for _, p := range message.Platforms {
		if channels[p] != "" {
			log.Info("Platform configured", slog.String("platform", string(p)), slog.String("channel", channels[p]))
		}
	}

	// Setup context and signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Create communication channels
	events := make(chan message.Event, cfg.Server.ClientBuffer)

	// Initialize shared lookups
	kickAPI := kick.NewAPI()
	avatars := avatar.New(log, avatar.Options{
		Timeout:    cfg.Avatar.Timeout,
		MaxEntries: cfg.Avatar.MaxEntries,
	}, map[message.Platform]avatar.Resolver{
		message.Twitch: avatar.NewDecAPI(),
		message.Kick:   avatar.ResolverFunc(kickAPI.Avatar),
	})

	// Initialize platform adapters
	twitchAdapter := twitch.New(log, twitch.Options{
		Channels:       cfg.Twitch.Channels,
		Username:       cfg.Twitch.Username,
		OAuth:          cfg.Twitch.OAuth,
		ResolveAvatars: *cfg.Twitch.ResolveAvatars,
	}, avatars)

	kickAdapter := kick.New(log, kick.Options{
		Channel:    cfg.Kick.Channel,
		ChatroomID: cfg.Kick.ChatroomID,
		Mode:       cfg.Kick.Mode,
		PusherURL:  cfg.Kick.PusherURL,
	}, kickAPI, avatars)

	tiktokAdapter := tiktok.New(log, tiktok.Options{
		Username: cfg.TikTok.Username,
		RelayURL: cfg.TikTok.RelayURL,
	})

	var ytAPI youtube.API
	if cfg.YouTube.APIKey != "" {
		client, err := youtube.NewClient(ctx, cfg.YouTube.APIKey)
		if err != nil {
			log.Error("Failed to create YouTube client", slog.Any("error", err))
		} else {
			ytAPI = client
		}
	}
	youtubeAdapter := youtube.New(log, youtube.Options{
		Channel:         cfg.YouTube.Channel,
		APIKey:          cfg.YouTube.APIKey,
		MinPollInterval: cfg.YouTube.MinPollInterval,
		ErrorRetry:      cfg.YouTube.ErrorRetry,
	}, ytAPI)

	// Client frames: custom messages and the Kick browser bridge
	rel := relay.New(log, kickAdapter, events)

	hub := broadcast.NewHub(log, broadcast.Options{
		Buffer:   cfg.Server.ClientBuffer,
		KickMode: cfg.Kick.Mode,
		Channels: channels,
		Inbound:  rel.Handle,
	})

	sup := supervisor.New(log, supervisor.Policy{
		Disconnect:  cfg.Backoff.Disconnect,
		Transport:   cfg.Backoff.Transport,
		Generic:     cfg.Backoff.Generic,
		NotLive:     cfg.Backoff.NotLive,
		RateLimited: cfg.Backoff.RateLimited,
		Blocked:     cfg.Backoff.Blocked,
	}, hub, events)
	sup.Add(twitchAdapter, cfg.Twitch.IdleTimeout)
	sup.Add(kickAdapter, cfg.Kick.IdleTimeout)
	sup.Add(tiktokAdapter, cfg.TikTok.IdleTimeout)
	sup.Add(youtubeAdapter, cfg.YouTube.IdleTimeout)

	watchdog := supervisor.NewWatchdog(log, sup, cfg.Watchdog.Interval)

	httpServer := server.New(log, cfg.Server.Addr, server.Deps{
		Supervisor: sup,
		Hub:        hub,
		Avatars:    avatars,
		Kick:       kickAdapter,
		Channels:   channels,

		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	// Start all components
	var wg sync.WaitGroup

	// Start broadcaster
	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx, events)
	}()

	// Start platform connections
	sup.Start(ctx)

	// Start idle watchdog
	wg.Add(1)
	go func() {
		defer wg.Done()
		watchdog.Run(ctx)
	}()

	// Start HTTP server
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpServer.Start(); err != nil {
			log.Error("HTTP server error", slog.Any("error", err))
			cancel()
		}
	}()

	log.Info("All components started successfully")

	// Wait for shutdown signal
	select {
	case <-sigChan:
		log.Info("Shutdown signal received, initiating graceful shutdown...")
	case <-ctx.Done():
	}

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Stop HTTP server
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("Error shutting down HTTP server", slog.Any("error", err))
	}

	// Tear down platform connections, then stop the other components
	sup.Stop()
	cancel()

	// Wait for components to finish with timeout
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("All components stopped gracefully")
	case <-shutdownCtx.Done():
		log.Warn("Shutdown timeout exceeded, forcing exit")
	}

	log.Info("Multichat stopped")
}
