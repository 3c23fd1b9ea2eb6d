// Package server exposes the overlay socket and a small HTTP control surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/john/multichat/internal/kick"
	"github.com/john/multichat/internal/message"
	"github.com/john/multichat/internal/platform"
	"github.com/john/multichat/internal/supervisor"
)

// Supervisor is the lifecycle control the server needs
type Supervisor interface {
	States() []supervisor.State
	ForceRestart(p message.Platform) error
}

// Hub serves the socket and reports broadcast counters
type Hub interface {
	http.Handler
	Snapshot() message.Status
	Messages() int64
	Clients() int
}

// Avatars reports the avatar cache size
type Avatars interface {
	Len() int
}

// KickChatroom holds the Kick chatroom id registration
type KickChatroom interface {
	Mode() string
	Channel() string
	ChatroomID() int64
	SetChatroomID(id int64) bool
}

// Deps are the components behind the HTTP routes
type Deps struct {
	Supervisor Supervisor
	Hub        Hub
	Avatars    Avatars
	Kick       KickChatroom
	Channels   map[message.Platform]string

	// AllowedOrigins for browser dashboards; empty allows any origin
	AllowedOrigins []string
}

// Server wraps the HTTP server for the socket and control routes
type Server struct {
	log     *slog.Logger
	deps    Deps
	started time.Time
	server  *http.Server

	mu       sync.Mutex
	restarts map[message.Platform]int
}

// New creates a server listening on addr
func New(log *slog.Logger, addr string, deps Deps) *Server {
	s := &Server{
		log:      log.With(slog.String("component", "server")),
		deps:     deps,
		started:  time.Now(),
		restarts: make(map[message.Platform]int),
	}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware())
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "multichat")
	})

	r.Get("/health", s.handleHealth)
	r.Get("/api/status", s.handleStatus)
	r.Post("/api/{platform}/restart", s.handleRestart)
	r.Get("/api/kick/channel-id", s.handleGetKickChannel)
	r.Post("/api/kick/channel-id", s.handleSetKickChannel)
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/ws", s.deps.Hub)
	r.Get("/", s.handleRoot)

	return r
}

func (s *Server) corsMiddleware() func(http.Handler) http.Handler {
	origins := s.deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	})
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.log.Info("HTTP server listening", slog.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down HTTP server...")
	return s.server.Shutdown(ctx)
}

func (s *Server) uptime() float64 {
	return time.Since(s.started).Seconds()
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.deps.Hub.ServeHTTP(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("multichat\n"))
}

type healthResponse struct {
	OK            bool    `json:"ok"`
	Uptime        float64 `json:"uptime"`
	Messages      int64   `json:"messages"`
	Clients       int     `json:"clients"`
	Twitch        bool    `json:"twitch"`
	Kick          bool    `json:"kick"`
	TikTok        bool    `json:"tiktok"`
	YouTube       bool    `json:"youtube"`
	AvatarsCached int     `json:"avatarsCached"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.deps.Hub.Snapshot()
	resp := healthResponse{
		OK:       true,
		Uptime:   s.uptime(),
		Messages: s.deps.Hub.Messages(),
		Clients:  s.deps.Hub.Clients(),
		Twitch:   status.Connected[message.Twitch],
		Kick:     status.Connected[message.Kick],
		TikTok:   status.Connected[message.TikTok],
		YouTube:  status.Connected[message.YouTube],
	}
	if s.deps.Avatars != nil {
		resp.AvatarsCached = s.deps.Avatars.Len()
	}
	writeJSON(w, http.StatusOK, resp)
}

type platformStatus struct {
	Connected   bool       `json:"connected"`
	Configured  bool       `json:"configured"`
	Phase       string     `json:"phase"`
	Channel     string     `json:"channel"`
	Retries     int        `json:"retries"`
	LastEventAt *time.Time `json:"lastEventAt"`
	LastError   string     `json:"lastError,omitempty"`
	NextRetryAt *time.Time `json:"nextRetryAt,omitempty"`
}

type statusResponse struct {
	Platforms map[message.Platform]platformStatus `json:"platforms"`
	KickMode  string                              `json:"kickMode,omitempty"`
	Clients   int                                 `json:"clients"`
	Messages  int64                               `json:"messages"`
	Uptime    float64                             `json:"uptime"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Platforms: make(map[message.Platform]platformStatus),
		Clients:   s.deps.Hub.Clients(),
		Messages:  s.deps.Hub.Messages(),
		Uptime:    s.uptime(),
	}
	if s.deps.Kick != nil {
		resp.KickMode = s.deps.Kick.Mode()
	}
	for _, st := range s.deps.Supervisor.States() {
		resp.Platforms[st.Platform] = platformStatus{
			Connected:   st.Phase == supervisor.PhaseConnected,
			Configured:  st.Configured,
			Phase:       string(st.Phase),
			Channel:     s.deps.Channels[st.Platform],
			Retries:     st.RetryCount,
			LastEventAt: timePtr(st.LastEventAt),
			LastError:   st.LastError,
			NextRetryAt: timePtr(st.NextRetryAt),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	p := message.Platform(strings.ToLower(chi.URLParam(r, "platform")))

	err := s.deps.Supervisor.ForceRestart(p)
	switch {
	case errors.Is(err, supervisor.ErrUnknownPlatform):
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown platform %q", p))
		return
	case errors.Is(err, platform.ErrNotConfigured):
		writeError(w, http.StatusConflict, fmt.Sprintf("%s is not configured", p))
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.mu.Lock()
	s.restarts[p]++
	n := s.restarts[p]
	s.mu.Unlock()

	s.log.Info("Platform restarted via API", slog.String("platform", string(p)), slog.Int("restarts", n))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "platform": p, "restarts": n})
}

type kickChannelResponse struct {
	KickID  *int64 `json:"kickId"`
	Channel string `json:"channel"`
}

func (s *Server) handleGetKickChannel(w http.ResponseWriter, r *http.Request) {
	if s.deps.Kick == nil {
		writeJSON(w, http.StatusOK, kickChannelResponse{})
		return
	}
	resp := kickChannelResponse{Channel: s.deps.Kick.Channel()}
	if id := s.deps.Kick.ChatroomID(); id != 0 {
		resp.KickID = &id
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSetKickChannel(w http.ResponseWriter, r *http.Request) {
	if s.deps.Kick == nil {
		writeError(w, http.StatusConflict, "kick is not configured")
		return
	}

	var body struct {
		ChannelID json.RawMessage `json:"channelId"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "channelId required")
		return
	}
	id, err := parseChannelID(body.ChannelID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	changed := s.deps.Kick.SetChatroomID(id)
	s.log.Info("Kick chatroom id registered", slog.Int64("chatroom_id", id), slog.Bool("changed", changed))
	if changed && s.deps.Kick.Mode() == kick.ModeDirect {
		if err := s.deps.Supervisor.ForceRestart(message.Kick); err != nil {
			s.log.Warn("Kick restart after chatroom change failed", slog.Any("error", err))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "kickId": id})
}

// parseChannelID accepts the id as a JSON number or a numeric string
func parseChannelID(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, errors.New("channelId required")
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		text = string(raw)
	}
	id, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("channelId must be a positive integer")
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
