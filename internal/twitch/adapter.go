package twitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gempir/go-twitch-irc/v4"
	"golang.org/x/sync/errgroup"

	"github.com/john/multichat/internal/message"
	"github.com/john/multichat/internal/platform"
)

// ircClient is the subset of *twitch.Client the adapter drives
type ircClient interface {
	OnConnect(callback func())
	OnPrivateMessage(callback func(msg twitch.PrivateMessage))
	OnUserNoticeMessage(callback func(msg twitch.UserNoticeMessage))
	OnPongMessage(callback func(msg twitch.PongMessage))
	Join(channels ...string)
	Connect() error
	Disconnect() error
}

// Options configures the Twitch adapter
type Options struct {
	Channels       []string
	Username       string
	OAuth          string
	ResolveAvatars bool
}

// closeTimeout bounds how long a cancelled session waits for Connect to return
const closeTimeout = 5 * time.Second

// Adapter manages Twitch chat connections, one IRC session per channel
type Adapter struct {
	log          *slog.Logger
	opts         Options
	avatars      platform.AvatarSource
	newClient    func() ircClient
	now          func() time.Time
	closeTimeout time.Duration
}

// New creates a Twitch adapter. Without credentials it joins anonymously.
func New(log *slog.Logger, opts Options, avatars platform.AvatarSource) *Adapter {
	a := &Adapter{
		log:          log.With(slog.String("platform", "twitch")),
		opts:         opts,
		avatars:      avatars,
		now:          time.Now,
		closeTimeout: closeTimeout,
	}
	a.newClient = func() ircClient {
		if opts.Username != "" && opts.OAuth != "" {
			return twitch.NewClient(opts.Username, opts.OAuth)
		}
		return twitch.NewAnonymousClient()
	}
	return a
}

func (a *Adapter) Platform() message.Platform { return message.Twitch }

// Configured reports whether any channel is set
func (a *Adapter) Configured() bool { return len(a.opts.Channels) > 0 }

// Run keeps one session per channel and returns when the first one ends
func (a *Adapter) Run(ctx context.Context, r platform.Reporter) error {
	if !a.Configured() {
		return platform.ErrNotConfigured
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, channel := range a.opts.Channels {
		channel := strings.ToLower(strings.TrimPrefix(channel, "#"))
		g.Go(func() error {
			return a.session(gctx, r, channel)
		})
	}

	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// session runs one IRC client for channel. Callbacks fire on the client's
// reader goroutine, so they only queue; a worker normalizes in order.
func (a *Adapter) session(ctx context.Context, r platform.Reporter, channel string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log := a.log.With(slog.String("channel", channel))
	queue := make(chan any, 256)
	enqueue := func(v any) {
		select {
		case queue <- v:
		case <-ctx.Done():
		}
	}

	// The client redials on its own after a drop: a second welcome in one
	// session ends it as a disconnect. Disconnect is a no-op before the
	// welcome, so a cancelled session disconnects here once it arrives.
	client := a.newClient()
	dropped := make(chan struct{}, 1)
	var welcomes atomic.Int32
	client.OnConnect(func() {
		switch {
		case ctx.Err() != nil:
			client.Disconnect()
		case welcomes.Add(1) > 1:
			client.Disconnect()
			select {
			case dropped <- struct{}{}:
			default:
			}
		default:
			log.Info("Connected to Twitch IRC")
			r.Connected()
		}
	})
	client.OnPongMessage(func(twitch.PongMessage) {
		r.Touch()
	})
	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		enqueue(msg)
	})
	client.OnUserNoticeMessage(func(msg twitch.UserNoticeMessage) {
		enqueue(msg)
	})
	client.Join(channel)
	log.Info("Joined channel")

	go a.process(ctx, r, queue)

	errCh := make(chan error, 1)
	go func() {
		errCh <- client.Connect()
	}()

	select {
	case <-ctx.Done():
		log.Info("Disconnecting from Twitch IRC...")
		if err := client.Disconnect(); errors.Is(err, twitch.ErrConnectionIsNotOpen) {
			log.Debug("Not welcomed yet, disconnecting on welcome")
		}
		a.awaitClose(log, errCh)
		return ctx.Err()
	case <-dropped:
		log.Info("Twitch IRC connection dropped")
		a.awaitClose(log, errCh)
		return fmt.Errorf("twitch #%s: connection dropped: %w", channel, platform.ErrDisconnected)
	case err := <-errCh:
		return connectError(channel, err)
	}
}

// awaitClose waits for Connect to return, abandoning the client after
// closeTimeout
func (a *Adapter) awaitClose(log *slog.Logger, errCh <-chan error) {
	select {
	case <-errCh:
	case <-time.After(a.closeTimeout):
		log.Warn("Twitch IRC client did not close, abandoning it", slog.Duration("waited", a.closeTimeout))
	}
}

func (a *Adapter) process(ctx context.Context, r platform.Reporter, queue <-chan any) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-queue:
			switch msg := item.(type) {
			case twitch.PrivateMessage:
				r.Emit(FromPrivateMessage(msg, a.avatar(ctx, msg.User, msg.Tags), a.now()))
			case twitch.UserNoticeMessage:
				if ev, ok := FromUserNotice(msg, a.avatar(ctx, msg.User, msg.Tags), a.now()); ok {
					r.Emit(ev)
				}
			}
		}
	}
}

// avatar prefers the profile-image-url tag and falls back to the cache
func (a *Adapter) avatar(ctx context.Context, u twitch.User, tags map[string]string) string {
	if url := tags["profile-image-url"]; url != "" {
		return url
	}
	if !a.opts.ResolveAvatars || a.avatars == nil {
		return ""
	}
	return a.avatars.Resolve(ctx, message.Twitch, u.Name)
}

// connectError classifies how Connect ended: failed logins are blocked,
// network failures stay transport errors, anything else is a disconnect
func connectError(channel string, err error) error {
	if errors.Is(err, twitch.ErrLoginAuthenticationFailed) {
		return fmt.Errorf("twitch #%s: %v: %w", channel, err, platform.ErrBlocked)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("twitch #%s: %w", channel, err)
	}
	if err == nil {
		err = errors.New("connection closed")
	}
	return fmt.Errorf("twitch #%s: %v: %w", channel, err, platform.ErrDisconnected)
}
