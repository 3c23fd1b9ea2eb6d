// Package tiktok reads a TikTok LIVE room through a webcast relay that
// speaks JSON frames over WebSocket.
package tiktok

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/john/multichat/internal/message"
	"github.com/john/multichat/internal/platform"
)

// dropDelay is how long to wait after the feed drops
const dropDelay = 10 * time.Second

// Options configures the TikTok adapter
type Options struct {
	Username string
	RelayURL string // contains {username}
}

// Adapter holds at most one live relay connection
type Adapter struct {
	log    *slog.Logger
	opts   Options
	dialer *websocket.Dialer
	now    func() time.Time

	mu      sync.Mutex
	current *websocket.Conn
}

// New creates a TikTok adapter
func New(log *slog.Logger, opts Options) *Adapter {
	opts.Username = strings.TrimPrefix(strings.TrimSpace(opts.Username), "@")
	return &Adapter{
		log:  log.With(slog.String("platform", "tiktok")),
		opts: opts,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		now: time.Now,
	}
}

func (a *Adapter) Platform() message.Platform { return message.TikTok }

// Configured reports whether a username and relay are set
func (a *Adapter) Configured() bool {
	return a.opts.Username != "" && a.opts.RelayURL != ""
}

func (a *Adapter) relayURL() string {
	return strings.ReplaceAll(a.opts.RelayURL, "{username}", url.PathEscape(a.opts.Username))
}

// closeCurrent closes the previous instance, if any
func (a *Adapter) closeCurrent() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current != nil {
		a.log.Debug("Closing previous relay connection")
		a.current.Close()
		a.current = nil
	}
}

// Run dials the relay and forwards events until the feed ends
func (a *Adapter) Run(ctx context.Context, r platform.Reporter) error {
	if !a.Configured() {
		return platform.ErrNotConfigured
	}
	a.closeCurrent()

	a.log.Info("Connecting to TikTok LIVE", slog.String("user", "@"+a.opts.Username))
	conn, resp, err := a.dialer.DialContext(ctx, a.relayURL(), nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			if statusErr := platform.FromStatus(resp.StatusCode); statusErr != nil {
				return fmt.Errorf("tiktok relay handshake: %w", statusErr)
			}
		}
		return fmt.Errorf("tiktok relay dial: %w", err)
	}

	a.mu.Lock()
	a.current = conn
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		if a.current == conn {
			a.current = nil
		}
		a.mu.Unlock()
		conn.Close()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return platform.RetryAfter(fmt.Errorf("tiktok feed dropped: %v: %w", err, platform.ErrDisconnected), dropDelay)
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			a.log.Debug("Dropping malformed relay frame", slog.Any("error", err))
			continue
		}

		switch f.Event {
		case EventConnected:
			a.log.Info("Connected to TikTok LIVE", slog.String("data", string(f.Data)))
			r.Connected()

		case EventMember, EventLike:
			r.Touch()

		case EventStreamEnd:
			return fmt.Errorf("tiktok stream ended: %w", platform.ErrNotLive)

		case EventError:
			return fmt.Errorf("tiktok relay: %w", platform.FromText(a.errorText(f.Data)))

		default:
			ev, ok, err := Normalize(f, a.opts.Username, a.now())
			if err != nil {
				a.log.Debug("Dropping malformed TikTok event", slog.String("event", f.Event), slog.Any("error", err))
				continue
			}
			if !ok {
				r.Touch()
				continue
			}
			r.Emit(ev)
		}
	}
}

// errorText reads the message of an error frame. Payloads that are not an
// error object are classified by their raw text.
func (a *Adapter) errorText(data json.RawMessage) string {
	var e errorData
	if err := json.Unmarshal(data, &e); err != nil {
		a.log.Debug("Malformed relay error frame", slog.String("data", string(data)), slog.Any("error", err))
		var text string
		if json.Unmarshal(data, &text) == nil && text != "" {
			return text
		}
		if len(data) > 0 {
			return string(data)
		}
	}
	return e.Text()
}
