package kick

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/john/multichat/internal/message"
	"github.com/john/multichat/internal/platform"
)

// Connection modes
const (
	ModeBridge = "bridge"
	ModeDirect = "direct"
)

// DefaultPusherURL is the public Kick Pusher app
const DefaultPusherURL = "wss://ws-us2.pusher.com/app/32cbd69e4b950bf97679?protocol=7&client=js&version=8.4.0&flash=false"

const pingInterval = 25 * time.Second

// Options configures the Kick adapter
type Options struct {
	Channel    string
	ChatroomID int64
	Mode       string
	PusherURL  string
}

type signalKind int

const (
	signalMessage signalKind = iota
	signalDonation
	signalConnected
	signalDisconnected
)

type signal struct {
	kind    signalKind
	payload Relayed
}

// Adapter connects to Kick chat, either through the browser bridge or
// directly over Pusher
type Adapter struct {
	log     *slog.Logger
	opts    Options
	api     *API
	avatars platform.AvatarSource
	dialer  *websocket.Dialer
	now     func() time.Time

	chatroom atomic.Int64
	bridge   chan signal
	backoff  closeBackoff
}

// New creates a Kick adapter
func New(log *slog.Logger, opts Options, api *API, avatars platform.AvatarSource) *Adapter {
	if opts.Mode == "" {
		opts.Mode = ModeBridge
	}
	if opts.PusherURL == "" {
		opts.PusherURL = DefaultPusherURL
	}

	a := &Adapter{
		log:     log.With(slog.String("platform", "kick")),
		opts:    opts,
		api:     api,
		avatars: avatars,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		now:    time.Now,
		bridge: make(chan signal, 256),
	}
	a.chatroom.Store(opts.ChatroomID)
	return a
}

func (a *Adapter) Platform() message.Platform { return message.Kick }

// Configured reports whether a channel slug is set
func (a *Adapter) Configured() bool { return a.opts.Channel != "" }

// Mode returns bridge or direct
func (a *Adapter) Mode() string { return a.opts.Mode }

// Channel returns the configured slug
func (a *Adapter) Channel() string { return a.opts.Channel }

// ChatroomID returns the known chatroom id, 0 when unresolved
func (a *Adapter) ChatroomID() int64 { return a.chatroom.Load() }

// SetChatroomID records the chatroom id and reports whether it changed
func (a *Adapter) SetChatroomID(id int64) bool {
	return a.chatroom.Swap(id) != id
}

// Relay hands a bridge payload to the running adapter. It reports false
// when the payload was not accepted (direct mode, or the queue is full).
func (a *Adapter) Relay(r Relayed, donation bool) bool {
	kind := signalMessage
	if donation {
		kind = signalDonation
	}
	return a.signal(signal{kind: kind, payload: r})
}

// RelayConnected records that the bridge reached Kick chat
func (a *Adapter) RelayConnected() bool {
	return a.signal(signal{kind: signalConnected})
}

// RelayDisconnected records that the bridge lost Kick chat
func (a *Adapter) RelayDisconnected() bool {
	return a.signal(signal{kind: signalDisconnected})
}

func (a *Adapter) signal(s signal) bool {
	if a.opts.Mode != ModeBridge {
		return false
	}
	select {
	case a.bridge <- s:
		return true
	default:
		a.log.Warn("Bridge queue full, dropping payload")
		return false
	}
}

// Run serves one attempt in the configured mode
func (a *Adapter) Run(ctx context.Context, r platform.Reporter) error {
	if !a.Configured() {
		return platform.ErrNotConfigured
	}
	if a.opts.Mode == ModeDirect {
		return a.runDirect(ctx, r)
	}
	return a.runBridge(ctx, r)
}

// runBridge processes relayed payloads in arrival order until cancelled
func (a *Adapter) runBridge(ctx context.Context, r platform.Reporter) error {
	a.log.Info("Waiting for browser bridge", slog.String("channel", a.opts.Channel))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case s := <-a.bridge:
			switch s.kind {
			case signalConnected:
				r.Connected()
			case signalDisconnected:
				r.Disconnected()
			case signalMessage, signalDonation:
				// A relayed message means the bridge is up.
				r.Connected()
				avatar := a.avatars.Resolve(ctx, message.Kick, s.payload.ChatName)
				ev, ok := FromRelayed(s.payload, s.kind == signalDonation, avatar, a.now())
				if !ok {
					continue
				}
				r.Emit(ev)
			}
		}
	}
}

// runDirect subscribes to the chatroom over Pusher and reads until the
// socket closes
func (a *Adapter) runDirect(ctx context.Context, r platform.Reporter) error {
	chatroomID := a.ChatroomID()
	if chatroomID == 0 {
		channel, err := a.api.FetchChannel(ctx, a.opts.Channel)
		if err != nil {
			return fmt.Errorf("resolve chatroom for %s: %w", a.opts.Channel, err)
		}
		chatroomID = channel.Chatroom.ID
		a.SetChatroomID(chatroomID)
		a.log.Info("Resolved Kick channel", slog.String("channel", a.opts.Channel), slog.Int64("chatroom_id", chatroomID))
	}

	conn, resp, err := a.dialer.DialContext(ctx, a.opts.PusherURL, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			if statusErr := platform.FromStatus(resp.StatusCode); statusErr != nil {
				return fmt.Errorf("pusher handshake: %w", statusErr)
			}
		}
		return fmt.Errorf("pusher dial: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Closing the socket is what unblocks ReadMessage on cancellation.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	var writeMu sync.Mutex
	write := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(v)
	}

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := write(Frame{Event: "pusher:ping", Data: json.RawMessage(`{}`)}); err != nil {
					a.log.Debug("Pusher ping failed", slog.Any("error", err))
					return
				}
			}
		}
	}()

	channel := chatroomChannel(chatroomID)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return a.closed(err)
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			a.log.Debug("Dropping malformed Pusher frame", slog.Any("error", err))
			continue
		}

		switch f.Event {
		case eventConnected:
			sub := map[string]any{"auth": "", "channel": channel}
			raw, _ := json.Marshal(sub)
			if err := write(Frame{Event: "pusher:subscribe", Data: raw}); err != nil {
				return fmt.Errorf("pusher subscribe: %w", err)
			}
			r.Touch()

		case eventSubscribed:
			a.backoff.reset()
			r.Connected()
			a.log.Info("Subscribed to Kick chatroom", slog.String("channel", channel))

		case eventPong:
			r.Touch()

		case eventError:
			a.log.Warn("Pusher error", slog.String("data", string(f.Payload())))

		default:
			if f.Channel != "" && chatroomFromChannel(f.Channel) != chatroomID {
				continue
			}
			parsed, ok, err := ParseFrame(f, a.now())
			if err != nil {
				a.log.Debug("Dropping malformed Kick event", slog.String("event", f.Event), slog.Any("error", err))
				continue
			}
			if !ok {
				r.Touch()
				continue
			}
			parsed.Event.Author.AvatarURL = a.avatars.Resolve(ctx, message.Kick, parsed.Username)
			r.Emit(parsed.Event)
		}
	}
}

// closed maps a read failure to an attempt error carrying the close-code
// backoff delay
func (a *Adapter) closed(err error) error {
	code := 0
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		code = ce.Code
	}
	delay := a.backoff.next(code)
	a.log.Warn("Pusher connection closed", slog.Int("code", code), slog.Duration("retry_in", delay), slog.Any("error", err))
	return platform.RetryAfter(fmt.Errorf("pusher closed (code %d): %w", code, platform.ErrDisconnected), delay)
}

// closeBackoff is a capped exponential keyed to Pusher close codes:
// 4000-4099 do not reconnect soon, 4100-4199 are over capacity, 4200-4299
// ask for a prompt reconnect.
type closeBackoff struct {
	mu       sync.Mutex
	failures int
}

const maxCloseBackoff = 60 * time.Second

func (b *closeBackoff) next(code int) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	var base time.Duration
	switch {
	case code >= 4000 && code <= 4099:
		base = 30 * time.Second
	case code >= 4100 && code <= 4199:
		base = 2 * time.Second
	case code >= 4200 && code <= 4299:
		base = 500 * time.Millisecond
	default:
		base = time.Second
	}

	delay := base
	for i := 0; i < b.failures && delay < maxCloseBackoff; i++ {
		delay *= 2
	}
	b.failures++
	return min(delay, maxCloseBackoff)
}

func (b *closeBackoff) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
}
