// Package broadcast fans normalized events and connectivity snapshots out
// to overlay clients over WebSocket.
package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/john/multichat/internal/message"
	"github.com/john/multichat/internal/metrics"
)

// InboundFunc handles one client-to-server frame
type InboundFunc func(ctx context.Context, data []byte)

// Options configures a Hub
type Options struct {
	Buffer   int // per-client send queue length
	KickMode string
	Channels map[message.Platform]string
	Inbound  InboundFunc
}

type statusUpdate struct {
	platform  message.Platform
	connected bool
}

// Hub owns the client set and the connectivity table. Both are touched only
// by the Run goroutine; everything else talks to it over channels.
type Hub struct {
	log      *slog.Logger
	buffer   int
	inbound  InboundFunc
	upgrader websocket.Upgrader

	register   chan *client
	unregister chan *client
	updates    chan statusUpdate
	snapshots  chan chan message.Status
	done       chan struct{}

	clients map[*client]struct{}
	status  message.Status

	messages    atomic.Int64
	dropped     atomic.Int64
	clientCount atomic.Int64
}

// NewHub creates a hub. Call Run before attaching clients.
func NewHub(log *slog.Logger, opts Options) *Hub {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}

	status := message.Status{
		Connected: make(map[message.Platform]bool, len(message.Platforms)),
		Channels:  make(map[message.Platform]string, len(opts.Channels)),
		KickMode:  opts.KickMode,
	}
	for _, p := range message.Platforms {
		status.Connected[p] = false
	}
	for p, ch := range opts.Channels {
		status.Channels[p] = ch
	}

	return &Hub{
		log:     log.With(slog.String("component", "hub")),
		buffer:  opts.Buffer,
		inbound: opts.Inbound,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true // overlays load from OBS and file:// origins
			},
		},
		register:   make(chan *client),
		unregister: make(chan *client),
		updates:    make(chan statusUpdate, 16),
		snapshots:  make(chan chan message.Status),
		done:       make(chan struct{}),
		clients:    make(map[*client]struct{}),
		status:     status,
	}
}

// Run serves the hub until ctx is cancelled, broadcasting every event read
// from events
func (h *Hub) Run(ctx context.Context, events <-chan message.Event) {
	defer close(h.done)

	for {
		select {
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.clientCount.Store(int64(len(h.clients)))
			metrics.Clients.Set(float64(len(h.clients)))
			// First frame, built from the same table updates are applied to.
			h.offer(c, h.statusFrame())

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.clientCount.Store(int64(len(h.clients)))
				metrics.Clients.Set(float64(len(h.clients)))
			}

		case u := <-h.updates:
			if h.status.Connected[u.platform] == u.connected {
				continue
			}
			h.status.Connected[u.platform] = u.connected
			h.log.Info("Platform status changed",
				slog.String("platform", string(u.platform)),
				slog.Bool("connected", u.connected))
			frame := h.statusFrame()
			for c := range h.clients {
				h.offer(c, frame)
			}

		case reply := <-h.snapshots:
			reply <- h.status.Clone()

		case ev := <-events:
			h.broadcast(ev)

		case <-ctx.Done():
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.clientCount.Store(0)
			metrics.Clients.Set(0)
			return
		}
	}
}

func (h *Hub) broadcast(ev message.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("Failed to encode event", slog.String("id", ev.ID), slog.Any("error", err))
		return
	}

	kind := "chat"
	if ev.IsDonation() {
		kind = "donation"
	}
	metrics.EventsBroadcast.WithLabelValues(string(ev.Platform), kind).Inc()
	h.messages.Add(1)

	for c := range h.clients {
		h.offer(c, data)
	}
}

// offer queues data for c without blocking; a full queue drops the frame
func (h *Hub) offer(c *client, data []byte) {
	select {
	case c.send <- data:
	default:
		h.dropped.Add(1)
		metrics.DroppedFrames.Inc()
	}
}

func (h *Hub) statusFrame() []byte {
	data, err := json.Marshal(h.status)
	if err != nil {
		h.log.Error("Failed to encode status", slog.Any("error", err))
		return nil
	}
	return data
}

// SetConnected records a platform's connectivity; a change is broadcast to
// every client
func (h *Hub) SetConnected(p message.Platform, connected bool) {
	select {
	case h.updates <- statusUpdate{platform: p, connected: connected}:
	case <-h.done:
	}
}

// Snapshot returns the current connectivity table
func (h *Hub) Snapshot() message.Status {
	reply := make(chan message.Status, 1)
	select {
	case h.snapshots <- reply:
		return <-reply
	case <-h.done:
		return message.Status{}
	}
}

// Messages returns how many events have been broadcast
func (h *Hub) Messages() int64 {
	return h.messages.Load()
}

// Clients returns the number of attached clients
func (h *Hub) Clients() int {
	return int(h.clientCount.Load())
}

// Dropped returns how many frames were skipped for slow clients
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// ServeHTTP upgrades the request and attaches the socket as a client
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade failed", slog.Any("error", err))
		return
	}

	c := newClient(h, conn)
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	h.log.Debug("Client attached", slog.String("remote", r.RemoteAddr))

	go c.writePump()
	c.readPump(r.Context())
	h.log.Debug("Client detached", slog.String("remote", r.RemoteAddr))
}

func (h *Hub) detach(c *client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
