// Package relay routes frames that overlay clients send over the socket.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/john/multichat/internal/kick"
	"github.com/john/multichat/internal/message"
)

// Custom message defaults
const (
	CustomName  = "You"
	CustomColor = "#FF6B9D"
)

// Client frame types
const (
	TypeCustomMessage    = "custom_message"
	TypeKickMessage      = "kick_message"
	TypeKickDonation     = "kick_donation"
	TypeKickConnected    = "kick_connected"
	TypeKickDisconnected = "kick_disconnected"
)

// KickBridge receives what the browser bridge forwards
type KickBridge interface {
	Relay(r kick.Relayed, donation bool) bool
	RelayConnected() bool
	RelayDisconnected() bool
}

type frame struct {
	Type string `json:"type"`
	User string `json:"user"`
	Text string `json:"text"`
	kick.Relayed
}

// Relay decodes client frames. Custom messages go straight onto the event
// stream; Kick bridge frames go to the Kick adapter.
type Relay struct {
	log    *slog.Logger
	kick   KickBridge
	events chan<- message.Event
	now    func() time.Time
}

// New creates a relay. bridge may be nil.
func New(log *slog.Logger, bridge KickBridge, events chan<- message.Event) *Relay {
	return &Relay{
		log:    log.With(slog.String("component", "relay")),
		kick:   bridge,
		events: events,
		now:    time.Now,
	}
}

// Handle processes one frame. Malformed and unknown frames are dropped.
func (r *Relay) Handle(ctx context.Context, data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		r.log.Debug("Dropping malformed client frame", slog.Any("error", err))
		return
	}

	switch f.Type {
	case TypeCustomMessage:
		r.custom(ctx, f)
	case TypeKickMessage, TypeKickDonation:
		if r.kick == nil || !r.kick.Relay(f.Relayed, f.Type == TypeKickDonation) {
			r.log.Debug("Kick relay frame ignored", slog.String("type", f.Type))
		}
	case TypeKickConnected:
		if r.kick != nil {
			r.kick.RelayConnected()
		}
	case TypeKickDisconnected:
		if r.kick != nil {
			r.kick.RelayDisconnected()
		}
	default:
		r.log.Debug("Unknown client frame type", slog.String("type", f.Type))
	}
}

func (r *Relay) custom(ctx context.Context, f frame) {
	text := strings.TrimSpace(f.Text)
	if text == "" {
		return
	}
	name := strings.TrimSpace(f.User)
	if name == "" {
		name = CustomName
	}

	ev := message.Event{
		ID:        message.NewID("custom"),
		Platform:  message.Custom,
		Author:    message.Author{Name: name, Color: CustomColor},
		Text:      text,
		CreatedAt: r.now(),
	}
	select {
	case r.events <- ev:
	case <-ctx.Done():
	}
}
