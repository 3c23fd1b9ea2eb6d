package message

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Platform identifies where an event came from
type Platform string

const (
	Twitch  Platform = "twitch"
	Kick    Platform = "kick"
	TikTok  Platform = "tiktok"
	YouTube Platform = "youtube"
	Custom  Platform = "custom"
)

// Platforms lists every platform that has a connection lifecycle, in status order
var Platforms = []Platform{Twitch, Kick, TikTok, YouTube}

// DonationType is the monetization subtype of a donation event
type DonationType string

const (
	Bits         DonationType = "bits"
	Sub          DonationType = "sub"
	Resub        DonationType = "resub"
	SubGift      DonationType = "subgift"
	GiftedSub    DonationType = "giftedsub"
	Gift         DonationType = "gift"
	SuperChat    DonationType = "superchat"
	SuperSticker DonationType = "supersticker"
	Member       DonationType = "member"
)

// Role is a badge-derived role shown next to the author name
type Role struct {
	Type  string `json:"type"`
	Label string `json:"label"`
}

// Emote is one occurrence of an inline emote in the message text.
// Start and End are rune offsets, End inclusive.
type Emote struct {
	Text  string `json:"text"`
	URL   string `json:"url"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// Author is the sender of an event
type Author struct {
	Name      string
	Color     string
	AvatarURL string
	Roles     []Role
}

// Donation carries the monetization fields of a donation event
type Donation struct {
	Type     DonationType
	Amount   float64
	Currency string
	Months   int
	GiftName string
	Quantity int
}

// Event is a normalized chat event from any platform. A non-nil Donation
// makes it a donation event.
type Event struct {
	ID        string
	Platform  Platform
	Author    Author
	Text      string
	Emotes    []Emote
	CreatedAt time.Time
	Donation  *Donation
}

// IsDonation reports whether the event carries donation fields
func (e Event) IsDonation() bool {
	return e.Donation != nil
}

// wireEvent is the JSON shape overlay clients consume
type wireEvent struct {
	Type         string       `json:"type"`
	Platform     Platform     `json:"platform"`
	ChatName     string       `json:"chatname"`
	ChatMessage  string       `json:"chatmessage"`
	ChatImg      string       `json:"chatimg,omitempty"`
	NameColor    string       `json:"nameColor"`
	Roles        []Role       `json:"roles"`
	ChatEmotes   []Emote      `json:"chatemotes,omitempty"`
	MID          string       `json:"mid"`
	Timestamp    int64        `json:"timestamp"`
	DonationType DonationType `json:"donationType,omitempty"`
	Amount       float64      `json:"amount,omitempty"`
	Currency     string       `json:"currency,omitempty"`
	Months       int          `json:"months,omitempty"`
	GiftName     string       `json:"giftName,omitempty"`
	Quantity     int          `json:"quantity,omitempty"`
}

// MarshalJSON encodes the event in the overlay wire format
func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{
		Type:        string(e.Platform),
		Platform:    e.Platform,
		ChatName:    e.Author.Name,
		ChatMessage: e.Text,
		ChatImg:     e.Author.AvatarURL,
		NameColor:   e.Author.Color,
		Roles:       e.Author.Roles,
		ChatEmotes:  e.Emotes,
		MID:         e.ID,
		Timestamp:   e.CreatedAt.UnixMilli(),
	}
	if w.Roles == nil {
		w.Roles = []Role{}
	}
	if d := e.Donation; d != nil {
		w.Type = "donation"
		w.DonationType = d.Type
		w.Amount = d.Amount
		w.Currency = d.Currency
		w.Months = d.Months
		w.GiftName = d.GiftName
		w.Quantity = d.Quantity
	}
	return json.Marshal(w)
}

// NewID returns a generated event id with the given prefix, for platforms
// that do not supply their own message ids
func NewID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// IDOr returns id when the platform supplied one, a generated id otherwise
func IDOr(id, prefix string) string {
	if id != "" {
		return id
	}
	return NewID(prefix)
}
