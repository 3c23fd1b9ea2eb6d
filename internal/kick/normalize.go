package kick

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/john/multichat/internal/message"
)

// DefaultColor is used when the sender has no identity color
const DefaultColor = "#53FC18"

// Pusher event names carried on chatrooms.<id>.v2
const (
	EventChatMessage   = `App\Events\ChatMessageEvent`
	EventSubscription  = `App\Events\SubscriptionEvent`
	EventGiftedSubs    = `App\Events\GiftedSubscriptionsEvent`
	EventKicksGifted   = `KicksGifted`
	eventConnected     = "pusher:connection_established"
	eventSubscribed    = "pusher_internal:subscription_succeeded"
	eventPong          = "pusher:pong"
	eventError         = "pusher:error"
	emoteURLFormat     = "https://files.kick.com/emotes/%s/fullsize"
	chatroomChannelFmt = "chatrooms.%d.v2"
)

var emoteToken = regexp.MustCompile(`\[emote:(\d+):([^\]]*)\]`)

// Frame is one Pusher protocol frame. Data is usually a JSON document
// encoded as a string.
type Frame struct {
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
	Channel string          `json:"channel,omitempty"`
}

// Payload returns Data with one level of string encoding removed
func (f Frame) Payload() []byte {
	if len(f.Data) > 0 && f.Data[0] == '"' {
		var s string
		if err := json.Unmarshal(f.Data, &s); err == nil {
			return []byte(s)
		}
	}
	return f.Data
}

type badge struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Count int    `json:"count"`
}

type sender struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Slug     string `json:"slug"`
	Identity struct {
		Color  string  `json:"color"`
		Badges []badge `json:"badges"`
	} `json:"identity"`
}

type chatMessageData struct {
	ID         string    `json:"id"`
	ChatroomID int64     `json:"chatroom_id"`
	Content    string    `json:"content"`
	Type       string    `json:"type"`
	CreatedAt  time.Time `json:"created_at"`
	Sender     sender    `json:"sender"`
}

type subscriptionData struct {
	ChatroomID int64  `json:"chatroom_id"`
	Username   string `json:"username"`
	Months     int    `json:"months"`
}

type giftedSubsData struct {
	ChatroomID      int64    `json:"chatroom_id"`
	GiftedUsernames []string `json:"gifted_usernames"`
	GifterUsername  string   `json:"gifter_username"`
}

type kicksGiftedData struct {
	Message string `json:"message"`
	Sender  struct {
		ID            int64  `json:"id"`
		Username      string `json:"username"`
		UsernameColor string `json:"username_color"`
	} `json:"sender"`
	Gift struct {
		GiftID string  `json:"gift_id"`
		Name   string  `json:"name"`
		Amount float64 `json:"amount"`
	} `json:"gift"`
}

// Parsed is a normalized Pusher event before avatar resolution
type Parsed struct {
	Event    message.Event
	Username string // avatar lookup key
}

// ParseFrame turns an App event frame into an event. ok is false for frames
// that carry no chat content (protocol frames, unknown events).
func ParseFrame(f Frame, now time.Time) (Parsed, bool, error) {
	switch f.Event {
	case EventChatMessage:
		var d chatMessageData
		if err := json.Unmarshal(f.Payload(), &d); err != nil {
			return Parsed{}, false, fmt.Errorf("decode chat message: %w", err)
		}
		text, emotes := ParseEmotes(d.Content)
		created := d.CreatedAt
		if created.IsZero() {
			created = now
		}
		ev := message.Event{
			ID:       message.IDOr(d.ID, "kick"),
			Platform: message.Kick,
			Author: message.Author{
				Name:  d.Sender.Username,
				Color: colorOr(d.Sender.Identity.Color),
				Roles: Roles(d.Sender.Identity.Badges),
			},
			Text:      text,
			Emotes:    emotes,
			CreatedAt: created,
		}
		return Parsed{Event: ev, Username: d.Sender.Slug}, true, nil

	case EventSubscription:
		var d subscriptionData
		if err := json.Unmarshal(f.Payload(), &d); err != nil {
			return Parsed{}, false, fmt.Errorf("decode subscription: %w", err)
		}
		kind := message.Sub
		if d.Months > 1 {
			kind = message.Resub
		}
		ev := donation(d.Username, "", now, &message.Donation{Type: kind, Months: d.Months})
		return Parsed{Event: ev, Username: d.Username}, true, nil

	case EventGiftedSubs:
		var d giftedSubsData
		if err := json.Unmarshal(f.Payload(), &d); err != nil {
			return Parsed{}, false, fmt.Errorf("decode gifted subscriptions: %w", err)
		}
		ev := donation(d.GifterUsername, "", now, &message.Donation{
			Type:     message.GiftedSub,
			Quantity: len(d.GiftedUsernames),
		})
		return Parsed{Event: ev, Username: d.GifterUsername}, true, nil

	case EventKicksGifted:
		var d kicksGiftedData
		if err := json.Unmarshal(f.Payload(), &d); err != nil {
			return Parsed{}, false, fmt.Errorf("decode kicks gift: %w", err)
		}
		ev := donation(d.Sender.Username, d.Message, now, &message.Donation{
			Type:     message.Gift,
			Amount:   d.Gift.Amount,
			Currency: "KICKS",
			GiftName: d.Gift.Name,
			Quantity: 1,
		})
		if d.Sender.UsernameColor != "" {
			ev.Author.Color = d.Sender.UsernameColor
		}
		return Parsed{Event: ev, Username: d.Sender.Username}, true, nil
	}
	return Parsed{}, false, nil
}

func donation(username, text string, now time.Time, d *message.Donation) message.Event {
	return message.Event{
		ID:        message.NewID("kick"),
		Platform:  message.Kick,
		Author:    message.Author{Name: username, Color: DefaultColor},
		Text:      text,
		CreatedAt: now,
		Donation:  d,
	}
}

// Roles maps Kick identity badges to roles
func Roles(badges []badge) []message.Role {
	var roles []message.Role
	for _, b := range badges {
		switch strings.ToLower(b.Type) {
		case "broadcaster":
			roles = append(roles, message.Role{Type: "broadcaster", Label: "Streamer"})
		case "moderator":
			roles = append(roles, message.Role{Type: "moderator", Label: "Mod"})
		case "vip":
			roles = append(roles, message.Role{Type: "vip", Label: "VIP"})
		case "subscriber":
			roles = append(roles, message.Role{Type: "subscriber", Label: "Sub"})
		case "founder":
			roles = append(roles, message.Role{Type: "founder", Label: "Founder"})
		case "og":
			roles = append(roles, message.Role{Type: "og", Label: "OG"})
		case "verified":
			roles = append(roles, message.Role{Type: "verified", Label: "Verified"})
		}
	}
	return roles
}

// ParseEmotes replaces [emote:<id>:<name>] tokens with their names and
// returns one descriptor per occurrence, positioned in the rewritten text
func ParseEmotes(content string) (string, []message.Emote) {
	matches := emoteToken.FindAllStringSubmatchIndex(content, -1)
	if len(matches) == 0 {
		return content, nil
	}

	var b strings.Builder
	var emotes []message.Emote
	last := 0
	for _, m := range matches {
		b.WriteString(content[last:m[0]])
		id, name := content[m[2]:m[3]], content[m[4]:m[5]]
		start := utf8.RuneCountInString(b.String())
		b.WriteString(name)
		if n := utf8.RuneCountInString(name); n > 0 {
			emotes = append(emotes, message.Emote{
				Text:  name,
				URL:   fmt.Sprintf(emoteURLFormat, id),
				Start: start,
				End:   start + n - 1,
			})
		}
		last = m[1]
	}
	b.WriteString(content[last:])
	return b.String(), emotes
}

// Relayed is a chat or donation payload forwarded by the browser bridge
type Relayed struct {
	ChatName     string         `json:"chatname"`
	ChatMessage  string         `json:"chatmessage"`
	NameColor    string         `json:"nameColor"`
	Roles        []message.Role `json:"roles"`
	MID          string         `json:"mid"`
	DonationType string         `json:"donationType"`
	Amount       float64        `json:"amount"`
	Currency     string         `json:"currency"`
	Months       int            `json:"months"`
	GiftName     string         `json:"giftName"`
	Quantity     int            `json:"quantity"`
}

// FromRelayed builds an event from a bridge payload. ok is false when the
// payload has neither a name nor a message.
func FromRelayed(r Relayed, donation bool, avatar string, now time.Time) (message.Event, bool) {
	if r.ChatName == "" && r.ChatMessage == "" {
		return message.Event{}, false
	}

	name := r.ChatName
	if name == "" {
		name = "Unknown"
	}
	text, emotes := ParseEmotes(r.ChatMessage)

	ev := message.Event{
		ID:       message.IDOr(r.MID, "kick"),
		Platform: message.Kick,
		Author: message.Author{
			Name:      name,
			Color:     colorOr(r.NameColor),
			AvatarURL: avatar,
			Roles:     r.Roles,
		},
		Text:      text,
		Emotes:    emotes,
		CreatedAt: now,
	}
	if donation {
		kind := message.DonationType(r.DonationType)
		if kind == "" {
			kind = message.Gift
		}
		ev.Donation = &message.Donation{
			Type:     kind,
			Amount:   r.Amount,
			Currency: r.Currency,
			Months:   r.Months,
			GiftName: r.GiftName,
			Quantity: r.Quantity,
		}
	}
	return ev, true
}

func colorOr(c string) string {
	if c == "" {
		return DefaultColor
	}
	return c
}

func chatroomChannel(id int64) string {
	return fmt.Sprintf(chatroomChannelFmt, id)
}

// chatroomFromChannel extracts the id from chatrooms.<id>.v2
func chatroomFromChannel(channel string) int64 {
	parts := strings.Split(channel, ".")
	if len(parts) != 3 || parts[0] != "chatrooms" {
		return 0
	}
	id, _ := strconv.ParseInt(parts[1], 10, 64)
	return id
}
