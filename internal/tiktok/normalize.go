package tiktok

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/john/multichat/internal/message"
)

// DefaultColor is the name color for every TikTok author
const DefaultColor = "#FF0050"

// Relay event names, as emitted by the webcast connector
const (
	EventConnected = "connected"
	EventChat      = "chat"
	EventGift      = "gift"
	EventSubscribe = "subscribe"
	EventMember    = "member"
	EventLike      = "like"
	EventStreamEnd = "streamEnd"
	EventError     = "error"
)

// giftTypeStreak marks gifts that can be sent as a repeat streak
const giftTypeStreak = 1

// Frame is one relay message
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type user struct {
	UniqueID          string `json:"uniqueId"`
	Nickname          string `json:"nickname"`
	ProfilePictureURL string `json:"profilePictureUrl"`
	IsModerator       bool   `json:"isModerator"`
	IsSubscriber      bool   `json:"isSubscriber"`
}

type chatData struct {
	user
	MsgID   string `json:"msgId"`
	Comment string `json:"comment"`
}

type giftData struct {
	user
	MsgID        string `json:"msgId"`
	GiftID       int    `json:"giftId"`
	GiftName     string `json:"giftName"`
	GiftType     int    `json:"giftType"`
	DiamondCount int    `json:"diamondCount"`
	RepeatCount  int    `json:"repeatCount"`
	RepeatEnd    bool   `json:"repeatEnd"`
}

type subscribeData struct {
	user
	MsgID    string `json:"msgId"`
	SubMonth int    `json:"subMonth"`
}

type errorData struct {
	Message string `json:"message"`
	Info    string `json:"info"`
}

// Text returns the error message the relay carried
func (e errorData) Text() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Info != "" {
		return e.Info
	}
	return "relay error"
}

func (u user) author(streamer string) message.Author {
	name := u.UniqueID
	if name == "" {
		name = u.Nickname
	}
	if name == "" {
		name = "TikToker"
	}

	var roles []message.Role
	if streamer != "" && strings.EqualFold(u.UniqueID, streamer) {
		roles = append(roles, message.Role{Type: "broadcaster", Label: "Streamer"})
	}
	if u.IsModerator {
		roles = append(roles, message.Role{Type: "moderator", Label: "Mod"})
	}
	if u.IsSubscriber {
		roles = append(roles, message.Role{Type: "subscriber", Label: "Sub"})
	}

	return message.Author{
		Name:      name,
		Color:     DefaultColor,
		AvatarURL: u.ProfilePictureURL,
		Roles:     roles,
	}
}

// Normalize maps chat, gift and subscribe frames to events. ok is false for
// frames that produce nothing, including intermediate streak repeats.
func Normalize(f Frame, streamer string, now time.Time) (message.Event, bool, error) {
	switch f.Event {
	case EventChat:
		var d chatData
		if err := json.Unmarshal(f.Data, &d); err != nil {
			return message.Event{}, false, fmt.Errorf("decode chat: %w", err)
		}
		return message.Event{
			ID:        message.IDOr(d.MsgID, "tt"),
			Platform:  message.TikTok,
			Author:    d.author(streamer),
			Text:      d.Comment,
			CreatedAt: now,
		}, true, nil

	case EventGift:
		var d giftData
		if err := json.Unmarshal(f.Data, &d); err != nil {
			return message.Event{}, false, fmt.Errorf("decode gift: %w", err)
		}
		// Streak gifts repeat until repeatEnd; only the final frame counts.
		if d.GiftType == giftTypeStreak && !d.RepeatEnd {
			return message.Event{}, false, nil
		}
		count := max(d.RepeatCount, 1)
		return message.Event{
			ID:        message.IDOr(d.MsgID, "tt"),
			Platform:  message.TikTok,
			Author:    d.author(streamer),
			Text:      fmt.Sprintf("sent %s x%d", d.GiftName, count),
			CreatedAt: now,
			Donation: &message.Donation{
				Type:     message.Gift,
				Amount:   float64(d.DiamondCount * count),
				Currency: "DIAMONDS",
				GiftName: d.GiftName,
				Quantity: count,
			},
		}, true, nil

	case EventSubscribe:
		var d subscribeData
		if err := json.Unmarshal(f.Data, &d); err != nil {
			return message.Event{}, false, fmt.Errorf("decode subscribe: %w", err)
		}
		kind := message.Sub
		if d.SubMonth > 1 {
			kind = message.Resub
		}
		return message.Event{
			ID:        message.IDOr(d.MsgID, "tt"),
			Platform:  message.TikTok,
			Author:    d.author(streamer),
			CreatedAt: now,
			Donation:  &message.Donation{Type: kind, Months: max(d.SubMonth, 1)},
		}, true, nil
	}
	return message.Event{}, false, nil
}
