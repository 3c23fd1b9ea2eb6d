package youtube

import (
	"time"

	yt "google.golang.org/api/youtube/v3"

	"github.com/john/multichat/internal/message"
)

// DefaultColor is the name color for every YouTube author
const DefaultColor = "#FF0000"

// Live chat item types
const (
	typeText              = "textMessageEvent"
	typeSuperChat         = "superChatEvent"
	typeSuperSticker      = "superStickerEvent"
	typeNewSponsor        = "newSponsorEvent"
	typeMemberMilestone   = "memberMilestoneChatEvent"
	typeMembershipGifting = "membershipGiftingEvent"
)

// Roles maps author flags to display roles
func Roles(a *yt.LiveChatMessageAuthorDetails) []message.Role {
	if a == nil {
		return nil
	}
	var roles []message.Role
	if a.IsChatOwner {
		roles = append(roles, message.Role{Type: "broadcaster", Label: "Streamer"})
	}
	if a.IsChatModerator {
		roles = append(roles, message.Role{Type: "moderator", Label: "Mod"})
	}
	if a.IsChatSponsor {
		roles = append(roles, message.Role{Type: "subscriber", Label: "Member"})
	}
	if a.IsVerified {
		roles = append(roles, message.Role{Type: "verified", Label: "Verified"})
	}
	return roles
}

func micros(v uint64) float64 {
	return float64(v) / 1e6
}

// FromMessage maps one live chat item. ok is false for item types that are
// not shown.
func FromMessage(m *yt.LiveChatMessage, now time.Time) (message.Event, bool) {
	if m == nil || m.Snippet == nil {
		return message.Event{}, false
	}
	s := m.Snippet

	ev := message.Event{
		ID:        message.IDOr(m.Id, "yt"),
		Platform:  message.YouTube,
		Text:      s.DisplayMessage,
		CreatedAt: now,
	}
	if t, err := time.Parse(time.RFC3339, s.PublishedAt); err == nil {
		ev.CreatedAt = t
	}

	ev.Author = message.Author{Name: "YouTube", Color: DefaultColor}
	if a := m.AuthorDetails; a != nil {
		if a.DisplayName != "" {
			ev.Author.Name = a.DisplayName
		}
		ev.Author.AvatarURL = a.ProfileImageUrl
		ev.Author.Roles = Roles(a)
	}

	switch s.Type {
	case typeText:
		if d := s.TextMessageDetails; d != nil && d.MessageText != "" {
			ev.Text = d.MessageText
		}

	case typeSuperChat:
		d := s.SuperChatDetails
		if d == nil {
			return message.Event{}, false
		}
		ev.Text = d.UserComment
		ev.Donation = &message.Donation{
			Type:     message.SuperChat,
			Amount:   micros(d.AmountMicros),
			Currency: d.Currency,
		}

	case typeSuperSticker:
		d := s.SuperStickerDetails
		if d == nil {
			return message.Event{}, false
		}
		ev.Donation = &message.Donation{
			Type:     message.SuperSticker,
			Amount:   micros(d.AmountMicros),
			Currency: d.Currency,
		}
		if d.SuperStickerMetadata != nil {
			ev.Donation.GiftName = d.SuperStickerMetadata.AltText
		}

	case typeNewSponsor:
		ev.Donation = &message.Donation{Type: message.Member}
		if d := s.NewSponsorDetails; d != nil {
			ev.Donation.GiftName = d.MemberLevelName
		}

	case typeMemberMilestone:
		ev.Donation = &message.Donation{Type: message.Member}
		if d := s.MemberMilestoneChatDetails; d != nil {
			ev.Text = d.UserComment
			ev.Donation.Months = int(d.MemberMonth)
			ev.Donation.GiftName = d.MemberLevelName
		}

	case typeMembershipGifting:
		ev.Donation = &message.Donation{Type: message.GiftedSub, Quantity: 1}
		if d := s.MembershipGiftingDetails; d != nil {
			ev.Donation.Quantity = max(int(d.GiftMembershipsCount), 1)
			ev.Donation.GiftName = d.GiftMembershipsLevelName
		}

	default:
		return message.Event{}, false
	}
	return ev, true
}
