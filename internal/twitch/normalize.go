package twitch

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gempir/go-twitch-irc/v4"

	"github.com/john/multichat/internal/message"
)

// DefaultColor is used when the chatter never picked a name color
const DefaultColor = "#9146FF"

const emoteURLFormat = "https://static-cdn.jtvnw.net/emoticons/v2/%s/default/dark/1.0"

// cheerToken matches one cheermote: a known prefix followed by the amount
var cheerToken = regexp.MustCompile(`(?i)^(cheer|cheerwhal|biblethump|corgo|uni|showlove|party|seemsgood|pride|kappa|frankerz|heyguys|dansgame|elegiggle|trihard|kreygasm|4head|swiftrage|notlikethis|failfish|vohiyo|pjsalt|mrdestructoid|bday|ripcheer|shamrock|streamlabs|muxy|doodlecheer|anon)\d+$`)

var badgeRoles = []struct {
	badge string
	role  message.Role
}{
	{"broadcaster", message.Role{Type: "broadcaster", Label: "Streamer"}},
	{"moderator", message.Role{Type: "moderator", Label: "Mod"}},
	{"vip", message.Role{Type: "vip", Label: "VIP"}},
	{"subscriber", message.Role{Type: "subscriber", Label: "Sub"}},
	{"founder", message.Role{Type: "founder", Label: "Founder"}},
	{"bits-leader", message.Role{Type: "bits", Label: "Bits"}},
}

// Roles maps IRC badges to roles in a fixed order
func Roles(badges map[string]int) []message.Role {
	var roles []message.Role
	for _, br := range badgeRoles {
		if _, ok := badges[br.badge]; ok {
			roles = append(roles, br.role)
		}
	}
	return roles
}

// ParseEmotes expands the emotes tag (id:start-end,start-end/id2:...) into
// one descriptor per occurrence, sorted by start. Offsets are rune offsets
// into text with End inclusive; spans that do not fit text are skipped.
func ParseEmotes(tag, text string) []message.Emote {
	if tag == "" {
		return nil
	}
	runes := []rune(text)

	var emotes []message.Emote
	for _, group := range strings.Split(tag, "/") {
		id, spans, ok := strings.Cut(group, ":")
		if !ok || id == "" {
			continue
		}
		for _, span := range strings.Split(spans, ",") {
			from, to, ok := strings.Cut(span, "-")
			if !ok {
				continue
			}
			start, err1 := strconv.Atoi(from)
			end, err2 := strconv.Atoi(to)
			if err1 != nil || err2 != nil || start < 0 || end < start || end >= len(runes) {
				continue
			}
			emotes = append(emotes, message.Emote{
				Text:  string(runes[start : end+1]),
				URL:   fmt.Sprintf(emoteURLFormat, id),
				Start: start,
				End:   end,
			})
		}
	}

	sort.SliceStable(emotes, func(i, j int) bool { return emotes[i].Start < emotes[j].Start })
	return emotes
}

// StripCheers removes cheermote tokens and collapses the remaining spaces
func StripCheers(text string) string {
	words := strings.Fields(text)
	kept := words[:0]
	for _, w := range words {
		if !cheerToken.MatchString(w) {
			kept = append(kept, w)
		}
	}
	return strings.Join(kept, " ")
}

func author(u twitch.User, avatar string) message.Author {
	name := u.DisplayName
	if name == "" {
		name = u.Name
	}
	color := u.Color
	if color == "" {
		color = DefaultColor
	}
	return message.Author{
		Name:      name,
		Color:     color,
		AvatarURL: avatar,
		Roles:     Roles(u.Badges),
	}
}

func createdAt(t, now time.Time) time.Time {
	if t.IsZero() {
		return now
	}
	return t
}

// FromPrivateMessage normalizes a PRIVMSG. A message carrying bits becomes
// one bits donation with the cheer tokens stripped and no emotes.
func FromPrivateMessage(msg twitch.PrivateMessage, avatar string, now time.Time) message.Event {
	ev := message.Event{
		ID:        message.IDOr(msg.ID, "tw"),
		Platform:  message.Twitch,
		Author:    author(msg.User, avatar),
		Text:      msg.Message,
		CreatedAt: createdAt(msg.Time, now),
	}

	bits := msg.Bits
	if bits == 0 {
		bits, _ = strconv.Atoi(msg.Tags["bits"])
	}
	if bits > 0 {
		ev.Text = StripCheers(msg.Message)
		ev.Donation = &message.Donation{
			Type:   message.Bits,
			Amount: float64(bits),
		}
		return ev
	}

	ev.Emotes = ParseEmotes(msg.Tags["emotes"], msg.Message)
	return ev
}

// FromUserNotice normalizes subscription notices. ok is false for notice
// kinds that are not monetization (raids, announcements).
func FromUserNotice(msg twitch.UserNoticeMessage, avatar string, now time.Time) (message.Event, bool) {
	param := func(key string) int {
		n, _ := strconv.Atoi(msg.MsgParams["msg-param-"+key])
		return n
	}

	var d message.Donation
	switch msg.MsgID {
	case "sub":
		d = message.Donation{Type: message.Sub, Months: max(param("cumulative-months"), 1)}
	case "resub":
		d = message.Donation{Type: message.Resub, Months: param("cumulative-months")}
	case "subgift":
		d = message.Donation{
			Type:     message.SubGift,
			GiftName: msg.MsgParams["msg-param-recipient-display-name"],
			Months:   max(param("gift-months"), 1),
			Quantity: 1,
		}
	case "submysterygift":
		d = message.Donation{Type: message.GiftedSub, Quantity: param("mass-gift-count")}
	default:
		return message.Event{}, false
	}

	text := msg.Message
	if text == "" {
		text = msg.SystemMsg
	}

	return message.Event{
		ID:        message.IDOr(msg.ID, "tw"),
		Platform:  message.Twitch,
		Author:    author(msg.User, avatar),
		Text:      text,
		CreatedAt: createdAt(msg.Time, now),
		Donation:  &d,
	}, true
}
