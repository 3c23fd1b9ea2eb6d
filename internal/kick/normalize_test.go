package kick

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/john/multichat/internal/message"
)

func pusherFrame(t *testing.T, event string, data any) Frame {
	t.Helper()
	inner, err := json.Marshal(data)
	require.NoError(t, err)
	encoded, err := json.Marshal(string(inner))
	require.NoError(t, err)
	return Frame{Event: event, Data: encoded, Channel: "chatrooms.7.v2"}
}

func TestParseEmotes(t *testing.T) {
	text, emotes := ParseEmotes("hi [emote:37226:KEKW] and [emote:1:ñé]!")
	assert.Equal(t, "hi KEKW and ñé!", text)
	require.Len(t, emotes, 2)
	assert.Equal(t, message.Emote{Text: "KEKW", URL: "https://files.kick.com/emotes/37226/fullsize", Start: 3, End: 6}, emotes[0])
	assert.Equal(t, message.Emote{Text: "ñé", URL: "https://files.kick.com/emotes/1/fullsize", Start: 12, End: 13}, emotes[1])

	text, emotes = ParseEmotes("plain")
	assert.Equal(t, "plain", text)
	assert.Nil(t, emotes)
}

func TestParseChatMessage(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	f := pusherFrame(t, EventChatMessage, map[string]any{
		"id":          "abc-123",
		"chatroom_id": 7,
		"content":     "gg [emote:5:PogU]",
		"sender": map[string]any{
			"username": "Viewer",
			"slug":     "viewer",
			"identity": map[string]any{
				"color":  "#FF0000",
				"badges": []map[string]any{{"type": "moderator", "text": "Moderator"}, {"type": "og"}, {"type": "unknown"}},
			},
		},
	})

	parsed, ok, err := ParseFrame(f, now)
	require.NoError(t, err)
	require.True(t, ok)

	ev := parsed.Event
	assert.Equal(t, "viewer", parsed.Username)
	assert.Equal(t, "abc-123", ev.ID)
	assert.Equal(t, message.Kick, ev.Platform)
	assert.Equal(t, "Viewer", ev.Author.Name)
	assert.Equal(t, "#FF0000", ev.Author.Color)
	assert.Equal(t, []message.Role{{Type: "moderator", Label: "Mod"}, {Type: "og", Label: "OG"}}, ev.Author.Roles)
	assert.Equal(t, "gg PogU", ev.Text)
	assert.Len(t, ev.Emotes, 1)
	assert.Equal(t, now, ev.CreatedAt)
	assert.False(t, ev.IsDonation())
}

func TestParseDonations(t *testing.T) {
	now := time.Now()

	parsed, ok, err := ParseFrame(pusherFrame(t, EventSubscription, map[string]any{"username": "sub1", "months": 4}), now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, message.Resub, parsed.Event.Donation.Type)
	assert.Equal(t, 4, parsed.Event.Donation.Months)

	parsed, ok, err = ParseFrame(pusherFrame(t, EventGiftedSubs, map[string]any{
		"gifter_username":  "generous",
		"gifted_usernames": []string{"a", "b", "c"},
	}), now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "generous", parsed.Event.Author.Name)
	assert.Equal(t, message.GiftedSub, parsed.Event.Donation.Type)
	assert.Equal(t, 3, parsed.Event.Donation.Quantity)

	parsed, ok, err = ParseFrame(pusherFrame(t, EventKicksGifted, map[string]any{
		"message": "love it",
		"sender":  map[string]any{"username": "kicker", "username_color": "#00FF00"},
		"gift":    map[string]any{"gift_id": "rage", "name": "Rage Quit", "amount": 500},
	}), now)
	require.NoError(t, err)
	require.True(t, ok)
	d := parsed.Event.Donation
	assert.Equal(t, message.Gift, d.Type)
	assert.Equal(t, 500.0, d.Amount)
	assert.Equal(t, "KICKS", d.Currency)
	assert.Equal(t, "Rage Quit", d.GiftName)
	assert.Equal(t, "love it", parsed.Event.Text)
	assert.Equal(t, "#00FF00", parsed.Event.Author.Color)
}

func TestParseIgnoresUnknownAndMalformed(t *testing.T) {
	_, ok, err := ParseFrame(Frame{Event: `App\Events\PinnedMessageCreatedEvent`, Data: json.RawMessage(`"{}"`)}, time.Now())
	assert.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = ParseFrame(Frame{Event: EventChatMessage, Data: json.RawMessage(`"not json"`)}, time.Now())
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestFromRelayed(t *testing.T) {
	now := time.Now()

	ev, ok := FromRelayed(Relayed{ChatName: "bob", ChatMessage: "hello", MID: "m1"}, false, "https://pic", now)
	require.True(t, ok)
	assert.Equal(t, "m1", ev.ID)
	assert.Equal(t, DefaultColor, ev.Author.Color)
	assert.Equal(t, "https://pic", ev.Author.AvatarURL)
	assert.Nil(t, ev.Donation)

	ev, ok = FromRelayed(Relayed{ChatName: "bob", DonationType: "subgift", GiftName: "carol", Months: 1}, true, "", now)
	require.True(t, ok)
	assert.Equal(t, message.SubGift, ev.Donation.Type)
	assert.Equal(t, "carol", ev.Donation.GiftName)
	assert.Contains(t, ev.ID, "kick-")

	_, ok = FromRelayed(Relayed{}, false, "", now)
	assert.False(t, ok)
}

func TestChatroomFromChannel(t *testing.T) {
	assert.Equal(t, int64(42), chatroomFromChannel("chatrooms.42.v2"))
	assert.Equal(t, int64(0), chatroomFromChannel("channel.42"))
	assert.Equal(t, "chatrooms.42.v2", chatroomChannel(42))
}
