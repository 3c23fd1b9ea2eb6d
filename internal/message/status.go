package message

import "encoding/json"

// Status is the connectivity snapshot pushed to overlay clients
type Status struct {
	Connected map[Platform]bool
	Channels  map[Platform]string
	KickMode  string
}

// Clone returns a deep copy safe to hand to another goroutine
func (s Status) Clone() Status {
	c := Status{
		Connected: make(map[Platform]bool, len(s.Connected)),
		Channels:  make(map[Platform]string, len(s.Channels)),
		KickMode:  s.KickMode,
	}
	for p, v := range s.Connected {
		c.Connected[p] = v
	}
	for p, v := range s.Channels {
		c.Channels[p] = v
	}
	return c
}

type wireChannels struct {
	Twitch  string `json:"twitch"`
	Kick    string `json:"kick"`
	TikTok  string `json:"tiktok"`
	YouTube string `json:"youtube"`
}

type wireStatus struct {
	Type     string       `json:"type"`
	Twitch   bool         `json:"twitch"`
	Kick     bool         `json:"kick"`
	TikTok   bool         `json:"tiktok"`
	YouTube  bool         `json:"youtube"`
	KickMode string       `json:"kickMode,omitempty"`
	Channels wireChannels `json:"channels"`
}

// MarshalJSON encodes the snapshot as a "status" frame
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireStatus{
		Type:     "status",
		Twitch:   s.Connected[Twitch],
		Kick:     s.Connected[Kick],
		TikTok:   s.Connected[TikTok],
		YouTube:  s.Connected[YouTube],
		KickMode: s.KickMode,
		Channels: wireChannels{
			Twitch:  s.Channels[Twitch],
			Kick:    s.Channels[Kick],
			TikTok:  s.Channels[TikTok],
			YouTube: s.Channels[YouTube],
		},
	})
}
