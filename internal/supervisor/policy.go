package supervisor

import (
	"time"

	"github.com/john/multichat/internal/platform"
)

// Policy is the reconnect delay per failure class
type Policy struct {
	Disconnect  time.Duration
	Transport   time.Duration
	Generic     time.Duration
	NotLive     time.Duration
	RateLimited time.Duration
	Blocked     time.Duration
}

// DefaultPolicy returns the production delays
func DefaultPolicy() Policy {
	return Policy{
		Disconnect:  5 * time.Second,
		Transport:   10 * time.Second,
		Generic:     15 * time.Second,
		NotLive:     60 * time.Second,
		RateLimited: 120 * time.Second,
		Blocked:     300 * time.Second,
	}
}

// Delay classifies err and returns how long to wait before the next
// attempt. retry is false when the platform must not be retried at all.
func (p Policy) Delay(err error) (delay time.Duration, kind platform.Kind, retry bool) {
	kind = platform.Classify(err)
	if kind == platform.KindNotConfigured {
		return 0, kind, false
	}
	if d, ok := platform.RetryDelay(err); ok {
		return d, kind, true
	}

	switch kind {
	case platform.KindDisconnect:
		delay = p.Disconnect
	case platform.KindTransport:
		delay = p.Transport
	case platform.KindNotLive:
		delay = p.NotLive
	case platform.KindRateLimited:
		delay = p.RateLimited
	case platform.KindBlocked:
		delay = p.Blocked
	default:
		delay = p.Generic
	}
	return delay, kind, true
}
