package platform

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrDisconnected is an ordinary connection drop.
	ErrDisconnected = errors.New("disconnected")
	// ErrNotLive means the channel is offline or not found.
	ErrNotLive = errors.New("not live")
	// ErrRateLimited means the platform throttled us.
	ErrRateLimited = errors.New("rate limited")
	// ErrBlocked means the platform refused us (forbidden, unauthorized).
	ErrBlocked = errors.New("blocked")
	// ErrNotConfigured means the adapter lacks the settings to start.
	ErrNotConfigured = errors.New("not configured")
)

// Kind is the reconnect class of a failure
type Kind int

const (
	KindGeneric Kind = iota
	KindDisconnect
	KindTransport
	KindNotLive
	KindRateLimited
	KindBlocked
	KindNotConfigured
)

func (k Kind) String() string {
	switch k {
	case KindDisconnect:
		return "disconnect"
	case KindTransport:
		return "transport"
	case KindNotLive:
		return "not_live"
	case KindRateLimited:
		return "rate_limited"
	case KindBlocked:
		return "blocked"
	case KindNotConfigured:
		return "not_configured"
	}
	return "generic"
}

// Classify maps an attempt error to its reconnect class
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindDisconnect
	case errors.Is(err, ErrNotConfigured):
		return KindNotConfigured
	case errors.Is(err, ErrBlocked):
		return KindBlocked
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrNotLive):
		return KindNotLive
	case errors.Is(err, ErrDisconnected):
		return KindDisconnect
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransport
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransport
	}
	return KindGeneric
}

// retryError carries an adapter-chosen reconnect delay
type retryError struct {
	err   error
	after time.Duration
}

func (e *retryError) Error() string { return e.err.Error() }
func (e *retryError) Unwrap() error { return e.err }

// RetryAfter annotates err with an explicit reconnect delay that overrides
// the classified default
func RetryAfter(err error, d time.Duration) error {
	if err == nil {
		err = ErrDisconnected
	}
	return &retryError{err: err, after: d}
}

// RetryDelay returns the explicit delay attached with RetryAfter, if any
func RetryDelay(err error) (time.Duration, bool) {
	var re *retryError
	if errors.As(err, &re) {
		return re.after, true
	}
	return 0, false
}

// FromStatus converts an HTTP status from an upstream handshake or API call
// into a classified error. It returns nil for 2xx.
func FromStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return fmt.Errorf("status %d: %w", code, ErrNotLive)
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("status %d: %w", code, ErrRateLimited)
	case code == http.StatusForbidden || code == http.StatusUnauthorized:
		return fmt.Errorf("status %d: %w", code, ErrBlocked)
	}
	return fmt.Errorf("unexpected status %d", code)
}

// FromText classifies an upstream error message by the markers platforms
// put in them (LIVE_NOT_FOUND, 429, 403)
func FromText(msg string) error {
	upper := strings.ToUpper(msg)
	switch {
	case strings.Contains(upper, "LIVE_NOT_FOUND"), strings.Contains(upper, "NOT LIVE"), strings.Contains(upper, "OFFLINE"):
		return fmt.Errorf("%s: %w", msg, ErrNotLive)
	case strings.Contains(upper, "429"), strings.Contains(upper, "RATE LIMIT"):
		return fmt.Errorf("%s: %w", msg, ErrRateLimited)
	case strings.Contains(upper, "403"), strings.Contains(upper, "FORBIDDEN"), strings.Contains(upper, "BLOCKED"):
		return fmt.Errorf("%s: %w", msg, ErrBlocked)
	}
	return errors.New(msg)
}
