// Package platform defines the contract between platform adapters and the
// connection supervisor, and the error kinds that drive reconnect delays.
package platform

import (
	"context"

	"github.com/john/multichat/internal/message"
)

// Adapter owns the live connection (or poll loop) for one platform.
//
// Run blocks for the life of one connection attempt and returns when the
// connection ends or ctx is cancelled. The returned error decides the
// reconnect delay; see Classify.
type Adapter interface {
	Platform() message.Platform
	Configured() bool
	Run(ctx context.Context, r Reporter) error
}

// Reporter is handed to Adapter.Run for one attempt. Calls made after the
// attempt has been superseded are ignored.
type Reporter interface {
	// Connected marks the platform connected.
	Connected()
	// Disconnected marks the platform as waiting for its upstream again
	// without ending the attempt.
	Disconnected()
	// Emit stamps liveness and forwards a normalized event.
	Emit(ev message.Event)
	// Touch stamps liveness without an event.
	Touch()
}

// AvatarSource looks up display pictures. An empty string means none.
type AvatarSource interface {
	Resolve(ctx context.Context, p message.Platform, username string) string
}
