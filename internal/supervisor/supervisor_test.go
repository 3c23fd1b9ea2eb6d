package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/john/multichat/internal/logger"
	"github.com/john/multichat/internal/message"
	"github.com/john/multichat/internal/platform"
)

// fakeAdapter runs behaviour n (1-based) for the nth attempt and tracks how
// many attempts are live at once
type fakeAdapter struct {
	p          message.Platform
	configured bool
	behave     func(ctx context.Context, r platform.Reporter, n int) error

	runs      atomic.Int32
	active    atomic.Int32
	maxActive atomic.Int32
}

func (f *fakeAdapter) Platform() message.Platform { return f.p }
func (f *fakeAdapter) Configured() bool           { return f.configured }

func (f *fakeAdapter) Run(ctx context.Context, r platform.Reporter) error {
	n := int(f.runs.Add(1))
	cur := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		peak := f.maxActive.Load()
		if cur <= peak || f.maxActive.CompareAndSwap(peak, cur) {
			break
		}
	}
	return f.behave(ctx, r, n)
}

// connectAndWait reports connected and blocks until cancelled
func connectAndWait(ctx context.Context, r platform.Reporter) error {
	r.Connected()
	<-ctx.Done()
	return ctx.Err()
}

type recordingSink struct {
	mu      sync.Mutex
	updates []bool
}

func (s *recordingSink) SetConnected(p message.Platform, connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, connected)
}

func (s *recordingSink) get() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.updates...)
}

func fastPolicy(d time.Duration) Policy {
	return Policy{Disconnect: d, Transport: d, Generic: d, NotLive: d, RateLimited: d, Blocked: d}
}

func setup(t *testing.T, policy Policy, a *fakeAdapter) (*Supervisor, *recordingSink, chan message.Event) {
	t.Helper()
	sink := &recordingSink{}
	events := make(chan message.Event, 16)
	sup := New(logger.Discard(), policy, sink, events)
	sup.Add(a, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		sup.Stop()
	})
	sup.Start(ctx)
	return sup, sink, events
}

func phaseOf(sup *Supervisor, p message.Platform) Phase {
	st, _ := sup.State(p)
	return st.Phase
}

func TestDisconnectSchedulesExactlyOneRetry(t *testing.T) {
	a := &fakeAdapter{p: message.Twitch, configured: true, behave: func(ctx context.Context, r platform.Reporter, n int) error {
		if n == 1 {
			r.Connected()
			return platform.ErrDisconnected
		}
		return connectAndWait(ctx, r)
	}}
	sup, sink, _ := setup(t, fastPolicy(30*time.Millisecond), a)

	require.Eventually(t, func() bool {
		return a.runs.Load() == 2 && phaseOf(sup, message.Twitch) == PhaseConnected
	}, time.Second, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(2), a.runs.Load())
	assert.Equal(t, int32(1), a.maxActive.Load())
	assert.Equal(t, []bool{true, false, true}, sink.get())

	st, _ := sup.State(message.Twitch)
	assert.Equal(t, 0, st.RetryCount, "retry count resets on connect")
	assert.Equal(t, "disconnected", st.LastError)
}

func TestForceRestartCancelsPendingRetry(t *testing.T) {
	a := &fakeAdapter{p: message.Kick, configured: true, behave: func(ctx context.Context, r platform.Reporter, n int) error {
		if n == 1 {
			return platform.ErrDisconnected
		}
		return connectAndWait(ctx, r)
	}}
	sup, _, _ := setup(t, fastPolicy(150*time.Millisecond), a)

	require.Eventually(t, func() bool {
		return phaseOf(sup, message.Kick) == PhaseBackoff
	}, time.Second, 5*time.Millisecond)

	st, _ := sup.State(message.Kick)
	assert.Equal(t, 1, st.RetryCount)
	assert.False(t, st.NextRetryAt.IsZero())

	require.NoError(t, sup.ForceRestart(message.Kick))
	require.Eventually(t, func() bool {
		return phaseOf(sup, message.Kick) == PhaseConnected
	}, time.Second, 5*time.Millisecond)

	// The old timer would have fired by now.
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, int32(2), a.runs.Load())
	assert.Equal(t, int32(1), a.maxActive.Load())
}

func TestForceRestartWhileConnected(t *testing.T) {
	a := &fakeAdapter{p: message.TikTok, configured: true, behave: func(ctx context.Context, r platform.Reporter, n int) error {
		return connectAndWait(ctx, r)
	}}
	sup, sink, _ := setup(t, fastPolicy(time.Hour), a)

	require.Eventually(t, func() bool {
		return phaseOf(sup, message.TikTok) == PhaseConnected
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, sup.ForceRestart(message.TikTok))
	require.Eventually(t, func() bool {
		return a.runs.Load() == 2 && phaseOf(sup, message.TikTok) == PhaseConnected
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(1), a.maxActive.Load())
	assert.Equal(t, []bool{true, false, true}, sink.get())
}

func TestStartPlatformIgnoresLiveAttempt(t *testing.T) {
	a := &fakeAdapter{p: message.TikTok, configured: true, behave: func(ctx context.Context, r platform.Reporter, n int) error {
		return connectAndWait(ctx, r)
	}}
	sup, _, _ := setup(t, fastPolicy(time.Hour), a)

	require.Eventually(t, func() bool {
		return phaseOf(sup, message.TikTok) == PhaseConnected
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, sup.StartPlatform(message.TikTok))
	assert.Equal(t, int32(1), a.runs.Load())
}

func TestNotConfigured(t *testing.T) {
	a := &fakeAdapter{p: message.YouTube, configured: false, behave: func(ctx context.Context, r platform.Reporter, n int) error {
		return nil
	}}
	sup, _, _ := setup(t, fastPolicy(time.Millisecond), a)

	assert.ErrorIs(t, sup.ForceRestart(message.YouTube), platform.ErrNotConfigured)
	assert.ErrorIs(t, sup.ForceRestart(message.Twitch), ErrUnknownPlatform)
	assert.Equal(t, int32(0), a.runs.Load())
	assert.Equal(t, PhaseIdle, phaseOf(sup, message.YouTube))
}

func TestNotConfiguredErrorStopsRetrying(t *testing.T) {
	a := &fakeAdapter{p: message.Kick, configured: true, behave: func(ctx context.Context, r platform.Reporter, n int) error {
		return platform.ErrNotConfigured
	}}
	sup, _, _ := setup(t, fastPolicy(time.Millisecond), a)

	require.Eventually(t, func() bool {
		st, _ := sup.State(message.Kick)
		return st.LastError != ""
	}, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), a.runs.Load())
	assert.Equal(t, PhaseIdle, phaseOf(sup, message.Kick))
}

func TestPanicIsContained(t *testing.T) {
	a := &fakeAdapter{p: message.Twitch, configured: true, behave: func(ctx context.Context, r platform.Reporter, n int) error {
		if n == 1 {
			panic("bad payload")
		}
		return connectAndWait(ctx, r)
	}}
	sup, _, _ := setup(t, fastPolicy(10*time.Millisecond), a)

	require.Eventually(t, func() bool {
		return phaseOf(sup, message.Twitch) == PhaseConnected
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), a.runs.Load())
}

func TestEmitAndStaleReporter(t *testing.T) {
	stale := make(chan platform.Reporter, 1)
	a := &fakeAdapter{p: message.Twitch, configured: true, behave: func(ctx context.Context, r platform.Reporter, n int) error {
		if n == 1 {
			stale <- r
		}
		r.Connected()
		r.Emit(message.Event{ID: "ev", Platform: message.Twitch})
		<-ctx.Done()
		return ctx.Err()
	}}
	sup, _, events := setup(t, fastPolicy(time.Hour), a)

	select {
	case ev := <-events:
		assert.Equal(t, "ev", ev.ID)
	case <-time.After(time.Second):
		t.Fatal("no event")
	}

	old := <-stale
	require.NoError(t, sup.ForceRestart(message.Twitch))
	<-events

	old.Disconnected()
	old.Emit(message.Event{ID: "stale"})
	assert.Equal(t, PhaseConnected, phaseOf(sup, message.Twitch))
	select {
	case ev := <-events:
		t.Fatalf("stale attempt emitted %q", ev.ID)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestDisconnectedReturnsToConnecting(t *testing.T) {
	reporter := make(chan platform.Reporter, 1)
	a := &fakeAdapter{p: message.Kick, configured: true, behave: func(ctx context.Context, r platform.Reporter, n int) error {
		reporter <- r
		<-ctx.Done()
		return ctx.Err()
	}}
	sup, sink, _ := setup(t, fastPolicy(time.Hour), a)

	r := <-reporter
	r.Connected()
	r.Connected()
	r.Disconnected()
	assert.Equal(t, PhaseConnecting, phaseOf(sup, message.Kick))
	assert.Equal(t, []bool{true, false}, sink.get())
}

func TestPolicyDelay(t *testing.T) {
	p := DefaultPolicy()
	tests := []struct {
		name  string
		err   error
		delay time.Duration
		retry bool
	}{
		{"disconnect", platform.ErrDisconnected, 5 * time.Second, true},
		{"nil", nil, 5 * time.Second, true},
		{"transport", context.DeadlineExceeded, 10 * time.Second, true},
		{"generic", errors.New("x"), 15 * time.Second, true},
		{"not live", platform.ErrNotLive, 60 * time.Second, true},
		{"rate limited", platform.ErrRateLimited, 120 * time.Second, true},
		{"blocked", platform.ErrBlocked, 300 * time.Second, true},
		{"explicit", platform.RetryAfter(platform.ErrBlocked, 2*time.Second), 2 * time.Second, true},
		{"not configured", platform.ErrNotConfigured, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _, retry := p.Delay(tt.err)
			assert.Equal(t, tt.delay, d)
			assert.Equal(t, tt.retry, retry)
		})
	}
}
