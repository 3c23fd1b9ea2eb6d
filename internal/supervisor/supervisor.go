// Package supervisor runs each platform adapter through its connection
// lifecycle: connect, report, classify the failure, back off, reconnect.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/john/multichat/internal/message"
	"github.com/john/multichat/internal/metrics"
	"github.com/john/multichat/internal/platform"
)

// ErrUnknownPlatform is returned for platforms that were never added
var ErrUnknownPlatform = errors.New("unknown platform")

// Phase is where a platform sits in its connection lifecycle
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseConnecting Phase = "connecting"
	PhaseConnected  Phase = "connected"
	PhaseBackoff    Phase = "backoff"
)

// State is a point-in-time copy of one platform's connection state
type State struct {
	Platform    message.Platform
	Configured  bool
	Phase       Phase
	LastEventAt time.Time
	RetryCount  int
	LastError   string
	NextRetryAt time.Time
	IdleTimeout time.Duration
}

// StatusSink receives connectivity changes, deduplicated per platform
type StatusSink interface {
	SetConnected(p message.Platform, connected bool)
}

// Supervisor owns one runner per platform
type Supervisor struct {
	log    *slog.Logger
	policy Policy
	sink   StatusSink
	events chan<- message.Event
	now    func() time.Time

	mu      sync.RWMutex
	ctx     context.Context
	order   []message.Platform
	runners map[message.Platform]*runner
}

// New creates a supervisor. Emitted events are sent on events.
func New(log *slog.Logger, policy Policy, sink StatusSink, events chan<- message.Event) *Supervisor {
	return &Supervisor{
		log:     log.With(slog.String("component", "supervisor")),
		policy:  policy,
		sink:    sink,
		events:  events,
		now:     time.Now,
		ctx:     context.Background(),
		runners: make(map[message.Platform]*runner),
	}
}

// Add registers an adapter. idleTimeout is the watchdog threshold; zero
// disables the idle check for that platform.
func (s *Supervisor) Add(a platform.Adapter, idleTimeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := a.Platform()
	if _, ok := s.runners[p]; !ok {
		s.order = append(s.order, p)
	}
	s.runners[p] = &runner{
		sup:     s,
		adapter: a,
		idle:    idleTimeout,
		log:     s.log.With(slog.String("platform", string(p))),
		state:   State{Platform: p, Phase: PhaseIdle},
	}
}

// Start binds attempts to ctx and starts every configured adapter
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	for _, r := range s.list() {
		if !r.adapter.Configured() {
			r.log.Info("Platform not configured, skipping")
			continue
		}
		r.start()
	}
}

// StartPlatform begins an attempt unless one is already connecting or
// connected. A pending retry is replaced by an immediate attempt.
func (s *Supervisor) StartPlatform(p message.Platform) error {
	r, err := s.configured(p)
	if err != nil {
		return err
	}
	r.start()
	return nil
}

// ForceRestart cancels any pending retry, tears the current attempt down
// and starts a fresh one immediately
func (s *Supervisor) ForceRestart(p message.Platform) error {
	r, err := s.configured(p)
	if err != nil {
		return err
	}
	r.forceRestart()
	return nil
}

// State returns a copy of one platform's state
func (s *Supervisor) State(p message.Platform) (State, bool) {
	r := s.runner(p)
	if r == nil {
		return State{}, false
	}
	return r.snapshot(), true
}

// States returns every platform's state in registration order
func (s *Supervisor) States() []State {
	runners := s.list()
	out := make([]State, 0, len(runners))
	for _, r := range runners {
		out = append(out, r.snapshot())
	}
	return out
}

// Stop tears every platform down and leaves it idle
func (s *Supervisor) Stop() {
	var wg sync.WaitGroup
	for _, r := range s.list() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.stop()
		}()
	}
	wg.Wait()
}

func (s *Supervisor) runner(p message.Platform) *runner {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runners[p]
}

func (s *Supervisor) configured(p message.Platform) (*runner, error) {
	r := s.runner(p)
	if r == nil {
		return nil, fmt.Errorf("%s: %w", p, ErrUnknownPlatform)
	}
	if !r.adapter.Configured() {
		return nil, fmt.Errorf("%s: %w", p, platform.ErrNotConfigured)
	}
	return r, nil
}

func (s *Supervisor) list() []*runner {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*runner, 0, len(s.order))
	for _, p := range s.order {
		out = append(out, s.runners[p])
	}
	return out
}

func (s *Supervisor) rootCtx() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctx
}

// runner drives one adapter. ops serializes lifecycle operations (start,
// restart, retry, stop) so at most one attempt and one timer exist. mu
// guards the fields below it. Attempts are tagged with gen; anything
// carrying an older gen is stale and ignored.
type runner struct {
	sup     *Supervisor
	adapter platform.Adapter
	idle    time.Duration
	log     *slog.Logger

	ops sync.Mutex

	mu        sync.Mutex
	state     State
	gen       uint64
	cancel    context.CancelFunc
	done      chan struct{}
	timer     *time.Timer
	connected bool
}

func (r *runner) snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.state
	st.Configured = r.adapter.Configured()
	st.IdleTimeout = r.idle
	return st
}

func (r *runner) start() {
	r.ops.Lock()
	defer r.ops.Unlock()

	r.mu.Lock()
	phase := r.state.Phase
	r.mu.Unlock()
	if phase == PhaseConnecting || phase == PhaseConnected {
		return
	}
	r.teardown()
	r.launch()
}

func (r *runner) forceRestart() {
	r.ops.Lock()
	defer r.ops.Unlock()

	r.log.Info("Restarting platform")
	r.teardown()
	r.launch()
}

func (r *runner) stop() {
	r.ops.Lock()
	defer r.ops.Unlock()

	r.teardown()
	r.mu.Lock()
	r.transitionLocked(PhaseIdle)
	r.mu.Unlock()
}

// retry fires from the backoff timer of attempt gen
func (r *runner) retry(gen uint64) {
	r.ops.Lock()
	defer r.ops.Unlock()

	r.mu.Lock()
	stale := r.gen != gen || r.state.Phase != PhaseBackoff
	if !stale {
		r.timer = nil
	}
	r.mu.Unlock()
	if stale {
		return
	}
	r.launch()
}

// teardown invalidates the current attempt, stops its timer and waits for
// its Run to return. Caller holds ops.
func (r *runner) teardown() {
	r.mu.Lock()
	r.gen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.state.NextRetryAt = time.Time{}
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// launch starts a new attempt. Caller holds ops.
func (r *runner) launch() {
	root := r.sup.rootCtx()
	if root.Err() != nil {
		return
	}
	ctx, cancel := context.WithCancel(root)
	done := make(chan struct{})

	r.mu.Lock()
	r.gen++
	gen := r.gen
	r.cancel, r.done = cancel, done
	r.state.NextRetryAt = time.Time{}
	r.transitionLocked(PhaseConnecting)
	r.mu.Unlock()

	go r.attempt(ctx, cancel, gen, done)
}

func (r *runner) attempt(ctx context.Context, cancel context.CancelFunc, gen uint64, done chan struct{}) {
	defer close(done)
	defer cancel()

	err := r.run(ctx, gen)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen != gen || ctx.Err() != nil {
		return
	}

	delay, kind, retry := r.sup.policy.Delay(err)
	if err != nil {
		r.state.LastError = err.Error()
	}
	if !retry {
		r.log.Warn("Platform cannot start", slog.Any("error", err))
		r.transitionLocked(PhaseIdle)
		return
	}

	r.state.RetryCount++
	r.state.NextRetryAt = r.sup.now().Add(delay)
	r.transitionLocked(PhaseBackoff)
	r.timer = time.AfterFunc(delay, func() { r.retry(gen) })
	metrics.Reconnects.WithLabelValues(string(r.state.Platform), kind.String()).Inc()

	r.log.Warn("Connection ended, scheduling reconnect",
		slog.String("reason", kind.String()),
		slog.Duration("delay", delay),
		slog.Int("retry", r.state.RetryCount),
		slog.Any("error", err))
}

// run calls the adapter, turning a panic into an attempt error
func (r *runner) run(ctx context.Context, gen uint64) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("adapter panic: %v", v)
		}
	}()
	return r.adapter.Run(ctx, &reporter{r: r, gen: gen, ctx: ctx})
}

// transitionLocked sets the phase and publishes connectivity when the
// connected boolean flips. Caller holds mu.
func (r *runner) transitionLocked(phase Phase) {
	r.state.Phase = phase
	connected := phase == PhaseConnected
	if connected {
		r.state.RetryCount = 0
		r.state.LastEventAt = r.sup.now()
	}
	if connected == r.connected {
		return
	}
	r.connected = connected
	metrics.SetConnected(string(r.state.Platform), connected)
	if r.sup.sink != nil {
		r.sup.sink.SetConnected(r.state.Platform, connected)
	}
}

// reporter is the Reporter for one attempt
type reporter struct {
	r   *runner
	gen uint64
	ctx context.Context
}

func (rep *reporter) Connected() {
	r := rep.r
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen != rep.gen || r.state.Phase == PhaseConnected {
		return
	}
	r.transitionLocked(PhaseConnected)
	r.log.Info("Platform connected")
}

func (rep *reporter) Disconnected() {
	r := rep.r
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen != rep.gen || r.state.Phase != PhaseConnected {
		return
	}
	r.transitionLocked(PhaseConnecting)
	r.log.Info("Platform disconnected, waiting for upstream")
}

func (rep *reporter) Touch() {
	r := rep.r
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen == rep.gen {
		r.state.LastEventAt = r.sup.now()
	}
}

func (rep *reporter) Emit(ev message.Event) {
	r := rep.r
	r.mu.Lock()
	if r.gen != rep.gen {
		r.mu.Unlock()
		return
	}
	r.state.LastEventAt = r.sup.now()
	r.mu.Unlock()

	select {
	case r.sup.events <- ev:
	case <-rep.ctx.Done():
	}
}
