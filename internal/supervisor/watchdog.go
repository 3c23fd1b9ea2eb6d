package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/john/multichat/internal/message"
)

// Watchdog restarts platforms that report connected but have gone quiet
// for longer than their idle threshold
type Watchdog struct {
	log      *slog.Logger
	sup      *Supervisor
	interval time.Duration
	now      func() time.Time
}

// NewWatchdog creates a watchdog over sup checking every interval
func NewWatchdog(log *slog.Logger, sup *Supervisor, interval time.Duration) *Watchdog {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Watchdog{
		log:      log.With(slog.String("component", "watchdog")),
		sup:      sup,
		interval: interval,
		now:      time.Now,
	}
}

// Run checks on every tick until ctx is cancelled
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.Check()
		case <-ctx.Done():
			return
		}
	}
}

// Check restarts every idle platform and returns the ones it restarted.
// Restarts run in the background.
func (w *Watchdog) Check() []message.Platform {
	now := w.now()
	var restarted []message.Platform

	for _, st := range w.sup.States() {
		if st.Phase != PhaseConnected || st.IdleTimeout <= 0 {
			continue
		}
		idle := now.Sub(st.LastEventAt)
		if idle <= st.IdleTimeout {
			continue
		}

		w.log.Warn("No activity, forcing reconnect",
			slog.String("platform", string(st.Platform)),
			slog.Duration("idle", idle.Round(time.Second)))
		restarted = append(restarted, st.Platform)

		go func(p message.Platform) {
			if err := w.sup.ForceRestart(p); err != nil {
				w.log.Error("Watchdog restart failed", slog.String("platform", string(p)), slog.Any("error", err))
			}
		}(st.Platform)
	}
	return restarted
}
