package process

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// RestartFunc restarts the rotated process. It is called once per interval
// elapse, never concurrently with itself.
type RestartFunc func(ctx context.Context) error

// Rotator periodically restarts a process to force new guard and circuit
// selection. An interval of zero disables rotation entirely.
type Rotator struct {
	interval time.Duration
	restart  RestartFunc

	// ticks overrides the interval ticker in tests.
	ticks <-chan time.Time

	mu       sync.Mutex
	restarts int
}

// NewRotator creates a rotator. restart is invoked each time the interval
// elapses while Run is active.
func NewRotator(interval time.Duration, restart RestartFunc) *Rotator {
	return &Rotator{interval: interval, restart: restart}
}

// Restarts returns how many restarts have been performed.
func (r *Rotator) Restarts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.restarts
}

// Run drives the rotation loop until ctx is cancelled. With a zero or
// negative interval it returns immediately.
func (r *Rotator) Run(ctx context.Context) {
	if r.interval <= 0 && r.ticks == nil {
		return
	}

	ticks := r.ticks
	if ticks == nil {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		ticks = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
			slog.Info("Guard-drop interval elapsed, restarting process")
			if err := r.restart(ctx); err != nil {
				slog.Error("Guard-drop restart failed", "error", err)
				return
			}
			r.mu.Lock()
			r.restarts++
			r.mu.Unlock()
		}
	}
}
