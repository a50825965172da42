// Package supervisor detects dead connections on both sides of the hub.
//
// On the hub, RunLiveness expires agents that stopped answering pings and
// Every drives the periodic ping and heartbeat emitters. On clients, a
// Watchdog notices a silent hub and a Reconnector brings the session back
// with bounded exponential backoff.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/owulveryck/agentrelay/internal/presence"
)

// ErrHubSilent ends a client session whose watchdog expired.
var ErrHubSilent = errors.New("hub went silent")

// Every calls fn each interval until ctx is cancelled.
func Every(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// LivenessConfig sets how often agents are checked and how long they may stay
// silent.
type LivenessConfig struct {
	Interval time.Duration
	Timeout  time.Duration
	Now      func() time.Time
}

// Sweep returns a loop task that moves every agent silent for longer than
// timeout to Offline.
func Sweep(cutoff time.Time, logger *slog.Logger) presence.Task {
	return func(r *presence.Registry) {
		for _, id := range r.LastSeenBefore(cutoff, presence.RoleAgent) {
			changed, err := r.Disconnect(id, "")
			if err != nil || !changed {
				continue
			}
			logger.Info("Agent timed out", "agent_id", id, "last_seen_before", cutoff)
		}
	}
}

// RunLiveness schedules a sweep on the presence loop every interval.
func RunLiveness(ctx context.Context, loop *presence.Loop, cfg LivenessConfig, logger *slog.Logger) {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	Every(ctx, cfg.Interval, func(ctx context.Context) {
		if err := loop.Submit(Sweep(now().Add(-cfg.Timeout), logger)); err != nil {
			logger.WarnContext(ctx, "Liveness sweep not scheduled", "error", err)
		}
	})
}

// Watchdog fires when it has not been fed for longer than its timeout.
type Watchdog struct {
	timeout time.Duration
	last    atomic.Int64
	now     func() time.Time
}

// NewWatchdog returns a fed watchdog.
func NewWatchdog(timeout time.Duration) *Watchdog {
	w := &Watchdog{timeout: timeout, now: time.Now}
	w.Feed()
	return w
}

// Feed records a sign of life.
func (w *Watchdog) Feed() {
	w.last.Store(w.now().UnixNano())
}

// Expired reports whether the timeout elapsed since the last Feed.
func (w *Watchdog) Expired() bool {
	return w.now().Sub(time.Unix(0, w.last.Load())) > w.timeout
}

// Run calls onExpire once and returns when the watchdog expires, or returns
// when ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context, onExpire func()) {
	check := w.timeout / 4
	if check <= 0 {
		check = time.Millisecond
	}
	ticker := time.NewTicker(check)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if w.Expired() {
				onExpire()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
