package sessionctl

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stocklane/authkit/pkg/idp"
)

// refresher keeps the identity-provider session alive with a fixed-interval
// tick. All of its bookkeeping is owned state: each accepted session gets a
// fresh refresher, and stopping the old one is part of every sign-out and
// re-acceptance, so a stale timer can never act on a cleared session.
type refresher struct {
	interval time.Duration
	seed     time.Duration
	cap      time.Duration
	refresh  func(context.Context) error

	inFlight atomic.Bool

	mu          sync.Mutex
	lastAttempt time.Time
	backoff     time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

func newRefresher(interval, seed, cap time.Duration, refresh func(context.Context) error) *refresher {
	return &refresher{
		interval: interval,
		seed:     seed,
		cap:      cap,
		refresh:  refresh,
		stop:     make(chan struct{}),
	}
}

func (r *refresher) run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *refresher) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
}

// tick runs one guarded refresh attempt. A tick that loses the single-flight
// race or lands inside the backoff window is dropped, not deferred.
func (r *refresher) tick(ctx context.Context) {
	if !r.inFlight.CompareAndSwap(false, true) {
		slog.Debug("session refresh already in flight, dropping tick")
		return
	}
	defer r.inFlight.Store(false)

	r.mu.Lock()
	if !r.lastAttempt.IsZero() {
		if elapsed := time.Since(r.lastAttempt); elapsed < r.backoff {
			r.mu.Unlock()
			slog.Debug("inside refresh backoff window, skipping tick",
				"elapsed", elapsed, "backoff", r.backoff)
			return
		}
	}
	r.lastAttempt = time.Now()
	r.mu.Unlock()

	err := r.refresh(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case err == nil:
		r.backoff = 0
	case idp.IsRateLimited(err):
		if r.backoff == 0 {
			r.backoff = r.seed
		} else {
			r.backoff *= 2
		}
		if r.backoff > r.cap {
			r.backoff = r.cap
		}
		slog.Warn("session refresh rate limited, backing off", "backoff", r.backoff)
	default:
		// transient failure, not worth penalizing future attempts
		r.backoff = 0
		slog.Warn("session refresh failed", "error", err)
	}
}

func (r *refresher) currentBackoff() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.backoff
}
