package sessionctl

import (
	"fmt"
	"time"
)

type Option func(*Controller) error

// WithSyncWindow overrides the dedup window for backend session syncs.
func WithSyncWindow(window time.Duration) Option {
	return func(c *Controller) error {
		if window <= 0 {
			return fmt.Errorf("sync window must be positive, got %v", window)
		}
		c.syncWindow = window
		return nil
	}
}

// WithProfileWindow overrides the dedup window for profile refetches.
func WithProfileWindow(window time.Duration) Option {
	return func(c *Controller) error {
		if window <= 0 {
			return fmt.Errorf("profile window must be positive, got %v", window)
		}
		c.profileWindow = window
		return nil
	}
}

// WithRefreshInterval overrides the session refresh tick interval.
func WithRefreshInterval(interval time.Duration) Option {
	return func(c *Controller) error {
		if interval <= 0 {
			return fmt.Errorf("refresh interval must be positive, got %v", interval)
		}
		c.refreshInterval = interval
		return nil
	}
}

// WithBackoff overrides the rate-limit backoff seed and cap.
func WithBackoff(seed, cap time.Duration) Option {
	return func(c *Controller) error {
		if seed <= 0 {
			return fmt.Errorf("backoff seed must be positive, got %v", seed)
		}
		if cap < seed {
			return fmt.Errorf("backoff cap %v must not be below the seed %v", cap, seed)
		}
		c.backoffSeed = seed
		c.backoffCap = cap
		return nil
	}
}

// WithForcedSignOutHandler installs the hook invoked when the backend
// rejects a session or an administrative revocation lands. Applications
// navigate to their unauthenticated entry point here.
func WithForcedSignOutHandler(handler func(error)) Option {
	return func(c *Controller) error {
		c.onForcedSignOut = handler
		return nil
	}
}
