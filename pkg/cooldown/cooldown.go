// Package cooldown gates repeated network operations behind per-key time
// windows. Timestamps are persisted through a storage.Store so windows
// survive restarts.
package cooldown

import (
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/stocklane/authkit/pkg/storage"
)

const keyPrefix = "cooldown."

type Store struct {
	store storage.Store
	lock  sync.Mutex
}

func NewStore(store storage.Store) *Store {
	return &Store{store: store}
}

// ShouldProceed reports whether window has elapsed since the last permitted
// attempt for key, and records the attempt when it has. Check and record
// happen under one lock, so concurrent callers cannot both pass. A denied
// call leaves the stored timestamp untouched; the window is always measured
// from the last attempt that was allowed to proceed.
func (s *Store) ShouldProceed(key string, window time.Duration) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	now := time.Now()
	last, ok := s.lastAttempt(key)
	if ok && now.Sub(last) < window {
		slog.Debug("cooldown active, skipping", "key", key, "elapsed", now.Sub(last), "window", window)
		return false
	}
	s.stamp(key, now)
	return true
}

// RecordAttempt stamps key unconditionally. Used by paths that bypass the
// window check but still count as an attempt.
func (s *Store) RecordAttempt(key string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.stamp(key, time.Now())
}

// Clear removes the entry for key so the next ShouldProceed passes. This is
// the cache-busting path for explicit user actions.
func (s *Store) Clear(key string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if err := s.store.Delete(keyPrefix + key); err != nil {
		slog.Warn("failed to clear cooldown entry", "key", key, "error", err)
	}
}

func (s *Store) lastAttempt(key string) (time.Time, bool) {
	value, err := s.store.Get(keyPrefix + key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			slog.Warn("failed to read cooldown entry", "key", key, "error", err)
		}
		return time.Time{}, false
	}
	millis, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		slog.Warn("invalid cooldown timestamp", "key", key, "value", value)
		return time.Time{}, false
	}
	return time.UnixMilli(millis), true
}

func (s *Store) stamp(key string, at time.Time) {
	if err := s.store.Set(keyPrefix+key, strconv.FormatInt(at.UnixMilli(), 10)); err != nil {
		slog.Warn("failed to persist cooldown timestamp", "key", key, "error", err)
	}
}
