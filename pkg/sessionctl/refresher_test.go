package sessionctl

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stocklane/authkit/pkg/idp"
)

// rewind moves the last attempt far enough into the past that the backoff
// gate passes on the next tick.
func rewind(r *refresher) {
	r.mu.Lock()
	r.lastAttempt = time.Now().Add(-r.backoff - time.Second)
	r.mu.Unlock()
}

func TestRefresherBackoffProgression(t *testing.T) {
	var calls int
	r := newRefresher(time.Minute, 60*time.Second, 600*time.Second, func(context.Context) error {
		calls++
		return &idp.Error{StatusCode: http.StatusTooManyRequests}
	})
	want := []time.Duration{
		60 * time.Second,
		120 * time.Second,
		240 * time.Second,
		480 * time.Second,
		600 * time.Second,
		600 * time.Second,
	}
	for i, expected := range want {
		r.tick(context.Background())
		if got := r.currentBackoff(); got != expected {
			t.Fatalf("backoff after rate-limited attempt %d = %v, want %v", i+1, got, expected)
		}
		rewind(r)
	}
	if calls != len(want) {
		t.Fatalf("expected %d refresh attempts, got %d", len(want), calls)
	}
}

func TestRefresherBackoffGatesTicks(t *testing.T) {
	var calls int
	r := newRefresher(time.Minute, 60*time.Second, 600*time.Second, func(context.Context) error {
		calls++
		return &idp.Error{StatusCode: http.StatusTooManyRequests}
	})
	r.tick(context.Background())
	r.tick(context.Background())
	r.tick(context.Background())
	if calls != 1 {
		t.Fatalf("expected ticks inside the backoff window to be dropped, got %d attempts", calls)
	}
	if got := r.currentBackoff(); got != 60*time.Second {
		t.Fatalf("dropped ticks must not grow the backoff, got %v", got)
	}
}

func TestRefresherResetsBackoff(t *testing.T) {
	responses := []error{
		&idp.Error{StatusCode: http.StatusTooManyRequests},
		errors.New("connection reset"),
		&idp.Error{StatusCode: http.StatusTooManyRequests},
		nil,
	}
	var calls int
	r := newRefresher(time.Minute, 60*time.Second, 600*time.Second, func(context.Context) error {
		err := responses[calls]
		calls++
		return err
	})
	want := []time.Duration{60 * time.Second, 0, 60 * time.Second, 0}
	for i, expected := range want {
		r.tick(context.Background())
		if got := r.currentBackoff(); got != expected {
			t.Fatalf("backoff after attempt %d = %v, want %v", i+1, got, expected)
		}
		rewind(r)
	}
}

func TestRefresherSingleFlight(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	started := make(chan struct{}, 2)
	r := newRefresher(time.Minute, time.Second, time.Minute, func(context.Context) error {
		calls.Add(1)
		started <- struct{}{}
		<-release
		return nil
	})
	go r.tick(context.Background())
	<-started

	// a tick landing while a refresh is in flight is dropped, not queued
	r.tick(context.Background())
	close(release)

	deadline := time.Now().Add(2 * time.Second)
	for r.inFlight.Load() {
		if time.Now().After(deadline) {
			t.Fatal("refresh never completed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected a single refresh attempt, got %d", got)
	}
}

func TestRefresherStops(t *testing.T) {
	r := newRefresher(10*time.Millisecond, time.Second, time.Minute, func(context.Context) error {
		return nil
	})
	done := make(chan struct{})
	go func() {
		r.run(context.Background())
		close(done)
	}()
	time.Sleep(35 * time.Millisecond)
	r.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run did not stop")
	}
}
