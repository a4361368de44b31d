package cooldown_test

import (
	"testing"
	"time"

	"github.com/stocklane/authkit/pkg/cooldown"
	"github.com/stocklane/authkit/pkg/storage"
)

func TestShouldProceedWindow(t *testing.T) {
	store := cooldown.NewStore(storage.NewMemoryStore())
	window := 80 * time.Millisecond

	if !store.ShouldProceed("backend-sync", window) {
		t.Fatal("first attempt should proceed")
	}
	if store.ShouldProceed("backend-sync", window) {
		t.Error("second attempt inside the window should be blocked")
	}

	time.Sleep(window + 20*time.Millisecond)
	if !store.ShouldProceed("backend-sync", window) {
		t.Error("attempt after the window should proceed")
	}
}

func TestDeniedAttemptDoesNotExtendWindow(t *testing.T) {
	store := cooldown.NewStore(storage.NewMemoryStore())
	window := 100 * time.Millisecond

	if !store.ShouldProceed("profile-fetch", window) {
		t.Fatal("first attempt should proceed")
	}
	// polling inside the window must not push the deadline out
	for i := 0; i < 4; i++ {
		time.Sleep(20 * time.Millisecond)
		store.ShouldProceed("profile-fetch", window)
	}
	time.Sleep(40 * time.Millisecond)
	if !store.ShouldProceed("profile-fetch", window) {
		t.Error("window should be measured from the first permitted attempt")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	store := cooldown.NewStore(storage.NewMemoryStore())
	window := time.Minute

	if !store.ShouldProceed("backend-sync", window) {
		t.Fatal("first attempt should proceed")
	}
	if !store.ShouldProceed("profile-fetch", window) {
		t.Error("a different key must not be affected")
	}
}

func TestClearBustsTheWindow(t *testing.T) {
	store := cooldown.NewStore(storage.NewMemoryStore())
	window := time.Minute

	if !store.ShouldProceed("profile-fetch", window) {
		t.Fatal("first attempt should proceed")
	}
	if store.ShouldProceed("profile-fetch", window) {
		t.Fatal("second attempt should be blocked")
	}
	store.Clear("profile-fetch")
	if !store.ShouldProceed("profile-fetch", window) {
		t.Error("attempt after Clear should proceed")
	}
}

func TestRecordAttemptBlocksFollowingCheck(t *testing.T) {
	store := cooldown.NewStore(storage.NewMemoryStore())
	window := time.Minute

	store.RecordAttempt("backend-sync")
	if store.ShouldProceed("backend-sync", window) {
		t.Error("check right after RecordAttempt should be blocked")
	}
}

func TestWindowSurvivesRestart(t *testing.T) {
	backing := storage.NewMemoryStore()
	window := time.Minute

	first := cooldown.NewStore(backing)
	if !first.ShouldProceed("backend-sync", window) {
		t.Fatal("first attempt should proceed")
	}

	second := cooldown.NewStore(backing)
	if second.ShouldProceed("backend-sync", window) {
		t.Error("a fresh store over the same backing must honor the persisted timestamp")
	}
}
