package cliproc

import (
	"errors"
	"testing"
)

func TestManager_GetOrCreateSessionReturnsNewPendingSession(t *testing.T) {
	m := NewManager(Spec{Binary: "/bin/true"}, NewRegistry(), 5)
	sess, id, isNew, err := m.GetOrCreateSession("")
	if err != nil {
		t.Fatal(err)
	}
	if !isNew {
		t.Fatal("expected a brand-new session")
	}
	if id == "" {
		t.Fatal("expected a generated temp id")
	}
	if sess == nil {
		t.Fatal("expected a non-nil session")
	}
	if m.Count() != 1 {
		t.Fatalf("expected 1 tracked session, got %d", m.Count())
	}
}

func TestManager_ResolvesExistingSessionByRealID(t *testing.T) {
	m := NewManager(Spec{Binary: "/bin/true"}, NewRegistry(), 5)
	sess, tempID, _, _ := m.GetOrCreateSession("")
	m.RegisterRealSessionID(tempID, "real-1")

	got, id, isNew, err := m.GetOrCreateSession("real-1")
	if err != nil {
		t.Fatal(err)
	}
	if isNew {
		t.Fatal("expected to resolve the existing session, not create one")
	}
	if got != sess {
		t.Fatal("expected the same *Session instance back")
	}
	if id != "real-1" {
		t.Fatalf("expected id to resolve to real-1, got %q", id)
	}
}

func TestManager_ResolvesExistingSessionByTempIDAfterRebind(t *testing.T) {
	m := NewManager(Spec{Binary: "/bin/true"}, NewRegistry(), 5)
	sess, tempID, _, _ := m.GetOrCreateSession("")
	m.RegisterRealSessionID(tempID, "real-2")

	got, id, isNew, err := m.GetOrCreateSession(tempID)
	if err != nil {
		t.Fatal(err)
	}
	if isNew {
		t.Fatal("expected the temp id to still resolve after rebind")
	}
	if got != sess || id != "real-2" {
		t.Fatalf("expected resolution to real-2, got id=%q", id)
	}
}

func TestManager_SessionLimitReachedWhenNoIdleSessionToEvict(t *testing.T) {
	m := NewManager(Spec{Binary: "/bin/true"}, NewRegistry(), 1)
	if _, _, _, err := m.GetOrCreateSession(""); err != nil {
		t.Fatal(err)
	}
	// Pretend the sole session is busy so eviction can't make room.
	m.mu.Lock()
	for _, s := range m.pending {
		s.busy = true
	}
	m.mu.Unlock()

	_, _, _, err := m.GetOrCreateSession("")
	if !errors.Is(err, ErrSessionLimitReached) {
		t.Fatalf("expected ErrSessionLimitReached, got %v", err)
	}
}

func TestManager_EvictsIdleSessionToMakeRoom(t *testing.T) {
	m := NewManager(Spec{Binary: "/bin/true"}, NewRegistry(), 1)
	if _, _, _, err := m.GetOrCreateSession(""); err != nil {
		t.Fatal(err)
	}
	// The first session is idle (never started a subprocess), so the
	// second GetOrCreateSession call should evict it and succeed.
	if _, _, isNew, err := m.GetOrCreateSession(""); err != nil || !isNew {
		t.Fatalf("expected eviction to make room for a new session, isNew=%v err=%v", isNew, err)
	}
}

func TestManager_StopAllClearsPool(t *testing.T) {
	m := NewManager(Spec{Binary: "/bin/true"}, NewRegistry(), 5)
	m.GetOrCreateSession("")
	m.GetOrCreateSession("other")
	m.StopAll()
	if m.Count() != 0 {
		t.Fatalf("expected empty pool after StopAll, got %d", m.Count())
	}
}
