package platform

import (
	"context"
	"testing"
	"time"

	"chatbridge/internal/domain"
)

func sessionFixture(t *testing.T) (*fixture, *SessionManager, *time.Time) {
	t.Helper()
	f := newFixture(t)
	sm := NewSessionManager(f.manager, f.store, 7*24*time.Hour, testLogger())
	now := time.Now()
	sm.now = func() time.Time { return now }
	return f, sm, &now
}

func TestValidateSession(t *testing.T) {
	f, sm, now := sessionFixture(t)
	ctx := context.Background()

	// Unknown connection.
	if sm.ValidateSession(ctx, "ghost") {
		t.Fatal("unknown connection must be invalid")
	}

	// Connected and fresh.
	f.connect(t, "c1")
	f.store.connections["c1"].LastSyncAt = *now
	if !sm.ValidateSession(ctx, "c1") {
		t.Fatal("fresh connected session must be valid")
	}

	// Stale last sync.
	f.store.connections["c1"].LastSyncAt = now.Add(-8 * 24 * time.Hour)
	if sm.ValidateSession(ctx, "c1") {
		t.Fatal("session older than the max age must be invalid")
	}

	// Fresh record without a live adapter.
	f.store.connections["c1"].LastSyncAt = *now
	if err := f.manager.DisconnectPlatform(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if sm.ValidateSession(ctx, "c1") {
		t.Fatal("session without a live adapter must be invalid")
	}
}

func TestExpireOldSessionsDisconnectsStaleConnections(t *testing.T) {
	f, sm, now := sessionFixture(t)
	ctx := context.Background()

	f.connect(t, "stale")
	f.connect(t, "fresh")
	f.store.connections["stale"].Status = domain.StatusConnected
	f.store.connections["stale"].LastSyncAt = now.Add(-8 * 24 * time.Hour)
	f.store.connections["fresh"].Status = domain.StatusConnected
	f.store.connections["fresh"].LastSyncAt = *now

	n, err := sm.ExpireOldSessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired session, got %d", n)
	}
	if _, ok := f.manager.Adapter("stale"); ok {
		t.Fatal("stale adapter must be torn down")
	}
	if _, ok := f.manager.Adapter("fresh"); !ok {
		t.Fatal("fresh adapter must survive the sweep")
	}
	if got := f.store.status("stale"); got != domain.StatusDisconnected {
		t.Fatalf("expected disconnected, got %q", got)
	}
}

func TestExpireOldSessionsFixesRecordWithoutAdapter(t *testing.T) {
	f, sm, now := sessionFixture(t)
	ctx := context.Background()

	// Record claims connected but no adapter exists (e.g. process restart).
	f.store.connections["zombie"] = &domain.Connection{
		ID:         "zombie",
		Status:     domain.StatusConnected,
		LastSyncAt: now.Add(-30 * 24 * time.Hour),
	}

	n, err := sm.ExpireOldSessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired session, got %d", n)
	}
	if got := f.store.status("zombie"); got != domain.StatusDisconnected {
		t.Fatalf("expected record corrected to disconnected, got %q", got)
	}
}

func TestCleanupOrphanedSessions(t *testing.T) {
	f, sm, now := sessionFixture(t)
	ctx := context.Background()

	f.connect(t, "live")
	f.store.connections["live"].Status = domain.StatusConnected
	f.store.connections["live"].LastSyncAt = *now
	f.store.connections["orphan"] = &domain.Connection{
		ID:         "orphan",
		Status:     domain.StatusConnected,
		LastSyncAt: *now,
	}

	n, err := sm.CleanupOrphanedSessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 orphan cleaned, got %d", n)
	}
	if got := f.store.status("orphan"); got != domain.StatusDisconnected {
		t.Fatalf("expected orphan marked disconnected, got %q", got)
	}
	if got := f.store.status("live"); got != domain.StatusConnected {
		t.Fatalf("live connection must be untouched, got %q", got)
	}
}

func TestRunSweepsOnInterval(t *testing.T) {
	f, sm, now := sessionFixture(t)

	f.store.connections["stale"] = &domain.Connection{
		ID:         "stale",
		Status:     domain.StatusConnected,
		LastSyncAt: now.Add(-30 * 24 * time.Hour),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sm.Run(ctx, 10*time.Millisecond)

	waitFor(t, "sweep to fix the stale record", func() bool {
		return f.store.status("stale") == domain.StatusDisconnected
	})
}
