package presence

import (
	"context"
	"testing"
	"time"

	"ghostwriter/api/internal/store"

	"github.com/alicebob/miniredis/v2"
)

type fakeClock struct {
	current time.Time
}

func (c *fakeClock) now() time.Time { return c.current }

func (c *fakeClock) advance(d time.Duration) { c.current = c.current.Add(d) }

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := NewRedisStore("redis://"+mr.Addr(), 30*time.Second)
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	clock := &fakeClock{current: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s.now = clock.now
	return s, mr, clock
}

func record(scriptID, userID string) store.PresenceRecord {
	return store.PresenceRecord{ScriptID: scriptID, UserID: userID, UserName: "user " + userID, UserColor: "#00aaff"}
}

func TestHeartbeatAndActiveUsers(t *testing.T) {
	s, _, clock := setupTestRedis(t)
	ctx := context.Background()

	if err := s.Heartbeat(ctx, record("script-1", "ada")); err != nil {
		t.Fatalf("Heartbeat(ada) error = %v", err)
	}
	clock.advance(time.Second)
	if err := s.Heartbeat(ctx, record("script-1", "bo")); err != nil {
		t.Fatalf("Heartbeat(bo) error = %v", err)
	}

	active, err := s.ActiveUsers(ctx, "script-1", clock.now().Add(-30*time.Second))
	if err != nil {
		t.Fatalf("ActiveUsers() error = %v", err)
	}
	if len(active) != 2 || active[0].UserID != "bo" || active[1].UserID != "ada" {
		t.Fatalf("ActiveUsers() = %+v, want bo then ada", active)
	}
}

func TestStaleHeartbeatsAreExcluded(t *testing.T) {
	s, _, clock := setupTestRedis(t)
	ctx := context.Background()

	if err := s.Heartbeat(ctx, record("script-1", "ada")); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	clock.advance(31 * time.Second)

	active, err := s.ActiveUsers(ctx, "script-1", clock.now().Add(-30*time.Second))
	if err != nil {
		t.Fatalf("ActiveUsers() error = %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected stale user to be excluded, got %+v", active)
	}
}

func TestExpiredRecordsDisappear(t *testing.T) {
	s, mr, clock := setupTestRedis(t)
	ctx := context.Background()

	if err := s.Heartbeat(ctx, record("script-1", "ada")); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	mr.FastForward(31 * time.Second)

	active, err := s.ActiveUsers(ctx, "script-1", clock.now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("ActiveUsers() error = %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected expired record to be gone, got %+v", active)
	}
}

func TestHeartbeatInAnotherScriptMovesUser(t *testing.T) {
	s, _, clock := setupTestRedis(t)
	ctx := context.Background()

	if err := s.Heartbeat(ctx, record("script-1", "ada")); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	if err := s.Heartbeat(ctx, record("script-2", "ada")); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}

	since := clock.now().Add(-time.Minute)
	first, err := s.ActiveUsers(ctx, "script-1", since)
	if err != nil {
		t.Fatalf("ActiveUsers(script-1) error = %v", err)
	}
	second, err := s.ActiveUsers(ctx, "script-2", since)
	if err != nil {
		t.Fatalf("ActiveUsers(script-2) error = %v", err)
	}
	if len(first) != 0 || len(second) != 1 {
		t.Fatalf("script-1 = %+v, script-2 = %+v", first, second)
	}
}

func TestSetActiveBlockAndLeave(t *testing.T) {
	s, _, clock := setupTestRedis(t)
	ctx := context.Background()

	if err := s.SetActiveBlock(ctx, "ghost", "block-1"); err != nil {
		t.Fatalf("SetActiveBlock(unknown) error = %v", err)
	}
	if err := s.Heartbeat(ctx, record("script-1", "ada")); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	clock.advance(2 * time.Second)
	if err := s.SetActiveBlock(ctx, "ada", "block-7"); err != nil {
		t.Fatalf("SetActiveBlock() error = %v", err)
	}

	since := clock.now().Add(-30 * time.Second)
	active, err := s.ActiveUsers(ctx, "script-1", since)
	if err != nil {
		t.Fatalf("ActiveUsers() error = %v", err)
	}
	if len(active) != 1 || active[0].ActiveBlockID != "block-7" || !active[0].LastSeen.Equal(clock.now()) {
		t.Fatalf("ActiveUsers() = %+v", active)
	}

	if err := s.Leave(ctx, "ada"); err != nil {
		t.Fatalf("Leave() error = %v", err)
	}
	active, err = s.ActiveUsers(ctx, "script-1", since)
	if err != nil {
		t.Fatalf("ActiveUsers() error = %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no users after leave, got %+v", active)
	}
}
