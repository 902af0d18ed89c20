package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ghostwriter/api/internal/orderkey"
	"ghostwriter/api/internal/screenplay"
)

func openTestStore(t *testing.T) (*PostgresStore, context.Context) {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("GHOSTWRITER_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("GHOSTWRITER_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	db, err := Open(ctx, dsn, 1)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if _, err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db), ctx
}

func seedScript(t *testing.T, ctx context.Context, s *PostgresStore) (screenplay.Script, User) {
	t.Helper()
	owner, err := s.EnsureUserByName(ctx, "Ada", "#ff0000")
	if err != nil {
		t.Fatalf("EnsureUserByName() error = %v", err)
	}
	script, err := s.InsertScript(ctx, screenplay.Script{ID: "script-1", Title: "Pilot", Author: "Ada"}, owner.ID, []Block{{
		Block: screenplay.Block{ScriptID: "script-1", BlockID: screenplay.NewBlockID(), Type: screenplay.Action, Order: orderkey.InitialKey()},
	}})
	if err != nil {
		t.Fatalf("InsertScript() error = %v", err)
	}
	return script, owner
}

func TestPostgresBlocksListInKeyOrder(t *testing.T) {
	s, ctx := openTestStore(t)
	script, owner := seedScript(t, ctx, s)

	// "Zz" < "a0" < "a0V" < "a1" byte-wise; a linguistic collation would disagree.
	for _, order := range []string{"a1", "Zz", "a0V"} {
		_, err := s.InsertBlock(ctx, Block{
			Block:     screenplay.Block{ScriptID: script.ID, BlockID: screenplay.NewBlockID(), Type: screenplay.Action, Content: order, Order: order},
			UpdatedBy: owner.ID,
		})
		if err != nil {
			t.Fatalf("InsertBlock(%s) error = %v", order, err)
		}
	}

	blocks, err := s.ListBlocks(ctx, script.ID)
	if err != nil {
		t.Fatalf("ListBlocks() error = %v", err)
	}
	got := make([]string, len(blocks))
	for i, b := range blocks {
		got[i] = b.Order
	}
	want := []string{"Zz", "a0", "a0V", "a1"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("order = %v, want %v", got, want)
	}
}

func TestPostgresOrderKeyConflict(t *testing.T) {
	s, ctx := openTestStore(t)
	script, _ := seedScript(t, ctx, s)

	_, err := s.InsertBlock(ctx, Block{Block: screenplay.Block{
		ScriptID: script.ID, BlockID: screenplay.NewBlockID(), Type: screenplay.Action, Order: orderkey.InitialKey(),
	}})
	if !errors.Is(err, ErrOrderConflict) {
		t.Fatalf("InsertBlock() error = %v, want ErrOrderConflict", err)
	}
}

func TestPostgresUpdateBlockVersionCheck(t *testing.T) {
	s, ctx := openTestStore(t)
	script, owner := seedScript(t, ctx, s)

	blocks, err := s.ListBlocks(ctx, script.ID)
	if err != nil || len(blocks) != 1 {
		t.Fatalf("ListBlocks() = %v, %v", blocks, err)
	}
	first := blocks[0]

	content := "She runs."
	updated, err := s.UpdateBlock(ctx, BlockPatch{
		ScriptID: script.ID, BlockID: first.BlockID, Content: &content, ExpectedVersion: first.Version, UpdatedBy: owner.ID,
	})
	if err != nil {
		t.Fatalf("UpdateBlock() error = %v", err)
	}
	if updated.Version != first.Version+1 || updated.Content != content {
		t.Fatalf("unexpected update result %+v", updated)
	}

	stale := "stale write"
	_, err = s.UpdateBlock(ctx, BlockPatch{
		ScriptID: script.ID, BlockID: first.BlockID, Content: &stale, ExpectedVersion: first.Version,
	})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("stale UpdateBlock() error = %v, want ErrVersionConflict", err)
	}

	_, err = s.UpdateBlock(ctx, BlockPatch{ScriptID: script.ID, BlockID: "missing", Content: &stale, ExpectedVersion: 3})
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("missing UpdateBlock() error = %v, want sql.ErrNoRows", err)
	}
}

func TestPostgresApplyBlockChangesSwapsKeys(t *testing.T) {
	s, ctx := openTestStore(t)
	script, _ := seedScript(t, ctx, s)

	second, err := s.InsertBlock(ctx, Block{Block: screenplay.Block{
		ScriptID: script.ID, BlockID: screenplay.NewBlockID(), Type: screenplay.Dialogue, Order: "a1",
	}})
	if err != nil {
		t.Fatalf("InsertBlock() error = %v", err)
	}
	blocks, err := s.ListBlocks(ctx, script.ID)
	if err != nil {
		t.Fatalf("ListBlocks() error = %v", err)
	}
	first := blocks[0]

	firstOrder, secondOrder := second.Order, first.Order
	err = s.ApplyBlockChanges(ctx, script.ID, nil, []BlockPatch{
		{ScriptID: script.ID, BlockID: first.BlockID, Order: &firstOrder},
		{ScriptID: script.ID, BlockID: second.BlockID, Order: &secondOrder},
	}, nil)
	if err != nil {
		t.Fatalf("ApplyBlockChanges() error = %v", err)
	}

	blocks, err = s.ListBlocks(ctx, script.ID)
	if err != nil {
		t.Fatalf("ListBlocks() error = %v", err)
	}
	if blocks[0].BlockID != second.BlockID || blocks[1].BlockID != first.BlockID {
		t.Fatalf("swap did not reorder blocks: %+v", blocks)
	}
}

func TestPostgresApplyBlockChangesChecksDeleteVersion(t *testing.T) {
	s, ctx := openTestStore(t)
	script, owner := seedScript(t, ctx, s)

	blocks, err := s.ListBlocks(ctx, script.ID)
	if err != nil || len(blocks) != 1 {
		t.Fatalf("ListBlocks() = %v, %v", blocks, err)
	}
	first := blocks[0]
	content := "Edited elsewhere."
	if _, err := s.UpdateBlock(ctx, BlockPatch{
		ScriptID: script.ID, BlockID: first.BlockID, Content: &content, ExpectedVersion: first.Version, UpdatedBy: owner.ID,
	}); err != nil {
		t.Fatalf("UpdateBlock() error = %v", err)
	}

	err = s.ApplyBlockChanges(ctx, script.ID, nil, nil, []BlockDelete{{BlockID: first.BlockID, ExpectedVersion: first.Version}})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("stale delete error = %v, want ErrVersionConflict", err)
	}
	if blocks, _ := s.ListBlocks(ctx, script.ID); len(blocks) != 1 {
		t.Fatalf("stale delete removed the block: %+v", blocks)
	}

	err = s.ApplyBlockChanges(ctx, script.ID, nil, nil, []BlockDelete{
		{BlockID: screenplay.NewBlockID(), ExpectedVersion: 1},
		{BlockID: first.BlockID, ExpectedVersion: first.Version + 1},
	})
	if err != nil {
		t.Fatalf("ApplyBlockChanges() error = %v", err)
	}
	if blocks, _ := s.ListBlocks(ctx, script.ID); len(blocks) != 0 {
		t.Fatalf("blocks = %+v, want none", blocks)
	}
}

func TestPostgresPermissionsAndPresence(t *testing.T) {
	s, ctx := openTestStore(t)
	script, owner := seedScript(t, ctx, s)

	permission, err := s.GetPermission(ctx, script.ID, owner.ID)
	if err != nil || permission != "admin" {
		t.Fatalf("GetPermission(owner) = %q, %v", permission, err)
	}
	guest, err := s.EnsureUserByName(ctx, "Bo", "")
	if err != nil {
		t.Fatalf("EnsureUserByName() error = %v", err)
	}
	if permission, _ := s.GetPermission(ctx, script.ID, guest.ID); permission != "" {
		t.Fatalf("GetPermission(guest) = %q, want empty", permission)
	}
	if scripts, err := s.ListScripts(ctx, guest.ID); err != nil || len(scripts) != 0 {
		t.Fatalf("ListScripts(guest) = %v, %v", scripts, err)
	}
	if err := s.UpsertCollaborator(ctx, script.ID, guest.ID, "read"); err != nil {
		t.Fatalf("UpsertCollaborator() error = %v", err)
	}
	if scripts, err := s.ListScripts(ctx, guest.ID); err != nil || len(scripts) != 1 || scripts[0].ID != script.ID {
		t.Fatalf("ListScripts(guest) after invite = %v, %v", scripts, err)
	}

	record := PresenceRecord{ScriptID: script.ID, UserID: guest.ID, UserName: guest.DisplayName, UserColor: guest.Color}
	if err := s.Heartbeat(ctx, record); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	if err := s.SetActiveBlock(ctx, guest.ID, "block-9"); err != nil {
		t.Fatalf("SetActiveBlock() error = %v", err)
	}
	active, err := s.ActiveUsers(ctx, script.ID, time.Now().Add(-time.Minute))
	if err != nil || len(active) != 1 || active[0].ActiveBlockID != "block-9" {
		t.Fatalf("ActiveUsers() = %+v, %v", active, err)
	}
	if err := s.Leave(ctx, guest.ID); err != nil {
		t.Fatalf("Leave() error = %v", err)
	}
	active, err = s.ActiveUsers(ctx, script.ID, time.Now().Add(-time.Minute))
	if err != nil || len(active) != 0 {
		t.Fatalf("ActiveUsers() after leave = %+v, %v", active, err)
	}
}
