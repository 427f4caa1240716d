package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"opsbridge/internal/domain"
)

func newStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "conv.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGet(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	c, err := s.Create(ctx, "alice")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if c.ID == "" {
		t.Fatal("empty conversation ID")
	}

	got, err := s.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.User != "alice" || len(got.Turns) != 0 {
		t.Errorf("got = %+v", got)
	}
}

func TestGetMissing(t *testing.T) {
	s := newStore(t)
	_, err := s.Get(context.Background(), "01J00000000000000000000000")
	if !errors.Is(err, domain.ErrConversationNotFound) {
		t.Errorf("error = %v, want ErrConversationNotFound", err)
	}
}

func TestAppendTurns(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	c, err := s.Create(ctx, "bob")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	turns := []domain.Turn{
		domain.UserTurn("list open issues"),
		domain.Decision{Narrative: "Checking."}.Turn(),
	}
	if err := s.AppendTurns(ctx, c.ID, turns); err != nil {
		t.Fatalf("AppendTurns: %v", err)
	}
	if err := s.AppendTurns(ctx, c.ID, []domain.Turn{domain.UserTurn("thanks")}); err != nil {
		t.Fatalf("AppendTurns second: %v", err)
	}

	got, err := s.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Turns) != 3 {
		t.Fatalf("Turns len = %d, want 3", len(got.Turns))
	}
	if got.Turns[0].Kind != domain.TurnUser || got.Turns[0].Content != "list open issues" {
		t.Errorf("Turns[0] = %+v", got.Turns[0])
	}
	if got.Turns[1].Kind != domain.TurnDecision {
		t.Errorf("Turns[1].Kind = %q", got.Turns[1].Kind)
	}
}

func TestAppendTurnsMissingConversation(t *testing.T) {
	s := newStore(t)
	err := s.AppendTurns(context.Background(), "nope", []domain.Turn{domain.UserTurn("x")})
	if !errors.Is(err, domain.ErrConversationNotFound) {
		t.Errorf("error = %v, want ErrConversationNotFound", err)
	}
}

func TestReapStale(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	old, err := s.Create(ctx, "old")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Backdate the old conversation.
	stale := time.Now().UTC().Add(-48 * time.Hour).Format(time.RFC3339Nano)
	if _, err := s.db.Exec(`UPDATE conversations SET updated_at = ? WHERE id = ?`, stale, old.ID); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	fresh, err := s.Create(ctx, "fresh")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	n, err := s.ReapStale(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("ReapStale: %v", err)
	}
	if n != 1 {
		t.Errorf("reaped %d, want 1", n)
	}

	if _, err := s.Get(ctx, old.ID); !errors.Is(err, domain.ErrConversationNotFound) {
		t.Error("stale conversation should be gone")
	}
	if _, err := s.Get(ctx, fresh.ID); err != nil {
		t.Errorf("fresh conversation should remain: %v", err)
	}
}
