package usecase

import (
	"testing"

	"opsbridge/internal/domain"
)

// runeCounter treats every character as one token, which keeps the
// arithmetic in these tests exact without loading a BPE table.
type runeCounter struct{}

func (runeCounter) Count(text string) int { return len([]rune(text)) }

func turnOf(kind domain.TurnKind, content string) domain.Turn {
	return domain.Turn{Kind: kind, Content: content}
}

func TestBudgetCount(t *testing.T) {
	b := NewTokenBudget(runeCounter{}, 100)
	turns := []domain.Turn{
		turnOf(domain.TurnUser, "abcd"), // 4 + 4 overhead
		{
			Kind:    domain.TurnResult,
			Results: []domain.InvocationResult{{Content: "xy"}}, // 2 + 4 overhead
		},
	}
	if got := b.Count(turns); got != 14 {
		t.Errorf("Count = %d, want 14", got)
	}
}

func TestTrimDisabledLimit(t *testing.T) {
	b := NewTokenBudget(runeCounter{}, 0)
	history := []domain.Turn{
		turnOf(domain.TurnUser, "one"),
		turnOf(domain.TurnUser, "two"),
	}
	if got := b.Trim(history); len(got) != 2 {
		t.Errorf("Trim dropped turns with limit disabled: %d", len(got))
	}
}

func TestTrimKeepsHistoryWithinBudget(t *testing.T) {
	b := NewTokenBudget(runeCounter{}, 1000)
	history := []domain.Turn{
		turnOf(domain.TurnUser, "first"),
		turnOf(domain.TurnDecision, "answer"),
		turnOf(domain.TurnUser, "second"),
	}
	if got := b.Trim(history); len(got) != 3 {
		t.Errorf("Trim len = %d, want 3", len(got))
	}
}

func TestTrimDropsOldestFirst(t *testing.T) {
	// Each turn costs its content length + 4.
	history := []domain.Turn{
		turnOf(domain.TurnUser, "aaaaaaaaaa"),     // 14
		turnOf(domain.TurnDecision, "bbbbbbbbbb"), // 14
		turnOf(domain.TurnUser, "cccc"),           // 8
	}
	b := NewTokenBudget(runeCounter{}, 25)

	got := b.Trim(history)
	if len(got) != 2 {
		t.Fatalf("Trim len = %d, want 2", len(got))
	}
	if got[0].Content != "bbbbbbbbbb" {
		t.Errorf("kept head = %q, want the decision turn", got[0].Content)
	}
}

func TestTrimNeverDropsCurrentRequest(t *testing.T) {
	history := []domain.Turn{
		turnOf(domain.TurnUser, "old question that is long"),
		turnOf(domain.TurnDecision, "old answer that is also long"),
		turnOf(domain.TurnUser, "current question exceeding any tiny budget"),
	}
	b := NewTokenBudget(runeCounter{}, 1)

	got := b.Trim(history)
	if len(got) != 1 || got[0].Kind != domain.TurnUser || got[0].Content != "current question exceeding any tiny budget" {
		t.Errorf("Trim = %+v, want only the current user turn", got)
	}
}

func TestTrimSkipsOrphanedResult(t *testing.T) {
	history := []domain.Turn{
		turnOf(domain.TurnUser, "aaaaaaaaaaaaaaaaaaaa"), // 24
		turnOf(domain.TurnDecision, "bbbb"),             // 8
		{
			Kind:    domain.TurnResult,
			Results: []domain.InvocationResult{{Content: "cccc"}}, // 8
		},
		turnOf(domain.TurnUser, "dddd"), // 8
	}
	// Budget forces dropping past the decision turn. Its result must go
	// with it rather than leading the trimmed history.
	b := NewTokenBudget(runeCounter{}, 20)

	got := b.Trim(history)
	if len(got) == 0 || got[0].Kind == domain.TurnResult {
		t.Fatalf("trimmed history starts with an orphaned result: %+v", got)
	}
	if got[len(got)-1].Content != "dddd" {
		t.Errorf("current request missing from trimmed history")
	}
}
