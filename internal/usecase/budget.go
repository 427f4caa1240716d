package usecase

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"opsbridge/internal/domain"
)

// TokenCounter estimates the token footprint of text.
type TokenCounter interface {
	Count(text string) int
}

// tiktokenCounter counts with a real BPE encoding.
type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func (c *tiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// NewTokenCounter loads the named tiktoken encoding.
func NewTokenCounter(encoding string) (TokenCounter, error) {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load encoding %q: %w", encoding, err)
	}
	return &tiktokenCounter{enc: enc}, nil
}

// TokenBudget trims conversation history to a token limit before each
// decision call, dropping the oldest turns first. The suffix starting at
// the most recent user turn is always kept.
type TokenBudget struct {
	limit   int
	counter TokenCounter
}

// NewTokenBudget builds a budget over a counter. A limit of zero disables
// trimming.
func NewTokenBudget(counter TokenCounter, limit int) *TokenBudget {
	return &TokenBudget{limit: limit, counter: counter}
}

// Count estimates the token footprint of the given turns.
func (b *TokenBudget) Count(turns []domain.Turn) int {
	total := 0
	for _, t := range turns {
		total += b.counter.Count(t.Content)
		for _, inv := range t.Invocations {
			total += b.counter.Count(inv.ProviderKey + inv.Capability + string(inv.Arguments))
		}
		for _, r := range t.Results {
			total += b.counter.Count(r.Content)
			if r.Failed() {
				total += b.counter.Count(r.Failure.Message)
			}
		}
		// Per-turn structural overhead (role markers, separators).
		total += 4
	}
	return total
}

// Trim drops the oldest turns until the history fits the budget. A result
// turn is never left without the decision turn it answers, so drops happen
// in decision/result pairs.
func (b *TokenBudget) Trim(history []domain.Turn) []domain.Turn {
	if b.limit <= 0 || len(history) == 0 {
		return history
	}

	// The current request and everything after it always survives.
	keepFrom := 0
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Kind == domain.TurnUser {
			keepFrom = i
			break
		}
	}

	start := 0
	for start < keepFrom && b.Count(history[start:]) > b.limit {
		start++
		if start < keepFrom && history[start].Kind == domain.TurnResult {
			start++
		}
	}
	return history[start:]
}
