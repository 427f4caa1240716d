package domain

import (
	"context"
	"time"
)

// TurnKind tags the variant of a conversation turn.
type TurnKind string

const (
	// TurnUser carries the inbound user message.
	TurnUser TurnKind = "user"
	// TurnDecision carries one decision-step output: zero or more proposed
	// invocations plus an optional narrative.
	TurnDecision TurnKind = "decision"
	// TurnResult carries the results of exactly one preceding decision turn.
	TurnResult TurnKind = "result"
)

// Turn is one entry in a dispatch-loop history. Exactly one of the
// variant fields is populated according to Kind.
type Turn struct {
	Kind        TurnKind           `json:"kind"`
	Content     string             `json:"content,omitempty"`     // user text or decision narrative
	Invocations []Invocation       `json:"invocations,omitempty"` // decision turns
	Results     []InvocationResult `json:"results,omitempty"`     // result turns
	Timestamp   time.Time          `json:"timestamp"`
}

// UserTurn builds a user-message turn.
func UserTurn(content string) Turn {
	return Turn{Kind: TurnUser, Content: content, Timestamp: time.Now()}
}

// ResultTurn builds a result turn from one Acting step.
func ResultTurn(results []InvocationResult) Turn {
	return Turn{Kind: TurnResult, Results: results, Timestamp: time.Now()}
}

// Decision is what the external decision function returns for one step:
// either a narrative-only completion (no invocations) or a set of proposed
// invocations to execute before deciding again.
type Decision struct {
	Narrative   string
	Invocations []Invocation
}

// Turn converts a decision into its history representation.
func (d Decision) Turn() Turn {
	return Turn{
		Kind:        TurnDecision,
		Content:     d.Narrative,
		Invocations: d.Invocations,
		Timestamp:   time.Now(),
	}
}

// Decider is the external decision function consumed as a black box. It
// must honor ctx deadlines and be safe to retry.
type Decider interface {
	// Decide proposes the next step given the full history and the
	// capabilities currently on offer. An empty capability slice asks for
	// a single-shot, narrative-only answer.
	Decide(ctx context.Context, history []Turn, capabilities []CapabilityDescriptor) (Decision, error)
	// Name identifies the backend for logs and traces.
	Name() string
}

// RequestContext is the caller-supplied context for one request: prior
// conversation turns as plain data plus free-form user attributes. The
// core never reads or writes a persistence layer directly.
type RequestContext struct {
	User       string            `json:"user,omitempty"`
	History    []Turn            `json:"history,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}
