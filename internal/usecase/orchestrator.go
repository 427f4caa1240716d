package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"opsbridge/internal/domain"
	"opsbridge/internal/infra/tracer"
)

// Orchestrator is the session-level entry point: one call per user message,
// one reply out. It never reads or writes persistence; the caller supplies
// prior turns in the request context and stores the new ones afterwards.
type Orchestrator struct {
	loop    *DispatchLoop
	decider domain.Decider
	logger  *slog.Logger
}

func NewOrchestrator(loop *DispatchLoop, decider domain.Decider, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{loop: loop, decider: decider, logger: logger}
}

// Process handles one user message. With agentic set, the dispatch loop
// runs with the full capability catalog; otherwise a single narrative-only
// decision is made. Business failures come back as descriptive reply text;
// the error return is reserved for cancellation and invalid configuration.
func (o *Orchestrator) Process(ctx context.Context, message string, reqCtx domain.RequestContext, agentic bool) (string, []domain.Turn, error) {
	ctx, span := tracer.StartSpan(ctx, "orchestrator.process")
	defer span.End()
	span.SetAttributes(tracer.BoolAttr("agentic", agentic))

	if !agentic {
		return o.processPlain(ctx, message, reqCtx)
	}

	res, err := o.loop.Run(ctx, message, reqCtx)
	if err != nil {
		if ctx.Err() != nil {
			tracer.RecordError(span, err)
			return "", res.Turns, err
		}
		if errors.Is(err, domain.ErrInvalidConfig) {
			tracer.RecordError(span, err)
			return "", res.Turns, err
		}

		// Everything else is a business outcome: the caller gets text,
		// not an error. The loop already produced a final answer for
		// decision failures and budget exhaustion.
		o.logger.Warn("dispatch ended with business error", "error", err)
		reply := res.Final
		if reply == "" {
			reply = fmt.Sprintf("The request could not be completed: %v", err)
		}
		return reply, res.Turns, nil
	}

	tracer.SetOK(span)
	return res.Final, res.Turns, nil
}

// processPlain answers without capabilities: a single decision call with
// an empty catalog, which asks the backend for a direct reply.
func (o *Orchestrator) processPlain(ctx context.Context, message string, reqCtx domain.RequestContext) (string, []domain.Turn, error) {
	userTurn := domain.UserTurn(message)
	history := make([]domain.Turn, 0, len(reqCtx.History)+1)
	history = append(history, reqCtx.History...)
	history = append(history, userTurn)

	decision, err := o.decider.Decide(ctx, history, nil)
	if err != nil {
		if ctx.Err() != nil {
			return "", []domain.Turn{userTurn}, ctx.Err()
		}
		o.logger.Warn("plain decision failed", "error", err)
		return "The request could not be processed because the decision backend is unavailable.",
			[]domain.Turn{userTurn}, nil
	}

	turns := []domain.Turn{userTurn, decision.Turn()}
	return decision.Narrative, turns, nil
}
