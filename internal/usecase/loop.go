package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"opsbridge/internal/domain"
	"opsbridge/internal/infra/tracer"
)

// LoopState is the dispatch loop's explicit control state.
type LoopState int

const (
	// StateDeciding: waiting on the decision function.
	StateDeciding LoopState = iota
	// StateActing: executing the proposed invocations.
	StateActing
	// StateDone: a final answer exists.
	StateDone
)

func (s LoopState) String() string {
	switch s {
	case StateDeciding:
		return "deciding"
	case StateActing:
		return "acting"
	default:
		return "done"
	}
}

// iterationLimitAnswer is the deterministic final answer when the loop
// exhausts its budget with work still proposed.
const iterationLimitAnswer = "Iteration limit reached without a final answer. Partial results are in the conversation above."

// LoopConfig bounds one dispatch run.
type LoopConfig struct {
	// MaxIterations caps completed Acting rounds per run. Must be >= 1.
	MaxIterations int
	// DecideTimeout bounds each decision call. Zero means no extra bound
	// beyond the caller's context.
	DecideTimeout time.Duration
}

// LoopDeps are the dispatch loop's collaborators.
type LoopDeps struct {
	Registry domain.CapabilityRegistry
	Decider  domain.Decider
	Budget   *TokenBudget // optional history trimming
	Logger   *slog.Logger
}

// DispatchLoop runs the decide/act cycle: offer capabilities to the
// decision function, execute what it proposes, fold the results back in,
// and repeat until it answers in plain text or the budget runs out.
type DispatchLoop struct {
	cfg  LoopConfig
	deps LoopDeps
}

// NewDispatchLoop validates configuration up front so a bad limit fails at
// startup, not mid-conversation.
func NewDispatchLoop(deps LoopDeps, cfg LoopConfig) (*DispatchLoop, error) {
	if cfg.MaxIterations < 1 {
		return nil, domain.NewDomainError("NewDispatchLoop", domain.ErrInvalidConfig,
			fmt.Sprintf("max iterations must be at least 1, got %d", cfg.MaxIterations))
	}
	if deps.Registry == nil {
		return nil, domain.NewDomainError("NewDispatchLoop", domain.ErrInvalidConfig, "registry is required")
	}
	if deps.Decider == nil {
		return nil, domain.NewDomainError("NewDispatchLoop", domain.ErrInvalidConfig, "decider is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &DispatchLoop{cfg: cfg, deps: deps}, nil
}

// LoopResult is the outcome of one dispatch run.
type LoopResult struct {
	// Final is the answer handed back to the caller. Set even on budget
	// exhaustion, where it carries the deterministic limit message.
	Final string
	// Turns are the decision and result turns generated by this run, plus
	// the initial user turn, in order. Callers persist these.
	Turns []domain.Turn
	// Iterations is how many Acting rounds completed.
	Iterations int
	// State is the terminal loop state.
	State LoopState
}

// Run executes one dispatch cycle for message on top of the caller's
// context. Invocation failures are folded into the conversation as data;
// the returned error is non-nil only for decision failures, provider
// construction failures, budget exhaustion, and cancellation.
func (l *DispatchLoop) Run(ctx context.Context, message string, reqCtx domain.RequestContext) (LoopResult, error) {
	ctx, span := tracer.StartSpan(ctx, "loop.run",
		trace.WithAttributes(tracer.IntAttr("loop.max_iterations", l.cfg.MaxIterations)),
	)
	defer span.End()

	userTurn := domain.UserTurn(message)
	history := make([]domain.Turn, 0, len(reqCtx.History)+1)
	history = append(history, reqCtx.History...)
	history = append(history, userTurn)

	res := LoopResult{Turns: []domain.Turn{userTurn}, State: StateDeciding}

	for {
		if err := ctx.Err(); err != nil {
			tracer.RecordError(span, err)
			return res, err
		}

		decision, err := l.decide(ctx, history)
		if err != nil {
			tracer.RecordError(span, err)
			// Cancellation is reported as itself, not as a backend failure.
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, ctxErr
			}
			res.Final = "The request could not be processed because the decision backend is unavailable."
			return res, fmt.Errorf("%w: %v", domain.ErrDecision, err)
		}

		decisionTurn := decision.Turn()
		history = append(history, decisionTurn)
		res.Turns = append(res.Turns, decisionTurn)

		// No invocations means the decision is the final answer. A run
		// can finish this way before any Acting round at all.
		if len(decision.Invocations) == 0 {
			res.Final = decision.Narrative
			res.State = StateDone
			l.deps.Logger.Info("dispatch finished",
				"iterations", res.Iterations, "final_len", len(res.Final))
			tracer.SetOK(span)
			return res, nil
		}

		res.State = StateActing
		results, err := l.act(ctx, decision.Invocations)
		if err != nil {
			tracer.RecordError(span, err)
			return res, err
		}

		resultTurn := domain.ResultTurn(results)
		history = append(history, resultTurn)
		res.Turns = append(res.Turns, resultTurn)
		res.Iterations++
		res.State = StateDeciding

		if res.Iterations >= l.cfg.MaxIterations {
			res.Final = iterationLimitAnswer
			res.State = StateDone
			l.deps.Logger.Warn("dispatch hit iteration limit", "iterations", res.Iterations)
			err := domain.NewDomainError("DispatchLoop.Run", domain.ErrMaxIterations,
				fmt.Sprintf("%d iterations", res.Iterations))
			tracer.RecordError(span, err)
			return res, err
		}
	}
}

// decide asks the decision function for the next step, offering the current
// capability catalog and applying the optional token budget to the history.
func (l *DispatchLoop) decide(ctx context.Context, history []domain.Turn) (domain.Decision, error) {
	if l.cfg.DecideTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.DecideTimeout)
		defer cancel()
	}

	if l.deps.Budget != nil {
		history = l.deps.Budget.Trim(history)
	}

	catalog := l.deps.Registry.Catalog()
	return l.deps.Decider.Decide(ctx, history, catalog)
}

// act executes the proposed invocations concurrently and returns their
// results in proposal order, failures included. Only a provider
// construction failure aborts the run.
func (l *DispatchLoop) act(ctx context.Context, invocations []domain.Invocation) ([]domain.InvocationResult, error) {
	results := make([]domain.InvocationResult, len(invocations))
	errs := make([]error, len(invocations))

	var wg sync.WaitGroup
	for i, inv := range invocations {
		wg.Add(1)
		go func(i int, inv domain.Invocation) {
			defer wg.Done()
			results[i], errs[i] = l.deps.Registry.Invoke(ctx, inv)
		}(i, inv)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	for _, r := range results {
		if r.Failed() {
			l.deps.Logger.Warn("invocation failed, folding into conversation",
				"provider", r.Invocation.ProviderKey,
				"capability", r.Invocation.Capability,
				"kind", string(r.Failure.Kind))
		}
	}
	return results, nil
}
