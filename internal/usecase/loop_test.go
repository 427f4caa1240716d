package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"opsbridge/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubProvider satisfies domain.Provider for registry fakes.
type stubProvider struct {
	key string
}

func (p *stubProvider) Key() string                                 { return p.key }
func (p *stubProvider) Description() string                         { return "stub" }
func (p *stubProvider) Enabled() bool                               { return true }
func (p *stubProvider) Capabilities() []domain.CapabilityDescriptor { return nil }
func (p *stubProvider) Probe(context.Context) error                 { return nil }
func (p *stubProvider) Invoke(_ context.Context, _ string, _ json.RawMessage) (string, error) {
	return "", nil
}

// fakeRegistry is a scriptable in-memory CapabilityRegistry.
type fakeRegistry struct {
	mu          sync.Mutex
	catalog     []domain.CapabilityDescriptor
	providers   []domain.Provider
	healthy     bool
	invoked     []domain.Invocation
	probed      []string
	invalidated []string
	invokeFn    func(inv domain.Invocation) (domain.InvocationResult, error)
}

var _ domain.CapabilityRegistry = (*fakeRegistry)(nil)

func (r *fakeRegistry) Resolve(key string) (domain.Provider, error) {
	for _, p := range r.providers {
		if p.Key() == key {
			return p, nil
		}
	}
	return nil, domain.ErrProviderNotFound
}

func (r *fakeRegistry) List() []domain.Provider { return r.providers }

func (r *fakeRegistry) Catalog() []domain.CapabilityDescriptor { return r.catalog }

func (r *fakeRegistry) IsHealthy(_ context.Context, key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probed = append(r.probed, key)
	return r.healthy
}

func (r *fakeRegistry) Invalidate(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalidated = append(r.invalidated, key)
}

func (r *fakeRegistry) Invoke(_ context.Context, inv domain.Invocation) (domain.InvocationResult, error) {
	r.mu.Lock()
	r.invoked = append(r.invoked, inv)
	fn := r.invokeFn
	r.mu.Unlock()
	if fn != nil {
		return fn(inv)
	}
	return domain.InvocationResult{Invocation: inv, Content: "ok"}, nil
}

func (r *fakeRegistry) invokeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.invoked)
}

// fakeDecider replays a script of decisions and errors.
type fakeDecider struct {
	mu        sync.Mutex
	decisions []domain.Decision
	errs      []error
	calls     int
	histories [][]domain.Turn
	caps      [][]domain.CapabilityDescriptor
}

var _ domain.Decider = (*fakeDecider)(nil)

func (d *fakeDecider) Decide(_ context.Context, history []domain.Turn, capabilities []domain.CapabilityDescriptor) (domain.Decision, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.calls
	d.calls++
	d.histories = append(d.histories, append([]domain.Turn(nil), history...))
	d.caps = append(d.caps, capabilities)
	if i < len(d.errs) && d.errs[i] != nil {
		return domain.Decision{}, d.errs[i]
	}
	if i < len(d.decisions) {
		return d.decisions[i], nil
	}
	if len(d.decisions) > 0 {
		return d.decisions[len(d.decisions)-1], nil
	}
	return domain.Decision{Narrative: "done"}, nil
}

func (d *fakeDecider) Name() string { return "fake" }

func (d *fakeDecider) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func newTestLoop(t *testing.T, reg *fakeRegistry, dec domain.Decider, maxIter int) *DispatchLoop {
	t.Helper()
	loop, err := NewDispatchLoop(LoopDeps{
		Registry: reg,
		Decider:  dec,
		Logger:   discardLogger(),
	}, LoopConfig{MaxIterations: maxIter})
	if err != nil {
		t.Fatalf("NewDispatchLoop: %v", err)
	}
	return loop
}

func proposal(key, capability, args string) domain.Decision {
	return domain.Decision{
		Narrative: "working on it",
		Invocations: []domain.Invocation{
			{ProviderKey: key, Capability: capability, Arguments: json.RawMessage(args)},
		},
	}
}

func TestRunNarrativeOnlyFinishesImmediately(t *testing.T) {
	reg := &fakeRegistry{}
	dec := &fakeDecider{decisions: []domain.Decision{{Narrative: "All three services are healthy."}}}
	loop := newTestLoop(t, reg, dec, 5)

	res, err := loop.Run(context.Background(), "status?", domain.RequestContext{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Final != "All three services are healthy." {
		t.Errorf("Final = %q", res.Final)
	}
	if res.Iterations != 0 {
		t.Errorf("Iterations = %d, want 0", res.Iterations)
	}
	if res.State != StateDone {
		t.Errorf("State = %v, want done", res.State)
	}
	if len(res.Turns) != 2 {
		t.Errorf("Turns len = %d, want 2 (user + decision)", len(res.Turns))
	}
	if reg.invokeCount() != 0 {
		t.Errorf("registry invoked %d times, want 0", reg.invokeCount())
	}
}

func TestRunSingleRoundThenAnswer(t *testing.T) {
	reg := &fakeRegistry{
		catalog: []domain.CapabilityDescriptor{{Name: "jira__search_issues"}},
	}
	dec := &fakeDecider{decisions: []domain.Decision{
		proposal("jira", "search_issues", `{"jql":"project = OPS"}`),
		{Narrative: "Found 2 open issues."},
	}}
	loop := newTestLoop(t, reg, dec, 5)

	res, err := loop.Run(context.Background(), "open issues?", domain.RequestContext{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Final != "Found 2 open issues." {
		t.Errorf("Final = %q", res.Final)
	}
	if res.Iterations != 1 {
		t.Errorf("Iterations = %d, want 1", res.Iterations)
	}
	// user, decision, result, decision
	if len(res.Turns) != 4 {
		t.Fatalf("Turns len = %d, want 4", len(res.Turns))
	}
	if res.Turns[2].Kind != domain.TurnResult {
		t.Errorf("Turns[2].Kind = %q, want result", res.Turns[2].Kind)
	}

	// The second decision must see the first round's results.
	if dec.callCount() != 2 {
		t.Fatalf("decider called %d times, want 2", dec.callCount())
	}
	second := dec.histories[1]
	last := second[len(second)-1]
	if last.Kind != domain.TurnResult || len(last.Results) != 1 || last.Results[0].Content != "ok" {
		t.Errorf("second decision's last turn = %+v", last)
	}
}

func TestRunOffersCatalog(t *testing.T) {
	catalog := []domain.CapabilityDescriptor{
		{Name: "jira__create_issue", Description: "Create a Jira issue"},
	}
	reg := &fakeRegistry{catalog: catalog}
	dec := &fakeDecider{decisions: []domain.Decision{{Narrative: "ok"}}}
	loop := newTestLoop(t, reg, dec, 3)

	if _, err := loop.Run(context.Background(), "hi", domain.RequestContext{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(dec.caps[0]) != 1 || dec.caps[0][0].Name != "jira__create_issue" {
		t.Errorf("offered capabilities = %+v", dec.caps[0])
	}
}

func TestRunIterationLimit(t *testing.T) {
	reg := &fakeRegistry{}
	dec := &fakeDecider{decisions: []domain.Decision{
		proposal("jira", "search_issues", `{}`),
	}}
	loop := newTestLoop(t, reg, dec, 1)

	res, err := loop.Run(context.Background(), "loop forever", domain.RequestContext{})
	if !errors.Is(err, domain.ErrMaxIterations) {
		t.Fatalf("error = %v, want ErrMaxIterations", err)
	}
	if res.Final != iterationLimitAnswer {
		t.Errorf("Final = %q, want the limit answer", res.Final)
	}
	if res.Iterations != 1 {
		t.Errorf("Iterations = %d, want 1", res.Iterations)
	}
	if res.State != StateDone {
		t.Errorf("State = %v, want done", res.State)
	}
	if dec.callCount() != 1 {
		t.Errorf("decider called %d times, want exactly 1", dec.callCount())
	}
	if reg.invokeCount() != 1 {
		t.Errorf("registry invoked %d times, want exactly 1", reg.invokeCount())
	}
}

func TestRunFoldsFailureAsData(t *testing.T) {
	reg := &fakeRegistry{
		invokeFn: func(inv domain.Invocation) (domain.InvocationResult, error) {
			return domain.InvocationResult{
				Invocation: inv,
				Failure:    &domain.InvocationFailure{Kind: domain.KindUnreachable, Message: "probe failed"},
			}, nil
		},
	}
	dec := &fakeDecider{decisions: []domain.Decision{
		proposal("gitlab", "list_projects", `{}`),
		{Narrative: "GitLab is unreachable right now."},
	}}
	loop := newTestLoop(t, reg, dec, 5)

	res, err := loop.Run(context.Background(), "projects?", domain.RequestContext{})
	if err != nil {
		t.Fatalf("Run: %v (failures must not abort)", err)
	}
	if res.Final != "GitLab is unreachable right now." {
		t.Errorf("Final = %q", res.Final)
	}

	second := dec.histories[1]
	last := second[len(second)-1]
	if last.Kind != domain.TurnResult || !last.Results[0].Failed() {
		t.Fatalf("failure not folded into history: %+v", last)
	}
	if last.Results[0].Failure.Kind != domain.KindUnreachable {
		t.Errorf("folded kind = %q", last.Results[0].Failure.Kind)
	}
}

func TestRunDecisionErrorFallsBack(t *testing.T) {
	reg := &fakeRegistry{}
	dec := &fakeDecider{errs: []error{errors.New("backend down")}}
	loop := newTestLoop(t, reg, dec, 5)

	res, err := loop.Run(context.Background(), "hi", domain.RequestContext{})
	if !errors.Is(err, domain.ErrDecision) {
		t.Fatalf("error = %v, want ErrDecision", err)
	}
	if res.Final == "" {
		t.Error("expected a fallback final answer")
	}
	if len(res.Turns) != 1 {
		t.Errorf("Turns len = %d, want 1 (user only)", len(res.Turns))
	}
}

func TestRunConstructionErrorAborts(t *testing.T) {
	reg := &fakeRegistry{
		invokeFn: func(inv domain.Invocation) (domain.InvocationResult, error) {
			return domain.InvocationResult{Invocation: inv},
				fmt.Errorf("%w: jira: bad credentials", domain.ErrProviderConstruction)
		},
	}
	dec := &fakeDecider{decisions: []domain.Decision{proposal("jira", "create_issue", `{}`)}}
	loop := newTestLoop(t, reg, dec, 5)

	_, err := loop.Run(context.Background(), "create it", domain.RequestContext{})
	if !errors.Is(err, domain.ErrProviderConstruction) {
		t.Errorf("error = %v, want ErrProviderConstruction", err)
	}
}

func TestRunCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reg := &fakeRegistry{}
	dec := &fakeDecider{decisions: []domain.Decision{{Narrative: "never reached"}}}
	loop := newTestLoop(t, reg, dec, 5)

	_, err := loop.Run(ctx, "hi", domain.RequestContext{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestRunCancellationDuringDecide(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reg := &fakeRegistry{}
	dec := &cancellingDecider{cancel: cancel}
	loop := newTestLoop(t, reg, dec, 5)

	_, err := loop.Run(ctx, "hi", domain.RequestContext{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled not ErrDecision", err)
	}
	if errors.Is(err, domain.ErrDecision) {
		t.Error("cancellation must not be reported as a decision failure")
	}
}

// cancellingDecider cancels the run's context and then fails, simulating a
// decide call torn down by cancellation.
type cancellingDecider struct {
	cancel context.CancelFunc
}

func (d *cancellingDecider) Decide(context.Context, []domain.Turn, []domain.CapabilityDescriptor) (domain.Decision, error) {
	d.cancel()
	return domain.Decision{}, context.Canceled
}

func (d *cancellingDecider) Name() string { return "cancelling" }

func TestRunPreservesProposalOrder(t *testing.T) {
	reg := &fakeRegistry{
		invokeFn: func(inv domain.Invocation) (domain.InvocationResult, error) {
			// Finish out of order to prove results are indexed, not appended.
			if inv.Capability == "first" {
				time.Sleep(20 * time.Millisecond)
			}
			return domain.InvocationResult{Invocation: inv, Content: inv.Capability}, nil
		},
	}
	dec := &fakeDecider{decisions: []domain.Decision{
		{Invocations: []domain.Invocation{
			{ProviderKey: "p", Capability: "first"},
			{ProviderKey: "p", Capability: "second"},
			{ProviderKey: "p", Capability: "third"},
		}},
		{Narrative: "done"},
	}}
	loop := newTestLoop(t, reg, dec, 5)

	res, err := loop.Run(context.Background(), "go", domain.RequestContext{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	results := res.Turns[2].Results
	if len(results) != 3 {
		t.Fatalf("results len = %d, want 3", len(results))
	}
	for i, want := range []string{"first", "second", "third"} {
		if results[i].Content != want {
			t.Errorf("results[%d].Content = %q, want %q", i, results[i].Content, want)
		}
	}
}

func TestRunMultiRound(t *testing.T) {
	reg := &fakeRegistry{}
	dec := &fakeDecider{decisions: []domain.Decision{
		proposal("jira", "search_issues", `{}`),
		proposal("jira", "get_issue_details", `{"key":"OPS-1"}`),
		{Narrative: "OPS-1 is in review."},
	}}
	loop := newTestLoop(t, reg, dec, 5)

	res, err := loop.Run(context.Background(), "status of OPS-1?", domain.RequestContext{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Iterations != 2 {
		t.Errorf("Iterations = %d, want 2", res.Iterations)
	}
	// user, decision, result, decision, result, decision
	if len(res.Turns) != 6 {
		t.Errorf("Turns len = %d, want 6", len(res.Turns))
	}
}

func TestRunIncludesPriorHistory(t *testing.T) {
	reg := &fakeRegistry{}
	dec := &fakeDecider{decisions: []domain.Decision{{Narrative: "as before"}}}
	loop := newTestLoop(t, reg, dec, 3)

	prior := []domain.Turn{
		domain.UserTurn("earlier question"),
		domain.Decision{Narrative: "earlier answer"}.Turn(),
	}
	res, err := loop.Run(context.Background(), "follow-up", domain.RequestContext{History: prior})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Returned turns cover only this run.
	if len(res.Turns) != 2 {
		t.Errorf("Turns len = %d, want 2", len(res.Turns))
	}
	// The decider sees the prior turns plus the new user turn.
	if got := len(dec.histories[0]); got != 3 {
		t.Errorf("decider history len = %d, want 3", got)
	}
	if dec.histories[0][0].Content != "earlier question" {
		t.Errorf("history[0] = %+v", dec.histories[0][0])
	}
}

func TestNewDispatchLoopValidation(t *testing.T) {
	reg := &fakeRegistry{}
	dec := &fakeDecider{}
	cases := []struct {
		name string
		deps LoopDeps
		cfg  LoopConfig
	}{
		{"zero iterations", LoopDeps{Registry: reg, Decider: dec}, LoopConfig{MaxIterations: 0}},
		{"negative iterations", LoopDeps{Registry: reg, Decider: dec}, LoopConfig{MaxIterations: -3}},
		{"nil registry", LoopDeps{Decider: dec}, LoopConfig{MaxIterations: 1}},
		{"nil decider", LoopDeps{Registry: reg}, LoopConfig{MaxIterations: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewDispatchLoop(tc.deps, tc.cfg); !errors.Is(err, domain.ErrInvalidConfig) {
				t.Errorf("error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}
