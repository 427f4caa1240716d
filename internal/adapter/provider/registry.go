package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"opsbridge/internal/domain"
	"opsbridge/internal/infra/tracer"
)

// Options tunes registry behavior.
type Options struct {
	// ProbeInterval is how long a probe result stays fresh.
	ProbeInterval time.Duration
	// InvokeRateLimit caps invocations per provider per RateLimitWindow.
	// Zero disables the limiter.
	InvokeRateLimit int
	RateLimitWindow time.Duration
}

// Registry owns provider lifecycle: lazy singleton construction, cached
// connectivity state, and uniform invocation. It implements
// domain.CapabilityRegistry.
type Registry struct {
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	factories map[string]domain.ProviderFactory
	order     []string // registration order, for stable listings
	instances map[string]*instanceEntry
	health    map[string]*healthEntry
	limiters  map[string]*RateLimiter
	now       func() time.Time // for testing
}

// instanceEntry coalesces concurrent first-access construction: the first
// caller builds, everyone else waits on done. Failed entries are removed
// from the map before done closes, so failures are never cached.
type instanceEntry struct {
	done chan struct{}
	prov domain.Provider
	err  error
}

// healthEntry caches one provider's connectivity. inflight is non-nil while
// a probe is running; waiters block on it instead of probing themselves.
type healthEntry struct {
	state     domain.ConnState
	lastProbe time.Time
	inflight  chan struct{}
}

// NewRegistry builds a registry over a static factory table.
func NewRegistry(factories []domain.ProviderFactory, opts Options, logger *slog.Logger) *Registry {
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 30 * time.Second
	}
	r := &Registry{
		opts:      opts,
		logger:    logger,
		factories: make(map[string]domain.ProviderFactory, len(factories)),
		instances: make(map[string]*instanceEntry),
		health:    make(map[string]*healthEntry),
		limiters:  make(map[string]*RateLimiter),
		now:       time.Now,
	}
	for _, f := range factories {
		if _, dup := r.factories[f.Key]; dup {
			continue
		}
		r.factories[f.Key] = f
		r.order = append(r.order, f.Key)
	}
	return r
}

// Resolve returns the singleton provider for key, constructing it on first
// access. Concurrent callers during construction share one factory call.
// Construction failures are returned to every waiter but not cached: the
// next Resolve retries.
func (r *Registry) Resolve(key string) (domain.Provider, error) {
	r.mu.Lock()
	if e, ok := r.instances[key]; ok {
		r.mu.Unlock()
		<-e.done
		if e.err != nil {
			return nil, domain.WrapOp("Registry.Resolve", e.err)
		}
		return e.prov, nil
	}

	f, ok := r.factories[key]
	if !ok {
		r.mu.Unlock()
		return nil, domain.NewDomainError("Registry.Resolve", domain.ErrProviderNotFound, key)
	}

	e := &instanceEntry{done: make(chan struct{})}
	r.instances[key] = e
	r.mu.Unlock()

	prov, err := f.New()

	r.mu.Lock()
	if err != nil {
		e.err = fmt.Errorf("%w: %s: %v", domain.ErrProviderConstruction, key, err)
		delete(r.instances, key)
	} else {
		e.prov = prov
	}
	r.mu.Unlock()
	close(e.done)

	if e.err != nil {
		r.logger.Error("provider construction failed", "provider", key, "error", err)
		return nil, domain.WrapOp("Registry.Resolve", e.err)
	}
	return prov, nil
}

// List returns the enabled providers in registration order. Providers whose
// construction fails are skipped and logged; the rest still come back.
func (r *Registry) List() []domain.Provider {
	r.mu.Lock()
	keys := make([]string, len(r.order))
	copy(keys, r.order)
	r.mu.Unlock()

	out := make([]domain.Provider, 0, len(keys))
	for _, key := range keys {
		prov, err := r.Resolve(key)
		if err != nil {
			continue
		}
		if prov.Enabled() {
			out = append(out, prov)
		}
	}
	return out
}

// Catalog returns every enabled provider's capabilities with names qualified
// as "<provider>__<capability>", ready to hand to a decision function.
func (r *Registry) Catalog() []domain.CapabilityDescriptor {
	var out []domain.CapabilityDescriptor
	for _, prov := range r.List() {
		for _, cap := range prov.Capabilities() {
			out = append(out, domain.CapabilityDescriptor{
				Name:        domain.QualifyCapability(prov.Key(), cap.Name),
				Description: cap.Description,
				Parameters:  cap.Parameters,
			})
		}
	}
	return out
}

// IsHealthy reports cached connectivity for key, probing when the cache is
// unknown or stale. At most one probe runs per provider at a time; late
// arrivals wait for the in-flight result instead of stacking probes.
// Disabled and unresolvable providers are never probed and report false.
func (r *Registry) IsHealthy(ctx context.Context, key string) bool {
	prov, err := r.Resolve(key)
	if err != nil {
		return false
	}
	if !prov.Enabled() {
		return false
	}

	for {
		r.mu.Lock()
		h := r.health[key]
		if h == nil {
			h = &healthEntry{}
			r.health[key] = h
		}

		if h.state != domain.ConnUnknown && r.now().Sub(h.lastProbe) < r.opts.ProbeInterval {
			state := h.state
			r.mu.Unlock()
			return state == domain.ConnHealthy
		}

		if h.inflight != nil {
			wait := h.inflight
			r.mu.Unlock()
			select {
			case <-wait:
				// Re-read: the probe we waited on may itself be stale by now.
				continue
			case <-ctx.Done():
				return false
			}
		}

		h.inflight = make(chan struct{})
		inflight := h.inflight
		r.mu.Unlock()

		probeErr := prov.Probe(ctx)

		r.mu.Lock()
		h.lastProbe = r.now()
		if probeErr != nil {
			h.state = domain.ConnUnhealthy
		} else {
			h.state = domain.ConnHealthy
		}
		h.inflight = nil
		r.mu.Unlock()
		close(inflight)

		if probeErr != nil {
			r.logger.Warn("provider probe failed", "provider", key, "error", probeErr)
			return false
		}
		return true
	}
}

// Invalidate resets the cached connectivity for key to unknown, forcing a
// re-probe on the next health check. Safe to call repeatedly and for keys
// that were never probed.
func (r *Registry) Invalidate(key string) {
	r.mu.Lock()
	if h, ok := r.health[key]; ok {
		h.state = domain.ConnUnknown
		h.lastProbe = time.Time{}
	}
	r.mu.Unlock()
}

// State returns the cached connectivity state for key without probing.
func (r *Registry) State(key string) domain.ConnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.health[key]; ok {
		return h.state
	}
	return domain.ConnUnknown
}

// Statuses returns a health snapshot for every registered provider, sorted
// by key. Disabled and broken providers are included so operators see them.
func (r *Registry) Statuses() []domain.ProviderStatus {
	r.mu.Lock()
	keys := make([]string, len(r.order))
	copy(keys, r.order)
	r.mu.Unlock()
	sort.Strings(keys)

	out := make([]domain.ProviderStatus, 0, len(keys))
	for _, key := range keys {
		st := domain.ProviderStatus{Key: key, State: domain.ConnUnknown.String()}
		prov, err := r.Resolve(key)
		if err != nil {
			st.Description = err.Error()
			out = append(out, st)
			continue
		}
		st.Description = prov.Description()
		st.Enabled = prov.Enabled()
		st.Capabilities = len(prov.Capabilities())

		r.mu.Lock()
		if h, ok := r.health[key]; ok {
			st.State = h.state.String()
			st.LastProbe = h.lastProbe
		}
		r.mu.Unlock()
		out = append(out, st)
	}
	return out
}

// Invoke runs one capability call end to end: resolve, gate on enablement
// and health, validate arguments, rate limit, call, classify. Business
// failures come back inside the result; the returned error is non-nil only
// when the provider could not be constructed.
func (r *Registry) Invoke(ctx context.Context, inv domain.Invocation) (domain.InvocationResult, error) {
	ctx, span := tracer.StartSpan(ctx, "Registry.Invoke")
	defer span.End()
	span.SetAttributes(
		tracer.StringAttr("provider", inv.ProviderKey),
		tracer.StringAttr("capability", inv.Capability),
	)

	res := domain.InvocationResult{Invocation: inv}
	fail := func(kind domain.ErrorKind, msg string) (domain.InvocationResult, error) {
		res.Failure = &domain.InvocationFailure{Kind: kind, Message: msg}
		tracer.RecordError(span, res.Failure)
		return res, nil
	}

	prov, err := r.Resolve(inv.ProviderKey)
	if err != nil {
		if errors.Is(err, domain.ErrProviderConstruction) {
			tracer.RecordError(span, err)
			return res, err
		}
		return fail(domain.KindNotFound, fmt.Sprintf("unknown provider %q", inv.ProviderKey))
	}

	// Enablement gates everything else: a disabled provider is never
	// probed and never touches the network.
	if !prov.Enabled() {
		return fail(domain.KindDisabled, fmt.Sprintf("provider %q is disabled", inv.ProviderKey))
	}

	var desc *domain.CapabilityDescriptor
	for _, c := range prov.Capabilities() {
		if c.Name == inv.Capability {
			desc = &c
			break
		}
	}
	if desc == nil {
		return fail(domain.KindNotFound,
			fmt.Sprintf("provider %q has no capability %q", inv.ProviderKey, inv.Capability))
	}

	if !r.IsHealthy(ctx, inv.ProviderKey) {
		return fail(domain.KindUnreachable,
			fmt.Sprintf("provider %q failed its connectivity check", inv.ProviderKey))
	}

	if err := validateArguments(desc.Parameters, inv.Arguments); err != nil {
		return fail(domain.KindLogic, fmt.Sprintf("invalid arguments: %v", err))
	}

	if !r.allow(inv.ProviderKey) {
		return fail(domain.KindLogic,
			fmt.Sprintf("rate limit exceeded for provider %q", inv.ProviderKey))
	}

	start := r.now()
	content, err := prov.Invoke(ctx, inv.Capability, inv.Arguments)
	elapsed := time.Since(start)

	if err != nil {
		kind := classifyFailure(err)
		if kind == domain.KindConnectivity {
			// Drop the cached health so the next check re-probes instead
			// of trusting a connection that just broke.
			r.Invalidate(inv.ProviderKey)
		}
		r.logger.Warn("invocation failed",
			"provider", inv.ProviderKey,
			"capability", inv.Capability,
			"kind", string(kind),
			"duration", elapsed,
			"error", err)
		return fail(kind, err.Error())
	}

	r.logger.Debug("invocation succeeded",
		"provider", inv.ProviderKey,
		"capability", inv.Capability,
		"duration", elapsed)
	res.Content = content
	tracer.SetOK(span)
	return res, nil
}

// allow applies the per-provider invocation rate limit.
func (r *Registry) allow(key string) bool {
	if r.opts.InvokeRateLimit <= 0 {
		return true
	}
	r.mu.Lock()
	lim, ok := r.limiters[key]
	if !ok {
		lim = NewRateLimiter(r.opts.InvokeRateLimit, r.opts.RateLimitWindow)
		r.limiters[key] = lim
	}
	r.mu.Unlock()
	return lim.Allow()
}

var _ domain.CapabilityRegistry = (*Registry)(nil)
