package decider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"opsbridge/internal/domain"
	"opsbridge/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultMaxFailures uint32        = 5
	defaultTimeout     time.Duration = 30 * time.Second
	defaultInterval    time.Duration = 60 * time.Second
)

// BreakerDecider wraps a Decider with circuit breaker protection. When the
// backend fails repeatedly, the circuit opens and subsequent decisions fail
// fast without reaching it, preventing retry storms during outages.
type BreakerDecider struct {
	inner   domain.Decider
	breaker *gobreaker.CircuitBreaker[domain.Decision]
}

// NewBreakerDecider wraps inner with a circuit breaker. Zero-valued config
// fields fall back to defaults.
func NewBreakerDecider(inner domain.Decider, cfg config.CircuitBreakerConfig, logger *slog.Logger) *BreakerDecider {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultInterval
	}

	cb := gobreaker.NewCircuitBreaker[domain.Decision](gobreaker.Settings{
		Name:        "decider:" + inner.Name(),
		MaxRequests: 1, // one probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})

	return &BreakerDecider{inner: inner, breaker: cb}
}

func (b *BreakerDecider) Decide(ctx context.Context, history []domain.Turn, capabilities []domain.CapabilityDescriptor) (domain.Decision, error) {
	decision, err := b.breaker.Execute(func() (domain.Decision, error) {
		return b.inner.Decide(ctx, history, capabilities)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return domain.Decision{}, fmt.Errorf("decider %q circuit open: %w", b.inner.Name(), err)
		}
		return domain.Decision{}, err
	}
	return decision, nil
}

func (b *BreakerDecider) Name() string { return b.inner.Name() }

// State returns the current circuit breaker state for monitoring.
func (b *BreakerDecider) State() gobreaker.State {
	return b.breaker.State()
}

var _ domain.Decider = (*BreakerDecider)(nil)
