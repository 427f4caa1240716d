package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"opsbridge/internal/domain"
)

// Reaper removes stale conversations.
type Reaper interface {
	ReapStale(ctx context.Context, maxAge time.Duration) (int64, error)
}

// Maintenance runs periodic background work: refreshing provider health so
// operators see current state without traffic, and reaping old
// conversations from the store.
type Maintenance struct {
	c         *cron.Cron
	registry  domain.CapabilityRegistry
	reaper    Reaper
	reapAfter time.Duration
	logger    *slog.Logger
}

func NewMaintenance(registry domain.CapabilityRegistry, reaper Reaper, reapAfter time.Duration, logger *slog.Logger) *Maintenance {
	return &Maintenance{
		c:         cron.New(),
		registry:  registry,
		reaper:    reaper,
		reapAfter: reapAfter,
		logger:    logger,
	}
}

// Start schedules the sweep. The schedule accepts standard cron syntax and
// the @every form.
func (m *Maintenance) Start(schedule string) error {
	if _, err := m.c.AddFunc(schedule, m.Sweep); err != nil {
		return err
	}
	m.c.Start()
	m.logger.Info("maintenance scheduled", "schedule", schedule)
	return nil
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (m *Maintenance) Stop() {
	ctx := m.c.Stop()
	<-ctx.Done()
}

// Sweep runs one maintenance pass.
func (m *Maintenance) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	for _, prov := range m.registry.List() {
		healthy := m.registry.IsHealthy(ctx, prov.Key())
		if !healthy {
			m.logger.Warn("provider unhealthy", "provider", prov.Key())
		}
	}

	if m.reaper != nil && m.reapAfter > 0 {
		n, err := m.reaper.ReapStale(ctx, m.reapAfter)
		if err != nil {
			m.logger.Error("conversation reap failed", "error", err)
		} else if n > 0 {
			m.logger.Info("reaped stale conversations", "count", n)
		}
	}
}
