package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"opsbridge/internal/domain"
)

type fakeReaper struct {
	mu     sync.Mutex
	n      int64
	err    error
	calls  int
	maxAge time.Duration
}

func (r *fakeReaper) ReapStale(_ context.Context, maxAge time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.maxAge = maxAge
	return r.n, r.err
}

func TestSweepProbesAndReaps(t *testing.T) {
	reg := &fakeRegistry{
		providers: []domain.Provider{&stubProvider{key: "jira"}, &stubProvider{key: "gitlab"}},
		healthy:   true,
	}
	reaper := &fakeReaper{n: 3}
	m := NewMaintenance(reg, reaper, 24*time.Hour, discardLogger())

	m.Sweep()

	if len(reg.probed) != 2 {
		t.Errorf("probed %d providers, want 2", len(reg.probed))
	}
	if reaper.calls != 1 {
		t.Errorf("reaper called %d times, want 1", reaper.calls)
	}
	if reaper.maxAge != 24*time.Hour {
		t.Errorf("maxAge = %v", reaper.maxAge)
	}
}

func TestSweepSkipsReapWhenUnconfigured(t *testing.T) {
	reg := &fakeRegistry{healthy: true}
	reaper := &fakeReaper{}
	m := NewMaintenance(reg, reaper, 0, discardLogger())

	m.Sweep()

	if reaper.calls != 0 {
		t.Errorf("reaper called %d times, want 0 with zero max age", reaper.calls)
	}
}

func TestSweepToleratesReapError(t *testing.T) {
	reg := &fakeRegistry{healthy: false, providers: []domain.Provider{&stubProvider{key: "file"}}}
	reaper := &fakeReaper{err: errors.New("disk full")}
	m := NewMaintenance(reg, reaper, time.Hour, discardLogger())

	// Must not panic; errors are logged and swallowed.
	m.Sweep()

	if reaper.calls != 1 {
		t.Errorf("reaper called %d times, want 1", reaper.calls)
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	m := NewMaintenance(&fakeRegistry{}, nil, 0, discardLogger())
	if err := m.Start("not a schedule"); err == nil {
		t.Error("expected an error for an invalid schedule")
	}
}
