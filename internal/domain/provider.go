package domain

import (
	"context"
	"encoding/json"
	"time"
)

// ConnState is the cached connectivity state of a provider.
type ConnState int

const (
	ConnUnknown ConnState = iota
	ConnHealthy
	ConnUnhealthy
)

func (s ConnState) String() string {
	switch s {
	case ConnHealthy:
		return "healthy"
	case ConnUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Provider is the uniform contract every capability provider implements.
// Implementations hold their own backend clients; the registry owns their
// lifecycle and connectivity state.
type Provider interface {
	// Key is the stable registry identifier, e.g. "jira".
	Key() string
	// Description is a one-line summary shown to deciders and operators.
	Description() string
	// Enabled reports whether the provider is switched on in configuration.
	Enabled() bool
	// Capabilities lists the operations this provider exposes, in a stable
	// order.
	Capabilities() []CapabilityDescriptor
	// Probe performs a lightweight authenticated no-op against the backend.
	Probe(ctx context.Context) error
	// Invoke runs one capability. The returned string is the result payload
	// handed back to the decision function.
	Invoke(ctx context.Context, capability string, args json.RawMessage) (string, error)
}

// ProviderFactory constructs a provider on first resolve. Factories are
// registered in a static table at startup; adding a provider never touches
// the dispatch loop.
type ProviderFactory struct {
	Key string
	New func() (Provider, error)
}

// ProviderStatus is a read-only snapshot for health reporting.
type ProviderStatus struct {
	Key          string    `json:"key"`
	Description  string    `json:"description"`
	Enabled      bool      `json:"enabled"`
	State        string    `json:"state"`
	LastProbe    time.Time `json:"last_probe,omitempty"`
	Capabilities int       `json:"capabilities"`
}
