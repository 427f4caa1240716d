package domain

import (
	"context"
	"encoding/json"
)

// CapabilityDescriptor describes a single operation a provider exposes.
// Parameters is a JSON Schema for the operation's arguments. Descriptors
// are immutable once published by a provider.
type CapabilityDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Invocation is a request to run one capability on one provider.
type Invocation struct {
	ProviderKey string          `json:"provider_key"`
	Capability  string          `json:"capability"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
}

// ErrorKind categorizes a failed invocation for the dispatch loop.
type ErrorKind string

const (
	// KindNotFound: unknown provider or capability key.
	KindNotFound ErrorKind = "not_found"
	// KindDisabled: provider known but turned off in configuration.
	KindDisabled ErrorKind = "disabled"
	// KindUnreachable: the provider failed its connectivity probe.
	KindUnreachable ErrorKind = "unreachable"
	// KindConnectivity: the call itself failed on a transport-level error.
	// Triggers registry invalidation so the next health check re-probes.
	KindConnectivity ErrorKind = "connectivity"
	// KindLogic: the call reached the backend and failed there. Surfaced
	// as-is; no invalidation.
	KindLogic ErrorKind = "logic"
)

// InvocationFailure is the error half of an InvocationResult.
type InvocationFailure struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (f *InvocationFailure) Error() string {
	return string(f.Kind) + ": " + f.Message
}

// InvocationResult records the outcome of one invocation, success or not.
// Failures are data, not control flow: the loop folds them back into the
// conversation so the decision function can react to them.
type InvocationResult struct {
	Invocation Invocation         `json:"invocation"`
	Content    string             `json:"content,omitempty"`
	Failure    *InvocationFailure `json:"failure,omitempty"`
}

// Failed reports whether the invocation ended in an error.
func (r InvocationResult) Failed() bool { return r.Failure != nil }

// CapabilityRegistry abstracts provider lookup, health tracking, and
// invocation for the dispatch loop.
type CapabilityRegistry interface {
	// Resolve returns the singleton provider for key, constructing it on
	// first access. Construction failures are not cached.
	Resolve(key string) (Provider, error)
	// List returns the enabled providers. It does not force a probe.
	List() []Provider
	// Catalog returns the descriptors of all enabled providers with names
	// qualified as "<provider>__<capability>", ready to offer to a decider.
	Catalog() []CapabilityDescriptor
	// IsHealthy reports cached connectivity, re-probing when stale.
	IsHealthy(ctx context.Context, key string) bool
	// Invalidate resets the cached connectivity state for key to unknown.
	Invalidate(key string)
	// Invoke runs one capability call end to end. Business failures come
	// back inside the InvocationResult; the returned error is non-nil only
	// for failures that must abort the caller (provider construction).
	Invoke(ctx context.Context, inv Invocation) (InvocationResult, error)
}

// QualifyCapability builds the registry-wide capability name offered to
// deciders. The separator avoids characters that function-calling APIs
// reject in tool names.
func QualifyCapability(providerKey, capability string) string {
	return providerKey + "__" + capability
}

// SplitCapability is the inverse of QualifyCapability. ok is false when
// the name has no separator.
func SplitCapability(qualified string) (providerKey, capability string, ok bool) {
	for i := 0; i+1 < len(qualified); i++ {
		if qualified[i] == '_' && qualified[i+1] == '_' {
			return qualified[:i], qualified[i+2:], true
		}
	}
	return "", "", false
}
