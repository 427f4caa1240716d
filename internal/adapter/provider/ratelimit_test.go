package provider

import (
	"testing"
	"time"
)

func TestRateLimiterSlidingWindow(t *testing.T) {
	clock := time.Now()
	rl := NewRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return clock }

	if !rl.Allow() || !rl.Allow() {
		t.Fatal("first two calls should pass")
	}
	if rl.Allow() {
		t.Fatal("third call within window should be rejected")
	}

	// Advance past the window: old entries expire.
	clock = clock.Add(61 * time.Second)
	if !rl.Allow() {
		t.Error("call after window should pass")
	}
}

func TestRateLimiterReset(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	if !rl.Allow() {
		t.Fatal("first call should pass")
	}
	rl.Reset()
	if !rl.Allow() {
		t.Error("call after Reset should pass")
	}
}

func TestValidateArgumentsEmptySchema(t *testing.T) {
	if err := validateArguments(nil, []byte(`{"anything":1}`)); err != nil {
		t.Errorf("nil schema should accept anything: %v", err)
	}
}

func TestValidateArgumentsRejectsMissingRequired(t *testing.T) {
	schema := []byte(`{"type":"object","properties":{"q":{"type":"string"}},"required":["q"]}`)
	if err := validateArguments(schema, []byte(`{}`)); err == nil {
		t.Error("expected error for missing required field")
	}
	if err := validateArguments(schema, []byte(`{"q":"ok"}`)); err != nil {
		t.Errorf("valid arguments rejected: %v", err)
	}
}
