package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsWhenMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.MaxIterations != 10 {
		t.Errorf("MaxIterations = %d, want 10", cfg.Agent.MaxIterations)
	}
	if cfg.Registry.ProbeInterval != 30*time.Second {
		t.Errorf("ProbeInterval = %s, want 30s", cfg.Registry.ProbeInterval)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
agent:
  max_iterations: 3
registry:
  probe_interval: 10s
providers:
  jira:
    enabled: true
    url: https://jira.example.com
    username: bot
    api_token: tok
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.MaxIterations != 3 {
		t.Errorf("MaxIterations = %d, want 3", cfg.Agent.MaxIterations)
	}
	if cfg.Registry.ProbeInterval != 10*time.Second {
		t.Errorf("ProbeInterval = %s, want 10s", cfg.Registry.ProbeInterval)
	}
	if !cfg.Providers.Jira.Enabled || cfg.Providers.Jira.URL != "https://jira.example.com" {
		t.Errorf("jira config not applied: %+v", cfg.Providers.Jira)
	}
	// Untouched sections keep defaults.
	if cfg.Server.Addr != ":8080" {
		t.Errorf("Server.Addr = %q, want :8080", cfg.Server.Addr)
	}
}

func TestLoadRejectsInsecurePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("agent:\n  max_iterations: 5\n"), 0o666); err != nil {
		t.Fatalf("write config: %v", err)
	}
	// WriteFile's mode is subject to the process umask; chmod to ensure the
	// file really is world-writable.
	if err := os.Chmod(path, 0o666); err != nil {
		t.Fatalf("chmod config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected permission error for 0666 config")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("OPSBRIDGE_AGENT_MAX_ITERATIONS", "7")
	t.Setenv("OPSBRIDGE_DECIDER_MODEL", "gpt-4o")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)
	if cfg.Agent.MaxIterations != 7 {
		t.Errorf("MaxIterations = %d, want 7", cfg.Agent.MaxIterations)
	}
	if cfg.Decider.Model != "gpt-4o" {
		t.Errorf("Model = %q, want gpt-4o", cfg.Decider.Model)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero iterations", func(c *Config) { c.Agent.MaxIterations = 0 }},
		{"bad backend", func(c *Config) { c.Decider.Backend = "llamacpp" }},
		{"zero probe interval", func(c *Config) { c.Registry.ProbeInterval = 0 }},
		{"bad log level", func(c *Config) { c.Logger.Level = "verbose" }},
		{"enabled jira without url", func(c *Config) { c.Providers.Jira.Enabled = true }},
		{"mcp name with separator", func(c *Config) {
			c.MCPServers = []MCPServerConfig{{Name: "my__server", Transport: "stdio", Command: "srv"}}
		}},
		{"mcp duplicate name", func(c *Config) {
			c.MCPServers = []MCPServerConfig{
				{Name: "srv", Transport: "stdio", Command: "a"},
				{Name: "srv", Transport: "stdio", Command: "b"},
			}
		}},
		{"mcp http without url", func(c *Config) {
			c.MCPServers = []MCPServerConfig{{Name: "srv", Transport: "http"}}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := EncryptValue("s3cret-token", "passphrase")
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}
	if enc == "s3cret-token" {
		t.Fatal("ciphertext equals plaintext")
	}

	dec, err := DecryptValue(enc, "passphrase")
	if err != nil {
		t.Fatalf("DecryptValue: %v", err)
	}
	if dec != "s3cret-token" {
		t.Errorf("round trip = %q", dec)
	}
}

func TestDecryptValueWrongPassphrase(t *testing.T) {
	enc, err := EncryptValue("value", "right")
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}
	if _, err := DecryptValue(enc, "wrong"); err == nil {
		t.Error("expected error with wrong passphrase")
	}
}

func TestDecryptValuePassthrough(t *testing.T) {
	got, err := DecryptValue("plain-token", "any")
	if err != nil {
		t.Fatalf("DecryptValue: %v", err)
	}
	if got != "plain-token" {
		t.Errorf("plain value changed: %q", got)
	}
}

func TestDecryptSecretsInPlace(t *testing.T) {
	enc, err := EncryptValue("jira-token", "pass")
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}
	cfg := Defaults()
	cfg.Providers.Jira.APIToken = enc
	cfg.Decider.APIKey = "already-plain"

	if err := decryptSecrets(cfg, "pass"); err != nil {
		t.Fatalf("decryptSecrets: %v", err)
	}
	if cfg.Providers.Jira.APIToken != "jira-token" {
		t.Errorf("APIToken = %q", cfg.Providers.Jira.APIToken)
	}
	if cfg.Decider.APIKey != "already-plain" {
		t.Errorf("APIKey = %q", cfg.Decider.APIKey)
	}
}
