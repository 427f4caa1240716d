package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Logger      LoggerConfig      `yaml:"logger"`
	Tracer      TracerConfig      `yaml:"tracer"`
	Agent       AgentConfig       `yaml:"agent"`
	Decider     DeciderConfig     `yaml:"decider"`
	Registry    RegistryConfig    `yaml:"registry"`
	Providers   ProvidersConfig   `yaml:"providers"`
	MCPServers  []MCPServerConfig `yaml:"mcp_servers,omitempty"`
	Store       StoreConfig       `yaml:"store"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr           string `yaml:"addr"`
	RequestsPerMin int    `yaml:"requests_per_min"` // per-client rate limit, 0 = off
	BurstSize      int    `yaml:"burst_size"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// TracerConfig holds OpenTelemetry settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "noop"
}

// AgentConfig holds dispatch-loop settings.
type AgentConfig struct {
	MaxIterations      int           `yaml:"max_iterations"`
	DecideTimeout      time.Duration `yaml:"decide_timeout"`
	HistoryTokenBudget int           `yaml:"history_token_budget"` // 0 = unlimited
	TokenEncoding      string        `yaml:"token_encoding"`       // tiktoken encoding name
}

// DeciderConfig holds reasoning-backend settings.
type DeciderConfig struct {
	Backend     string               `yaml:"backend"` // "openai" or "bedrock"
	BaseURL     string               `yaml:"base_url"`
	APIKey      string               `yaml:"api_key"`
	Model       string               `yaml:"model"`
	Region      string               `yaml:"region"` // bedrock only
	Timeout     time.Duration        `yaml:"timeout"`
	Temperature float64              `yaml:"temperature"`
	Breaker     CircuitBreakerConfig `yaml:"breaker"`
}

// CircuitBreakerConfig configures the decider circuit breaker.
type CircuitBreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// RegistryConfig holds capability-registry settings.
type RegistryConfig struct {
	ProbeInterval   time.Duration `yaml:"probe_interval"`
	InvokeRateLimit int           `yaml:"invoke_rate_limit"` // calls per provider per window, 0 = off
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`
}

// ProvidersConfig holds per-provider settings for the builtin providers.
type ProvidersConfig struct {
	Jira      JiraConfig      `yaml:"jira"`
	GitLab    GitLabConfig    `yaml:"gitlab"`
	Directory DirectoryConfig `yaml:"directory"`
	File      FileConfig      `yaml:"file"`
}

// JiraConfig configures the Jira provider.
type JiraConfig struct {
	Enabled    bool   `yaml:"enabled"`
	URL        string `yaml:"url"`
	Username   string `yaml:"username"`
	APIToken   string `yaml:"api_token"`
	ProjectKey string `yaml:"project_key,omitempty"`
}

// GitLabConfig configures the GitLab provider.
type GitLabConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
}

// DirectoryConfig configures the directory-service provider.
type DirectoryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// FileConfig configures the sandboxed file provider.
type FileConfig struct {
	Enabled     bool   `yaml:"enabled"`
	SandboxRoot string `yaml:"sandbox_root"`
	MaxReadKB   int    `yaml:"max_read_kb"`
}

// MCPServerConfig configures one external MCP server bridged into the
// registry as a provider.
type MCPServerConfig struct {
	Name      string            `yaml:"name"`
	Enabled   bool              `yaml:"enabled"`
	Transport string            `yaml:"transport"` // "stdio" or "http"
	Command   string            `yaml:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
	URL       string            `yaml:"url,omitempty"`
}

// StoreConfig holds conversation-store settings.
type StoreConfig struct {
	Path      string        `yaml:"path"`
	ReapAfter time.Duration `yaml:"reap_after"` // stale-conversation age, 0 = never reap
}

// MaintenanceConfig holds background maintenance settings.
type MaintenanceConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"` // cron expression, e.g. "@every 5m"
}

// Defaults returns a config populated with sensible defaults.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":8080",
			RequestsPerMin: 120,
			BurstSize:      20,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Agent: AgentConfig{
			MaxIterations:      10,
			DecideTimeout:      60 * time.Second,
			HistoryTokenBudget: 0,
			TokenEncoding:      "cl100k_base",
		},
		Decider: DeciderConfig{
			Backend:     "openai",
			Model:       "gpt-4o-mini",
			Timeout:     90 * time.Second,
			Temperature: 0.1,
		},
		Registry: RegistryConfig{
			ProbeInterval:   30 * time.Second,
			InvokeRateLimit: 60,
			RateLimitWindow: time.Minute,
		},
		Providers: ProvidersConfig{
			File: FileConfig{MaxReadKB: 256},
		},
		Store: StoreConfig{
			Path:      "data/opsbridge.db",
			ReapAfter: 30 * 24 * time.Hour,
		},
		Maintenance: MaintenanceConfig{
			Enabled:  true,
			Schedule: "@every 5m",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts
// secrets. A missing file yields defaults plus env overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	passphrase := os.Getenv("OPSBRIDGE_CONFIG_KEY")
	if passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps OPSBRIDGE_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OPSBRIDGE_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("OPSBRIDGE_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("OPSBRIDGE_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("OPSBRIDGE_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("OPSBRIDGE_DECIDER_BACKEND"); v != "" {
		cfg.Decider.Backend = v
	}
	if v := os.Getenv("OPSBRIDGE_DECIDER_BASE_URL"); v != "" {
		cfg.Decider.BaseURL = v
	}
	if v := os.Getenv("OPSBRIDGE_DECIDER_API_KEY"); v != "" {
		cfg.Decider.APIKey = v
	}
	if v := os.Getenv("OPSBRIDGE_DECIDER_MODEL"); v != "" {
		cfg.Decider.Model = v
	}
	if v := os.Getenv("OPSBRIDGE_AGENT_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Agent.MaxIterations = n
		}
	}
	if v := os.Getenv("OPSBRIDGE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("OPSBRIDGE_FILE_SANDBOX_ROOT"); v != "" {
		cfg.Providers.File.SandboxRoot = v
	}
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable).
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
