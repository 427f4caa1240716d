package config

import (
	"fmt"
	"strings"
)

// Validate checks cross-field constraints after load and env overrides.
func Validate(cfg *Config) error {
	switch cfg.Logger.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logger.level %q: must be debug, info, warn, or error", cfg.Logger.Level)
	}

	switch cfg.Logger.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logger.format %q: must be text or json", cfg.Logger.Format)
	}

	switch cfg.Decider.Backend {
	case "openai", "bedrock":
	default:
		return fmt.Errorf("decider.backend %q: must be openai or bedrock", cfg.Decider.Backend)
	}
	if cfg.Decider.Model == "" {
		return fmt.Errorf("decider.model must be set")
	}

	if cfg.Agent.MaxIterations < 1 {
		return fmt.Errorf("agent.max_iterations must be at least 1, got %d", cfg.Agent.MaxIterations)
	}

	if cfg.Registry.ProbeInterval <= 0 {
		return fmt.Errorf("registry.probe_interval must be positive, got %s", cfg.Registry.ProbeInterval)
	}
	if cfg.Registry.InvokeRateLimit > 0 && cfg.Registry.RateLimitWindow <= 0 {
		return fmt.Errorf("registry.rate_limit_window must be positive when invoke_rate_limit is set")
	}

	seen := map[string]bool{}
	for i, mcp := range cfg.MCPServers {
		if mcp.Name == "" {
			return fmt.Errorf("mcp_servers[%d]: name must be set", i)
		}
		// Provider keys become the prefix of qualified capability names;
		// a double underscore would make the split ambiguous.
		if strings.Contains(mcp.Name, "__") {
			return fmt.Errorf("mcp_servers[%d]: name %q must not contain %q", i, mcp.Name, "__")
		}
		if seen[mcp.Name] {
			return fmt.Errorf("mcp_servers[%d]: duplicate name %q", i, mcp.Name)
		}
		seen[mcp.Name] = true

		switch mcp.Transport {
		case "stdio":
			if mcp.Command == "" {
				return fmt.Errorf("mcp_servers[%d] (%s): stdio transport requires command", i, mcp.Name)
			}
		case "http":
			if mcp.URL == "" {
				return fmt.Errorf("mcp_servers[%d] (%s): http transport requires url", i, mcp.Name)
			}
		default:
			return fmt.Errorf("mcp_servers[%d] (%s): transport %q must be stdio or http", i, mcp.Name, mcp.Transport)
		}
	}

	if cfg.Providers.Jira.Enabled && cfg.Providers.Jira.URL == "" {
		return fmt.Errorf("providers.jira: url required when enabled")
	}
	if cfg.Providers.GitLab.Enabled && cfg.Providers.GitLab.URL == "" {
		return fmt.Errorf("providers.gitlab: url required when enabled")
	}
	if cfg.Providers.Directory.Enabled && cfg.Providers.Directory.URL == "" {
		return fmt.Errorf("providers.directory: url required when enabled")
	}
	if cfg.Providers.File.Enabled && cfg.Providers.File.SandboxRoot == "" {
		return fmt.Errorf("providers.file: sandbox_root required when enabled")
	}

	if cfg.Maintenance.Enabled && cfg.Maintenance.Schedule == "" {
		return fmt.Errorf("maintenance.schedule required when enabled")
	}

	return nil
}
