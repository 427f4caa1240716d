package provider

import (
	"log/slog"

	"opsbridge/internal/domain"
	"opsbridge/internal/infra/config"
)

// Factories builds the static provider table from configuration. Factories
// run lazily: a provider's backend client exists only after something
// resolves it. Adding a provider here is the only change needed to offer
// new capabilities.
func Factories(cfg *config.Config, logger *slog.Logger) []domain.ProviderFactory {
	factories := []domain.ProviderFactory{
		{
			Key: "jira",
			New: func() (domain.Provider, error) { return NewJiraProvider(cfg.Providers.Jira) },
		},
		{
			Key: "gitlab",
			New: func() (domain.Provider, error) { return NewGitLabProvider(cfg.Providers.GitLab) },
		},
		{
			Key: "directory",
			New: func() (domain.Provider, error) { return NewDirectoryProvider(cfg.Providers.Directory) },
		},
		{
			Key: "file",
			New: func() (domain.Provider, error) { return NewFileProvider(cfg.Providers.File) },
		},
	}

	for _, srv := range cfg.MCPServers {
		srv := srv
		factories = append(factories, domain.ProviderFactory{
			Key: srv.Name,
			New: func() (domain.Provider, error) { return NewMCPProvider(srv, logger) },
		})
	}
	return factories
}
