package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"opsbridge/internal/adapter/decider"
	"opsbridge/internal/adapter/gateway"
	"opsbridge/internal/adapter/provider"
	"opsbridge/internal/adapter/store"
	"opsbridge/internal/domain"
	"opsbridge/internal/infra/config"
	"opsbridge/internal/infra/logger"
	"opsbridge/internal/infra/tracer"
	"opsbridge/internal/usecase"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`opsbridge - natural-language request router for ops tooling

USAGE:
    opsbridge [FLAGS]

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: OPSBRIDGE_* variables override config
    Secrets:     values prefixed "enc:" are decrypted with OPSBRIDGE_CONFIG_KEY

ENDPOINTS:
    POST /api/v1/chat                      Send a message
    GET  /api/v1/providers                 Provider health snapshot
    GET  /api/v1/providers/{key}/health    Probe one provider
    GET  /api/v1/conversations/{id}        Fetch a conversation
    GET  /api/v1/status                    Service status
    GET  /healthz                          Liveness
    GET  /metrics                          Prometheus text metrics`)
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("OPSBRIDGE_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Conversation store
	convStore, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer convStore.Close()

	// 4. Capability registry
	registry := provider.NewRegistry(provider.Factories(cfg, log), provider.Options{
		ProbeInterval:   cfg.Registry.ProbeInterval,
		InvokeRateLimit: cfg.Registry.InvokeRateLimit,
		RateLimitWindow: cfg.Registry.RateLimitWindow,
	}, log)

	// 5. Decision backend, wrapped in a circuit breaker
	dec, err := createDecider(cfg, log)
	if err != nil {
		return fmt.Errorf("decider: %w", err)
	}
	breaker := decider.NewBreakerDecider(dec, cfg.Decider.Breaker, log)

	// 6. History token budget. A missing encoding is survivable; the loop
	// just runs untrimmed.
	var budget *usecase.TokenBudget
	if cfg.Agent.HistoryTokenBudget > 0 {
		counter, err := usecase.NewTokenCounter(cfg.Agent.TokenEncoding)
		if err != nil {
			log.Warn("token encoding unavailable, history trimming disabled", "error", err)
		} else {
			budget = usecase.NewTokenBudget(counter, cfg.Agent.HistoryTokenBudget)
		}
	}

	// 7. Dispatch loop and orchestrator
	loop, err := usecase.NewDispatchLoop(usecase.LoopDeps{
		Registry: registry,
		Decider:  breaker,
		Budget:   budget,
		Logger:   log,
	}, usecase.LoopConfig{
		MaxIterations: cfg.Agent.MaxIterations,
		DecideTimeout: cfg.Agent.DecideTimeout,
	})
	if err != nil {
		return fmt.Errorf("dispatch loop: %w", err)
	}
	orchestrator := usecase.NewOrchestrator(loop, breaker, log)

	// 8. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 9. Background maintenance
	if cfg.Maintenance.Enabled {
		maint := usecase.NewMaintenance(registry, convStore, cfg.Store.ReapAfter, log)
		if err := maint.Start(cfg.Maintenance.Schedule); err != nil {
			return fmt.Errorf("maintenance: %w", err)
		}
		defer maint.Stop()
	}

	// 10. HTTP gateway
	srv := gateway.NewServer(gateway.ServerConfig{
		Addr:           cfg.Server.Addr,
		RequestsPerMin: cfg.Server.RequestsPerMin,
		BurstSize:      cfg.Server.BurstSize,
	}, orchestrator, registry, convStore, log)

	log.Info("opsbridge starting",
		"addr", cfg.Server.Addr,
		"decider", breaker.Name(),
		"providers", len(registry.Statuses()),
		"max_iterations", cfg.Agent.MaxIterations,
	)

	return srv.Start(ctx)
}

// createDecider builds the configured decision backend.
func createDecider(cfg *config.Config, log *slog.Logger) (domain.Decider, error) {
	switch cfg.Decider.Backend {
	case "openai", "":
		return decider.NewOpenAIDecider(cfg.Decider, log), nil
	case "bedrock":
		return createBedrockDecider(cfg.Decider, log)
	default:
		return nil, fmt.Errorf("unknown decider backend: %s", cfg.Decider.Backend)
	}
}
