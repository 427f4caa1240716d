package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"opsbridge/internal/adapter/store"
	"opsbridge/internal/domain"
	"opsbridge/internal/infra/middleware"
)

// Processor handles one user message end to end and returns the reply plus
// the turns to persist.
type Processor interface {
	Process(ctx context.Context, message string, reqCtx domain.RequestContext, agentic bool) (string, []domain.Turn, error)
}

// StatusRegistry is the registry surface the HTTP API needs: normal
// capability access plus per-provider health snapshots.
type StatusRegistry interface {
	domain.CapabilityRegistry
	Statuses() []domain.ProviderStatus
	State(key string) domain.ConnState
}

// ConversationStore persists conversations between requests.
type ConversationStore interface {
	Create(ctx context.Context, user string) (*store.Conversation, error)
	Get(ctx context.Context, id string) (*store.Conversation, error)
	AppendTurns(ctx context.Context, id string, turns []domain.Turn) error
}

// ServerConfig holds the gateway's listen and throttling settings.
type ServerConfig struct {
	Addr           string
	RequestsPerMin int
	BurstSize      int
}

// Server is the HTTP gateway: chat on one endpoint, provider health and
// operational metrics on the rest.
type Server struct {
	cfg       ServerConfig
	processor Processor
	registry  StatusRegistry
	store     ConversationStore
	logger    *slog.Logger
	metrics   *Metrics
	startTime time.Time

	httpSrv   *http.Server
	boundAddr string
}

// NewServer creates the gateway. The store may be nil, in which case chat
// requests must carry their own history and nothing is persisted.
func NewServer(cfg ServerConfig, processor Processor, registry StatusRegistry, convStore ConversationStore, logger *slog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		processor: processor,
		registry:  registry,
		store:     convStore,
		logger:    logger,
		metrics:   &Metrics{},
		startTime: time.Now(),
	}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/chat", s.handleChat)
	mux.HandleFunc("/api/v1/providers", s.handleProviders)
	mux.HandleFunc("/api/v1/providers/{key}/health", s.handleProviderHealth)
	mux.HandleFunc("/api/v1/conversations/{id}", s.handleConversation)
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	return mux
}

// Start begins serving. Blocks until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	handler := http.Handler(s.routes())
	if s.cfg.RequestsPerMin > 0 {
		handler = middleware.RateLimit(ctx, s.cfg.RequestsPerMin, s.cfg.BurstSize)(handler)
	}
	handler = middleware.SecurityHeaders(handler)

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.boundAddr = listener.Addr().String()
	s.httpSrv = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("gateway started", "addr", s.boundAddr)

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the gateway.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

// BoundAddr returns the actual listen address. Only valid after Start.
func (s *Server) BoundAddr() string { return s.boundAddr }
