package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"opsbridge/internal/domain"
)

// ChatRequest is the JSON body of POST /api/v1/chat.
type ChatRequest struct {
	// ConversationID continues an existing conversation. Empty starts a new
	// one when a store is configured.
	ConversationID string            `json:"conversation_id,omitempty"`
	Message        string            `json:"message"`
	User           string            `json:"user,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
	// Agentic defaults to true; set false for a single-shot answer without
	// capability access.
	Agentic *bool `json:"agentic,omitempty"`
}

// ChatResponse is the JSON body returned by POST /api/v1/chat.
type ChatResponse struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Reply          string `json:"reply"`
	Turns          int    `json:"turns"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	agentic := req.Agentic == nil || *req.Agentic

	s.metrics.MessagesRecv.Add(1)

	reqCtx := domain.RequestContext{User: req.User, Attributes: req.Attributes}
	conversationID := req.ConversationID

	if s.store != nil {
		if conversationID == "" {
			conv, err := s.store.Create(r.Context(), req.User)
			if err != nil {
				s.logger.Error("create conversation failed", "error", err)
				writeError(w, http.StatusInternalServerError, "could not create conversation")
				return
			}
			conversationID = conv.ID
			s.metrics.ConversationsTotal.Add(1)
		} else {
			conv, err := s.store.Get(r.Context(), conversationID)
			if err != nil {
				if errors.Is(err, domain.ErrConversationNotFound) {
					writeError(w, http.StatusNotFound, "conversation not found")
					return
				}
				s.logger.Error("load conversation failed", "error", err)
				writeError(w, http.StatusInternalServerError, "could not load conversation")
				return
			}
			reqCtx.History = conv.Turns
			if reqCtx.User == "" {
				reqCtx.User = conv.User
			}
		}
	}

	reply, turns, err := s.processor.Process(r.Context(), req.Message, reqCtx, agentic)
	if err != nil {
		s.metrics.ChatErrorsTotal.Add(1)
		if r.Context().Err() != nil {
			// Client went away; nothing useful to write.
			return
		}
		s.logger.Error("process failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "request could not be processed")
		return
	}

	if s.store != nil && conversationID != "" {
		if err := s.store.AppendTurns(r.Context(), conversationID, turns); err != nil {
			s.logger.Error("persist turns failed", "conversation", conversationID, "error", err)
			writeError(w, http.StatusInternalServerError, "could not persist conversation")
			return
		}
	}

	s.metrics.RepliesTotal.Add(1)
	writeJSON(w, http.StatusOK, ChatResponse{
		ConversationID: conversationID,
		Reply:          reply,
		Turns:          len(turns),
	})
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.store == nil {
		writeError(w, http.StatusNotFound, "conversation store not configured")
		return
	}

	conv, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, domain.ErrConversationNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		s.logger.Error("load conversation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not load conversation")
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// ProvidersResponse is the JSON body returned by GET /api/v1/providers.
type ProvidersResponse struct {
	Providers []domain.ProviderStatus `json:"providers"`
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, ProvidersResponse{Providers: s.registry.Statuses()})
}

// ProviderHealthResponse is the JSON body returned by
// GET /api/v1/providers/{key}/health. Requesting it forces a probe when the
// cached state is stale.
type ProviderHealthResponse struct {
	Key     string `json:"key"`
	Healthy bool   `json:"healthy"`
	State   string `json:"state"`
}

func (s *Server) handleProviderHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	key := r.PathValue("key")
	if _, err := s.registry.Resolve(key); err != nil {
		if errors.Is(err, domain.ErrProviderNotFound) {
			writeError(w, http.StatusNotFound, "unknown provider")
			return
		}
		// Construction failures still have a reportable state.
	}

	healthy := s.registry.IsHealthy(r.Context(), key)
	writeJSON(w, http.StatusOK, ProviderHealthResponse{
		Key:     key,
		Healthy: healthy,
		State:   s.registry.State(key).String(),
	})
}

// StatusResponse is the JSON body returned by GET /api/v1/status.
type StatusResponse struct {
	Service       ServiceStatus  `json:"service"`
	Providers     ProviderCounts `json:"providers"`
	MessagesRecv  int64          `json:"messages_received"`
	RepliesTotal  int64          `json:"replies_sent"`
	ChatErrors    int64          `json:"chat_errors"`
	Conversations int64          `json:"conversations_created"`
}

// ServiceStatus holds service overview info.
type ServiceStatus struct {
	Name          string `json:"name"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ProviderCounts summarizes the registry.
type ProviderCounts struct {
	Registered   int `json:"registered"`
	Enabled      int `json:"enabled"`
	Capabilities int `json:"capabilities"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	statuses := s.registry.Statuses()
	enabled := 0
	for _, st := range statuses {
		if st.Enabled {
			enabled++
		}
	}

	writeJSON(w, http.StatusOK, StatusResponse{
		Service: ServiceStatus{
			Name:          "opsbridge",
			UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		},
		Providers: ProviderCounts{
			Registered:   len(statuses),
			Enabled:      enabled,
			Capabilities: len(s.registry.Catalog()),
		},
		MessagesRecv:  s.metrics.MessagesRecv.Load(),
		RepliesTotal:  s.metrics.RepliesTotal.Load(),
		ChatErrors:    s.metrics.ChatErrorsTotal.Load(),
		Conversations: s.metrics.ConversationsTotal.Load(),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
