package decider

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"opsbridge/internal/domain"
	"opsbridge/internal/infra/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDecider(t *testing.T, handler http.HandlerFunc) *OpenAIDecider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAIDecider(config.DeciderConfig{
		BaseURL: srv.URL,
		APIKey:  "sk-test",
		Model:   "gpt-4o-mini",
	}, discardLogger())
}

func caps() []domain.CapabilityDescriptor {
	return []domain.CapabilityDescriptor{{
		Name:        "jira__create_issue",
		Description: "Create a Jira issue",
		Parameters:  json.RawMessage(`{"type":"object"}`),
	}}
}

func TestDecideParsesToolCalls(t *testing.T) {
	var gotReq chatRequest
	d := newTestDecider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Error("missing bearer token")
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(chatResponse{Choices: []chatChoice{{
			Message: chatMessage{
				Role: "assistant",
				ToolCalls: []chatToolCall{{
					ID:   "call_abc",
					Type: "function",
					Function: chatCallFunction{
						Name:      "jira__create_issue",
						Arguments: `{"summary":"x","project_key":"PROJ"}`,
					},
				}},
			},
		}}})
	})

	history := []domain.Turn{domain.UserTurn("file a bug about the login page")}
	decision, err := d.Decide(context.Background(), history, caps())
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}

	if len(decision.Invocations) != 1 {
		t.Fatalf("Invocations len = %d, want 1", len(decision.Invocations))
	}
	inv := decision.Invocations[0]
	if inv.ProviderKey != "jira" || inv.Capability != "create_issue" {
		t.Errorf("invocation = %+v", inv)
	}

	// Request carried the system prompt, the user turn, and the tool.
	if len(gotReq.Messages) != 2 || gotReq.Messages[0].Role != "system" {
		t.Errorf("messages = %+v", gotReq.Messages)
	}
	if len(gotReq.Tools) != 1 || gotReq.Tools[0].Function.Name != "jira__create_issue" {
		t.Errorf("tools = %+v", gotReq.Tools)
	}
}

func TestDecideNarrativeOnly(t *testing.T) {
	d := newTestDecider(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(chatResponse{Choices: []chatChoice{{
			Message: chatMessage{Role: "assistant", Content: "Nothing to do here."},
		}}})
	})

	decision, err := d.Decide(context.Background(), []domain.Turn{domain.UserTurn("hi")}, caps())
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decision.Narrative != "Nothing to do here." || len(decision.Invocations) != 0 {
		t.Errorf("decision = %+v", decision)
	}
}

func TestDecideRejectsMalformedCapabilityName(t *testing.T) {
	d := newTestDecider(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(chatResponse{Choices: []chatChoice{{
			Message: chatMessage{
				Role: "assistant",
				ToolCalls: []chatToolCall{{
					ID:       "call_1",
					Type:     "function",
					Function: chatCallFunction{Name: "no_separator_here"},
				}},
			},
		}}})
	})

	// "no_separator_here" has no double underscore, so the provider key
	// cannot be recovered.
	_, err := d.Decide(context.Background(), []domain.Turn{domain.UserTurn("hi")}, caps())
	if err == nil {
		t.Error("expected error for malformed capability name")
	}
}

func TestDecideAPIError(t *testing.T) {
	d := newTestDecider(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"overloaded"}`, http.StatusTooManyRequests)
	})

	_, err := d.Decide(context.Background(), []domain.Turn{domain.UserTurn("hi")}, caps())
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestToMessagesRoundTrip(t *testing.T) {
	inv := domain.Invocation{
		ProviderKey: "jira",
		Capability:  "search_issues",
		Arguments:   json.RawMessage(`{"jql":"project=PROJ"}`),
	}
	history := []domain.Turn{
		domain.UserTurn("what is open in PROJ?"),
		domain.Decision{Invocations: []domain.Invocation{inv}}.Turn(),
		domain.ResultTurn([]domain.InvocationResult{
			{Invocation: inv, Content: `{"total":3}`},
		}),
	}

	msgs := toMessages(history)
	if len(msgs) != 4 {
		t.Fatalf("messages len = %d, want 4", len(msgs))
	}

	assistant := msgs[2]
	if assistant.Role != "assistant" || len(assistant.ToolCalls) != 1 {
		t.Fatalf("assistant msg = %+v", assistant)
	}
	if assistant.ToolCalls[0].ID != "call_1_0" {
		t.Errorf("tool call id = %q", assistant.ToolCalls[0].ID)
	}
	if assistant.ToolCalls[0].Function.Name != "jira__search_issues" {
		t.Errorf("tool call name = %q", assistant.ToolCalls[0].Function.Name)
	}

	toolMsg := msgs[3]
	if toolMsg.Role != "tool" || toolMsg.ToolCallID != "call_1_0" {
		t.Errorf("tool msg = %+v", toolMsg)
	}
	if toolMsg.Content != `{"total":3}` {
		t.Errorf("tool content = %q", toolMsg.Content)
	}
}

func TestToMessagesFailureAsData(t *testing.T) {
	inv := domain.Invocation{ProviderKey: "jira", Capability: "create_issue"}
	history := []domain.Turn{
		domain.UserTurn("file it"),
		domain.Decision{Invocations: []domain.Invocation{inv}}.Turn(),
		domain.ResultTurn([]domain.InvocationResult{{
			Invocation: inv,
			Failure:    &domain.InvocationFailure{Kind: domain.KindUnreachable, Message: "probe failed"},
		}}),
	}

	msgs := toMessages(history)
	got := msgs[3].Content
	if got != "error (unreachable): probe failed" {
		t.Errorf("failure content = %q", got)
	}
}
