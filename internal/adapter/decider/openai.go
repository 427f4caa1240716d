package decider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"opsbridge/internal/domain"
	"opsbridge/internal/infra/config"
	"opsbridge/internal/infra/tracer"
)

const systemPrompt = `You are an operations assistant. You can call the provided
functions to look things up or make changes in backend systems. Call functions
when the request needs live data or an action; answer directly when it does not.
When function results contain errors, explain them to the user or try another
approach. Keep final answers short and concrete.`

// maxResponseBody caps how much of an API response is read (10 MB).
const maxResponseBody = 10 * 1024 * 1024

// OpenAIDecider drives decisions through any OpenAI-compatible chat
// completions API with function calling.
type OpenAIDecider struct {
	cfg     config.DeciderConfig
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func NewOpenAIDecider(cfg config.DeciderConfig, logger *slog.Logger) *OpenAIDecider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIDecider{
		cfg:     cfg,
		baseURL: baseURL,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}
}

func (d *OpenAIDecider) Name() string { return "openai:" + d.cfg.Model }

// Decide converts the history to chat messages, offers the capabilities as
// function tools, and maps the model's reply back to a Decision.
func (d *OpenAIDecider) Decide(ctx context.Context, history []domain.Turn, capabilities []domain.CapabilityDescriptor) (domain.Decision, error) {
	ctx, span := tracer.StartSpan(ctx, "decider.decide",
		trace.WithAttributes(
			tracer.StringAttr("decider.model", d.cfg.Model),
			tracer.IntAttr("decider.capabilities", len(capabilities)),
		),
	)
	defer span.End()

	req := chatRequest{
		Model:    d.cfg.Model,
		Messages: toMessages(history),
		Tools:    toTools(capabilities),
	}
	if d.cfg.Temperature > 0 {
		req.Temperature = &d.cfg.Temperature
	}

	body, err := json.Marshal(req)
	if err != nil {
		tracer.RecordError(span, err)
		return domain.Decision{}, fmt.Errorf("marshal request: %w", err)
	}

	respBody, err := d.post(ctx, d.baseURL+"/chat/completions", body)
	if err != nil {
		tracer.RecordError(span, err)
		return domain.Decision{}, err
	}

	var resp chatResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		tracer.RecordError(span, err)
		return domain.Decision{}, fmt.Errorf("unmarshal response: %w", err)
	}
	if len(resp.Choices) == 0 {
		err := fmt.Errorf("response has no choices")
		tracer.RecordError(span, err)
		return domain.Decision{}, err
	}

	decision, err := fromMessage(resp.Choices[0].Message)
	if err != nil {
		tracer.RecordError(span, err)
		return domain.Decision{}, err
	}

	d.logger.Debug("decision received",
		"model", d.cfg.Model,
		"invocations", len(decision.Invocations),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens)
	tracer.SetOK(span)
	return decision, nil
}

func (d *OpenAIDecider) post(ctx context.Context, url string, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if d.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+d.cfg.APIKey)
	}

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		detail := fmt.Sprintf("API error %d: %s", httpResp.StatusCode, respBody)
		switch {
		case httpResp.StatusCode == http.StatusTooManyRequests:
			return nil, fmt.Errorf("%w: %s", domain.ErrRateLimit, detail)
		case httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden:
			return nil, fmt.Errorf("%w: %s", domain.ErrAuthInvalid, detail)
		default:
			return nil, fmt.Errorf("%s", detail)
		}
	}
	return respBody, nil
}

// --- chat completions wire types ---

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Tools       []chatTool    `json:"tools,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content,omitempty"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type chatToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function chatCallFunction `json:"function"`
}

type chatCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// callID builds the deterministic tool-call identifier for the j-th
// invocation of the decision turn at history index i. The API requires
// each tool result to name the call it answers; deriving IDs from
// positions keeps the round trip stable without storing API state.
func callID(turnIdx, invIdx int) string {
	return "call_" + strconv.Itoa(turnIdx) + "_" + strconv.Itoa(invIdx)
}

// toMessages converts loop history to chat messages. A result turn always
// follows its decision turn, so its tool_call_ids reference index i-1.
func toMessages(history []domain.Turn) []chatMessage {
	msgs := make([]chatMessage, 0, len(history)+1)
	msgs = append(msgs, chatMessage{Role: "system", Content: systemPrompt})

	for i, turn := range history {
		switch turn.Kind {
		case domain.TurnUser:
			msgs = append(msgs, chatMessage{Role: "user", Content: turn.Content})

		case domain.TurnDecision:
			m := chatMessage{Role: "assistant", Content: turn.Content}
			for j, inv := range turn.Invocations {
				args := string(inv.Arguments)
				if args == "" {
					args = "{}"
				}
				m.ToolCalls = append(m.ToolCalls, chatToolCall{
					ID:   callID(i, j),
					Type: "function",
					Function: chatCallFunction{
						Name:      domain.QualifyCapability(inv.ProviderKey, inv.Capability),
						Arguments: args,
					},
				})
			}
			msgs = append(msgs, m)

		case domain.TurnResult:
			for j, res := range turn.Results {
				content := res.Content
				if res.Failed() {
					content = fmt.Sprintf("error (%s): %s", res.Failure.Kind, res.Failure.Message)
				}
				msgs = append(msgs, chatMessage{
					Role:       "tool",
					Content:    content,
					ToolCallID: callID(i-1, j),
				})
			}
		}
	}
	return msgs
}

func toTools(capabilities []domain.CapabilityDescriptor) []chatTool {
	if len(capabilities) == 0 {
		return nil
	}
	tools := make([]chatTool, 0, len(capabilities))
	for _, c := range capabilities {
		params := c.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		tools = append(tools, chatTool{
			Type: "function",
			Function: chatFunction{
				Name:        c.Name,
				Description: c.Description,
				Parameters:  params,
			},
		})
	}
	return tools
}

// fromMessage maps an assistant reply to a Decision. Tool-call names carry
// the provider key as a prefix; names without the separator are rejected
// rather than guessed at.
func fromMessage(m chatMessage) (domain.Decision, error) {
	d := domain.Decision{Narrative: m.Content}
	for _, tc := range m.ToolCalls {
		key, capability, ok := domain.SplitCapability(tc.Function.Name)
		if !ok {
			return domain.Decision{}, fmt.Errorf("malformed capability name %q", tc.Function.Name)
		}
		args := json.RawMessage(tc.Function.Arguments)
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		d.Invocations = append(d.Invocations, domain.Invocation{
			ProviderKey: key,
			Capability:  capability,
			Arguments:   args,
		})
	}
	return d, nil
}

var _ domain.Decider = (*OpenAIDecider)(nil)
