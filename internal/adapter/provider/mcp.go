package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"opsbridge/internal/domain"
	"opsbridge/internal/infra/config"
)

// mcpCallTimeout bounds a single bridged tool call.
const mcpCallTimeout = 30 * time.Second

// mcpConnectTimeout bounds connection setup and tool discovery.
const mcpConnectTimeout = 15 * time.Second

// mcpClient abstracts the MCP client for testability.
type mcpClient interface {
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// MCPProvider bridges one external MCP server into the registry: the
// server's tools become this provider's capabilities. The connection is
// established in the constructor, which the registry runs lazily on first
// resolve.
type MCPProvider struct {
	cfg    config.MCPServerConfig
	client mcpClient
	caps   []domain.CapabilityDescriptor
	logger *slog.Logger
}

// NewMCPProvider connects to the configured server, initializes the MCP
// session, and discovers its tools.
func NewMCPProvider(cfg config.MCPServerConfig, logger *slog.Logger) (*MCPProvider, error) {
	ctx, cancel := context.WithTimeout(context.Background(), mcpConnectTimeout)
	defer cancel()

	client, err := connectMCP(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("mcp server %q: %w", cfg.Name, err)
	}

	p := &MCPProvider{cfg: cfg, client: client, logger: logger}
	if err := p.discover(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("mcp server %q: discover tools: %w", cfg.Name, err)
	}

	logger.Info("mcp server connected",
		"name", cfg.Name, "transport", cfg.Transport, "tools", len(p.caps))
	return p, nil
}

// newMCPProviderWithClient builds a provider around a pre-built client
// (for testing).
func newMCPProviderWithClient(cfg config.MCPServerConfig, client mcpClient, logger *slog.Logger) (*MCPProvider, error) {
	p := &MCPProvider{cfg: cfg, client: client, logger: logger}
	ctx, cancel := context.WithTimeout(context.Background(), mcpConnectTimeout)
	defer cancel()
	if err := p.discover(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func connectMCP(ctx context.Context, cfg config.MCPServerConfig) (mcpClient, error) {
	var c mcpClient
	var err error

	switch cfg.Transport {
	case "stdio":
		c, err = mcpclient.NewStdioMCPClient(cfg.Command, envSlice(cfg.Env), cfg.Args...)
		if err != nil {
			return nil, fmt.Errorf("create stdio client: %w", err)
		}
	case "http":
		t, tErr := transport.NewStreamableHTTP(cfg.URL)
		if tErr != nil {
			return nil, fmt.Errorf("create http transport: %w", tErr)
		}
		httpClient := mcpclient.NewClient(t)
		if err = httpClient.Start(ctx); err != nil {
			return nil, fmt.Errorf("start http client: %w", err)
		}
		c = httpClient
	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "opsbridge",
		Version: "1.0.0",
	}

	if ic, ok := c.(interface {
		Initialize(ctx context.Context, request mcp.InitializeRequest) (*mcp.InitializeResult, error)
	}); ok {
		if _, err = ic.Initialize(ctx, initReq); err != nil {
			c.Close()
			return nil, domain.WrapOp("initialize", err)
		}
	}
	return c, nil
}

func (p *MCPProvider) discover(ctx context.Context) error {
	result, err := p.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return err
	}
	p.caps = make([]domain.CapabilityDescriptor, 0, len(result.Tools))
	for _, t := range result.Tools {
		params := json.RawMessage(`{"type": "object"}`)
		if t.InputSchema.Properties != nil || t.InputSchema.Required != nil {
			if data, mErr := json.Marshal(t.InputSchema); mErr == nil {
				params = data
			}
		}
		desc := t.Description
		if desc == "" {
			desc = fmt.Sprintf("MCP tool %q from server %q", t.Name, p.cfg.Name)
		}
		p.caps = append(p.caps, domain.CapabilityDescriptor{
			Name:        sanitizeName(t.Name),
			Description: desc,
			Parameters:  params,
		})
	}
	return nil
}

func (p *MCPProvider) Key() string { return p.cfg.Name }

func (p *MCPProvider) Description() string {
	return fmt.Sprintf("MCP server %q (%s)", p.cfg.Name, p.cfg.Transport)
}

func (p *MCPProvider) Enabled() bool { return p.cfg.Enabled }

func (p *MCPProvider) Capabilities() []domain.CapabilityDescriptor { return p.caps }

// Probe re-lists tools: cheap, side-effect free, and exercises the full
// transport round trip.
func (p *MCPProvider) Probe(ctx context.Context) error {
	_, err := p.client.ListTools(ctx, mcp.ListToolsRequest{})
	return err
}

func (p *MCPProvider) Invoke(ctx context.Context, capability string, args json.RawMessage) (string, error) {
	var parsed map[string]any
	if len(args) > 0 && string(args) != "null" {
		if err := json.Unmarshal(args, &parsed); err != nil {
			return "", fmt.Errorf("invalid arguments: %w", err)
		}
	}

	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = capability
	callReq.Params.Arguments = parsed

	callCtx, cancel := context.WithTimeout(ctx, mcpCallTimeout)
	defer cancel()

	result, err := p.client.CallTool(callCtx, callReq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrProviderUnreachable, err)
	}

	content := extractMCPContent(result)
	if result.IsError {
		return "", fmt.Errorf("tool %q failed: %s", capability, content)
	}
	return content, nil
}

// Close shuts down the server connection.
func (p *MCPProvider) Close() error {
	return p.client.Close()
}

// extractMCPContent converts MCP CallToolResult content to a string.
func extractMCPContent(result *mcp.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			if data, err := json.Marshal(v); err == nil {
				parts = append(parts, string(data))
			}
		}
	}
	return strings.Join(parts, "\n")
}

// sanitizeName replaces characters that function-calling APIs reject in
// tool names.
func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// envSlice converts a map of env vars to KEY=VALUE form.
func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	result := make([]string, 0, len(env))
	for k, v := range env {
		result = append(result, k+"="+v)
	}
	return result
}
