package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"opsbridge/internal/domain"
	"opsbridge/internal/infra/config"
)

// DirectoryProvider looks up people and groups in a corporate directory
// exposed over a REST gateway (SCIM-style endpoints).
type DirectoryProvider struct {
	cfg  config.DirectoryConfig
	rest *restClient
}

func NewDirectoryProvider(cfg config.DirectoryConfig) (*DirectoryProvider, error) {
	if cfg.Enabled && cfg.URL == "" {
		return nil, fmt.Errorf("directory: url not configured")
	}
	auth := base64.StdEncoding.EncodeToString([]byte(cfg.Username + ":" + cfg.Password))
	return &DirectoryProvider{
		cfg:  cfg,
		rest: newRESTClient(cfg.URL, map[string]string{"Authorization": "Basic " + auth}),
	}, nil
}

func (p *DirectoryProvider) Key() string         { return "directory" }
func (p *DirectoryProvider) Description() string { return "Corporate user and group directory" }
func (p *DirectoryProvider) Enabled() bool       { return p.cfg.Enabled }

func (p *DirectoryProvider) Capabilities() []domain.CapabilityDescriptor {
	return []domain.CapabilityDescriptor{
		{
			Name:        "search_users",
			Description: "Search users by name, login, or email",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"query": {"type": "string", "description": "Search string"},
					"limit": {"type": "integer", "minimum": 1, "maximum": 200}
				},
				"required": ["query"]
			}`),
		},
		{
			Name:        "get_user_details",
			Description: "Get one user's directory record",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"username": {"type": "string"}
				},
				"required": ["username"]
			}`),
		},
		{
			Name:        "get_user_groups",
			Description: "List the groups a user belongs to",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"username": {"type": "string"}
				},
				"required": ["username"]
			}`),
		},
		{
			Name:        "search_groups",
			Description: "Search groups by name",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"query": {"type": "string"}
				},
				"required": ["query"]
			}`),
		},
		{
			Name:        "get_group_members",
			Description: "List members of a group",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"group": {"type": "string", "description": "Group name"}
				},
				"required": ["group"]
			}`),
		},
	}
}

func (p *DirectoryProvider) Probe(ctx context.Context) error {
	_, err := p.rest.doJSON(ctx, http.MethodGet, "/api/v1/ping", nil, nil)
	return err
}

func (p *DirectoryProvider) Invoke(ctx context.Context, capability string, args json.RawMessage) (string, error) {
	switch capability {
	case "search_users":
		return p.searchUsers(ctx, args)
	case "get_user_details":
		return p.userResource(ctx, args, "")
	case "get_user_groups":
		return p.userResource(ctx, args, "/groups")
	case "search_groups":
		return p.searchGroups(ctx, args)
	case "get_group_members":
		return p.groupMembers(ctx, args)
	default:
		return "", fmt.Errorf("%w: %s", domain.ErrCapabilityNotFound, capability)
	}
}

func (p *DirectoryProvider) searchUsers(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("decode arguments: %w", err)
	}
	if in.Limit <= 0 {
		in.Limit = 50
	}

	q := url.Values{}
	q.Set("q", in.Query)
	q.Set("limit", fmt.Sprint(in.Limit))
	raw, err := p.rest.doJSON(ctx, http.MethodGet, "/api/v1/users", q, nil)
	if err != nil {
		return "", err
	}
	return compactJSON(raw), nil
}

func (p *DirectoryProvider) userResource(ctx context.Context, args json.RawMessage, suffix string) (string, error) {
	var in struct {
		Username string `json:"username"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("decode arguments: %w", err)
	}
	raw, err := p.rest.doJSON(ctx, http.MethodGet,
		"/api/v1/users/"+url.PathEscape(in.Username)+suffix, nil, nil)
	if err != nil {
		return "", err
	}
	return compactJSON(raw), nil
}

func (p *DirectoryProvider) searchGroups(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("decode arguments: %w", err)
	}
	q := url.Values{}
	q.Set("q", in.Query)
	raw, err := p.rest.doJSON(ctx, http.MethodGet, "/api/v1/groups", q, nil)
	if err != nil {
		return "", err
	}
	return compactJSON(raw), nil
}

func (p *DirectoryProvider) groupMembers(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Group string `json:"group"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("decode arguments: %w", err)
	}
	raw, err := p.rest.doJSON(ctx, http.MethodGet,
		"/api/v1/groups/"+url.PathEscape(in.Group)+"/members", nil, nil)
	if err != nil {
		return "", err
	}
	return compactJSON(raw), nil
}
