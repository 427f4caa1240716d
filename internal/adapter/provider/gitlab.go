package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"opsbridge/internal/domain"
	"opsbridge/internal/infra/config"
)

// GitLabProvider exposes repository operations over the GitLab REST API v4.
type GitLabProvider struct {
	cfg  config.GitLabConfig
	rest *restClient
}

func NewGitLabProvider(cfg config.GitLabConfig) (*GitLabProvider, error) {
	if cfg.Enabled && cfg.URL == "" {
		return nil, fmt.Errorf("gitlab: url not configured")
	}
	return &GitLabProvider{
		cfg:  cfg,
		rest: newRESTClient(cfg.URL, map[string]string{"PRIVATE-TOKEN": cfg.Token}),
	}, nil
}

func (p *GitLabProvider) Key() string         { return "gitlab" }
func (p *GitLabProvider) Description() string { return "GitLab repositories and merge requests" }
func (p *GitLabProvider) Enabled() bool       { return p.cfg.Enabled }

func (p *GitLabProvider) Capabilities() []domain.CapabilityDescriptor {
	return []domain.CapabilityDescriptor{
		{
			Name:        "list_projects",
			Description: "List projects the configured token can see",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"search": {"type": "string", "description": "Filter projects by name"},
					"per_page": {"type": "integer", "minimum": 1, "maximum": 100}
				}
			}`),
		},
		{
			Name:        "list_merge_requests",
			Description: "List merge requests of a project",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"project_id": {"type": "string", "description": "Numeric ID or URL-encoded path"},
					"state": {"type": "string", "enum": ["opened", "closed", "merged", "all"]}
				},
				"required": ["project_id"]
			}`),
		},
		{
			Name:        "create_merge_request",
			Description: "Open a merge request",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"project_id": {"type": "string"},
					"source_branch": {"type": "string"},
					"target_branch": {"type": "string"},
					"title": {"type": "string"}
				},
				"required": ["project_id", "source_branch", "target_branch", "title"]
			}`),
		},
		{
			Name:        "get_file_content",
			Description: "Read one file from a repository",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"project_id": {"type": "string"},
					"file_path": {"type": "string", "description": "Path within the repository"},
					"ref": {"type": "string", "description": "Branch, tag, or commit (default main)"}
				},
				"required": ["project_id", "file_path"]
			}`),
		},
		{
			Name:        "list_branches",
			Description: "List branches of a project",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"project_id": {"type": "string"}
				},
				"required": ["project_id"]
			}`),
		},
	}
}

// Probe checks token validity against the version endpoint.
func (p *GitLabProvider) Probe(ctx context.Context) error {
	_, err := p.rest.doJSON(ctx, http.MethodGet, "/api/v4/version", nil, nil)
	return err
}

func (p *GitLabProvider) Invoke(ctx context.Context, capability string, args json.RawMessage) (string, error) {
	switch capability {
	case "list_projects":
		return p.listProjects(ctx, args)
	case "list_merge_requests":
		return p.listMergeRequests(ctx, args)
	case "create_merge_request":
		return p.createMergeRequest(ctx, args)
	case "get_file_content":
		return p.getFileContent(ctx, args)
	case "list_branches":
		return p.listBranches(ctx, args)
	default:
		return "", fmt.Errorf("%w: %s", domain.ErrCapabilityNotFound, capability)
	}
}

func (p *GitLabProvider) listProjects(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Search  string `json:"search"`
		PerPage int    `json:"per_page"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("decode arguments: %w", err)
	}
	if in.PerPage <= 0 {
		in.PerPage = 20
	}

	q := url.Values{}
	q.Set("membership", "true")
	q.Set("per_page", strconv.Itoa(in.PerPage))
	if in.Search != "" {
		q.Set("search", in.Search)
	}

	raw, err := p.rest.doJSON(ctx, http.MethodGet, "/api/v4/projects", q, nil)
	if err != nil {
		return "", err
	}
	return compactJSON(raw), nil
}

func (p *GitLabProvider) listMergeRequests(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		ProjectID string `json:"project_id"`
		State     string `json:"state"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("decode arguments: %w", err)
	}
	if in.State == "" {
		in.State = "opened"
	}

	q := url.Values{}
	q.Set("state", in.State)
	raw, err := p.rest.doJSON(ctx, http.MethodGet,
		"/api/v4/projects/"+url.PathEscape(in.ProjectID)+"/merge_requests", q, nil)
	if err != nil {
		return "", err
	}
	return compactJSON(raw), nil
}

func (p *GitLabProvider) createMergeRequest(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		ProjectID    string `json:"project_id"`
		SourceBranch string `json:"source_branch"`
		TargetBranch string `json:"target_branch"`
		Title        string `json:"title"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("decode arguments: %w", err)
	}

	raw, err := p.rest.doJSON(ctx, http.MethodPost,
		"/api/v4/projects/"+url.PathEscape(in.ProjectID)+"/merge_requests", nil,
		map[string]string{
			"source_branch": in.SourceBranch,
			"target_branch": in.TargetBranch,
			"title":         in.Title,
		})
	if err != nil {
		return "", err
	}
	var out struct {
		IID    int    `json:"iid"`
		WebURL string `json:"web_url"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return fmt.Sprintf("created merge request !%d (%s)", out.IID, out.WebURL), nil
}

func (p *GitLabProvider) getFileContent(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		ProjectID string `json:"project_id"`
		FilePath  string `json:"file_path"`
		Ref       string `json:"ref"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("decode arguments: %w", err)
	}
	if in.Ref == "" {
		in.Ref = "main"
	}

	q := url.Values{}
	q.Set("ref", in.Ref)
	raw, err := p.rest.doJSON(ctx, http.MethodGet,
		"/api/v4/projects/"+url.PathEscape(in.ProjectID)+"/repository/files/"+
			url.PathEscape(in.FilePath)+"/raw", q, nil)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (p *GitLabProvider) listBranches(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		ProjectID string `json:"project_id"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("decode arguments: %w", err)
	}
	raw, err := p.rest.doJSON(ctx, http.MethodGet,
		"/api/v4/projects/"+url.PathEscape(in.ProjectID)+"/repository/branches", nil, nil)
	if err != nil {
		return "", err
	}
	return compactJSON(raw), nil
}
