package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"opsbridge/internal/domain"
	"opsbridge/internal/infra/config"
)

// JiraProvider exposes issue-tracking operations over the Jira REST API v2.
type JiraProvider struct {
	cfg  config.JiraConfig
	rest *restClient
}

// NewJiraProvider builds the provider. A disabled provider constructs fine
// without credentials; it only answers metadata queries.
func NewJiraProvider(cfg config.JiraConfig) (*JiraProvider, error) {
	if cfg.Enabled && cfg.URL == "" {
		return nil, fmt.Errorf("jira: url not configured")
	}
	auth := base64.StdEncoding.EncodeToString([]byte(cfg.Username + ":" + cfg.APIToken))
	return &JiraProvider{
		cfg:  cfg,
		rest: newRESTClient(cfg.URL, map[string]string{"Authorization": "Basic " + auth}),
	}, nil
}

func (p *JiraProvider) Key() string         { return "jira" }
func (p *JiraProvider) Description() string { return "Jira issue tracking" }
func (p *JiraProvider) Enabled() bool       { return p.cfg.Enabled }

func (p *JiraProvider) Capabilities() []domain.CapabilityDescriptor {
	return []domain.CapabilityDescriptor{
		{
			Name:        "create_issue",
			Description: "Create a new Jira issue",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"summary": {"type": "string", "description": "Short issue summary"},
					"description": {"type": "string", "description": "Full issue description"},
					"project_key": {"type": "string", "description": "Project key, e.g. PROJ"},
					"issue_type": {"type": "string", "enum": ["Task", "Bug", "Story", "Epic"]},
					"priority": {"type": "string", "enum": ["Highest", "High", "Medium", "Low", "Lowest"]},
					"assignee": {"type": "string", "description": "Assignee username"}
				},
				"required": ["summary", "project_key"]
			}`),
		},
		{
			Name:        "search_issues",
			Description: "Search Jira issues with a JQL query",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"jql": {"type": "string", "description": "JQL query"},
					"max_results": {"type": "integer", "minimum": 1, "maximum": 1000}
				},
				"required": ["jql"]
			}`),
		},
		{
			Name:        "get_issue_details",
			Description: "Get full details of one issue",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"issue_key": {"type": "string", "description": "Issue key, e.g. PROJ-42"}
				},
				"required": ["issue_key"]
			}`),
		},
		{
			Name:        "add_comment",
			Description: "Add a comment to an issue",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"issue_key": {"type": "string"},
					"body": {"type": "string", "description": "Comment text"}
				},
				"required": ["issue_key", "body"]
			}`),
		},
		{
			Name:        "list_projects",
			Description: "List projects visible to the configured account",
			Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
		},
	}
}

// Probe hits the lightweight "myself" endpoint: authenticated, no side
// effects, cheap on the server.
func (p *JiraProvider) Probe(ctx context.Context) error {
	_, err := p.rest.doJSON(ctx, http.MethodGet, "/rest/api/2/myself", nil, nil)
	return err
}

func (p *JiraProvider) Invoke(ctx context.Context, capability string, args json.RawMessage) (string, error) {
	switch capability {
	case "create_issue":
		return p.createIssue(ctx, args)
	case "search_issues":
		return p.searchIssues(ctx, args)
	case "get_issue_details":
		return p.getIssue(ctx, args)
	case "add_comment":
		return p.addComment(ctx, args)
	case "list_projects":
		return p.listProjects(ctx)
	default:
		return "", fmt.Errorf("%w: %s", domain.ErrCapabilityNotFound, capability)
	}
}

func (p *JiraProvider) createIssue(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Summary     string `json:"summary"`
		Description string `json:"description"`
		ProjectKey  string `json:"project_key"`
		IssueType   string `json:"issue_type"`
		Priority    string `json:"priority"`
		Assignee    string `json:"assignee"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("decode arguments: %w", err)
	}
	if in.ProjectKey == "" {
		in.ProjectKey = p.cfg.ProjectKey
	}
	if in.IssueType == "" {
		in.IssueType = "Task"
	}

	fields := map[string]any{
		"summary":   in.Summary,
		"project":   map[string]string{"key": in.ProjectKey},
		"issuetype": map[string]string{"name": in.IssueType},
	}
	if in.Description != "" {
		fields["description"] = in.Description
	}
	if in.Priority != "" {
		fields["priority"] = map[string]string{"name": in.Priority}
	}
	if in.Assignee != "" {
		fields["assignee"] = map[string]string{"name": in.Assignee}
	}

	raw, err := p.rest.doJSON(ctx, http.MethodPost, "/rest/api/2/issue", nil, map[string]any{"fields": fields})
	if err != nil {
		return "", err
	}
	var out struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return fmt.Sprintf("created issue %s", out.Key), nil
}

func (p *JiraProvider) searchIssues(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		JQL        string `json:"jql"`
		MaxResults int    `json:"max_results"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("decode arguments: %w", err)
	}
	if in.MaxResults <= 0 {
		in.MaxResults = 50
	}

	q := url.Values{}
	q.Set("jql", in.JQL)
	q.Set("maxResults", strconv.Itoa(in.MaxResults))
	q.Set("fields", "summary,status,assignee,priority")

	raw, err := p.rest.doJSON(ctx, http.MethodGet, "/rest/api/2/search", q, nil)
	if err != nil {
		return "", err
	}
	return compactJSON(raw), nil
}

func (p *JiraProvider) getIssue(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		IssueKey string `json:"issue_key"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("decode arguments: %w", err)
	}
	raw, err := p.rest.doJSON(ctx, http.MethodGet, "/rest/api/2/issue/"+url.PathEscape(in.IssueKey), nil, nil)
	if err != nil {
		return "", err
	}
	return compactJSON(raw), nil
}

func (p *JiraProvider) addComment(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		IssueKey string `json:"issue_key"`
		Body     string `json:"body"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("decode arguments: %w", err)
	}
	_, err := p.rest.doJSON(ctx, http.MethodPost,
		"/rest/api/2/issue/"+url.PathEscape(in.IssueKey)+"/comment", nil,
		map[string]string{"body": in.Body})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("comment added to %s", in.IssueKey), nil
}

func (p *JiraProvider) listProjects(ctx context.Context) (string, error) {
	raw, err := p.rest.doJSON(ctx, http.MethodGet, "/rest/api/2/project", nil, nil)
	if err != nil {
		return "", err
	}
	return compactJSON(raw), nil
}
