package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"opsbridge/internal/domain"
	"opsbridge/internal/infra/config"
)

// FileProvider serves filesystem operations confined to a sandbox root.
// Every path argument is resolved against the root and rejected if it
// escapes it.
type FileProvider struct {
	cfg  config.FileConfig
	root string
}

func NewFileProvider(cfg config.FileConfig) (*FileProvider, error) {
	if cfg.Enabled && cfg.SandboxRoot == "" {
		return nil, fmt.Errorf("file: sandbox_root not configured")
	}
	if cfg.SandboxRoot == "" {
		cfg.SandboxRoot = "."
	}
	root, err := filepath.Abs(cfg.SandboxRoot)
	if err != nil {
		return nil, fmt.Errorf("file: resolve sandbox root: %w", err)
	}
	if cfg.MaxReadKB <= 0 {
		cfg.MaxReadKB = 256
	}
	return &FileProvider{cfg: cfg, root: root}, nil
}

func (p *FileProvider) Key() string         { return "file" }
func (p *FileProvider) Description() string { return "Sandboxed file storage" }
func (p *FileProvider) Enabled() bool       { return p.cfg.Enabled }

func (p *FileProvider) Capabilities() []domain.CapabilityDescriptor {
	pathSchema := `{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Path relative to the sandbox root"}
		},
		"required": ["path"]
	}`
	return []domain.CapabilityDescriptor{
		{
			Name:        "read_file",
			Description: "Read a text file from the sandbox",
			Parameters:  json.RawMessage(pathSchema),
		},
		{
			Name:        "write_file",
			Description: "Write a text file inside the sandbox",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {"type": "string"},
					"content": {"type": "string"}
				},
				"required": ["path", "content"]
			}`),
		},
		{
			Name:        "list_directory",
			Description: "List entries of a sandbox directory",
			Parameters:  json.RawMessage(pathSchema),
		},
		{
			Name:        "create_directory",
			Description: "Create a directory inside the sandbox",
			Parameters:  json.RawMessage(pathSchema),
		},
		{
			Name:        "delete_file",
			Description: "Delete a file inside the sandbox",
			Parameters:  json.RawMessage(pathSchema),
		},
	}
}

// Probe verifies the sandbox root exists and is a directory.
func (p *FileProvider) Probe(ctx context.Context) error {
	info, err := os.Stat(p.root)
	if err != nil {
		return fmt.Errorf("sandbox root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("sandbox root %s is not a directory", p.root)
	}
	return nil
}

func (p *FileProvider) Invoke(ctx context.Context, capability string, args json.RawMessage) (string, error) {
	var in struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("decode arguments: %w", err)
	}

	full, err := p.resolve(in.Path)
	if err != nil {
		return "", err
	}

	switch capability {
	case "read_file":
		return p.readFile(full)
	case "write_file":
		if err := os.WriteFile(full, []byte(in.Content), 0o600); err != nil {
			return "", fmt.Errorf("write %s: %w", in.Path, err)
		}
		return fmt.Sprintf("wrote %d bytes to %s", len(in.Content), in.Path), nil
	case "list_directory":
		return p.listDirectory(full, in.Path)
	case "create_directory":
		if err := os.MkdirAll(full, 0o750); err != nil {
			return "", fmt.Errorf("create %s: %w", in.Path, err)
		}
		return fmt.Sprintf("created directory %s", in.Path), nil
	case "delete_file":
		if err := os.Remove(full); err != nil {
			return "", fmt.Errorf("delete %s: %w", in.Path, err)
		}
		return fmt.Sprintf("deleted %s", in.Path), nil
	default:
		return "", fmt.Errorf("%w: %s", domain.ErrCapabilityNotFound, capability)
	}
}

// resolve maps a user-supplied path into the sandbox, rejecting escapes
// via "..", absolute paths, or symlink-free traversal tricks.
func (p *FileProvider) resolve(rel string) (string, error) {
	full := filepath.Clean(filepath.Join(p.root, rel))
	if full != p.root && !strings.HasPrefix(full, p.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", domain.ErrPathOutsideSandbox, rel)
	}
	return full, nil
}

func (p *FileProvider) readFile(full string) (string, error) {
	info, err := os.Stat(full)
	if err != nil {
		return "", err
	}
	limit := int64(p.cfg.MaxReadKB) * 1024
	if info.Size() > limit {
		return "", fmt.Errorf("file is %d bytes, read limit is %d", info.Size(), limit)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (p *FileProvider) listDirectory(full, rel string) (string, error) {
	entries, err := os.ReadDir(full)
	if err != nil {
		return "", fmt.Errorf("list %s: %w", rel, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	out, err := json.Marshal(names)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
