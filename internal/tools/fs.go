package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const maxReadBytes = 256 * 1024

// resolvePath anchors a model-supplied path under root and rejects
// escapes. An absolute path is allowed only when it stays inside root.
func resolvePath(root, path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is empty")
	}
	if root == "" {
		root = "."
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}

	target := path
	if !filepath.IsAbs(target) {
		target = filepath.Join(absRoot, target)
	}
	target = filepath.Clean(target)

	rel, err := filepath.Rel(absRoot, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s is outside the working directory", path)
	}
	return target, nil
}

// toolPath resolves a model-supplied path against the invocation's
// working directory, honoring the confinement policy.
func toolPath(execCtx *ExecContext, root, path string) (string, error) {
	if execCtx.WorkingDir != "" {
		root = execCtx.WorkingDir
	}
	if execCtx.Unrestricted && filepath.IsAbs(path) {
		return filepath.Clean(path), nil
	}
	return resolvePath(root, path)
}

// ReadFileTool reads text files inside the working directory.
type ReadFileTool struct {
	root string
}

func NewReadFileTool(root string) *ReadFileTool { return &ReadFileTool{root: root} }

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Description() string {
	return "Read a text file from the working directory. Returns at most 256KB of content."
}

func (t *ReadFileTool) Schema() map[string]any {
	return objectSchema(map[string]any{
		"path": map[string]any{
			"type":        "string",
			"description": "Path of the file to read, relative to the working directory",
		},
	}, "path")
}

func (t *ReadFileTool) RequiresApproval() bool { return false }

func (t *ReadFileTool) Capabilities() []string { return []string{"read"} }

func (t *ReadFileTool) Execute(ctx context.Context, input json.RawMessage, execCtx *ExecContext) (*Result, error) {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return Fail(fmt.Sprintf("invalid input: %v", err)), nil
	}

	path, err := toolPath(execCtx, t.root, params.Path)
	if err != nil {
		return Fail(err.Error()), nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return Fail(fmt.Sprintf("cannot read %s: %v", params.Path, err)), nil
	}
	if info.IsDir() {
		return Fail(fmt.Sprintf("%s is a directory, use ls", params.Path)), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Fail(fmt.Sprintf("cannot read %s: %v", params.Path, err)), nil
	}
	if len(data) > maxReadBytes {
		data = data[:maxReadBytes]
		return Ok(string(data) + "\n[truncated]"), nil
	}
	return Ok(string(data)), nil
}

// WriteFileTool writes files inside the working directory, creating
// parent directories as needed.
type WriteFileTool struct {
	root string
}

func NewWriteFileTool(root string) *WriteFileTool { return &WriteFileTool{root: root} }

func (t *WriteFileTool) Name() string { return "write_file" }

func (t *WriteFileTool) Description() string {
	return "Write content to a file in the working directory, replacing any existing content."
}

func (t *WriteFileTool) Schema() map[string]any {
	return objectSchema(map[string]any{
		"path": map[string]any{
			"type":        "string",
			"description": "Path of the file to write, relative to the working directory",
		},
		"content": map[string]any{
			"type":        "string",
			"description": "Full content of the file",
		},
	}, "path", "content")
}

func (t *WriteFileTool) RequiresApproval() bool { return true }

func (t *WriteFileTool) Capabilities() []string { return []string{"write"} }

func (t *WriteFileTool) Execute(ctx context.Context, input json.RawMessage, execCtx *ExecContext) (*Result, error) {
	var params struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return Fail(fmt.Sprintf("invalid input: %v", err)), nil
	}
	if execCtx.ReadOnly {
		return Fail("session is read-only, write_file is disabled"), nil
	}

	path, err := toolPath(execCtx, t.root, params.Path)
	if err != nil {
		return Fail(err.Error()), nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Fail(fmt.Sprintf("cannot create parent directory: %v", err)), nil
	}
	if err := os.WriteFile(path, []byte(params.Content), 0o644); err != nil {
		return Fail(fmt.Sprintf("cannot write %s: %v", params.Path, err)), nil
	}
	return Ok(fmt.Sprintf("wrote %d bytes to %s", len(params.Content), params.Path)), nil
}

// ListDirTool lists a directory inside the working directory.
type ListDirTool struct {
	root string
}

func NewListDirTool(root string) *ListDirTool { return &ListDirTool{root: root} }

func (t *ListDirTool) Name() string { return "ls" }

func (t *ListDirTool) Description() string {
	return "List the entries of a directory in the working directory. Directories are suffixed with /."
}

func (t *ListDirTool) Schema() map[string]any {
	return objectSchema(map[string]any{
		"path": map[string]any{
			"type":        "string",
			"description": "Directory to list, relative to the working directory. Defaults to the working directory itself.",
		},
	})
}

func (t *ListDirTool) RequiresApproval() bool { return false }

func (t *ListDirTool) Capabilities() []string { return []string{"read"} }

func (t *ListDirTool) Execute(ctx context.Context, input json.RawMessage, execCtx *ExecContext) (*Result, error) {
	var params struct {
		Path string `json:"path"`
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &params); err != nil {
			return Fail(fmt.Sprintf("invalid input: %v", err)), nil
		}
	}
	if params.Path == "" {
		params.Path = "."
	}

	path, err := toolPath(execCtx, t.root, params.Path)
	if err != nil {
		return Fail(err.Error()), nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return Fail(fmt.Sprintf("cannot list %s: %v", params.Path, err)), nil
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return Ok("(empty directory)"), nil
	}
	return Ok(strings.Join(names, "\n")), nil
}
