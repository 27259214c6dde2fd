package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/howardleegeek/opencrabs-sub001/internal/llm"
)

// Registry keeps the mapping between tool names and implementations.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// NewDefaultRegistry creates a registry with the builtin tools rooted
// at workDir.
func NewDefaultRegistry(workDir string) *Registry {
	r := NewRegistry()
	_ = r.Register(NewReadFileTool(workDir))
	_ = r.Register(NewWriteFileTool(workDir))
	_ = r.Register(NewListDirTool(workDir))
	_ = r.Register(NewBashTool(workDir))
	return r
}

// Register inserts a tool when its name is not in use.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("tool is nil")
	}
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = tool
	return nil
}

// Get fetches a tool by name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, exists := r.tools[name]
	if !exists {
		return nil, fmt.Errorf("tool %s not found", name)
	}
	return tool, nil
}

// Count reports how many tools are registered.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Definitions produces the model-facing tool definitions in stable
// name order.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]llm.ToolDefinition, 0, len(names))
	for _, name := range names {
		tool := r.tools[name]
		defs = append(defs, llm.ToolDefinition{
			Name:        tool.Name(),
			Description: tool.Description(),
			InputSchema: tool.Schema(),
		})
	}
	return defs
}

// Execute runs a registered tool. A missing tool or a tool error is
// reported as a failed Result rather than an error so a batch can keep
// going.
func (r *Registry) Execute(ctx context.Context, name string, input json.RawMessage, execCtx *ExecContext) *Result {
	tool, err := r.Get(name)
	if err != nil {
		return Fail(err.Error())
	}
	if execCtx == nil {
		execCtx = &ExecContext{}
	}
	if err := validateRequired(tool.Schema(), input); err != nil {
		return Fail(err.Error())
	}

	result, err := tool.Execute(ctx, input, execCtx)
	if err != nil {
		return Fail(fmt.Sprintf("tool %s failed: %v", name, err))
	}
	if result == nil {
		return Ok("")
	}
	return result
}

// validateRequired checks that the input carries every field the
// tool's schema marks required.
func validateRequired(schema map[string]any, input json.RawMessage) error {
	required, ok := schema["required"].([]string)
	if !ok || len(required) == 0 {
		return nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(input, &fields); err != nil {
		return fmt.Errorf("invalid input: %v", err)
	}
	for _, name := range required {
		if _, present := fields[name]; !present {
			return fmt.Errorf("missing required field %q", name)
		}
	}
	return nil
}
