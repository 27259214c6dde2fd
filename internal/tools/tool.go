package tools

import (
	"context"
	"encoding/json"
	"time"
)

// Tool is one executable capability exposed to the model.
type Tool interface {
	// Name returns the unique identifier of the tool.
	Name() string

	// Description gives a short human readable summary.
	Description() string

	// Schema describes the tool input as a JSON Schema object.
	Schema() map[string]any

	// Capabilities returns coarse tags ("read", "write", "execute")
	// that approval policies can key on.
	Capabilities() []string

	// RequiresApproval reports whether an approver must confirm each
	// invocation before it runs.
	RequiresApproval() bool

	// Execute runs the tool. input is the raw JSON object produced by
	// the model.
	Execute(ctx context.Context, input json.RawMessage, execCtx *ExecContext) (*Result, error)
}

// ExecContext carries per-invocation environment for a tool run.
type ExecContext struct {
	SessionID   string
	WorkingDir  string
	AutoApprove bool
	ReadOnly    bool
	Timeout     time.Duration

	// Unrestricted lifts the working-directory confinement for file
	// tools, letting absolute paths reach outside the workspace.
	Unrestricted bool
}

// Result captures the outcome of a tool invocation.
type Result struct {
	Success bool
	Output  string
	Error   string
}

// Ok builds a successful result.
func Ok(output string) *Result {
	return &Result{Success: true, Output: output}
}

// Fail builds a failed result with a model-visible error message.
func Fail(message string) *Result {
	return &Result{Success: false, Error: message}
}

// Text returns the string that should be sent back to the model.
func (r *Result) Text() string {
	if r == nil {
		return ""
	}
	if !r.Success && r.Error != "" {
		return r.Error
	}
	return r.Output
}

func objectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
