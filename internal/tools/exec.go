package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const (
	bashDefaultTimeout = 2 * time.Minute
	bashMaxTimeout     = 10 * time.Minute
	bashMaxOutput      = 64 * 1024
)

// BashTool runs shell commands in the working directory. Every
// invocation requires approval unless the session auto-approves.
type BashTool struct {
	root string
}

func NewBashTool(root string) *BashTool { return &BashTool{root: root} }

func (t *BashTool) Name() string { return "bash" }

func (t *BashTool) Description() string {
	return "Run a shell command in the working directory and return its combined output. " +
		"Long output is truncated. Commands are killed after the timeout."
}

func (t *BashTool) Schema() map[string]any {
	return objectSchema(map[string]any{
		"command": map[string]any{
			"type":        "string",
			"description": "The shell command to run",
		},
		"timeout_seconds": map[string]any{
			"type":        "number",
			"description": "Optional timeout in seconds, default 120, max 600",
		},
	}, "command")
}

func (t *BashTool) RequiresApproval() bool { return true }

func (t *BashTool) Capabilities() []string { return []string{"execute"} }

func (t *BashTool) Execute(ctx context.Context, input json.RawMessage, execCtx *ExecContext) (*Result, error) {
	var params struct {
		Command        string  `json:"command"`
		TimeoutSeconds float64 `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return Fail(fmt.Sprintf("invalid input: %v", err)), nil
	}
	if strings.TrimSpace(params.Command) == "" {
		return Fail("command is empty"), nil
	}
	if execCtx.ReadOnly {
		return Fail("session is read-only, bash is disabled"), nil
	}

	timeout := bashDefaultTimeout
	if execCtx.Timeout > 0 {
		timeout = execCtx.Timeout
	}
	if params.TimeoutSeconds > 0 {
		timeout = time.Duration(params.TimeoutSeconds * float64(time.Second))
	}
	if timeout > bashMaxTimeout {
		timeout = bashMaxTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "bash", "-c", params.Command)
	if execCtx.WorkingDir != "" {
		cmd.Dir = execCtx.WorkingDir
	} else if t.root != "" {
		cmd.Dir = t.root
	}

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	output := buf.String()
	if len(output) > bashMaxOutput {
		output = output[:bashMaxOutput] + "\n[truncated]"
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return Fail(fmt.Sprintf("command timed out after %s\n%s", timeout, output)), nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Fail(fmt.Sprintf("exit status %d\n%s", exitErr.ExitCode(), output)), nil
		}
		return Fail(fmt.Sprintf("command failed: %v", err)), nil
	}
	return Ok(output), nil
}
