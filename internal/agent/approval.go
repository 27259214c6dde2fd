package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/howardleegeek/opencrabs-sub001/internal/tools"
)

// ApprovalRequest describes one tool invocation awaiting a decision.
type ApprovalRequest struct {
	ToolName     string
	Description  string
	Input        json.RawMessage
	Capabilities []string
}

// Approver resolves approval requests, typically by asking the user.
// Approve blocks until a decision arrives or ctx is cancelled.
type Approver interface {
	Approve(ctx context.Context, req ApprovalRequest) (bool, error)
}

// ApproverFunc adapts a function to the Approver interface.
type ApproverFunc func(ctx context.Context, req ApprovalRequest) (bool, error)

func (f ApproverFunc) Approve(ctx context.Context, req ApprovalRequest) (bool, error) {
	return f(ctx, req)
}

const deniedMessage = "Tool execution denied by user"

// resolveApproval runs the approval policy for one invocation. A nil
// return means execution may proceed; otherwise the returned result is
// the error-flagged tool result to feed back to the model. Denial is
// data, not an error, so the batch keeps going.
func (s *Service) resolveApproval(ctx context.Context, tool tools.Tool, input json.RawMessage, autoApprove bool) *tools.Result {
	if autoApprove || s.autoApprove || !tool.RequiresApproval() {
		return nil
	}
	if s.approver == nil {
		return tools.Fail(fmt.Sprintf("Tool %s requires approval but no approver is configured", tool.Name()))
	}

	approved, err := s.approver.Approve(ctx, ApprovalRequest{
		ToolName:     tool.Name(),
		Description:  tool.Description(),
		Input:        input,
		Capabilities: tool.Capabilities(),
	})
	if err != nil {
		return tools.Fail(fmt.Sprintf("Approval failed: %v", err))
	}
	if !approved {
		return tools.Fail(deniedMessage)
	}
	return nil
}
