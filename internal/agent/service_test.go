package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howardleegeek/opencrabs-sub001/internal/llm"
	"github.com/howardleegeek/opencrabs-sub001/internal/store"
	"github.com/howardleegeek/opencrabs-sub001/internal/tools"
)

// scriptedProvider replays canned responses. Streamed responses are
// synthesized into the full event sequence so the accumulator path is
// exercised end to end.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*llm.Response
	summaries []*llm.Response
	requests  []llm.Request
	completes []llm.Request
	window    int
	streamErr error
}

func newScriptedProvider(responses ...*llm.Response) *scriptedProvider {
	return &scriptedProvider{responses: responses, window: 200_000}
}

func (p *scriptedProvider) Name() string              { return "scripted" }
func (p *scriptedProvider) DefaultModel() string      { return "scripted-model" }
func (p *scriptedProvider) SupportedModels() []string { return []string{"scripted-model"} }

func (p *scriptedProvider) ContextWindow(model string) (int, bool) {
	if p.window <= 0 {
		return 0, false
	}
	return p.window, true
}

func (p *scriptedProvider) CalculateCost(model string, in, out int) float64 {
	return float64(in)*3e-6 + float64(out)*15e-6
}

func (p *scriptedProvider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completes = append(p.completes, req)
	if len(p.summaries) == 0 {
		return &llm.Response{Content: []llm.ContentBlock{llm.NewTextBlock("## Current Task\nsummary")}}, nil
	}
	resp := p.summaries[0]
	p.summaries = p.summaries[1:]
	return resp, nil
}

func (p *scriptedProvider) Stream(ctx context.Context, req llm.Request) (<-chan llm.StreamEvent, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	if p.streamErr != nil {
		err := p.streamErr
		p.streamErr = nil
		p.mu.Unlock()
		return nil, err
	}
	if len(p.responses) == 0 {
		p.mu.Unlock()
		return nil, errors.New("scripted provider exhausted")
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	p.mu.Unlock()

	ch := make(chan llm.StreamEvent, 32)
	go func() {
		defer close(ch)
		ch <- llm.StreamEvent{Type: llm.EventMessageStart, ID: resp.ID, Model: resp.Model, Usage: &llm.TokenUsage{InputTokens: resp.Usage.InputTokens}}
		for i, block := range resp.Content {
			switch block.Type {
			case llm.BlockText:
				b := llm.NewTextBlock("")
				ch <- llm.StreamEvent{Type: llm.EventContentBlockStart, Index: i, Block: &b}
				ch <- llm.StreamEvent{Type: llm.EventContentBlockDelta, Index: i, Delta: &llm.Delta{Text: block.Text}}
			case llm.BlockToolUse:
				b := llm.NewToolUseBlock(block.ID, block.Name, nil)
				ch <- llm.StreamEvent{Type: llm.EventContentBlockStart, Index: i, Block: &b}
				ch <- llm.StreamEvent{Type: llm.EventContentBlockDelta, Index: i, Delta: &llm.Delta{PartialJSON: string(block.Input)}}
			}
			ch <- llm.StreamEvent{Type: llm.EventContentBlockStop, Index: i}
		}
		ch <- llm.StreamEvent{Type: llm.EventMessageDelta, StopReason: resp.StopReason, Usage: &llm.TokenUsage{OutputTokens: resp.Usage.OutputTokens}}
		ch <- llm.StreamEvent{Type: llm.EventMessageStop}
	}()
	return ch, nil
}

// stubTool is a scriptable tool implementation.
type stubTool struct {
	name      string
	approval  bool
	caps      []string
	execute   func(input json.RawMessage) (*tools.Result, error)
	callCount int
}

func (t *stubTool) Name() string           { return t.name }
func (t *stubTool) Description() string    { return "stub tool " + t.name }
func (t *stubTool) Schema() map[string]any { return map[string]any{"type": "object"} }
func (t *stubTool) RequiresApproval() bool { return t.approval }
func (t *stubTool) Capabilities() []string { return t.caps }

func (t *stubTool) Execute(ctx context.Context, input json.RawMessage, execCtx *tools.ExecContext) (*tools.Result, error) {
	t.callCount++
	if t.execute != nil {
		return t.execute(input)
	}
	return tools.Ok("done"), nil
}

// progressRecorder captures the ordered event stream.
type progressRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *progressRecorder) add(ev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *progressRecorder) OnThinking()                        { r.add("thinking") }
func (r *progressRecorder) OnToolStart(name, input string)     { r.add("tool_start:" + name) }
func (r *progressRecorder) OnIntermediateText(text string)     { r.add("intermediate:" + text) }
func (r *progressRecorder) OnTextChunk(chunk string)           { r.add("chunk") }
func (r *progressRecorder) OnCompactionStart(reason string)    { r.add("compaction_start:" + reason) }
func (r *progressRecorder) OnCompactionSummary(summary string) { r.add("compaction_summary") }

func (r *progressRecorder) OnToolComplete(name string, success bool, summary string) {
	r.add(fmt.Sprintf("tool_complete:%s:%v", name, success))
}

func textResponse(text string, in, out int) *llm.Response {
	return &llm.Response{
		ID:         "msg",
		Model:      "scripted-model",
		Content:    []llm.ContentBlock{llm.NewTextBlock(text)},
		StopReason: llm.StopEndTurn,
		Usage:      llm.TokenUsage{InputTokens: in, OutputTokens: out},
	}
}

func toolResponse(text, id, name, input string, in, out int) *llm.Response {
	content := []llm.ContentBlock{}
	if text != "" {
		content = append(content, llm.NewTextBlock(text))
	}
	content = append(content, llm.NewToolUseBlock(id, name, json.RawMessage(input)))
	return &llm.Response{
		ID:         "msg",
		Model:      "scripted-model",
		Content:    content,
		StopReason: llm.StopToolUse,
		Usage:      llm.TokenUsage{InputTokens: in, OutputTokens: out},
	}
}

func newTestService(t *testing.T, provider llm.Provider, toolset ...tools.Tool) (*Service, *store.Store, string) {
	t.Helper()
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	registry := tools.NewRegistry()
	for _, tool := range toolset {
		require.NoError(t, registry.Register(tool))
	}

	session, err := st.CreateSession("test", "")
	require.NoError(t, err)

	svc := NewService(provider, st, registry).WithAutoApprove(true)
	return svc, st, session.ID
}

func TestTurnWithOneToolCall(t *testing.T) {
	provider := newScriptedProvider(
		toolResponse("Running the test tool.", "tu_1", "test_tool", `{"message":"test"}`, 100, 20),
		textResponse("Tool execution completed successfully.", 150, 10),
	)
	testTool := &stubTool{name: "test_tool", execute: func(input json.RawMessage) (*tools.Result, error) {
		return tools.Ok("tool output"), nil
	}}
	svc, st, sessionID := newTestService(t, provider, testTool)

	reply, err := svc.SendMessage(context.Background(), sessionID, "Use the test tool")
	require.NoError(t, err)

	assert.Equal(t, "Tool execution completed successfully.", reply.Text)
	assert.Equal(t, 250, reply.Usage.InputTokens)
	assert.Equal(t, 30, reply.Usage.OutputTokens)
	assert.Equal(t, 1, testTool.callCount)

	// The second request must carry the tool result linked to tu_1.
	require.Len(t, provider.requests, 2)
	second := provider.requests[1]
	last := second.Messages[len(second.Messages)-1]
	require.Equal(t, llm.RoleUser, last.Role)
	require.Len(t, last.Content, 1)
	assert.Equal(t, llm.BlockToolResult, last.Content[0].Type)
	assert.Equal(t, "tu_1", last.Content[0].ToolUseID)
	assert.False(t, last.Content[0].IsError)

	// Persisted transcript: user message plus one assistant message
	// carrying the accumulated text.
	msgs, err := st.ListMessages(sessionID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, llm.RoleAssistant, msgs[1].Role)
	text := msgs[1].Content[0].Text
	assert.Contains(t, text, "Running the test tool.")
	assert.Contains(t, text, "<!-- tools: test_tool -->")
	assert.Contains(t, text, "Tool execution completed successfully.")
}

func TestToolResultsPreserveOrderAndIDs(t *testing.T) {
	first := &llm.Response{
		ID:    "msg",
		Model: "scripted-model",
		Content: []llm.ContentBlock{
			llm.NewToolUseBlock("tu_a", "alpha", json.RawMessage(`{}`)),
			llm.NewToolUseBlock("tu_b", "beta", json.RawMessage(`{}`)),
			llm.NewToolUseBlock("tu_c", "alpha", json.RawMessage(`{"n":2}`)),
		},
		StopReason: llm.StopToolUse,
	}
	provider := newScriptedProvider(first, textResponse("done", 0, 0))
	svc, _, sessionID := newTestService(t, provider,
		&stubTool{name: "alpha"},
		&stubTool{name: "beta", execute: func(json.RawMessage) (*tools.Result, error) {
			return nil, errors.New("beta exploded")
		}},
	)

	_, err := svc.SendMessage(context.Background(), sessionID, "go")
	require.NoError(t, err)

	second := provider.requests[1]
	results := second.Messages[len(second.Messages)-1].Content
	require.Len(t, results, 3)
	assert.Equal(t, []string{"tu_a", "tu_b", "tu_c"}, []string{results[0].ToolUseID, results[1].ToolUseID, results[2].ToolUseID})
	assert.False(t, results[0].IsError)
	assert.True(t, results[1].IsError, "tool error becomes an error-flagged result")
	assert.Contains(t, results[1].Content, "beta exploded")
	assert.False(t, results[2].IsError)
}

func TestApprovalDenialKeepsBatchGoing(t *testing.T) {
	first := &llm.Response{
		ID:    "msg",
		Model: "scripted-model",
		Content: []llm.ContentBlock{
			llm.NewToolUseBlock("tu_1", "guarded", json.RawMessage(`{}`)),
			llm.NewToolUseBlock("tu_2", "open", json.RawMessage(`{}`)),
		},
		StopReason: llm.StopToolUse,
	}
	provider := newScriptedProvider(first, textResponse("done", 0, 0))
	guarded := &stubTool{name: "guarded", approval: true, caps: []string{"execute"}}
	open := &stubTool{name: "open"}
	svc, _, sessionID := newTestService(t, provider, guarded, open)
	svc.WithAutoApprove(false).WithApprover(ApproverFunc(func(ctx context.Context, req ApprovalRequest) (bool, error) {
		assert.Equal(t, "guarded", req.ToolName)
		assert.Equal(t, []string{"execute"}, req.Capabilities)
		return false, nil
	}))

	_, err := svc.SendMessage(context.Background(), sessionID, "go")
	require.NoError(t, err)

	assert.Equal(t, 0, guarded.callCount, "denied tool must not run")
	assert.Equal(t, 1, open.callCount, "denial must not stop the batch")

	results := provider.requests[1].Messages[len(provider.requests[1].Messages)-1].Content
	assert.True(t, results[0].IsError)
	assert.Contains(t, results[0].Content, "denied")
}

func TestApprovalMissingResolverDenies(t *testing.T) {
	provider := newScriptedProvider(
		toolResponse("", "tu_1", "guarded", `{}`, 0, 0),
		textResponse("done", 0, 0),
	)
	guarded := &stubTool{name: "guarded", approval: true}
	svc, _, sessionID := newTestService(t, provider, guarded)
	svc.WithAutoApprove(false)

	_, err := svc.SendMessage(context.Background(), sessionID, "go")
	require.NoError(t, err)
	assert.Equal(t, 0, guarded.callCount)

	results := provider.requests[1].Messages[len(provider.requests[1].Messages)-1].Content
	assert.True(t, results[0].IsError)
	assert.Contains(t, results[0].Content, "no approver is configured")
}

func TestApprovalResolverFailureDenies(t *testing.T) {
	provider := newScriptedProvider(
		toolResponse("", "tu_1", "guarded", `{}`, 0, 0),
		textResponse("done", 0, 0),
	)
	guarded := &stubTool{name: "guarded", approval: true}
	svc, _, sessionID := newTestService(t, provider, guarded)
	svc.WithAutoApprove(false).WithApprover(ApproverFunc(func(ctx context.Context, req ApprovalRequest) (bool, error) {
		return false, errors.New("resolver transport down")
	}))

	_, err := svc.SendMessage(context.Background(), sessionID, "go")
	require.NoError(t, err)

	results := provider.requests[1].Messages[len(provider.requests[1].Messages)-1].Content
	assert.True(t, results[0].IsError)
	assert.Contains(t, results[0].Content, "resolver transport down")
}

func TestLoopDetectionFinalizesWithCurrentResponse(t *testing.T) {
	responses := make([]*llm.Response, 0, 4)
	for i := 0; i < 4; i++ {
		responses = append(responses, toolResponse("still writing", "tu_1", "writer", `{"path":"same.txt"}`, 0, 0))
	}
	provider := newScriptedProvider(responses...)
	tool := &stubTool{name: "writer"}
	svc, _, sessionID := newTestService(t, provider, tool)
	svc.WithMaxIterations(10)

	reply, err := svc.SendMessage(context.Background(), sessionID, "go")
	require.NoError(t, err, "loop detection resolves gracefully, not as an error")
	assert.Equal(t, "still writing", reply.Text)
	// Default-class tool trips at 3 consecutive batches, so the third
	// response's tools never execute.
	assert.Equal(t, 2, tool.callCount)
	assert.Len(t, provider.requests, 3)
}

func TestMaxIterationsSurfacesError(t *testing.T) {
	responses := make([]*llm.Response, 0, 6)
	for i := 0; i < 6; i++ {
		responses = append(responses, toolResponse("", "tu_1", "probe", fmt.Sprintf(`{"n":%d}`, i), 0, 0))
	}
	provider := newScriptedProvider(responses...)
	svc, _, sessionID := newTestService(t, provider, &stubTool{name: "probe"})
	svc.WithMaxIterations(3)

	_, err := svc.SendMessage(context.Background(), sessionID, "go")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMaxIterations)
}

func TestSessionNotFound(t *testing.T) {
	provider := newScriptedProvider(textResponse("hi", 0, 0))
	svc, _, _ := newTestService(t, provider)

	_, err := svc.SendMessage(context.Background(), "no-such-session", "hello")
	require.Error(t, err)
	var notFound *SessionNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestSendMessageBlocksAttachesImages(t *testing.T) {
	provider := newScriptedProvider(textResponse("I see it", 0, 0))
	svc, st, sessionID := newTestService(t, provider)

	image := llm.NewImageBlock("image/jpeg", "aGVsbG8=")
	reply, err := svc.SendMessageBlocks(context.Background(), sessionID, "what is this?", []llm.ContentBlock{image})
	require.NoError(t, err)
	assert.Equal(t, "I see it", reply.Text)

	require.Len(t, provider.requests, 1)
	sent := provider.requests[0].Messages
	require.NotEmpty(t, sent)
	user := sent[len(sent)-1]
	require.Len(t, user.Content, 2)
	assert.Equal(t, llm.BlockText, user.Content[0].Type)
	assert.Equal(t, llm.BlockImage, user.Content[1].Type)

	msgs, err := st.ListMessages(sessionID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Len(t, msgs[0].Content, 2, "image block persisted with the user message")
}

func TestCancellationReturnsWithoutPersistingAssistant(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	provider := newScriptedProvider(
		toolResponse("", "tu_1", "canceller", `{"n":1}`, 0, 0),
		toolResponse("", "tu_2", "canceller", `{"n":2}`, 0, 0),
		textResponse("never reached", 0, 0),
	)
	calls := 0
	canceller := &stubTool{name: "canceller", execute: func(json.RawMessage) (*tools.Result, error) {
		calls++
		if calls == 2 {
			cancel()
		}
		return tools.Ok("ok"), nil
	}}
	svc, st, sessionID := newTestService(t, provider, canceller)

	reply, err := svc.SendMessage(ctx, sessionID, "go")
	require.NoError(t, err, "cancellation is not an error")
	assert.True(t, reply.Cancelled)

	msgs, err := st.ListMessages(sessionID)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "only the user message is persisted")
	assert.Equal(t, llm.RoleUser, msgs[0].Role)
}

func TestQueuePollerInjectsFollowUp(t *testing.T) {
	provider := newScriptedProvider(
		toolResponse("", "tu_1", "probe", `{}`, 0, 0),
		textResponse("done", 0, 0),
	)
	svc, st, sessionID := newTestService(t, provider, &stubTool{name: "probe"})

	polled := false
	svc.WithQueuePoller(queuePollerFunc(func(ctx context.Context, sid string) (string, bool, error) {
		if polled {
			return "", false, nil
		}
		polled = true
		return "also check the README", true, nil
	}))

	_, err := svc.SendMessage(context.Background(), sessionID, "go")
	require.NoError(t, err)

	second := provider.requests[1]
	last := second.Messages[len(second.Messages)-1]
	assert.Equal(t, "also check the README", last.Content[0].Text)

	msgs, err := st.ListMessages(sessionID)
	require.NoError(t, err)
	// user + queued user + assistant
	require.Len(t, msgs, 3)
	assert.Equal(t, "also check the README", msgs[1].Content[0].Text)
}

type queuePollerFunc func(ctx context.Context, sessionID string) (string, bool, error)

func (f queuePollerFunc) Poll(ctx context.Context, sessionID string) (string, bool, error) {
	return f(ctx, sessionID)
}

func TestIntermediateTextPrecedesToolActivity(t *testing.T) {
	provider := newScriptedProvider(
		toolResponse("Let me look.", "tu_1", "probe", `{}`, 0, 0),
		textResponse("All good.", 0, 0),
	)
	recorder := &progressRecorder{}
	svc, _, sessionID := newTestService(t, provider, &stubTool{name: "probe"})
	svc.WithProgress(recorder)

	_, err := svc.SendMessage(context.Background(), sessionID, "go")
	require.NoError(t, err)

	interIdx, toolIdx := -1, -1
	for i, ev := range recorder.events {
		if ev == "intermediate:Let me look." && interIdx < 0 {
			interIdx = i
		}
		if ev == "tool_start:probe" && toolIdx < 0 {
			toolIdx = i
		}
	}
	require.GreaterOrEqual(t, interIdx, 0)
	require.GreaterOrEqual(t, toolIdx, 0)
	assert.Less(t, interIdx, toolIdx, "intermediate text must be emitted before tool activity")
}
