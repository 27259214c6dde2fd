package agent

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"mime"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/howardleegeek/opencrabs-sub001/internal/llm"
	"github.com/howardleegeek/opencrabs-sub001/internal/memory"
	"github.com/howardleegeek/opencrabs-sub001/internal/store"
	"github.com/howardleegeek/opencrabs-sub001/internal/tools"
)

const (
	defaultMaxIterations = 10
	defaultMaxTokens     = 8192
	defaultWindow        = 200_000
)

// Progress is a fire-and-forget sink for turn activity. Implementations
// must not block; all methods may be called from the turn's goroutine.
type Progress interface {
	OnThinking()
	OnToolStart(name string, input string)
	OnToolComplete(name string, success bool, summary string)
	OnIntermediateText(text string)
	OnTextChunk(chunk string)
	OnCompactionStart(reason string)
	OnCompactionSummary(summary string)
}

// QueuePoller checks for a queued follow-up from the user without
// blocking. ok is false when nothing is queued.
type QueuePoller interface {
	Poll(ctx context.Context, sessionID string) (text string, ok bool, err error)
}

// Reply is the result of one completed turn.
type Reply struct {
	Text       string
	StopReason llm.StopReason
	Usage      llm.TokenUsage
	Cost       float64
	Model      string
	Cancelled  bool
}

// Service drives the tool-execution loop for one session at a time.
// The caller enforces single-writer discipline per session.
type Service struct {
	provider llm.Provider
	store    *store.Store
	registry *tools.Registry
	memory   *memory.Store

	approver Approver
	progress Progress
	queue    QueuePoller

	model         string
	brain         string
	workDir       string
	maxTokens     int
	maxIterations int
	autoApprove   bool
	execTimeout   time.Duration
	unrestricted  bool
}

// NewService wires the orchestrator to its collaborators.
func NewService(provider llm.Provider, st *store.Store, registry *tools.Registry) *Service {
	return &Service{
		provider:      provider,
		store:         st,
		registry:      registry,
		model:         provider.DefaultModel(),
		maxTokens:     defaultMaxTokens,
		maxIterations: defaultMaxIterations,
	}
}

func (s *Service) WithModel(model string) *Service {
	if strings.TrimSpace(model) != "" {
		s.model = model
	}
	return s
}

func (s *Service) WithBrain(brain string) *Service {
	s.brain = brain
	return s
}

func (s *Service) WithWorkDir(dir string) *Service {
	s.workDir = dir
	return s
}

func (s *Service) WithMemory(m *memory.Store) *Service {
	s.memory = m
	return s
}

func (s *Service) WithApprover(a Approver) *Service {
	s.approver = a
	return s
}

func (s *Service) WithProgress(p Progress) *Service {
	s.progress = p
	return s
}

func (s *Service) WithQueuePoller(q QueuePoller) *Service {
	s.queue = q
	return s
}

func (s *Service) WithAutoApprove(v bool) *Service {
	s.autoApprove = v
	return s
}

func (s *Service) WithMaxIterations(n int) *Service {
	if n > 0 {
		s.maxIterations = n
	}
	return s
}

func (s *Service) WithMaxTokens(n int) *Service {
	if n > 0 {
		s.maxTokens = n
	}
	return s
}

// WithExecTimeout sets the default timeout for command-running tools.
func (s *Service) WithExecTimeout(d time.Duration) *Service {
	if d > 0 {
		s.execTimeout = d
	}
	return s
}

// WithUnrestrictedPaths lifts the workspace confinement for file tools.
func (s *Service) WithUnrestrictedPaths(v bool) *Service {
	s.unrestricted = v
	return s
}

// Model returns the model id this service calls.
func (s *Service) Model() string { return s.model }

// SendMessage runs one turn with the registry's full tool set.
func (s *Service) SendMessage(ctx context.Context, sessionID, text string) (*Reply, error) {
	var defs []llm.ToolDefinition
	if s.registry != nil && s.registry.Count() > 0 {
		defs = s.registry.Definitions()
	}
	return s.SendMessageWithTools(ctx, sessionID, text, defs)
}

// SendMessageWithTools runs one turn: user text in, bounded sequence of
// model calls and tool executions, one assistant reply out.
func (s *Service) SendMessageWithTools(ctx context.Context, sessionID, text string, defs []llm.ToolDefinition) (*Reply, error) {
	return s.run(ctx, sessionID, s.expandImages(text), defs)
}

// SendMessageBlocks runs one turn with extra content blocks, such as
// images received from a chat channel, attached to the user message.
func (s *Service) SendMessageBlocks(ctx context.Context, sessionID, text string, blocks []llm.ContentBlock) (*Reply, error) {
	userMsg := s.expandImages(text)
	userMsg.Content = append(dropEmptyText(userMsg.Content), blocks...)

	var defs []llm.ToolDefinition
	if s.registry != nil && s.registry.Count() > 0 {
		defs = s.registry.Definitions()
	}
	return s.run(ctx, sessionID, userMsg, defs)
}

func (s *Service) run(ctx context.Context, sessionID string, userMsg llm.Message, defs []llm.ToolDefinition) (*Reply, error) {
	session, err := s.store.GetSession(sessionID)
	if err != nil {
		return nil, &SessionNotFoundError{SessionID: sessionID}
	}

	model := s.model
	if session.Model != "" {
		model = session.Model
	}
	window, ok := s.provider.ContextWindow(model)
	if !ok {
		window = defaultWindow
	}

	brain := s.buildBrain()
	history, err := s.loadHistory(sessionID)
	if err != nil {
		return nil, err
	}
	trimmed := TrimHistory(history, window, len(defs), len(brain))
	convCtx := NewContext(brain, trimmed, window)

	convCtx.Add(userMsg)
	// Persisted immediately so the user's message survives a failed
	// turn.
	if _, err := s.store.CreateMessage(sessionID, userMsg, llm.TokenUsage{}); err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}

	if convCtx.EffectiveUsage(len(defs)) > compactionTrigger {
		if err := s.compact(ctx, convCtx, "budget threshold"); err != nil {
			log.Printf("[agent] compaction failed, continuing uncompacted: %v", err)
		}
	}

	detector := newLoopDetector()
	var (
		accumulated []string
		finalText   string
		usage       llm.TokenUsage
		stopReason  llm.StopReason
		gotResponse bool
	)

	finalize := func(cancelled bool) (*Reply, error) {
		cost := s.provider.CalculateCost(model, usage.InputTokens, usage.OutputTokens)
		reply := &Reply{
			Text:       finalText,
			StopReason: stopReason,
			Usage:      usage,
			Cost:       cost,
			Model:      model,
			Cancelled:  cancelled,
		}
		if cancelled {
			// Partial progress is discarded, not half-written.
			return reply, nil
		}
		if !gotResponse {
			return nil, ErrNoFinalResponse
		}
		full := strings.TrimSpace(strings.Join(accumulated, "\n\n"))
		if full != "" {
			if _, err := s.store.CreateMessage(sessionID, llm.AssistantMessage(full), usage); err != nil {
				return nil, fmt.Errorf("persist assistant message: %w", err)
			}
		}
		if err := s.store.UpdateSessionUsage(sessionID, usage, cost); err != nil {
			return nil, fmt.Errorf("update session usage: %w", err)
		}
		return reply, nil
	}

	for iteration := 0; iteration < s.maxIterations; iteration++ {
		if ctx.Err() != nil {
			return finalize(true)
		}

		s.progressThinking()
		resp, err := s.modelCall(ctx, convCtx, model, defs)
		if err != nil {
			return nil, err
		}
		if ctx.Err() != nil {
			return finalize(true)
		}
		gotResponse = true
		usage.Add(resp.Usage)
		stopReason = resp.StopReason

		iterText, toolUses := splitResponse(resp.Content)
		if iterText != "" {
			accumulated = append(accumulated, iterText)
			finalText = iterText
		}

		if len(toolUses) == 0 {
			return finalize(false)
		}

		// UI ordering: this iteration's text first, then tool
		// activity.
		if iterText != "" {
			s.progressIntermediate(iterText)
		}

		if detector.Record(toolUses) {
			log.Printf("[agent] tool loop detected after %d iterations, finalizing", iteration+1)
			return finalize(false)
		}

		results, cancelled := s.executeBatch(ctx, toolUses)
		if cancelled {
			return finalize(true)
		}
		accumulated = append(accumulated, formatToolSummary(toolUses))

		assistantMsg := llm.Message{Role: llm.RoleAssistant, Content: dropEmptyText(resp.Content)}
		convCtx.Add(assistantMsg)
		convCtx.Add(llm.Message{Role: llm.RoleUser, Content: results})

		if queued, ok := s.pollQueue(ctx, sessionID); ok {
			queuedMsg := llm.UserMessage(queued)
			convCtx.Add(queuedMsg)
			if _, err := s.store.CreateMessage(sessionID, queuedMsg, llm.TokenUsage{}); err != nil {
				return nil, fmt.Errorf("persist queued message: %w", err)
			}
		}
	}

	return nil, fmt.Errorf("%w after %d iterations", ErrMaxIterations, s.maxIterations)
}

// modelCall streams one completion through the accumulator. A prompt
// rejected for size triggers one emergency compaction and retry.
func (s *Service) modelCall(ctx context.Context, convCtx *Context, model string, defs []llm.ToolDefinition) (*llm.Response, error) {
	resp, err := s.streamOnce(ctx, convCtx, model, defs)
	if err == nil || !llm.IsPromptTooLong(err) {
		return resp, err
	}

	if cErr := s.compact(ctx, convCtx, "prompt too long"); cErr != nil {
		log.Printf("[agent] emergency compaction failed: %v", cErr)
		return nil, err
	}
	return s.streamOnce(ctx, convCtx, model, defs)
}

func (s *Service) streamOnce(ctx context.Context, convCtx *Context, model string, defs []llm.ToolDefinition) (*llm.Response, error) {
	req := llm.Request{
		Model:     model,
		Messages:  convCtx.Messages,
		System:    convCtx.Brain,
		MaxTokens: s.maxTokens,
		Tools:     defs,
	}.WithStreaming()

	events, err := s.provider.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return Accumulate(ctx, events, s.progressChunk)
}

// executeBatch runs one iteration's tool calls sequentially, producing
// exactly one result block per invocation, in invocation order.
// cancelled is true when the shared signal tripped mid-batch.
func (s *Service) executeBatch(ctx context.Context, toolUses []llm.ContentBlock) ([]llm.ContentBlock, bool) {
	results := make([]llm.ContentBlock, 0, len(toolUses))
	for _, call := range toolUses {
		if ctx.Err() != nil {
			return results, true
		}

		s.progressToolStart(call.Name, string(call.Input))
		result := s.executeOne(ctx, call)
		s.progressToolComplete(call.Name, result.Success, summarizeOutput(result.Text()))
		results = append(results, llm.NewToolResultBlock(call.ID, result.Text(), !result.Success))
	}
	return results, false
}

func (s *Service) executeOne(ctx context.Context, call llm.ContentBlock) *tools.Result {
	if s.registry == nil {
		return tools.Fail(fmt.Sprintf("tool %s not found", call.Name))
	}
	tool, err := s.registry.Get(call.Name)
	if err != nil {
		return tools.Fail(err.Error())
	}
	if denied := s.resolveApproval(ctx, tool, call.Input, false); denied != nil {
		return denied
	}
	return s.registry.Execute(ctx, call.Name, call.Input, &tools.ExecContext{
		WorkingDir:   s.workDir,
		AutoApprove:  s.autoApprove,
		Timeout:      s.execTimeout,
		Unrestricted: s.unrestricted,
	})
}

func (s *Service) pollQueue(ctx context.Context, sessionID string) (string, bool) {
	if s.queue == nil {
		return "", false
	}
	text, ok, err := s.queue.Poll(ctx, sessionID)
	if err != nil {
		log.Printf("[agent] queue poll failed: %v", err)
		return "", false
	}
	if !ok || strings.TrimSpace(text) == "" {
		return "", false
	}
	return text, true
}

func (s *Service) loadHistory(sessionID string) ([]llm.Message, error) {
	stored, err := s.store.ListMessages(sessionID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	history := make([]llm.Message, 0, len(stored))
	for _, msg := range stored {
		history = append(history, llm.Message{Role: msg.Role, Content: msg.Content})
	}
	return history, nil
}

func (s *Service) buildBrain() string {
	brain := strings.TrimSpace(s.brain)
	if s.memory == nil {
		return brain
	}
	memCtx, err := s.memory.MemoryContext(nowFunc(), 2)
	if err != nil {
		log.Printf("[agent] memory context unavailable: %v", err)
		return brain
	}
	if memCtx == "" {
		return brain
	}
	if brain == "" {
		return memCtx
	}
	return brain + "\n\n" + memCtx
}

// splitResponse separates a response into its concatenated text and
// its ordered tool invocations.
func splitResponse(content []llm.ContentBlock) (string, []llm.ContentBlock) {
	var texts []string
	var toolUses []llm.ContentBlock
	for _, block := range content {
		switch block.Type {
		case llm.BlockText:
			if strings.TrimSpace(block.Text) != "" {
				texts = append(texts, block.Text)
			}
		case llm.BlockToolUse:
			toolUses = append(toolUses, block)
		}
	}
	return strings.Join(texts, "\n\n"), toolUses
}

func dropEmptyText(content []llm.ContentBlock) []llm.ContentBlock {
	out := make([]llm.ContentBlock, 0, len(content))
	for _, block := range content {
		if block.Type == llm.BlockText && strings.TrimSpace(block.Text) == "" {
			continue
		}
		out = append(out, block)
	}
	return out
}

// formatToolSummary records which tools ran inside the persisted
// transcript, so a resumed session can see the activity without the
// raw results.
func formatToolSummary(toolUses []llm.ContentBlock) string {
	names := make([]string, 0, len(toolUses))
	for _, call := range toolUses {
		names = append(names, call.Name)
	}
	return "<!-- tools: " + strings.Join(names, ", ") + " -->"
}

func summarizeOutput(output string) string {
	output = strings.TrimSpace(output)
	if idx := strings.IndexByte(output, '\n'); idx >= 0 {
		output = output[:idx]
	}
	const max = 120
	if len(output) > max {
		output = output[:max] + "..."
	}
	return output
}

var imgMarker = regexp.MustCompile(`<<IMG:([^>]+)>>`)

// expandImages turns <<IMG:path>> markers in user text into inline
// image blocks. Unreadable paths stay in the text untouched.
func (s *Service) expandImages(text string) llm.Message {
	matches := imgMarker.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return llm.UserMessage(text)
	}

	var blocks []llm.ContentBlock
	last := 0
	for _, m := range matches {
		before := text[last:m[0]]
		if strings.TrimSpace(before) != "" {
			blocks = append(blocks, llm.NewTextBlock(before))
		}
		path := text[m[2]:m[3]]
		if block, ok := s.loadImage(path); ok {
			blocks = append(blocks, block)
		} else {
			blocks = append(blocks, llm.NewTextBlock(text[m[0]:m[1]]))
		}
		last = m[1]
	}
	if rest := text[last:]; strings.TrimSpace(rest) != "" {
		blocks = append(blocks, llm.NewTextBlock(rest))
	}
	if len(blocks) == 0 {
		return llm.UserMessage(text)
	}
	return llm.Message{Role: llm.RoleUser, Content: blocks}
}

func (s *Service) loadImage(path string) (llm.ContentBlock, bool) {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return llm.NewImageURLBlock(path), true
	}
	if !filepath.IsAbs(path) && s.workDir != "" {
		path = filepath.Join(s.workDir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[agent] cannot read image %s: %v", path, err)
		return llm.ContentBlock{}, false
	}
	mediaType := mime.TypeByExtension(filepath.Ext(path))
	if mediaType == "" {
		mediaType = "image/png"
	}
	return llm.NewImageBlock(mediaType, base64.StdEncoding.EncodeToString(data)), true
}

// Progress helpers tolerate a nil sink.

func (s *Service) progressThinking() {
	if s.progress != nil {
		s.progress.OnThinking()
	}
}

func (s *Service) progressChunk(chunk string) {
	if s.progress != nil {
		s.progress.OnTextChunk(chunk)
	}
}

func (s *Service) progressIntermediate(text string) {
	if s.progress != nil {
		s.progress.OnIntermediateText(text)
	}
}

func (s *Service) progressToolStart(name, input string) {
	if s.progress != nil {
		s.progress.OnToolStart(name, input)
	}
}

func (s *Service) progressToolComplete(name string, success bool, summary string) {
	if s.progress != nil {
		s.progress.OnToolComplete(name, success, summary)
	}
}

func (s *Service) progressCompactionStart(reason string) {
	if s.progress != nil {
		s.progress.OnCompactionStart(reason)
	}
}

func (s *Service) progressCompactionSummary(summary string) {
	if s.progress != nil {
		s.progress.OnCompactionSummary(summary)
	}
}
