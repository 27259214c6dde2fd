package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v5"
)

const defaultAnthropicModel = "claude-sonnet-4-5-20250929"

// anthropicWindows maps known models to their context window size.
var anthropicWindows = map[string]int{
	"claude-opus-4-6":            200_000,
	"claude-sonnet-4-5-20250929": 200_000,
	"claude-haiku-4-5-20251001":  200_000,
	"claude-3-5-sonnet-20241022": 200_000,
	"claude-3-5-haiku-20241022":  200_000,
	"claude-3-opus-20240229":     200_000,
	"claude-3-sonnet-20240229":   200_000,
	"claude-3-5-sonnet-20240620": 200_000,
	"claude-3-haiku-20240307":    200_000,
}

// anthropicPricing holds USD cost per million input/output tokens.
var anthropicPricing = map[string][2]float64{
	"claude-opus-4-6":            {15.0, 75.0},
	"claude-sonnet-4-5-20250929": {3.0, 15.0},
	"claude-haiku-4-5-20251001":  {0.80, 4.0},
	"claude-3-5-sonnet-20241022": {3.0, 15.0},
	"claude-3-5-haiku-20241022":  {0.80, 4.0},
	"claude-3-opus-20240229":     {15.0, 75.0},
	"claude-3-sonnet-20240229":   {3.0, 15.0},
	"claude-3-5-sonnet-20240620": {3.0, 15.0},
	"claude-3-haiku-20240307":    {0.25, 1.25},
}

// AnthropicConfig configures the Anthropic-backed provider.
type AnthropicConfig struct {
	APIKey     string
	BaseURL    string
	MaxRetries int
	HTTPClient *http.Client
}

type anthropicProvider struct {
	client     anthropicsdk.Client
	maxRetries int
}

// NewAnthropicProvider builds a Provider backed by the Anthropic API.
func NewAnthropicProvider(cfg AnthropicConfig) (Provider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("anthropic: api key required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// Some Anthropic-compatible endpoints want Authorization: Bearer.
		option.WithAuthToken(apiKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 5
	}

	return &anthropicProvider{
		client:     anthropicsdk.NewClient(opts...),
		maxRetries: retries,
	}, nil
}

func (p *anthropicProvider) Name() string         { return "anthropic" }
func (p *anthropicProvider) DefaultModel() string { return defaultAnthropicModel }

func (p *anthropicProvider) SupportedModels() []string {
	models := make([]string, 0, len(anthropicWindows))
	for m := range anthropicWindows {
		models = append(models, m)
	}
	return models
}

func (p *anthropicProvider) ContextWindow(model string) (int, bool) {
	window, ok := anthropicWindows[model]
	return window, ok
}

func (p *anthropicProvider) CalculateCost(model string, inputTokens, outputTokens int) float64 {
	price, ok := anthropicPricing[model]
	if !ok {
		return 0
	}
	return float64(inputTokens)/1_000_000*price[0] + float64(outputTokens)/1_000_000*price[1]
}

// Complete issues a non-streaming completion with transport-level
// retry. Budget errors (prompt too long) are surfaced immediately so
// the caller can run emergency compaction.
func (p *anthropicProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = anthropicBackoffCeiling
	msg, err := backoff.Retry(ctx, func() (*anthropicsdk.Message, error) {
		msg, err := p.client.Messages.New(ctx, params)
		if err != nil && !anthropicRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return msg, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(p.maxRetries)))
	if err != nil {
		return nil, err
	}

	return anthropicResponse(msg), nil
}

// Stream issues a streaming completion. SSE events are translated to
// the provider-agnostic StreamEvent sequence; the channel is closed
// once the terminal event has been delivered.
func (p *anthropicProvider) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	events := make(chan StreamEvent, 16)

	go func() {
		defer close(events)

		emit := func(ev StreamEvent) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		defer stream.Close()
		for stream.Next() {
			raw := stream.Current()
			switch ev := raw.AsAny().(type) {
			case anthropicsdk.MessageStartEvent:
				if !emit(StreamEvent{
					Type:  EventMessageStart,
					ID:    ev.Message.ID,
					Model: string(ev.Message.Model),
					Usage: &TokenUsage{InputTokens: int(ev.Message.Usage.InputTokens)},
				}) {
					return
				}
			case anthropicsdk.ContentBlockStartEvent:
				block := startedBlock(ev)
				if !emit(StreamEvent{Type: EventContentBlockStart, Index: int(ev.Index), Block: &block}) {
					return
				}
			case anthropicsdk.ContentBlockDeltaEvent:
				delta := Delta{}
				switch ev.Delta.Type {
				case "text_delta":
					delta.Text = ev.Delta.AsTextDelta().Text
				case "input_json_delta":
					delta.PartialJSON = ev.Delta.AsInputJSONDelta().PartialJSON
				default:
					continue
				}
				if !emit(StreamEvent{Type: EventContentBlockDelta, Index: int(ev.Index), Delta: &delta}) {
					return
				}
			case anthropicsdk.ContentBlockStopEvent:
				if !emit(StreamEvent{Type: EventContentBlockStop, Index: int(ev.Index)}) {
					return
				}
			case anthropicsdk.MessageDeltaEvent:
				if !emit(StreamEvent{
					Type:       EventMessageDelta,
					StopReason: StopReason(ev.Delta.StopReason),
					Usage:      &TokenUsage{OutputTokens: int(ev.Usage.OutputTokens)},
				}) {
					return
				}
			case anthropicsdk.MessageStopEvent:
				emit(StreamEvent{Type: EventMessageStop})
				return
			}
		}
		if err := stream.Err(); err != nil {
			emit(StreamEvent{Type: EventError, ErrorMessage: err.Error()})
		}
	}()

	return events, nil
}

func startedBlock(ev anthropicsdk.ContentBlockStartEvent) ContentBlock {
	switch ev.ContentBlock.Type {
	case "tool_use":
		return NewToolUseBlock(ev.ContentBlock.ID, ev.ContentBlock.Name, nil)
	default:
		return NewTextBlock(ev.ContentBlock.Text)
	}
}

func (p *anthropicProvider) buildParams(req Request) (anthropicsdk.MessageNewParams, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = defaultAnthropicModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  convertMessages(req.Messages),
	}
	if sys := strings.TrimSpace(req.System); sys != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: sys}}
	}
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}
	return params, nil
}

func convertMessages(msgs []Message) []anthropicsdk.MessageParam {
	out := make([]anthropicsdk.MessageParam, 0, len(msgs))
	for _, msg := range msgs {
		content := make([]anthropicsdk.ContentBlockParamUnion, 0, len(msg.Content))
		for _, block := range msg.Content {
			switch block.Type {
			case BlockText:
				if strings.TrimSpace(block.Text) == "" {
					continue
				}
				content = append(content, anthropicsdk.NewTextBlock(block.Text))
			case BlockToolUse:
				content = append(content, anthropicsdk.NewToolUseBlock(block.ID, decodeInput(block.Input), block.Name))
			case BlockToolResult:
				content = append(content, anthropicsdk.NewToolResultBlock(block.ToolUseID, block.Content, block.IsError))
			case BlockImage:
				if block.Source == nil {
					continue
				}
				if block.Source.URL != "" {
					content = append(content, anthropicsdk.NewImageBlock(anthropicsdk.URLImageSourceParam{URL: block.Source.URL}))
				} else {
					content = append(content, anthropicsdk.NewImageBlockBase64(block.Source.MediaType, block.Source.Data))
				}
			}
		}
		if len(content) == 0 {
			continue
		}
		role := anthropicsdk.MessageParamRoleUser
		if msg.Role == RoleAssistant {
			role = anthropicsdk.MessageParamRoleAssistant
		}
		out = append(out, anthropicsdk.MessageParam{Role: role, Content: content})
	}
	return out
}

func convertTools(tools []ToolDefinition) []anthropicsdk.ToolUnionParam {
	out := make([]anthropicsdk.ToolUnionParam, 0, len(tools))
	for _, def := range tools {
		schema := anthropicsdk.ToolInputSchemaParam{Type: "object"}
		if props, ok := def.InputSchema["properties"]; ok {
			schema.Properties = props
		}
		if required, ok := def.InputSchema["required"].([]string); ok {
			schema.Required = required
		} else if rawRequired, ok := def.InputSchema["required"].([]any); ok {
			names := make([]string, 0, len(rawRequired))
			for _, r := range rawRequired {
				if s, ok := r.(string); ok {
					names = append(names, s)
				}
			}
			schema.Required = names
		}
		tool := anthropicsdk.ToolParam{Name: def.Name, InputSchema: schema}
		if def.Description != "" {
			tool.Description = anthropicsdk.String(def.Description)
		}
		out = append(out, anthropicsdk.ToolUnionParam{OfTool: &tool})
	}
	return out
}

func anthropicResponse(msg *anthropicsdk.Message) *Response {
	content := make([]ContentBlock, 0, len(msg.Content))
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			content = append(content, NewTextBlock(block.Text))
		case "tool_use":
			content = append(content, NewToolUseBlock(block.ID, block.Name, json.RawMessage(block.Input)))
		}
	}
	return &Response{
		ID:         msg.ID,
		Model:      string(msg.Model),
		Content:    content,
		StopReason: StopReason(msg.StopReason),
		Usage: TokenUsage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
}

func decodeInput(raw json.RawMessage) any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return map[string]any{}
	}
	if v == nil {
		return map[string]any{}
	}
	return v
}

func anthropicRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if IsPromptTooLong(err) {
		return false
	}
	var apiErr *anthropicsdk.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusBadRequest, http.StatusNotFound:
			return false
		}
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return true
}

// anthropicBackoffCeiling bounds a single retry wait.
const anthropicBackoffCeiling = 30 * time.Second
