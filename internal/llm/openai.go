package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sort"
	"strings"

	"github.com/cenkalti/backoff/v5"
	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

const defaultOpenAIModel = "gpt-4o"

var openaiWindows = map[string]int{
	"gpt-4o":        128_000,
	"gpt-4o-mini":   128_000,
	"gpt-4-turbo":   128_000,
	"gpt-4.1":       1_047_576,
	"gpt-4.1-mini":  1_047_576,
	"o3-mini":       200_000,
	"gpt-3.5-turbo": 16_385,
}

var openaiPricing = map[string][2]float64{
	"gpt-4o":       {2.50, 10.0},
	"gpt-4o-mini":  {0.15, 0.60},
	"gpt-4-turbo":  {10.0, 30.0},
	"gpt-4.1":      {2.0, 8.0},
	"gpt-4.1-mini": {0.40, 1.60},
	"o3-mini":      {1.10, 4.40},
}

// OpenAIConfig configures the OpenAI-backed provider.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	MaxRetries int
	HTTPClient *http.Client
}

type openaiProvider struct {
	client     openaisdk.Client
	maxRetries int
}

// NewOpenAIProvider builds a Provider backed by the OpenAI chat
// completions API. Tool calls are mapped onto the same block-oriented
// stream the Anthropic provider emits, so callers never branch on
// provider kind.
func NewOpenAIProvider(cfg OpenAIConfig) (Provider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("openai: api key required")
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
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

	return &openaiProvider{
		client:     openaisdk.NewClient(opts...),
		maxRetries: retries,
	}, nil
}

func (p *openaiProvider) Name() string         { return "openai" }
func (p *openaiProvider) DefaultModel() string { return defaultOpenAIModel }

func (p *openaiProvider) SupportedModels() []string {
	models := make([]string, 0, len(openaiWindows))
	for m := range openaiWindows {
		models = append(models, m)
	}
	return models
}

func (p *openaiProvider) ContextWindow(model string) (int, bool) {
	window, ok := openaiWindows[model]
	return window, ok
}

func (p *openaiProvider) CalculateCost(model string, inputTokens, outputTokens int) float64 {
	price, ok := openaiPricing[model]
	if !ok {
		return 0
	}
	return float64(inputTokens)/1_000_000*price[0] + float64(outputTokens)/1_000_000*price[1]
}

func (p *openaiProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	params := p.buildParams(req)

	bo := backoff.NewExponentialBackOff()
	completion, err := backoff.Retry(ctx, func() (*openaisdk.ChatCompletion, error) {
		completion, err := p.client.Chat.Completions.New(ctx, params)
		if err != nil && !openaiRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return completion, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(p.maxRetries)))
	if err != nil {
		return nil, err
	}

	return openaiResponse(completion), nil
}

func (p *openaiProvider) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	params := p.buildParams(req)
	params.StreamOptions = openaisdk.ChatCompletionStreamOptionsParam{
		IncludeUsage: openaisdk.Bool(true),
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	if stream == nil {
		return nil, errors.New("openai: stream not available")
	}

	events := make(chan StreamEvent, 16)

	go func() {
		defer close(events)
		defer stream.Close()

		emit := func(ev StreamEvent) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var (
			started      bool
			textOpen     bool
			nextIndex    int
			textIndex    int
			finishReason string
			usage        TokenUsage
			calls        = map[int]*openaiCallBuffer{}
		)

		for stream.Next() {
			chunk := stream.Current()

			if !started {
				started = true
				if !emit(StreamEvent{Type: EventMessageStart, ID: chunk.ID, Model: chunk.Model}) {
					return
				}
			}
			if chunk.Usage.TotalTokens > 0 {
				usage.InputTokens = int(chunk.Usage.PromptTokens)
				usage.OutputTokens = int(chunk.Usage.CompletionTokens)
			}

			for _, choice := range chunk.Choices {
				if choice.FinishReason != "" {
					finishReason = choice.FinishReason
				}
				delta := choice.Delta

				if delta.Content != "" {
					if !textOpen {
						textOpen = true
						textIndex = nextIndex
						nextIndex++
						block := NewTextBlock("")
						if !emit(StreamEvent{Type: EventContentBlockStart, Index: textIndex, Block: &block}) {
							return
						}
					}
					if !emit(StreamEvent{Type: EventContentBlockDelta, Index: textIndex, Delta: &Delta{Text: delta.Content}}) {
						return
					}
				}

				// Tool call fragments arrive without a guaranteed
				// id/name on every chunk, so they are buffered and
				// replayed as synthetic block events once the stream
				// finishes.
				for _, tc := range delta.ToolCalls {
					idx := int(tc.Index)
					buf, ok := calls[idx]
					if !ok {
						buf = &openaiCallBuffer{}
						calls[idx] = buf
					}
					if tc.ID != "" {
						buf.id = tc.ID
					}
					if tc.Function.Name != "" {
						buf.name = tc.Function.Name
					}
					buf.args.WriteString(tc.Function.Arguments)
				}
			}
		}

		if err := stream.Err(); err != nil {
			emit(StreamEvent{Type: EventError, ErrorMessage: err.Error()})
			return
		}

		if textOpen {
			if !emit(StreamEvent{Type: EventContentBlockStop, Index: textIndex}) {
				return
			}
		}

		indices := make([]int, 0, len(calls))
		for idx := range calls {
			indices = append(indices, idx)
		}
		sort.Ints(indices)
		for _, idx := range indices {
			buf := calls[idx]
			if buf.id == "" || buf.name == "" {
				continue
			}
			blockIndex := nextIndex
			nextIndex++
			block := NewToolUseBlock(buf.id, buf.name, nil)
			if !emit(StreamEvent{Type: EventContentBlockStart, Index: blockIndex, Block: &block}) {
				return
			}
			if args := buf.args.String(); args != "" {
				if !emit(StreamEvent{Type: EventContentBlockDelta, Index: blockIndex, Delta: &Delta{PartialJSON: args}}) {
					return
				}
			}
			if !emit(StreamEvent{Type: EventContentBlockStop, Index: blockIndex}) {
				return
			}
		}

		if !emit(StreamEvent{
			Type:       EventMessageDelta,
			StopReason: openaiStopReason(finishReason),
			Usage:      &usage,
		}) {
			return
		}
		emit(StreamEvent{Type: EventMessageStop})
	}()

	return events, nil
}

type openaiCallBuffer struct {
	id   string
	name string
	args strings.Builder
}

func (p *openaiProvider) buildParams(req Request) openaisdk.ChatCompletionNewParams {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = defaultOpenAIModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := openaisdk.ChatCompletionNewParams{
		Model:               shared.ChatModel(model),
		MaxCompletionTokens: openaisdk.Int(int64(maxTokens)),
		Messages:            convertMessagesToOpenAI(req.System, req.Messages),
	}
	if len(req.Tools) > 0 {
		params.Tools = convertToolsToOpenAI(req.Tools)
	}
	return params
}

func convertMessagesToOpenAI(system string, msgs []Message) []openaisdk.ChatCompletionMessageParamUnion {
	var out []openaisdk.ChatCompletionMessageParamUnion
	if sys := strings.TrimSpace(system); sys != "" {
		out = append(out, openaisdk.SystemMessage(sys))
	}

	for _, msg := range msgs {
		if msg.Role == RoleAssistant {
			out = append(out, openaiAssistantMessage(msg))
			continue
		}

		// Tool results are distinct messages on the wire, so a user
		// turn may expand into several entries.
		var texts []string
		for _, block := range msg.Content {
			switch block.Type {
			case BlockText:
				if strings.TrimSpace(block.Text) != "" {
					texts = append(texts, block.Text)
				}
			case BlockToolResult:
				out = append(out, openaisdk.ToolMessage(block.Content, block.ToolUseID))
			case BlockImage:
				texts = append(texts, "[attached image]")
			}
		}
		if len(texts) > 0 {
			out = append(out, openaisdk.UserMessage(strings.Join(texts, "\n\n")))
		}
	}

	if len(out) == 0 {
		out = append(out, openaisdk.UserMessage("."))
	}
	return out
}

func openaiAssistantMessage(msg Message) openaisdk.ChatCompletionMessageParamUnion {
	param := openaisdk.ChatCompletionAssistantMessageParam{}

	text := msg.Text()
	if strings.TrimSpace(text) == "" {
		text = "."
	}
	param.Content = openaisdk.ChatCompletionAssistantMessageParamContentUnion{
		OfString: openaisdk.String(text),
	}

	var toolCalls []openaisdk.ChatCompletionMessageToolCallParam
	for _, block := range msg.Content {
		if block.Type != BlockToolUse || block.ID == "" || block.Name == "" {
			continue
		}
		args := string(block.Input)
		if args == "" {
			args = "{}"
		}
		toolCalls = append(toolCalls, openaisdk.ChatCompletionMessageToolCallParam{
			ID: block.ID,
			Function: openaisdk.ChatCompletionMessageToolCallFunctionParam{
				Name:      block.Name,
				Arguments: args,
			},
		})
	}
	if len(toolCalls) > 0 {
		param.ToolCalls = toolCalls
	}

	return openaisdk.ChatCompletionMessageParamUnion{OfAssistant: &param}
}

func convertToolsToOpenAI(tools []ToolDefinition) []openaisdk.ChatCompletionToolParam {
	out := make([]openaisdk.ChatCompletionToolParam, 0, len(tools))
	for _, def := range tools {
		if strings.TrimSpace(def.Name) == "" {
			continue
		}
		params := make(shared.FunctionParameters, len(def.InputSchema)+1)
		for k, v := range def.InputSchema {
			params[k] = v
		}
		if _, ok := params["type"]; !ok {
			params["type"] = "object"
		}
		tool := openaisdk.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:       def.Name,
				Parameters: params,
			},
		}
		if def.Description != "" {
			tool.Function.Description = openaisdk.Opt(def.Description)
		}
		out = append(out, tool)
	}
	return out
}

func openaiResponse(completion *openaisdk.ChatCompletion) *Response {
	resp := &Response{}
	if completion == nil {
		return resp
	}
	resp.ID = completion.ID
	resp.Model = completion.Model
	resp.Usage = TokenUsage{
		InputTokens:  int(completion.Usage.PromptTokens),
		OutputTokens: int(completion.Usage.CompletionTokens),
	}
	if len(completion.Choices) == 0 {
		return resp
	}

	choice := completion.Choices[0]
	resp.StopReason = openaiStopReason(choice.FinishReason)
	if choice.Message.Content != "" {
		resp.Content = append(resp.Content, NewTextBlock(choice.Message.Content))
	}
	for _, tc := range choice.Message.ToolCalls {
		resp.Content = append(resp.Content, NewToolUseBlock(tc.ID, tc.Function.Name, json.RawMessage(tc.Function.Arguments)))
	}
	return resp
}

func openaiStopReason(finish string) StopReason {
	switch finish {
	case "tool_calls":
		return StopToolUse
	case "length":
		return StopMaxTokens
	case "stop", "":
		return StopEndTurn
	default:
		return StopReason(finish)
	}
}

func openaiRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *openaisdk.Error
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
