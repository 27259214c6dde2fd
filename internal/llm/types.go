package llm

import (
	"encoding/json"
	"strings"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType discriminates the kind of content in a ContentBlock.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
	BlockImage      BlockType = "image"
)

// ImageSource carries inline (base64) or URL-referenced image data.
type ImageSource struct {
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// ContentBlock is a single typed unit of message content. Exactly the
// fields matching Type are populated; the rest stay zero.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// BlockText
	Text string `json:"text,omitempty"`

	// BlockToolUse. Input is kept opaque; the tool registry validates it
	// against the declared schema, the loop only round-trips it.
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// BlockToolResult
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`

	// BlockImage
	Source *ImageSource `json:"source,omitempty"`
}

// NewTextBlock builds a plain text block.
func NewTextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// NewToolUseBlock builds a tool invocation block.
func NewToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// NewToolResultBlock builds a result block answering a tool_use id.
func NewToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// NewImageBlock builds an inline base64 image block.
func NewImageBlock(mediaType, data string) ContentBlock {
	return ContentBlock{Type: BlockImage, Source: &ImageSource{MediaType: mediaType, Data: data}}
}

// NewImageURLBlock builds an image block referencing a URL.
func NewImageURLBlock(url string) ContentBlock {
	return ContentBlock{Type: BlockImage, Source: &ImageSource{URL: url}}
}

// Message is one conversational turn: a role plus ordered content blocks.
type Message struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

// UserMessage builds a single-text user message.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: []ContentBlock{NewTextBlock(text)}}
}

// AssistantMessage builds a single-text assistant message.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: []ContentBlock{NewTextBlock(text)}}
}

// Text concatenates the message's non-empty text blocks with blank-line
// separators. Tool blocks are skipped.
func (m Message) Text() string {
	var sb strings.Builder
	for _, block := range m.Content {
		if block.Type != BlockText || strings.TrimSpace(block.Text) == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(block.Text)
	}
	return sb.String()
}

// TokenUsage counts tokens consumed by a model call. Aggregated across
// every call of a turn, not just the final one.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates another call's usage.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Total is input plus output tokens.
func (u TokenUsage) Total() int { return u.InputTokens + u.OutputTokens }

// StopReason explains why the model stopped generating.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopMaxTokens    StopReason = "max_tokens"
	StopToolUse      StopReason = "tool_use"
	StopStopSequence StopReason = "stop_sequence"
)

// ToolDefinition is a tool schema advertised to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Request is a provider-agnostic completion request.
type Request struct {
	Model     string
	Messages  []Message
	System    string
	MaxTokens int
	Tools     []ToolDefinition
	Stream    bool
}

// WithStreaming marks the request for streaming delivery.
func (r Request) WithStreaming() Request {
	r.Stream = true
	return r
}

// Response is a complete model response.
type Response struct {
	ID         string
	Model      string
	Content    []ContentBlock
	StopReason StopReason
	Usage      TokenUsage
}

// EventType discriminates stream events.
type EventType string

const (
	EventMessageStart      EventType = "message_start"
	EventContentBlockStart EventType = "content_block_start"
	EventContentBlockDelta EventType = "content_block_delta"
	EventContentBlockStop  EventType = "content_block_stop"
	EventMessageDelta      EventType = "message_delta"
	EventMessageStop       EventType = "message_stop"
	EventPing              EventType = "ping"
	EventError             EventType = "error"
)

// Delta is an incremental content update for one block index. Exactly
// one of Text and PartialJSON is set.
type Delta struct {
	Text        string
	PartialJSON string
}

// StreamEvent is one element of a provider's event sequence.
type StreamEvent struct {
	Type EventType

	// EventMessageStart
	ID    string
	Model string

	// Block-scoped events
	Index int
	Block *ContentBlock
	Delta *Delta

	// EventMessageDelta
	StopReason StopReason
	Usage      *TokenUsage

	// EventError
	ErrorMessage string
}
