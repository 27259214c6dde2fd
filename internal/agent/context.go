package agent

import (
	"encoding/json"

	"github.com/howardleegeek/opencrabs-sub001/internal/llm"
)

// Context is the in-memory view of one turn's conversation: the system
// preamble, the trimmed message window, and a running token estimate.
// It is derived from persisted history at turn start and discarded at
// turn end.
type Context struct {
	Brain     string
	Messages  []llm.Message
	MaxTokens int

	tokenEstimate int
}

// NewContext builds a context over an already-trimmed history.
func NewContext(brain string, history []llm.Message, maxTokens int) *Context {
	c := &Context{Brain: brain, MaxTokens: maxTokens}
	for _, msg := range history {
		c.Add(msg)
	}
	return c
}

// Add appends a message and grows the token estimate.
func (c *Context) Add(msg llm.Message) {
	c.Messages = append(c.Messages, msg)
	c.tokenEstimate += EstimateTokens(msg)
}

// TokenEstimate returns the running estimate for the message window.
// The brain is accounted separately by the budget math.
func (c *Context) TokenEstimate() int { return c.tokenEstimate }

// EffectiveUsage returns the token estimate as a fraction of the
// window left after tool-schema overhead.
func (c *Context) EffectiveUsage(toolCount int) float64 {
	available := c.MaxTokens - toolCount*toolSchemaTokens
	if available <= 0 {
		return 1
	}
	return float64(c.tokenEstimate) / float64(available)
}

// CompactWithSummary replaces the message window with the summary plus
// the last keep raw messages, recomputing the estimate from scratch.
func (c *Context) CompactWithSummary(summary string, keep int) {
	recent := c.Messages
	if keep >= 0 && len(recent) > keep {
		recent = recent[len(recent)-keep:]
	}

	rebuilt := make([]llm.Message, 0, len(recent)+1)
	rebuilt = append(rebuilt, llm.UserMessage("Previous conversation summary:\n\n"+summary))
	rebuilt = append(rebuilt, recent...)

	c.Messages = nil
	c.tokenEstimate = 0
	for _, msg := range rebuilt {
		c.Add(msg)
	}
}

// EstimateTokens approximates the token cost of one message as a third
// of its serialized content length. A character heuristic, not a
// tokenizer, but deterministic and cheap.
func EstimateTokens(msg llm.Message) int {
	return estimateText(serializeContent(msg))
}

func estimateText(s string) int {
	return len(s) / 3
}

func serializeContent(msg llm.Message) string {
	data, err := json.Marshal(msg.Content)
	if err != nil {
		return ""
	}
	return string(data)
}

// isEmptyMessage reports whether a message carries no usable content.
func isEmptyMessage(msg llm.Message) bool {
	for _, block := range msg.Content {
		switch block.Type {
		case llm.BlockText:
			if block.Text != "" {
				return false
			}
		default:
			return false
		}
	}
	return true
}
