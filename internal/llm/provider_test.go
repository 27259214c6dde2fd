package llm

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsPromptTooLong(t *testing.T) {
	assert.True(t, IsPromptTooLong(errors.New("400: prompt is too long: 210000 tokens")))
	assert.True(t, IsPromptTooLong(errors.New("request contains too many tokens")))
	assert.False(t, IsPromptTooLong(errors.New("rate limit exceeded")))
	assert.False(t, IsPromptTooLong(nil))
}

func TestNewProviderDispatch(t *testing.T) {
	p, err := NewProvider("", "key", "")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", p.Name())

	p, err = NewProvider("openai", "key", "")
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())

	_, err = NewProvider("mistral", "key", "")
	assert.Error(t, err)

	_, err = NewProvider("anthropic", "  ", "")
	assert.Error(t, err)
}

func TestAnthropicCostAndWindow(t *testing.T) {
	p, err := NewAnthropicProvider(AnthropicConfig{APIKey: "key"})
	require.NoError(t, err)

	window, ok := p.ContextWindow("claude-sonnet-4-5-20250929")
	require.True(t, ok)
	assert.Equal(t, 200_000, window)

	_, ok = p.ContextWindow("claude-imaginary")
	assert.False(t, ok)

	// 1M input + 1M output at sonnet pricing.
	assert.InDelta(t, 18.0, p.CalculateCost("claude-sonnet-4-5-20250929", 1_000_000, 1_000_000), 1e-9)
	assert.InDelta(t, 90.0, p.CalculateCost("claude-opus-4-6", 1_000_000, 1_000_000), 1e-9)
	assert.InDelta(t, 0.25+1.25, p.CalculateCost("claude-3-haiku-20240307", 1_000_000, 1_000_000), 1e-9)
	assert.Zero(t, p.CalculateCost("claude-imaginary", 1_000_000, 1_000_000))
}

func TestOpenAIStopReasonMapping(t *testing.T) {
	assert.Equal(t, StopToolUse, openaiStopReason("tool_calls"))
	assert.Equal(t, StopMaxTokens, openaiStopReason("length"))
	assert.Equal(t, StopEndTurn, openaiStopReason("stop"))
	assert.Equal(t, StopEndTurn, openaiStopReason(""))
}

func TestNewToolUseBlockDefaultsInput(t *testing.T) {
	block := NewToolUseBlock("tu_1", "read_file", nil)
	assert.Equal(t, json.RawMessage(`{}`), block.Input)

	block = NewToolUseBlock("tu_2", "bash", json.RawMessage(`{"command":"ls"}`))
	assert.JSONEq(t, `{"command":"ls"}`, string(block.Input))
}

func TestMessageText(t *testing.T) {
	msg := Message{
		Role: RoleAssistant,
		Content: []ContentBlock{
			NewTextBlock("first"),
			NewToolUseBlock("tu_1", "ls", nil),
			NewTextBlock("   "),
			NewTextBlock("second"),
		},
	}
	assert.Equal(t, "first\n\nsecond", msg.Text())
}

func TestConvertMessagesSkipsEmpty(t *testing.T) {
	params := convertMessages([]Message{
		UserMessage("hello"),
		{Role: RoleUser, Content: []ContentBlock{NewTextBlock("  ")}},
		AssistantMessage("hi"),
	})
	require.Len(t, params, 2)
}
