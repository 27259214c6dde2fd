package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Provider gives the agent access to one model backend.
type Provider interface {
	// Complete issues a single non-streaming completion.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Stream issues a streaming completion. The returned channel is
	// closed after the terminal event (message_stop or error).
	Stream(ctx context.Context, req Request) (<-chan StreamEvent, error)

	Name() string
	DefaultModel() string
	SupportedModels() []string

	// ContextWindow reports the token window for a model when known.
	ContextWindow(model string) (int, bool)

	// CalculateCost returns the USD cost of a call. Unknown models cost 0.
	CalculateCost(model string, inputTokens, outputTokens int) float64
}

// ErrStream indicates the provider's event stream failed mid-flight.
var ErrStream = errors.New("llm: stream error")

// promptTooLongMarkers are the provider error fragments that signal the
// request exceeded the context window.
var promptTooLongMarkers = []string{
	"prompt is too long",
	"too many tokens",
}

// IsPromptTooLong reports whether err is a context-window rejection.
func IsPromptTooLong(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range promptTooLongMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// NewProvider builds a provider from a type name ("anthropic" by
// default, "openai" alternatively).
func NewProvider(kind, apiKey, baseURL string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "anthropic":
		return NewAnthropicProvider(AnthropicConfig{APIKey: apiKey, BaseURL: baseURL})
	case "openai":
		return NewOpenAIProvider(OpenAIConfig{APIKey: apiKey, BaseURL: baseURL})
	default:
		return nil, fmt.Errorf("llm: unknown provider type %q", kind)
	}
}
