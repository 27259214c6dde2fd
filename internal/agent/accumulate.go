package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/howardleegeek/opencrabs-sub001/internal/llm"
)

// blockSlot accumulates one content block by stream index. Text and
// tool-input JSON grow in separate buffers; the JSON is only parsed
// once the block stops.
type blockSlot struct {
	block llm.ContentBlock
	text  strings.Builder
	input strings.Builder
}

// Accumulate folds an ordered event stream into one complete response.
// Text deltas are forwarded to onText in arrival order before being
// folded in, so a UI can render them live. Cancellation between events
// returns the partial state without error.
func Accumulate(ctx context.Context, events <-chan llm.StreamEvent, onText func(string)) (*llm.Response, error) {
	resp := &llm.Response{}
	slots := make(map[int]*blockSlot)
	order := make([]int, 0, 4)

	finalize := func() *llm.Response {
		content := make([]llm.ContentBlock, 0, len(order))
		for _, idx := range order {
			slot := slots[idx]
			switch slot.block.Type {
			case llm.BlockText:
				// Empty text blocks are rejected by providers on the
				// next turn, so they never survive accumulation.
				if slot.text.Len() == 0 {
					continue
				}
				slot.block.Text = slot.text.String()
			case llm.BlockToolUse:
				slot.block.Input = parseToolInput(slot.input.String(), slot.block.Input)
			}
			content = append(content, slot.block)
		}
		resp.Content = content
		return resp
	}

	for {
		select {
		case <-ctx.Done():
			return finalize(), nil
		case event, ok := <-events:
			if !ok {
				// Channel closed without a terminal event.
				return finalize(), fmt.Errorf("%w: stream ended unexpectedly", llm.ErrStream)
			}

			switch event.Type {
			case llm.EventMessageStart:
				resp.ID = event.ID
				resp.Model = event.Model
				if event.Usage != nil {
					resp.Usage.Add(*event.Usage)
				}
			case llm.EventContentBlockStart:
				if event.Block == nil {
					continue
				}
				slot := &blockSlot{block: *event.Block}
				if slot.block.Type == llm.BlockText && slot.block.Text != "" {
					slot.text.WriteString(slot.block.Text)
					slot.block.Text = ""
				}
				if _, exists := slots[event.Index]; !exists {
					order = append(order, event.Index)
				}
				slots[event.Index] = slot
			case llm.EventContentBlockDelta:
				slot, ok := slots[event.Index]
				if !ok || event.Delta == nil {
					continue
				}
				if event.Delta.Text != "" {
					if onText != nil {
						onText(event.Delta.Text)
					}
					slot.text.WriteString(event.Delta.Text)
				}
				if event.Delta.PartialJSON != "" {
					slot.input.WriteString(event.Delta.PartialJSON)
				}
			case llm.EventContentBlockStop:
				// Parsing is deferred to finalize so a stop for an
				// unknown index stays a no-op.
			case llm.EventMessageDelta:
				if event.StopReason != "" {
					resp.StopReason = event.StopReason
				}
				if event.Usage != nil {
					resp.Usage.Add(*event.Usage)
				}
			case llm.EventMessageStop:
				return finalize(), nil
			case llm.EventPing:
				// Keepalive.
			case llm.EventError:
				return finalize(), fmt.Errorf("%w: %s", llm.ErrStream, event.ErrorMessage)
			}
		}
	}
}

// parseToolInput decodes buffered tool-input JSON. Malformed or
// missing input degrades to an empty object so a bad tool call never
// aborts the turn.
func parseToolInput(buffered string, seed json.RawMessage) json.RawMessage {
	raw := strings.TrimSpace(buffered)
	if raw == "" {
		if len(seed) > 0 {
			return seed
		}
		return json.RawMessage(`{}`)
	}
	if !json.Valid([]byte(raw)) {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(raw)
}
