package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/howardleegeek/opencrabs-sub001/internal/llm"
)

const (
	// compactionTrigger is the effective-usage fraction above which a
	// turn compacts before calling the model.
	compactionTrigger = 0.80

	// compactKeepMessages is how many raw trailing messages survive a
	// compaction (the last 4 user/assistant pairs).
	compactKeepMessages = 8
)

// nowFunc is swapped out by tests that need deterministic dates.
var nowFunc = time.Now

const compactionSystem = "You are a conversation summarizer. Produce a dense, accurate summary " +
	"that lets an assistant resume the conversation without the original transcript. " +
	"Follow the requested structure exactly."

const compactionInstruction = `Summarize this conversation so it can be resumed later. Use exactly these sections:

## Current Task
What is being worked on right now.

## Key Decisions Made
Decisions taken and their reasons.

## Files Modified
Files created or changed, with a one-line note each.

## Current State
Where things stand, including anything in progress.

## Important Context
Constraints, preferences, and facts that must not be lost.

## Errors & Solutions
Problems hit and how they were resolved.`

// compact asks the model for a structured resumption summary, appends
// it to the daily memory log, and replaces the in-memory context with
// the summary plus the trailing raw messages. Best effort: the caller
// logs failures and proceeds uncompacted.
func (s *Service) compact(ctx context.Context, convCtx *Context, reason string) error {
	s.progressCompactionStart(reason)

	messages := make([]llm.Message, 0, len(convCtx.Messages)+1)
	messages = append(messages, convCtx.Messages...)
	messages = append(messages, llm.UserMessage(compactionInstruction))

	resp, err := s.provider.Complete(ctx, llm.Request{
		Model:     s.model,
		Messages:  messages,
		System:    compactionSystem,
		MaxTokens: s.maxTokens,
	})
	if err != nil {
		return fmt.Errorf("compaction call: %w", err)
	}

	summary := strings.TrimSpace(llm.Message{Role: llm.RoleAssistant, Content: resp.Content}.Text())
	if summary == "" {
		return fmt.Errorf("compaction call returned no text")
	}

	if s.memory != nil {
		if err := s.memory.AppendDaily(nowFunc(), summary); err != nil {
			return fmt.Errorf("persist compaction summary: %w", err)
		}
	}

	convCtx.CompactWithSummary(summary, compactKeepMessages)
	s.progressCompactionSummary(summary)
	return nil
}
