package store

import (
	"errors"
	"testing"

	"github.com/howardleegeek/opencrabs-sub001/internal/llm"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)

	created, err := s.CreateSession("research", "claude-sonnet-4-5-20250929")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected session id")
	}

	got, err := s.GetSession(created.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Name != "research" || got.Model != "claude-sonnet-4-5-20250929" {
		t.Fatalf("got session %+v", got)
	}

	byName, err := s.FindSessionByName("research")
	if err != nil {
		t.Fatalf("find session: %v", err)
	}
	if byName.ID != created.ID {
		t.Fatalf("FindSessionByName = %s, want %s", byName.ID, created.ID)
	}

	if _, err := s.GetSession("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetSession(missing) err = %v, want ErrNotFound", err)
	}
}

func TestMessagePersistenceKeepsBlocks(t *testing.T) {
	s := newTestStore(t)
	session, err := s.CreateSession("", "")
	if err != nil {
		t.Fatal(err)
	}

	assistant := llm.Message{
		Role: llm.RoleAssistant,
		Content: []llm.ContentBlock{
			llm.NewTextBlock("running the command"),
			llm.NewToolUseBlock("tu_1", "bash", []byte(`{"command":"ls"}`)),
		},
	}
	if _, err := s.CreateMessage(session.ID, llm.UserMessage("list files"), llm.TokenUsage{}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateMessage(session.ID, assistant, llm.TokenUsage{InputTokens: 10, OutputTokens: 20}); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.ListMessages(session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("ListMessages len = %d, want 2", len(msgs))
	}
	if msgs[1].Role != llm.RoleAssistant {
		t.Fatalf("role = %s", msgs[1].Role)
	}
	if len(msgs[1].Content) != 2 || msgs[1].Content[1].Type != llm.BlockToolUse {
		t.Fatalf("content blocks lost: %+v", msgs[1].Content)
	}
	if msgs[1].Content[1].Name != "bash" {
		t.Fatalf("tool name = %q", msgs[1].Content[1].Name)
	}
	if msgs[1].OutputTokens != 20 {
		t.Fatalf("output tokens = %d", msgs[1].OutputTokens)
	}
}

func TestUpdateSessionUsageAccumulates(t *testing.T) {
	s := newTestStore(t)
	session, err := s.CreateSession("", "")
	if err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateSessionUsage(session.ID, llm.TokenUsage{InputTokens: 100, OutputTokens: 50}, 0.01); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateSessionUsage(session.ID, llm.TokenUsage{InputTokens: 10, OutputTokens: 5}, 0.002); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetSession(session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.InputTokens != 110 || got.OutputTokens != 55 {
		t.Fatalf("usage = %d/%d", got.InputTokens, got.OutputTokens)
	}
	if got.Cost < 0.0119 || got.Cost > 0.0121 {
		t.Fatalf("cost = %f", got.Cost)
	}

	if err := s.UpdateSessionUsage("missing", llm.TokenUsage{}, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestReplaceMessages(t *testing.T) {
	s := newTestStore(t)
	session, err := s.CreateSession("", "")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if _, err := s.CreateMessage(session.ID, llm.UserMessage("old"), llm.TokenUsage{}); err != nil {
			t.Fatal(err)
		}
	}

	replacement := []llm.Message{
		llm.UserMessage("summary of earlier work"),
		llm.AssistantMessage("understood"),
	}
	if err := s.ReplaceMessages(session.ID, replacement); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.ListMessages(session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("ListMessages len = %d, want 2", len(msgs))
	}
	if msgs[0].Content[0].Text != "summary of earlier work" {
		t.Fatalf("first message = %q", msgs[0].Content[0].Text)
	}
}

func TestDeleteSession(t *testing.T) {
	s := newTestStore(t)
	session, err := s.CreateSession("", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateMessage(session.ID, llm.UserMessage("x"), llm.TokenUsage{}); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteSession(session.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetSession(session.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	msgs, err := s.ListMessages(session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Fatalf("messages not deleted: %d", len(msgs))
	}
	if err := s.DeleteSession(session.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete err = %v", err)
	}
}
