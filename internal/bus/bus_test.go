package bus

import (
	"context"
	"testing"
	"time"
)

func TestSessionKey(t *testing.T) {
	msg := &InboundMessage{Channel: "telegram", ChatID: "12345"}
	if got := msg.SessionKey(); got != "telegram:12345" {
		t.Fatalf("SessionKey() = %q", got)
	}
}

func TestDispatchOutboundRoutesByChannel(t *testing.T) {
	b := NewMessageBus(10)
	got := make(chan OutboundMessage, 1)
	b.SubscribeOutbound("telegram", func(msg OutboundMessage) {
		got <- msg
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.DispatchOutbound(ctx)

	b.Outbound <- OutboundMessage{Channel: "unknown", ChatID: "1", Content: "dropped"}
	b.Outbound <- OutboundMessage{Channel: "telegram", ChatID: "1", Content: "hello"}

	select {
	case msg := <-got:
		if msg.Content != "hello" {
			t.Fatalf("Content = %q", msg.Content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch timed out")
	}
}

func TestFollowUpQueueFIFO(t *testing.T) {
	b := NewMessageBus(1)

	if _, ok := b.PollFollowUp("telegram:1"); ok {
		t.Fatal("empty queue must report nothing")
	}

	b.QueueFollowUp("telegram:1", "first")
	b.QueueFollowUp("telegram:1", "second")
	b.QueueFollowUp("telegram:2", "other session")

	text, ok := b.PollFollowUp("telegram:1")
	if !ok || text != "first" {
		t.Fatalf("Poll = %q, %v", text, ok)
	}
	text, ok = b.PollFollowUp("telegram:1")
	if !ok || text != "second" {
		t.Fatalf("Poll = %q, %v", text, ok)
	}
	if _, ok := b.PollFollowUp("telegram:1"); ok {
		t.Fatal("queue should be drained")
	}

	text, ok = b.PollFollowUp("telegram:2")
	if !ok || text != "other session" {
		t.Fatalf("Poll = %q, %v", text, ok)
	}
}
