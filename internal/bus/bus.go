package bus

import (
	"context"
	"log"
	"sync"
)

const DefaultBufSize = 100

// MessageBus connects channels to the gateway. Channels push to
// Inbound; the gateway pushes replies to Outbound, which
// DispatchOutbound routes to the subscribed channel.
type MessageBus struct {
	Inbound  chan InboundMessage
	Outbound chan OutboundMessage

	mu           sync.RWMutex
	outboundSubs map[string]func(OutboundMessage)

	queueMu sync.Mutex
	queued  map[string][]string
}

func NewMessageBus(bufSize int) *MessageBus {
	if bufSize <= 0 {
		bufSize = DefaultBufSize
	}
	return &MessageBus{
		Inbound:      make(chan InboundMessage, bufSize),
		Outbound:     make(chan OutboundMessage, bufSize),
		outboundSubs: make(map[string]func(OutboundMessage)),
		queued:       make(map[string][]string),
	}
}

// SubscribeOutbound registers the handler for one channel's outbound
// messages. One handler per channel name; later registrations replace
// earlier ones.
func (b *MessageBus) SubscribeOutbound(channel string, fn func(OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outboundSubs[channel] = fn
}

// DispatchOutbound routes outbound messages to their channel handlers
// until ctx is cancelled. Run it in its own goroutine.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.Outbound:
			b.mu.RLock()
			fn, ok := b.outboundSubs[msg.Channel]
			b.mu.RUnlock()
			if !ok {
				log.Printf("[bus] no subscriber for channel %s, dropping message", msg.Channel)
				continue
			}
			fn(msg)
		}
	}
}

// QueueFollowUp stores a user message that arrived while a turn for
// the same session was already running. The agent drains it between
// tool iterations.
func (b *MessageBus) QueueFollowUp(sessionKey, text string) {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()
	b.queued[sessionKey] = append(b.queued[sessionKey], text)
}

// PollFollowUp pops the oldest queued follow-up for a session without
// blocking. ok is false when nothing is queued.
func (b *MessageBus) PollFollowUp(sessionKey string) (string, bool) {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()
	pending := b.queued[sessionKey]
	if len(pending) == 0 {
		return "", false
	}
	text := pending[0]
	if len(pending) == 1 {
		delete(b.queued, sessionKey)
	} else {
		b.queued[sessionKey] = pending[1:]
	}
	return text, true
}
