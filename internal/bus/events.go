package bus

import (
	"time"

	"github.com/howardleegeek/opencrabs-sub001/internal/llm"
)

type InboundMessage struct {
	Channel       string
	SenderID      string
	ChatID        string
	Content       string
	Timestamp     time.Time
	Metadata      map[string]any
	ContentBlocks []llm.ContentBlock
}

func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

type OutboundMessage struct {
	Channel string
	ChatID  string
	Content string
	ReplyTo string
}
