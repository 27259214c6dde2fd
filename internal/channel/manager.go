package channel

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/howardleegeek/opencrabs-sub001/internal/bus"
	"github.com/howardleegeek/opencrabs-sub001/internal/config"
)

// ChannelManager owns the enabled channels and routes outbound
// messages to them.
type ChannelManager struct {
	channels map[string]Channel
	bus      *bus.MessageBus
}

func NewChannelManager(cfg *config.Config, b *bus.MessageBus) (*ChannelManager, error) {
	m := &ChannelManager{
		channels: make(map[string]Channel),
		bus:      b,
	}

	if cfg.Channels.Telegram.Enabled {
		tg, err := NewTelegramChannel(cfg.Channels.Telegram, b)
		if err != nil {
			return nil, fmt.Errorf("create telegram channel: %w", err)
		}
		m.channels[tg.Name()] = tg
	}

	for name, ch := range m.channels {
		b.SubscribeOutbound(name, func(msg bus.OutboundMessage) {
			if err := ch.Send(msg); err != nil {
				log.Printf("[channel] send via %s: %v", name, err)
			}
		})
	}

	return m, nil
}

func (m *ChannelManager) StartAll(ctx context.Context) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(m.channels))

	for name, ch := range m.channels {
		wg.Add(1)
		go func(name string, ch Channel) {
			defer wg.Done()
			if err := ch.Start(ctx); err != nil {
				errCh <- fmt.Errorf("start channel %s: %w", name, err)
			}
		}(name, ch)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		return err
	}
	return nil
}

func (m *ChannelManager) StopAll() {
	for name, ch := range m.channels {
		if err := ch.Stop(); err != nil {
			log.Printf("[channel] stop %s: %v", name, err)
		}
	}
}

func (m *ChannelManager) EnabledChannels() []string {
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}
