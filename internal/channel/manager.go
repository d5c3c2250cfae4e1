package channel

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/hearth/internal/bus"
	"github.com/stellarlinkco/hearth/internal/config"
)

type ChannelManager struct {
	channels  map[string]Channel
	websocket *WebSocketChannel
	bus       *bus.MessageBus
	log       zerolog.Logger
}

func NewChannelManager(cfg config.ChannelsConfig, b *bus.MessageBus, log zerolog.Logger) (*ChannelManager, error) {
	log = log.With().Str("component", "channel").Logger()
	m := &ChannelManager{
		channels: make(map[string]Channel),
		bus:      b,
		log:      log,
	}

	if cfg.WebSocket.Enabled {
		ch := NewWebSocketChannel(cfg.WebSocket, b, log)
		m.websocket = ch
		m.channels[ch.Name()] = ch
	}

	if cfg.Telegram.Enabled {
		ch, err := NewTelegramChannel(cfg.Telegram, b, log)
		if err != nil {
			return nil, fmt.Errorf("init telegram channel: %w", err)
		}
		m.channels[ch.Name()] = ch
	}

	return m, nil
}

// WebSocket returns the WebSocket channel for mounting on the HTTP server,
// or nil when it is disabled.
func (m *ChannelManager) WebSocket() *WebSocketChannel {
	return m.websocket
}

func (m *ChannelManager) StartAll(ctx context.Context) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(m.channels))

	for name, ch := range m.channels {
		wg.Add(1)
		go func(name string, ch Channel) {
			defer wg.Done()
			m.log.Info().Str("channel", name).Msg("starting channel")
			if err := ch.Start(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
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

func (m *ChannelManager) StopAll() error {
	for name, ch := range m.channels {
		m.log.Info().Str("channel", name).Msg("stopping channel")
		if err := ch.Stop(); err != nil {
			m.log.Error().Err(err).Str("channel", name).Msg("stop channel")
		}
	}
	return nil
}

func (m *ChannelManager) EnabledChannels() []string {
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
