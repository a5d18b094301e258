package channel

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/SheepLiu712/Agent-Luotianyi-server/internal/bus"
	"github.com/SheepLiu712/Agent-Luotianyi-server/internal/config"
)

type ChannelManager struct {
	channels map[string]Channel
}

// NewChannelManager builds the enabled channels. All of them answer through h.
func NewChannelManager(cfg config.ChannelsConfig, gwCfg config.GatewayConfig, h bus.Handler, hist HistoryReader) (*ChannelManager, error) {
	m := &ChannelManager{channels: make(map[string]Channel)}

	if cfg.WebSocket.Enabled {
		ch, err := NewWebSocketChannel(gwCfg, h, hist)
		if err != nil {
			return nil, fmt.Errorf("init websocket channel: %w", err)
		}
		m.channels[ch.Name()] = ch
	}

	if cfg.Telegram.Enabled {
		ch, err := NewTelegramChannel(cfg.Telegram, h)
		if err != nil {
			return nil, fmt.Errorf("init telegram channel: %w", err)
		}
		m.channels[ch.Name()] = ch
	}

	return m, nil
}

// Add registers an extra channel before StartAll.
func (m *ChannelManager) Add(ch Channel) {
	m.channels[ch.Name()] = ch
}

// StartAll starts every channel, stopping the ones already started if any
// fails.
func (m *ChannelManager) StartAll(ctx context.Context) error {
	started := make([]Channel, 0, len(m.channels))
	for _, name := range m.EnabledChannels() {
		ch := m.channels[name]
		log.Printf("[channel-mgr] starting %s", name)
		if err := ch.Start(ctx); err != nil {
			for _, s := range started {
				_ = s.Stop()
			}
			return fmt.Errorf("%s: %w", name, err)
		}
		started = append(started, ch)
	}
	return nil
}

// SetStatus hands fn to every channel that can report status.
func (m *ChannelManager) SetStatus(fn func() any) {
	for _, ch := range m.channels {
		if s, ok := ch.(interface{ SetStatus(func() any) }); ok {
			s.SetStatus(fn)
		}
	}
}

func (m *ChannelManager) StopAll() error {
	for _, name := range m.EnabledChannels() {
		log.Printf("[channel-mgr] stopping %s", name)
		if err := m.channels[name].Stop(); err != nil {
			log.Printf("[channel-mgr] error stopping %s: %v", name, err)
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
