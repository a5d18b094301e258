package channel

import (
	"context"
	"errors"
	"log"

	"github.com/SheepLiu712/Agent-Luotianyi-server/internal/bus"
	"github.com/SheepLiu712/Agent-Luotianyi-server/internal/session"
)

// Channel is a transport that feeds user messages into the gateway.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
}

type BaseChannel struct {
	name      string
	handler   bus.Handler
	allowFrom map[string]bool
}

func NewBaseChannel(name string, h bus.Handler, allowFrom []string) BaseChannel {
	allow := make(map[string]bool, len(allowFrom))
	for _, id := range allowFrom {
		allow[id] = true
	}
	return BaseChannel{name: name, handler: h, allowFrom: allow}
}

func (c *BaseChannel) Name() string { return c.name }

// IsAllowed reports whether senderID may talk to the agent. An empty allow
// list admits everyone.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowFrom) == 0 {
		return true
	}
	return c.allowFrom[senderID]
}

// Dispatch hands msg to the gateway and calls emit for every event of the
// reply. It returns the gateway's synchronous error, such as a busy session.
// The stream is drained even when emit fails.
func (c *BaseChannel) Dispatch(ctx context.Context, msg bus.InboundMessage, emit func(bus.Event) error) error {
	events, err := c.handler.Handle(ctx, msg.UserKey(), msg.Content)
	if err != nil {
		return err
	}
	failed := false
	for ev := range events {
		if failed {
			continue
		}
		if err := emit(ev); err != nil {
			log.Printf("[%s] deliver %s event to %s: %v", c.name, ev.Type, msg.ChatID, err)
			failed = true
		}
	}
	return nil
}

// errorCode maps a synchronous gateway error to a wire code.
func errorCode(err error) string {
	if errors.Is(err, session.ErrSessionBusy) {
		return bus.CodeSessionBusy
	}
	return bus.CodeInvalidRequest
}
