package bus

import (
	"context"
	"time"
)

// EventType tags a frame streamed back to the caller.
type EventType string

const (
	EventUtterance EventType = "utterance"
	EventEnd       EventType = "end"
	EventError     EventType = "error"
)

// Error codes carried in Event.Error.
const (
	CodeSessionBusy      = "session_busy"
	CodeGenerationFailed = "generation_failed"
	CodeSynthesisFailed  = "synthesis_failed"
	CodeCancelled        = "cancelled"
	CodeInvalidRequest   = "invalid_request"
)

// Event is one frame of a reply. A reply is a run of utterance events in
// ordinal order closed by exactly one end or error event. An utterance event
// with Error set carries text only.
type Event struct {
	Type          EventType `json:"type"`
	InteractionID string    `json:"interaction_id,omitempty"`
	Ordinal       int       `json:"ordinal"`
	Text          string    `json:"text,omitempty"`
	Expression    string    `json:"expression,omitempty"`
	Tone          string    `json:"tone,omitempty"`
	Audio         []byte    `json:"audio,omitempty"`
	Format        string    `json:"format,omitempty"`
	Error         string    `json:"error,omitempty"`
	Degraded      bool      `json:"degraded,omitempty"`
}

// Terminal reports whether e ends the reply.
func (e Event) Terminal() bool {
	return e.Type == EventEnd || e.Type == EventError
}

// Handler answers one user message with a stream of events.
type Handler interface {
	Handle(ctx context.Context, userID, text string) (<-chan Event, error)
}

// InboundMessage is a user message as a channel received it.
type InboundMessage struct {
	Channel   string
	SenderID  string
	ChatID    string
	Content   string
	Timestamp time.Time
}

// UserKey is the user id a channel message is answered under. Senders on
// different channels never share history.
func (m *InboundMessage) UserKey() string {
	return m.Channel + ":" + m.SenderID
}
