package history

import (
	"errors"
	"time"
)

// Message roles.
const (
	RoleUser    = "user"
	RoleAgent   = "agent"
	RoleSummary = "summary"
)

var (
	ErrEmptyUser           = errors.New("history: empty user id")
	ErrInvalidRole         = errors.New("history: invalid message role")
	ErrInvalidRange        = errors.New("history: invalid range")
	ErrStaleRange          = errors.New("history: range no longer matches stored prefix")
	ErrCompressionInFlight = errors.New("history: compression already in flight")
)

// Message is one immutable turn in a user's log. Ordinals start at 1 and
// strictly increase per user.
type Message struct {
	Ordinal   int64     `json:"ordinal"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Range is an inclusive ordinal interval.
type Range struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

// Window is a bounded, read-only view over a user's log used to build
// prompts. Callers must not mutate it; cached windows are shared.
type Window struct {
	UserID   string
	Summary  *Message
	Messages []Message

	// Overflow is the prefix that should be folded into a summary, or nil.
	Overflow *Range

	// LastOrdinal is the highest ordinal stored when the window was read.
	LastOrdinal int64
}

// Tokens estimates the window length.
func (w *Window) Tokens() int {
	if w == nil {
		return 0
	}
	total := 0
	if w.Summary != nil {
		total += EstimateTokens(w.Summary.Content)
	}
	for _, m := range w.Messages {
		total += EstimateTokens(m.Content)
	}
	return total
}

// Empty reports whether the window carries no history.
func (w *Window) Empty() bool {
	return w == nil || (w.Summary == nil && len(w.Messages) == 0)
}
