package memory

import (
	"errors"
	"time"
)

var (
	ErrSharedReadOnly      = errors.New("memory: shared partition is read-only")
	ErrRecordNotFound      = errors.New("memory: record not found")
	ErrConsolidationFailed = errors.New("memory: consolidation failed")
)

// SharedCollection is the read-only knowledge partition visible to every user.
const SharedCollection = "shared"

// Record is one remembered fact. Score is set on retrieval results only.
type Record struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id,omitempty"`
	Content   string            `json:"content"`
	Embedding []float32         `json:"-"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Score     float32           `json:"score,omitempty"`
	Shared    bool              `json:"shared,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// ShortID is the id prefix shown to the extraction model.
func (r Record) ShortID() string {
	if len(r.ID) <= shortIDLen {
		return r.ID
	}
	return r.ID[:shortIDLen]
}

const shortIDLen = 8

// Interaction is one completed exchange handed to consolidation.
type Interaction struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	UserText  string    `json:"user_text"`
	AgentText string    `json:"agent_text"`
	CreatedAt time.Time `json:"created_at"`
}

// Memory command operations produced by extraction.
const (
	OpAdd    = "add"
	OpUpdate = "update"
)

// Command is one memory change decided by the extraction model.
type Command struct {
	Op      string `json:"op"`
	ID      string `json:"id,omitempty"`
	Content string `json:"content"`
}

// ExtractionResult is the validated extraction output.
type ExtractionResult struct {
	Commands []Command `json:"commands"`
	Nickname string    `json:"nickname,omitempty"`
}

// ExtractionInput is what the extraction model sees.
type ExtractionInput struct {
	Nickname  string
	UserText  string
	AgentText string
	Related   []Record
}
