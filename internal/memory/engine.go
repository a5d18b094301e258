package memory

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
)

// Engine keeps one vector collection per user plus the shared knowledge
// collection. A user's collection is only reachable through that user's id.
type Engine struct {
	db       *chromem.DB
	embedder Embedder
	now      func() time.Time

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
}

// NewEngine opens a persistent store under dir, or an in-memory one when dir
// is empty.
func NewEngine(dir string, embedder Embedder) (*Engine, error) {
	var (
		db  *chromem.DB
		err error
	)
	if strings.TrimSpace(dir) == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create memory dir: %w", err)
		}
		db, err = chromem.NewPersistentDB(dir, false)
		if err != nil {
			return nil, fmt.Errorf("open memory db: %w", err)
		}
	}
	return &Engine{
		db:          db,
		embedder:    embedder,
		now:         time.Now,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

func collectionName(userID string) string {
	return "user_" + userID
}

func (e *Engine) collection(name string) (*chromem.Collection, error) {
	e.mu.RLock()
	col, ok := e.collections[name]
	e.mu.RUnlock()
	if ok {
		return col, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if col, ok := e.collections[name]; ok {
		return col, nil
	}
	col, err := e.db.GetOrCreateCollection(name, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("open collection %s: %w", name, err)
	}
	e.collections[name] = col
	return col, nil
}

// Retrieve returns the k records most similar to query across the user's
// partition and the shared partition.
func (e *Engine) Retrieve(ctx context.Context, userID, query string, k int) ([]Record, error) {
	userID = strings.TrimSpace(userID)
	query = strings.TrimSpace(query)
	if userID == "" || query == "" || k <= 0 {
		return []Record{}, nil
	}

	emb, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	private, err := e.query(ctx, collectionName(userID), emb, k, nil)
	if err != nil {
		return nil, err
	}
	shared, err := e.query(ctx, SharedCollection, emb, k, nil)
	if err != nil {
		return nil, err
	}
	for i := range private {
		private[i].UserID = userID
	}
	for i := range shared {
		shared[i].Shared = true
	}

	merged := append(private, shared...)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Score > merged[j].Score
	})
	if len(merged) > k {
		merged = merged[:k]
	}
	return merged, nil
}

func (e *Engine) query(ctx context.Context, name string, emb []float32, k int, where map[string]string) ([]Record, error) {
	col, err := e.collection(name)
	if err != nil {
		return nil, err
	}
	n := k
	if count := col.Count(); n > count {
		n = count
	}
	if n == 0 {
		return []Record{}, nil
	}

	results, err := col.QueryEmbedding(ctx, emb, n, where, nil)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", name, err)
	}
	records := make([]Record, 0, len(results))
	for _, r := range results {
		records = append(records, Record{
			ID:        r.ID,
			Content:   r.Content,
			Metadata:  r.Metadata,
			Score:     r.Similarity,
			CreatedAt: parseTime(r.Metadata["created_at"]),
		})
	}
	return records, nil
}

// Write stores rec in the user's partition. An empty rec.ID gets a fresh
// uuid; writing an existing id replaces that record.
func (e *Engine) Write(ctx context.Context, userID string, rec Record) (Record, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Record{}, ErrSharedReadOnly
	}
	rec.Content = strings.TrimSpace(rec.Content)
	if rec.Content == "" {
		return Record{}, fmt.Errorf("write memory: empty content")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = e.now()
	}
	if len(rec.Embedding) == 0 {
		emb, err := e.embedder.Embed(ctx, rec.Content)
		if err != nil {
			return Record{}, fmt.Errorf("embed memory: %w", err)
		}
		rec.Embedding = emb
	}
	rec.UserID = userID
	rec.Shared = false

	col, err := e.collection(collectionName(userID))
	if err != nil {
		return Record{}, err
	}
	if err := col.AddDocument(ctx, toDocument(rec)); err != nil {
		return Record{}, fmt.Errorf("add memory: %w", err)
	}
	return rec, nil
}

// Update rewrites the user's record whose id starts with shortID.
func (e *Engine) Update(ctx context.Context, userID, shortID, content string) (Record, error) {
	userID = strings.TrimSpace(userID)
	shortID = strings.TrimSpace(shortID)
	if userID == "" {
		return Record{}, ErrSharedReadOnly
	}
	if shortID == "" {
		return Record{}, ErrRecordNotFound
	}
	if len(shortID) > shortIDLen {
		shortID = shortID[:shortIDLen]
	}

	emb, err := e.embedder.Embed(ctx, content)
	if err != nil {
		return Record{}, fmt.Errorf("embed memory: %w", err)
	}
	matches, err := e.query(ctx, collectionName(userID), emb, 1, map[string]string{"short_id": shortID})
	if err != nil {
		return Record{}, err
	}
	if len(matches) == 0 {
		return Record{}, fmt.Errorf("%w: %s", ErrRecordNotFound, shortID)
	}

	old := matches[0]
	return e.Write(ctx, userID, Record{
		ID:        old.ID,
		Content:   content,
		Embedding: emb,
		Metadata:  old.Metadata,
		CreatedAt: old.CreatedAt,
	})
}

// Count returns the number of records in the user's partition.
func (e *Engine) Count(userID string) (int, error) {
	col, err := e.collection(collectionName(strings.TrimSpace(userID)))
	if err != nil {
		return 0, err
	}
	return col.Count(), nil
}

// SharedCount returns the number of records in the shared partition.
func (e *Engine) SharedCount() (int, error) {
	col, err := e.collection(SharedCollection)
	if err != nil {
		return 0, err
	}
	return col.Count(), nil
}

type knowledgeLine struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata"`
}

// LoadShared provisions the shared partition from a JSONL file with one
// {"id","content","metadata"} object per line. Lines are keyed by id, so
// loading the same file again is a no-op.
func (e *Engine) LoadShared(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open knowledge file: %w", err)
	}
	defer f.Close()

	col, err := e.collection(SharedCollection)
	if err != nil {
		return 0, err
	}

	loaded := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var kl knowledgeLine
		if err := json.Unmarshal([]byte(line), &kl); err != nil {
			log.Printf("[memory] skip knowledge line %d: %v", lineNo, err)
			continue
		}
		if strings.TrimSpace(kl.Content) == "" {
			continue
		}
		if kl.ID == "" {
			kl.ID = uuid.NewSHA1(uuid.NameSpaceURL, []byte(kl.Content)).String()
		}
		emb, err := e.embedder.Embed(ctx, kl.Content)
		if err != nil {
			return loaded, fmt.Errorf("embed knowledge line %d: %w", lineNo, err)
		}
		rec := Record{ID: kl.ID, Content: strings.TrimSpace(kl.Content), Embedding: emb, Metadata: kl.Metadata, Shared: true, CreatedAt: e.now()}
		if err := col.AddDocument(ctx, toDocument(rec)); err != nil {
			return loaded, fmt.Errorf("add knowledge line %d: %w", lineNo, err)
		}
		loaded++
	}
	if err := scanner.Err(); err != nil {
		return loaded, fmt.Errorf("read knowledge file: %w", err)
	}
	log.Printf("[memory] loaded %d shared knowledge records", loaded)
	return loaded, nil
}

func toDocument(rec Record) chromem.Document {
	meta := make(map[string]string, len(rec.Metadata)+2)
	for k, v := range rec.Metadata {
		meta[k] = v
	}
	meta["short_id"] = rec.ShortID()
	meta["created_at"] = rec.CreatedAt.UTC().Format(time.RFC3339)
	return chromem.Document{
		ID:        rec.ID,
		Content:   rec.Content,
		Embedding: rec.Embedding,
		Metadata:  meta,
	}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
