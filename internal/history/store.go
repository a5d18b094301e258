package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SheepLiu712/Agent-Luotianyi-server/internal/config"
	_ "modernc.org/sqlite"
)

// Options bound the window returned by LoadWindow.
type Options struct {
	WindowMessages int
	KeepRecent     int
	CeilingTokens  int
	ForgetAfter    time.Duration
	Cache          Cache
	Now            func() time.Time
}

func (o Options) withDefaults() Options {
	if o.WindowMessages <= 0 {
		o.WindowMessages = config.DefaultWindowMessages
	}
	if o.KeepRecent <= 0 {
		o.KeepRecent = config.DefaultKeepRecent
	}
	if o.CeilingTokens <= 0 {
		o.CeilingTokens = config.DefaultCeilingTokens
	}
	if o.Cache == nil {
		o.Cache = NopCache()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Store is the durable per-user conversation log.
type Store struct {
	db   *sql.DB
	mu   sync.Mutex // serializes writes
	opts Options

	compressLocks sync.Map // user id -> *sync.Mutex
	generations   sync.Map // user id -> *atomic.Uint64
}

func NewStore(dbPath string, opts Options) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db, opts: opts.withDefaults()}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			user_id TEXT NOT NULL,
			ordinal INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (user_id, ordinal)
		)`,
		`CREATE TABLE IF NOT EXISTS profiles (
			user_id TEXT PRIMARY KEY,
			nickname TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS interactions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_interactions_status ON interactions(status, updated_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	_ = s.opts.Cache.Close()
	return s.db.Close()
}

// Append stores msg as the user's next message and returns it with its
// ordinal assigned.
func (s *Store) Append(ctx context.Context, userID string, msg Message) (Message, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Message{}, ErrEmptyUser
	}
	if msg.Role != RoleUser && msg.Role != RoleAgent {
		return Message{}, fmt.Errorf("%w: %q", ErrInvalidRole, msg.Role)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.opts.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var last int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(ordinal), 0) FROM messages WHERE user_id = ?`, userID,
	).Scan(&last); err != nil {
		return Message{}, fmt.Errorf("read last ordinal: %w", err)
	}
	msg.Ordinal = last + 1

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (user_id, ordinal, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, userID, msg.Ordinal, msg.Role, msg.Content, msg.CreatedAt.UnixMilli()); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit append: %w", err)
	}

	s.invalidate(ctx, userID)
	return msg, nil
}

// LoadWindow returns the summary plus the most recent messages, bounded by
// the configured message count and token ceiling. It reads only the cache
// and the local database.
func (s *Store) LoadWindow(ctx context.Context, userID string) (*Window, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrEmptyUser
	}
	if w, ok := s.opts.Cache.Get(ctx, userID); ok {
		return w, nil
	}

	gen := s.generation(userID).Load()
	entries, err := s.readAll(ctx, userID)
	if err != nil {
		return nil, err
	}
	w := s.buildWindow(userID, entries)

	// invalidate runs under s.mu, so a write cannot land between the
	// generation check and the Set.
	s.mu.Lock()
	if s.generation(userID).Load() == gen {
		s.opts.Cache.Set(ctx, userID, w)
	}
	s.mu.Unlock()
	return w, nil
}

// Warm loads the user's window into the cache ahead of the first request.
func (s *Store) Warm(ctx context.Context, userID string) error {
	_, err := s.LoadWindow(ctx, userID)
	return err
}

func (s *Store) readAll(ctx context.Context, userID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ordinal, role, content, created_at
		FROM messages
		WHERE user_id = ?
		ORDER BY ordinal ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *Store) buildWindow(userID string, entries []Message) *Window {
	w := &Window{UserID: userID}
	if len(entries) == 0 {
		return w
	}
	w.LastOrdinal = entries[len(entries)-1].Ordinal

	raw := entries
	if entries[0].Role == RoleSummary {
		summary := entries[0]
		w.Summary = &summary
		raw = entries[1:]
	}

	ceiling := s.opts.CeilingTokens
	summaryTokens := w.Tokens()

	rawTokens := 0
	for _, m := range raw {
		rawTokens += EstimateTokens(m.Content)
	}
	if len(raw) > s.opts.WindowMessages || summaryTokens+rawTokens > ceiling {
		keep := keptSuffix(raw, s.opts.KeepRecent, ceiling/2)
		if keep < len(raw) {
			w.Overflow = &Range{
				From: entries[0].Ordinal,
				To:   raw[len(raw)-keep-1].Ordinal,
			}
		}
	}

	recent := raw
	if len(recent) > s.opts.WindowMessages {
		recent = recent[len(recent)-s.opts.WindowMessages:]
	}
	if s.opts.ForgetAfter > 0 {
		cutoff := s.opts.Now().Add(-s.opts.ForgetAfter)
		i := 0
		for i < len(recent) && recent[i].CreatedAt.Before(cutoff) {
			i++
		}
		recent = recent[i:]
	}

	budget := ceiling - summaryTokens
	used := 0
	start := len(recent)
	for start > 0 {
		t := EstimateTokens(recent[start-1].Content)
		if used+t > budget {
			break
		}
		used += t
		start--
	}
	w.Messages = append([]Message(nil), recent[start:]...)
	return w
}

// keptSuffix counts how many trailing messages stay raw after compression:
// at most max messages whose estimate fits in budget.
func keptSuffix(raw []Message, max, budget int) int {
	used := 0
	n := 0
	for i := len(raw) - 1; i >= 0 && n < max; i-- {
		t := EstimateTokens(raw[i].Content)
		if used+t > budget {
			break
		}
		used += t
		n++
	}
	return n
}

// Compress atomically replaces the stored prefix r with a single summary
// message carrying ordinal r.To. Only one compression per user may run at a
// time, and r must still be the stored prefix.
func (s *Store) Compress(ctx context.Context, userID, summary string, r Range) (Message, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Message{}, ErrEmptyUser
	}
	if r.From <= 0 || r.From > r.To {
		return Message{}, fmt.Errorf("%w: %d..%d", ErrInvalidRange, r.From, r.To)
	}

	lock := s.compressLock(userID)
	if !lock.TryLock() {
		return Message{}, ErrCompressionInFlight
	}
	defer lock.Unlock()

	summary = truncateTokens(strings.TrimSpace(summary), s.opts.CeilingTokens/2)

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("begin compress: %w", err)
	}
	defer tx.Rollback()

	var first sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MIN(ordinal) FROM messages WHERE user_id = ?`, userID,
	).Scan(&first); err != nil {
		return Message{}, fmt.Errorf("read first ordinal: %w", err)
	}
	if !first.Valid || first.Int64 != r.From {
		return Message{}, ErrStaleRange
	}

	var lastCreated int64
	err = tx.QueryRowContext(ctx,
		`SELECT created_at FROM messages WHERE user_id = ? AND ordinal = ?`, userID, r.To,
	).Scan(&lastCreated)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrStaleRange
	}
	if err != nil {
		return Message{}, fmt.Errorf("read range end: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE user_id = ? AND ordinal BETWEEN ? AND ?`, userID, r.From, r.To,
	); err != nil {
		return Message{}, fmt.Errorf("delete compressed range: %w", err)
	}

	msg := Message{
		Ordinal:   r.To,
		Role:      RoleSummary,
		Content:   summary,
		CreatedAt: time.UnixMilli(lastCreated),
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (user_id, ordinal, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, userID, msg.Ordinal, msg.Role, msg.Content, lastCreated); err != nil {
		return Message{}, fmt.Errorf("insert summary: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit compress: %w", err)
	}

	s.invalidate(ctx, userID)
	return msg, nil
}

// Range returns the stored entries with ordinals in r, summary included.
func (s *Store) Range(ctx context.Context, userID string, r Range) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ordinal, role, content, created_at
		FROM messages
		WHERE user_id = ? AND ordinal BETWEEN ? AND ?
		ORDER BY ordinal ASC
	`, strings.TrimSpace(userID), r.From, r.To)
	if err != nil {
		return nil, fmt.Errorf("query range: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// History pages the user's stored log, oldest first. Indexes count from the
// oldest stored entry; end < 0 means through the latest entry.
func (s *Store) History(ctx context.Context, userID string, start, end int) ([]Message, error) {
	if start < 0 {
		start = 0
	}
	limit := -1
	if end >= 0 {
		if end <= start {
			return []Message{}, nil
		}
		limit = end - start
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT ordinal, role, content, created_at
		FROM messages
		WHERE user_id = ?
		ORDER BY ordinal ASC
		LIMIT ? OFFSET ?
	`, strings.TrimSpace(userID), limit, start)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// Count returns the number of stored entries for the user.
func (s *Store) Count(ctx context.Context, userID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE user_id = ?`, strings.TrimSpace(userID),
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// Nickname returns how the agent addresses the user.
func (s *Store) Nickname(ctx context.Context, userID string) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx,
		`SELECT nickname FROM profiles WHERE user_id = ?`, strings.TrimSpace(userID),
	).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && strings.TrimSpace(name) == "") {
		return config.DefaultNickname, nil
	}
	if err != nil {
		return "", fmt.Errorf("read nickname: %w", err)
	}
	return name, nil
}

func (s *Store) SetNickname(ctx context.Context, userID, nickname string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrEmptyUser
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (user_id, nickname, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET nickname = excluded.nickname, updated_at = excluded.updated_at
	`, userID, strings.TrimSpace(nickname), s.opts.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("write nickname: %w", err)
	}
	return nil
}

func (s *Store) invalidate(ctx context.Context, userID string) {
	s.generation(userID).Add(1)
	s.opts.Cache.Delete(ctx, userID)
}

func (s *Store) generation(userID string) *atomic.Uint64 {
	v, _ := s.generations.LoadOrStore(userID, new(atomic.Uint64))
	return v.(*atomic.Uint64)
}

func (s *Store) compressLock(userID string) *sync.Mutex {
	v, _ := s.compressLocks.LoadOrStore(userID, new(sync.Mutex))
	return v.(*sync.Mutex)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	result := make([]Message, 0)
	for rows.Next() {
		var m Message
		var created int64
		if err := rows.Scan(&m.Ordinal, &m.Role, &m.Content, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = time.UnixMilli(created)
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return result, nil
}
