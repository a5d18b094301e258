package history

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Interaction ledger statuses.
const (
	InteractionPending = "pending"
	InteractionRunning = "running"
	InteractionDone    = "done"
	InteractionFailed  = "failed"
)

// Interaction is one completed exchange awaiting memory consolidation.
// Payload is opaque to the store.
type Interaction struct {
	ID        string
	UserID    string
	Payload   string
	Status    string
	Attempts  int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RecordInteraction adds an interaction in pending state. Recording the same
// id twice is a no-op.
func (s *Store) RecordInteraction(ctx context.Context, in Interaction) error {
	if strings.TrimSpace(in.UserID) == "" {
		return ErrEmptyUser
	}
	now := s.opts.Now().UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO interactions (id, user_id, payload, status, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, '', ?, ?)
	`, in.ID, strings.TrimSpace(in.UserID), in.Payload, InteractionPending, now, now)
	if err != nil {
		return fmt.Errorf("record interaction: %w", err)
	}
	return nil
}

// ClaimInteraction moves a pending or failed interaction to running. It
// reports false when another worker holds it or it is already done.
func (s *Store) ClaimInteraction(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE interactions
		SET status = ?, attempts = attempts + 1, updated_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, InteractionRunning, s.opts.Now().UnixMilli(), id, InteractionPending, InteractionFailed)
	if err != nil {
		return false, fmt.Errorf("claim interaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim interaction: %w", err)
	}
	return n == 1, nil
}

func (s *Store) CompleteInteraction(ctx context.Context, id string) error {
	return s.setInteractionStatus(ctx, id, InteractionDone, "")
}

func (s *Store) FailInteraction(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.setInteractionStatus(ctx, id, InteractionFailed, msg)
}

func (s *Store) setInteractionStatus(ctx context.Context, id, status, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		UPDATE interactions SET status = ?, last_error = ?, updated_at = ? WHERE id = ?
	`, status, lastError, s.opts.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("update interaction %s: %w", id, err)
	}
	return nil
}

// PendingInteractions lists pending or failed interactions with fewer than
// maxAttempts claims, oldest first.
func (s *Store) PendingInteractions(ctx context.Context, maxAttempts, limit int) ([]Interaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, payload, status, attempts, last_error, created_at, updated_at
		FROM interactions
		WHERE status IN (?, ?) AND attempts < ?
		ORDER BY created_at ASC
		LIMIT ?
	`, InteractionPending, InteractionFailed, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending interactions: %w", err)
	}
	defer rows.Close()

	result := make([]Interaction, 0)
	for rows.Next() {
		var in Interaction
		var created, updated int64
		if err := rows.Scan(&in.ID, &in.UserID, &in.Payload, &in.Status, &in.Attempts, &in.LastError, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		in.CreatedAt = time.UnixMilli(created)
		in.UpdatedAt = time.UnixMilli(updated)
		result = append(result, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate interactions: %w", err)
	}
	return result, nil
}

// ReleaseStale returns running interactions untouched for staleAfter to the
// failed state so ClaimInteraction can pick them up again.
func (s *Store) ReleaseStale(ctx context.Context, staleAfter time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE interactions SET status = ?, last_error = 'stale', updated_at = ?
		WHERE status = ? AND updated_at < ?
	`, InteractionFailed, s.opts.Now().UnixMilli(), InteractionRunning, s.opts.Now().Add(-staleAfter).UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("release stale interactions: %w", err)
	}
	return res.RowsAffected()
}
