package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/SheepLiu712/Agent-Luotianyi-server/internal/history"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
)

// ConsolidatorOptions tune background retries.
type ConsolidatorOptions struct {
	UserName  string
	AgentName string

	RelatedK    int
	MaxAttempts int
	StaleAfter  time.Duration
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (o ConsolidatorOptions) withDefaults() ConsolidatorOptions {
	if o.AgentName == "" {
		o.AgentName = "洛天依"
	}
	if o.RelatedK <= 0 {
		o.RelatedK = 5
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 10 * time.Minute
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	return o
}

// Consolidator turns finished interactions into long-term memory and keeps
// each user's history window under its ceiling.
type Consolidator struct {
	store  *history.Store
	engine *Engine
	llm    LLMClient
	opts   ConsolidatorOptions

	retryMu sync.Mutex
}

func NewConsolidator(store *history.Store, engine *Engine, llm LLMClient, opts ConsolidatorOptions) *Consolidator {
	return &Consolidator{store: store, engine: engine, llm: llm, opts: opts.withDefaults()}
}

// Consolidate runs extraction and compaction for one interaction at most
// once. A second call with the same interaction id is a no-op unless the
// first one failed.
func (c *Consolidator) Consolidate(ctx context.Context, in Interaction) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode interaction: %w", err)
	}
	if err := c.store.RecordInteraction(ctx, history.Interaction{
		ID:      in.ID,
		UserID:  in.UserID,
		Payload: string(payload),
	}); err != nil {
		return fmt.Errorf("%w: %w", ErrConsolidationFailed, err)
	}
	return c.claimAndRun(ctx, in)
}

func (c *Consolidator) claimAndRun(ctx context.Context, in Interaction) error {
	claimed, err := c.store.ClaimInteraction(ctx, in.ID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConsolidationFailed, err)
	}
	if !claimed {
		return nil
	}

	if err := c.run(ctx, in); err != nil {
		if ferr := c.store.FailInteraction(ctx, in.ID, err); ferr != nil {
			log.Printf("[memory] mark interaction %s failed: %v", in.ID, ferr)
		}
		return fmt.Errorf("%w: %s: %w", ErrConsolidationFailed, in.ID, err)
	}
	if err := c.store.CompleteInteraction(ctx, in.ID); err != nil {
		return fmt.Errorf("%w: %w", ErrConsolidationFailed, err)
	}
	return nil
}

func (c *Consolidator) run(ctx context.Context, in Interaction) error {
	nickname, err := c.store.Nickname(ctx, in.UserID)
	if err != nil {
		return err
	}

	related, err := c.engine.Retrieve(ctx, in.UserID, in.UserText, c.opts.RelatedK)
	if err != nil {
		log.Printf("[memory] related lookup for %s failed: %v", in.UserID, err)
		related = nil
	}

	result, err := c.llm.Extract(ctx, ExtractionInput{
		Nickname:  nickname,
		UserText:  in.UserText,
		AgentText: in.AgentText,
		Related:   related,
	})
	if err != nil {
		return err
	}

	if err := c.apply(ctx, in, result); err != nil {
		return err
	}
	return c.Compact(ctx, in.UserID)
}

// apply writes the extracted commands. Record ids derive from the
// interaction id, so a retried consolidation overwrites its own earlier
// writes instead of duplicating them.
func (c *Consolidator) apply(ctx context.Context, in Interaction, result *ExtractionResult) error {
	ns := uuid.NewSHA1(uuid.NameSpaceOID, []byte(in.ID))
	for i, cmd := range result.Commands {
		switch cmd.Op {
		case OpAdd:
			id := uuid.NewSHA1(ns, []byte(fmt.Sprintf("add/%d", i))).String()
			if _, err := c.engine.Write(ctx, in.UserID, Record{
				ID:       id,
				Content:  cmd.Content,
				Metadata: map[string]string{"interaction_id": in.ID},
			}); err != nil {
				return fmt.Errorf("apply add: %w", err)
			}
		case OpUpdate:
			if _, err := c.engine.Update(ctx, in.UserID, cmd.ID, cmd.Content); err != nil {
				if errors.Is(err, ErrRecordNotFound) {
					log.Printf("[memory] update skipped for %s: %v", in.UserID, err)
					continue
				}
				return fmt.Errorf("apply update: %w", err)
			}
		}
	}

	if nick := strings.TrimSpace(result.Nickname); nick != "" {
		if err := c.store.SetNickname(ctx, in.UserID, nick); err != nil {
			return err
		}
	}
	return nil
}

// Compact folds the user's overflowing history prefix into one summary.
// It does nothing when the window is within bounds or another compaction
// already took the range.
func (c *Consolidator) Compact(ctx context.Context, userID string) error {
	w, err := c.store.LoadWindow(ctx, userID)
	if err != nil {
		return err
	}
	if w.Overflow == nil {
		return nil
	}

	entries, err := c.store.Range(ctx, userID, *w.Overflow)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	nickname, err := c.store.Nickname(ctx, userID)
	if err != nil {
		return err
	}
	summary, err := c.llm.Summarize(ctx, transcript(entries, nickname, c.opts.AgentName))
	if err != nil {
		return err
	}

	_, err = c.store.Compress(ctx, userID, summary, *w.Overflow)
	switch {
	case errors.Is(err, history.ErrStaleRange), errors.Is(err, history.ErrCompressionInFlight):
		log.Printf("[memory] compaction for %s skipped: %v", userID, err)
		return nil
	case err != nil:
		return err
	}
	log.Printf("[memory] compacted %s ordinals %d..%d", userID, w.Overflow.From, w.Overflow.To)
	return nil
}

func transcript(entries []history.Message, userName, agentName string) string {
	var sb strings.Builder
	for _, m := range entries {
		switch m.Role {
		case history.RoleSummary:
			sb.WriteString("更早的总结：")
		case history.RoleAgent:
			sb.WriteString(agentName + "：")
		default:
			sb.WriteString(userName + "：")
		}
		sb.WriteString(strings.TrimSpace(m.Content))
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}

// RetryPending re-runs failed consolidations and ones left running by a
// crashed process. Each interaction gets a few backoff-spaced attempts per
// call; the ledger caps attempts overall.
func (c *Consolidator) RetryPending(ctx context.Context) (int, error) {
	if !c.retryMu.TryLock() {
		return 0, nil
	}
	defer c.retryMu.Unlock()

	if n, err := c.store.ReleaseStale(ctx, c.opts.StaleAfter); err != nil {
		return 0, err
	} else if n > 0 {
		log.Printf("[memory] released %d stale consolidations", n)
	}

	pending, err := c.store.PendingInteractions(ctx, c.opts.MaxAttempts, 20)
	if err != nil {
		return 0, err
	}

	done := 0
	for _, p := range pending {
		var in Interaction
		if err := json.Unmarshal([]byte(p.Payload), &in); err != nil {
			log.Printf("[memory] drop interaction %s with bad payload: %v", p.ID, err)
			_ = c.store.FailInteraction(ctx, p.ID, err)
			continue
		}

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = c.opts.BaseBackoff
		b.MaxInterval = c.opts.MaxBackoff
		tries := c.opts.MaxAttempts - p.Attempts
		if tries > 2 {
			tries = 2
		}

		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			return struct{}{}, c.claimAndRun(ctx, in)
		},
			backoff.WithBackOff(b),
			backoff.WithMaxTries(uint(tries)),
			backoff.WithNotify(func(err error, next time.Duration) {
				log.Printf("[memory] consolidation %s retry in %v: %v", in.ID, next, err)
			}),
		)
		if err != nil {
			log.Printf("[memory] consolidation %s still failing: %v", in.ID, err)
			continue
		}
		done++
	}
	return done, nil
}
