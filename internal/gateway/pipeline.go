package gateway

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/SheepLiu712/Agent-Luotianyi-server/internal/bus"
	"github.com/SheepLiu712/Agent-Luotianyi-server/internal/generation"
	"github.com/SheepLiu712/Agent-Luotianyi-server/internal/history"
	"github.com/SheepLiu712/Agent-Luotianyi-server/internal/memory"
	"github.com/SheepLiu712/Agent-Luotianyi-server/internal/session"
	"github.com/SheepLiu712/Agent-Luotianyi-server/internal/synthesis"
	"github.com/google/uuid"
)

var (
	// ErrRetrievalDegraded is logged when memory recall is skipped for a
	// request. The reply continues without it.
	ErrRetrievalDegraded = errors.New("memory retrieval degraded")
	ErrEmptyMessage      = errors.New("empty message")
)

// HistoryStore is the part of history.Store the pipeline uses.
type HistoryStore interface {
	Append(ctx context.Context, userID string, msg history.Message) (history.Message, error)
	LoadWindow(ctx context.Context, userID string) (*history.Window, error)
	Nickname(ctx context.Context, userID string) (string, error)
}

type Retriever interface {
	Retrieve(ctx context.Context, userID, query string, k int) ([]memory.Record, error)
}

type Consolidator interface {
	Consolidate(ctx context.Context, in memory.Interaction) error
	Compact(ctx context.Context, userID string) error
}

type ReplyGenerator interface {
	Generate(ctx context.Context, p generation.Prompt) (*generation.Stream, error)
}

type SpeechScheduler interface {
	Submit(ctx context.Context, sessionID string, req synthesis.Request) (*synthesis.Job, error)
	Cancel(sessionID string) int
}

// PipelineOptions bound one request.
type PipelineOptions struct {
	Persona          string
	TopK             int
	RetrievalTimeout time.Duration
	DeliveryTimeout  time.Duration
	EventBuffer      int
	Now              func() time.Time
}

func (o PipelineOptions) withDefaults() PipelineOptions {
	if o.TopK <= 0 {
		o.TopK = 5
	}
	if o.RetrievalTimeout <= 0 {
		o.RetrievalTimeout = 5 * time.Second
	}
	if o.DeliveryTimeout <= 0 {
		o.DeliveryTimeout = 3 * time.Minute
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 32
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Pipeline runs one reply per request: recall, generation, synthesis and
// ordered delivery, then hands the interaction to background consolidation.
type Pipeline struct {
	registry     *session.Registry
	history      HistoryStore
	memory       Retriever
	consolidator Consolidator
	generator    ReplyGenerator
	scheduler    SpeechScheduler
	opts         PipelineOptions

	inflight   sync.WaitGroup
	background sync.WaitGroup
}

func NewPipeline(registry *session.Registry, store HistoryStore, mem Retriever, consolidator Consolidator,
	generator ReplyGenerator, scheduler SpeechScheduler, opts PipelineOptions) *Pipeline {
	return &Pipeline{
		registry:     registry,
		history:      store,
		memory:       mem,
		consolidator: consolidator,
		generator:    generator,
		scheduler:    scheduler,
		opts:         opts.withDefaults(),
	}
}

// Handle starts a reply to text. It fails synchronously with
// session.ErrSessionBusy while the user's previous reply is running.
// Otherwise the returned channel yields utterance events in ordinal order,
// then exactly one end or error event, and is closed. Cancelling ctx aborts
// the reply; consolidation of what was said still runs.
func (p *Pipeline) Handle(ctx context.Context, userID, text string) (<-chan bus.Event, error) {
	userID = strings.TrimSpace(userID)
	text = strings.TrimSpace(text)
	if userID == "" {
		return nil, history.ErrEmptyUser
	}
	if text == "" {
		return nil, ErrEmptyMessage
	}

	s, err := p.registry.Acquire(userID)
	if err != nil {
		return nil, err
	}
	events := make(chan bus.Event, p.opts.EventBuffer)
	p.inflight.Add(1)
	go p.run(ctx, s, uuid.NewString(), text, events)
	return events, nil
}

// Wait blocks until running replies and the consolidation and compaction
// they started have finished.
func (p *Pipeline) Wait() {
	p.inflight.Wait()
	p.background.Wait()
}

type pendingUtterance struct {
	utt generation.Utterance
	job *synthesis.Job
	err error
}

func (p *Pipeline) run(parent context.Context, s *session.Session, interactionID, text string, events chan<- bus.Event) {
	defer p.inflight.Done()
	defer close(events)
	end := sync.OnceFunc(s.End)
	defer end()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	userID := s.UserID

	s.SetState(session.StateRetrievingMemory)
	memories, degraded := p.retrieve(ctx, userID, text)

	s.SetState(session.StateGenerating)
	prompt := p.prompt(ctx, s, text, memories)

	var (
		reply  string
		genErr error
	)
	stream, err := p.generator.Generate(ctx, prompt)
	if err != nil {
		genErr = err
	} else {
		reply, genErr = p.stream(ctx, s, interactionID, stream, events)
		stream.Close()
	}

	cancelled := parent.Err() != nil
	if cancelled {
		if n := p.scheduler.Cancel(userID); n > 0 {
			log.Printf("[gateway] request %s cancelled, dropped %d synthesis job(s)", interactionID, n)
		}
	}

	s.SetState(session.StateConsolidating)
	p.persist(context.WithoutCancel(parent), userID, interactionID, text, reply)
	s.SetState(session.StateIdle)
	end()

	final := bus.Event{InteractionID: interactionID, Degraded: degraded}
	switch {
	case cancelled:
		final.Type, final.Error = bus.EventError, bus.CodeCancelled
	case genErr != nil:
		log.Printf("[gateway] request %s generation failed: %v", interactionID, genErr)
		final.Type, final.Error = bus.EventError, bus.CodeGenerationFailed
	default:
		final.Type = bus.EventEnd
	}
	p.emitFinal(parent, events, final)
}

func (p *Pipeline) retrieve(ctx context.Context, userID, text string) ([]string, bool) {
	rctx, cancel := context.WithTimeout(ctx, p.opts.RetrievalTimeout)
	defer cancel()

	recs, err := p.memory.Retrieve(rctx, userID, text, p.opts.TopK)
	if err != nil {
		log.Printf("[gateway] %v for %s: %v", ErrRetrievalDegraded, userID, err)
		return nil, true
	}
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Content)
	}
	return out, false
}

func (p *Pipeline) prompt(ctx context.Context, s *session.Session, text string, memories []string) generation.Prompt {
	userID := s.UserID
	nickname, err := p.history.Nickname(ctx, userID)
	if err != nil {
		log.Printf("[gateway] load nickname for %s: %v", userID, err)
		nickname = s.Nickname()
	} else {
		s.SetNickname(nickname)
	}

	rendered := ""
	w, err := p.history.LoadWindow(ctx, userID)
	if err != nil {
		log.Printf("[gateway] load window for %s: %v", userID, err)
	} else {
		if w.Overflow != nil {
			p.compact(context.WithoutCancel(ctx), userID)
		}
		rendered = w.Render(p.opts.Now(), nickname, generation.AgentName)
	}

	return generation.Prompt{
		UserID:   userID,
		Persona:  p.opts.Persona,
		Nickname: nickname,
		History:  rendered,
		Memories: memories,
		UserText: text,
	}
}

// stream submits utterances for synthesis as they are generated while a
// second goroutine delivers them in order. It returns the reply text and
// the generation error, if any.
func (p *Pipeline) stream(ctx context.Context, s *session.Session, interactionID string, stream *generation.Stream, events chan<- bus.Event) (string, error) {
	pending := make(chan pendingUtterance, 4)
	delivered := make(chan struct{})
	go func() {
		defer close(delivered)
		p.deliver(ctx, interactionID, pending, events)
	}()

	for stream.Next() {
		s.SetState(session.StateStreaming)
		u := stream.Current()
		item := pendingUtterance{utt: u}
		if u.Speech != "" {
			item.job, item.err = p.scheduler.Submit(ctx, s.UserID, synthesis.Request{
				Text:       u.Speech,
				Expression: u.Style.Expression,
				Tone:       u.Style.Tone,
			})
			if item.err != nil && ctx.Err() != nil {
				break
			}
		}
		select {
		case pending <- item:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(pending)
	<-delivered
	return stream.Text(), stream.Err()
}

func (p *Pipeline) deliver(ctx context.Context, interactionID string, pending <-chan pendingUtterance, events chan<- bus.Event) {
	for item := range pending {
		if ctx.Err() != nil {
			continue
		}
		ev := bus.Event{
			Type:          bus.EventUtterance,
			InteractionID: interactionID,
			Ordinal:       item.utt.Ordinal,
			Text:          item.utt.Text,
			Expression:    item.utt.Style.Expression,
			Tone:          item.utt.Style.Tone,
		}
		switch {
		case item.err != nil:
			log.Printf("[gateway] request %s utterance %d not submitted: %v", interactionID, item.utt.Ordinal, item.err)
			ev.Error = bus.CodeSynthesisFailed
		case item.job != nil:
			wctx, cancel := context.WithTimeout(ctx, p.opts.DeliveryTimeout)
			res, err := item.job.Wait(wctx)
			cancel()
			if ctx.Err() != nil {
				continue
			}
			if err != nil {
				log.Printf("[gateway] request %s utterance %d: %v", interactionID, item.utt.Ordinal, err)
				ev.Error = bus.CodeSynthesisFailed
			} else if res.Audio != nil {
				ev.Audio = res.Audio.Data
				ev.Format = res.Audio.Format
			}
		}
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}
}

// persist appends the turn to history and schedules consolidation. It runs
// before the busy flag is cleared so the next request sees this turn.
func (p *Pipeline) persist(ctx context.Context, userID, interactionID, text, reply string) {
	if _, err := p.history.Append(ctx, userID, history.Message{Role: history.RoleUser, Content: text}); err != nil {
		log.Printf("[gateway] append user message for %s: %v", userID, err)
		return
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return
	}
	if _, err := p.history.Append(ctx, userID, history.Message{Role: history.RoleAgent, Content: reply}); err != nil {
		log.Printf("[gateway] append agent message for %s: %v", userID, err)
		return
	}

	in := memory.Interaction{
		ID:        interactionID,
		UserID:    userID,
		UserText:  text,
		AgentText: reply,
		CreatedAt: p.opts.Now(),
	}
	p.background.Add(1)
	go func() {
		defer p.background.Done()
		if err := p.consolidator.Consolidate(ctx, in); err != nil {
			log.Printf("[gateway] consolidation %s: %v", interactionID, err)
		}
	}()
}

func (p *Pipeline) compact(ctx context.Context, userID string) {
	p.background.Add(1)
	go func() {
		defer p.background.Done()
		if err := p.consolidator.Compact(ctx, userID); err != nil {
			log.Printf("[gateway] compact %s: %v", userID, err)
		}
	}()
}

// emitFinal sends the terminal event. A caller that has gone away may no
// longer be reading, so it gives up once the buffer is full.
func (p *Pipeline) emitFinal(ctx context.Context, events chan<- bus.Event, ev bus.Event) {
	if ctx.Err() == nil {
		events <- ev
		return
	}
	select {
	case events <- ev:
	default:
		log.Printf("[gateway] request %s: dropped %s event, caller gone", ev.InteractionID, ev.Type)
	}
}
