package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cexll/agentsdk-go/pkg/model"
)

var ErrGenerationFailed = errors.New("generation failed")

// Utterance is one sentence-sized unit of a reply. Ordinals start at 0.
type Utterance struct {
	Ordinal int
	Text    string
	Speech  string
	Style   Style
}

// Options bound a single generation.
type Options struct {
	MaxTokens         int
	MinRunes          int
	FirstTokenTimeout time.Duration
	IdleTimeout       time.Duration
}

// Generator streams replies from a language model.
type Generator struct {
	provider model.Provider
	opts     Options
}

func NewGenerator(provider model.Provider, opts Options) *Generator {
	if opts.FirstTokenTimeout <= 0 {
		opts.FirstTokenTimeout = 30 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Second
	}
	return &Generator{provider: provider, opts: opts}
}

// Generate starts one completion. The returned Stream yields utterances as
// soon as their boundaries are seen and must be closed by the caller.
func (g *Generator) Generate(ctx context.Context, p Prompt) (*Stream, error) {
	mdl, err := g.provider.Model(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve model: %w", ErrGenerationFailed, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		ctx:          ctx,
		cancel:       cancel,
		deltas:       make(chan string, 64),
		done:         make(chan error, 1),
		splitter:     NewSplitter(g.opts.MinRunes),
		firstTimeout: g.opts.FirstTokenTimeout,
		idleTimeout:  g.opts.IdleTimeout,
	}

	req := model.Request{
		System:    p.System(),
		Messages:  []model.Message{{Role: "user", Content: p.UserText}},
		MaxTokens: g.opts.MaxTokens,
		SessionID: p.UserID,
	}
	go func() {
		err := mdl.CompleteStream(ctx, req, func(sr model.StreamResult) error {
			if sr.Delta == "" {
				return nil
			}
			select {
			case s.deltas <- sr.Delta:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		s.done <- err
		close(s.deltas)
	}()
	return s, nil
}

// Stream is a lazy, finite sequence of utterances from one generation.
// It is not safe for concurrent use.
type Stream struct {
	ctx    context.Context
	cancel context.CancelFunc
	deltas chan string
	done   chan error

	splitter     *Splitter
	firstTimeout time.Duration
	idleTimeout  time.Duration

	queue    []Utterance
	current  Utterance
	next     int
	started  bool
	finished bool
	err      error
	text     strings.Builder
}

// Next advances to the next utterance. It returns false when the reply is
// complete or generation failed; check Err afterwards.
func (s *Stream) Next() bool {
	for len(s.queue) == 0 {
		if s.finished {
			return false
		}
		s.pump()
	}
	s.current = s.queue[0]
	s.queue = s.queue[1:]
	if needsSpace(s.text.String()) {
		s.text.WriteString(" ")
	}
	s.text.WriteString(s.current.Text)
	return true
}

func (s *Stream) pump() {
	timeout := s.idleTimeout
	if !s.started {
		timeout = s.firstTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case delta, ok := <-s.deltas:
		if !ok {
			s.finish(<-s.done)
			return
		}
		s.started = true
		s.enqueue(s.splitter.Add(delta))
	case <-timer.C:
		s.fail(fmt.Errorf("%w: no model output for %v", ErrGenerationFailed, timeout))
	case <-s.ctx.Done():
		s.fail(s.ctx.Err())
	}
}

func (s *Stream) finish(err error) {
	if err != nil {
		if ctxErr := s.ctx.Err(); ctxErr != nil {
			s.fail(ctxErr)
			return
		}
		s.fail(fmt.Errorf("%w: %w", ErrGenerationFailed, err))
		return
	}
	s.enqueue(s.splitter.Flush())
	s.finished = true
}

func (s *Stream) fail(err error) {
	s.err = err
	s.finished = true
	s.cancel()
}

func (s *Stream) enqueue(segs []Segment) {
	for _, seg := range segs {
		s.queue = append(s.queue, Utterance{
			Ordinal: s.next,
			Text:    seg.Text,
			Speech:  seg.Speech,
			Style:   seg.Style,
		})
		s.next++
	}
}

// needsSpace reports whether text ends in ASCII, where pieces are joined
// with a space. CJK pieces join directly.
func needsSpace(text string) bool {
	r, _ := utf8.DecodeLastRuneInString(text)
	return r != utf8.RuneError && r < utf8.RuneSelf
}

// Current returns the utterance produced by the last successful Next.
func (s *Stream) Current() Utterance {
	return s.current
}

// Err returns the error that ended the stream, or nil on a complete reply.
func (s *Stream) Err() error {
	return s.err
}

// Text returns the reply text handed out so far.
func (s *Stream) Text() string {
	return s.text.String()
}

// Close stops the underlying model call.
func (s *Stream) Close() {
	s.cancel()
}
