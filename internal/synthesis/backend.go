package synthesis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/SheepLiu712/Agent-Luotianyi-server/internal/config"
)

var (
	ErrSynthesisFailed  = errors.New("synthesis failed")
	ErrSynthesisTimeout = errors.New("synthesis timed out")
	ErrCancelled        = errors.New("synthesis cancelled")
	ErrSchedulerClosed  = errors.New("synthesis scheduler closed")

	// ErrInvalidInput marks requests the backend rejected as malformed.
	// They are never retried.
	ErrInvalidInput = errors.New("invalid synthesis input")
	// ErrUnavailable marks overload and server-side failures.
	ErrUnavailable = errors.New("synthesis backend unavailable")
)

// Request is one utterance to synthesize.
type Request struct {
	Text       string
	Expression string
	Tone       string
}

// Audio is a synthesized clip. Data may be empty for text-only backends.
type Audio struct {
	Data   []byte
	Format string
}

// Backend is one synthesis instance. The scheduler calls it from a single
// worker at a time.
type Backend interface {
	Name() string
	Synthesize(ctx context.Context, req Request) (*Audio, error)
}

// IsTransient reports whether a failed attempt is worth retrying.
func IsTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, ErrCancelled), errors.Is(err, ErrInvalidInput):
		return false
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrSynthesisTimeout), errors.Is(err, ErrUnavailable):
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// SilentBackend returns empty audio. It serves text-only deployments.
type SilentBackend struct{}

func (SilentBackend) Name() string { return "silent" }

func (SilentBackend) Synthesize(ctx context.Context, req Request) (*Audio, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrInvalidInput
	}
	return &Audio{}, nil
}

// NewBackends builds the worker backends for the configured synthesis
// backend. Each SoVITS URL and each Polly instance is one worker.
func NewBackends(cfg config.SynthesisConfig) ([]Backend, error) {
	switch cfg.Backend {
	case "", config.SynthesisBackendSilent:
		return []Backend{SilentBackend{}}, nil
	case config.SynthesisBackendSovits:
		if len(cfg.URLs) == 0 {
			return nil, errors.New("synthesis.urls is required for the sovits backend")
		}
		refs := LoadReferences(cfg.Tones)
		if len(refs) == 0 {
			return nil, errors.New("synthesis.tones is required for the sovits backend")
		}
		backends := make([]Backend, 0, len(cfg.URLs))
		for _, u := range cfg.URLs {
			backends = append(backends, NewSovitsBackend(u, refs))
		}
		return backends, nil
	case config.SynthesisBackendPolly:
		n := cfg.Polly.Instances
		if n <= 0 {
			n = 1
		}
		backends := make([]Backend, 0, n)
		for i := 0; i < n; i++ {
			backends = append(backends, NewPollyBackend(PollyConfig{
				Region: cfg.Polly.Region,
				Voice:  cfg.Polly.Voice,
				Engine: cfg.Polly.Engine,
			}))
		}
		return backends, nil
	default:
		return nil, fmt.Errorf("unknown synthesis backend %q", cfg.Backend)
	}
}
