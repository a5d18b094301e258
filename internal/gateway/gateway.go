package gateway

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/SheepLiu712/Agent-Luotianyi-server/internal/bus"
	"github.com/SheepLiu712/Agent-Luotianyi-server/internal/channel"
	"github.com/SheepLiu712/Agent-Luotianyi-server/internal/config"
	"github.com/SheepLiu712/Agent-Luotianyi-server/internal/cron"
	"github.com/SheepLiu712/Agent-Luotianyi-server/internal/generation"
	"github.com/SheepLiu712/Agent-Luotianyi-server/internal/history"
	"github.com/SheepLiu712/Agent-Luotianyi-server/internal/memory"
	"github.com/SheepLiu712/Agent-Luotianyi-server/internal/session"
	"github.com/SheepLiu712/Agent-Luotianyi-server/internal/synthesis"
	"github.com/cexll/agentsdk-go/pkg/model"
)

const (
	memoryRetryJob  = "memory-retry"
	sessionEvictJob = "session-evict"
)

// Options for creating a Gateway. Zero values build everything from config.
type Options struct {
	Provider   model.Provider
	LLM        memory.LLMClient
	Embedder   memory.Embedder
	Backends   []synthesis.Backend
	SignalChan chan os.Signal // for testing signal handling
}

// Gateway owns every long-lived component and the channels in front of them.
type Gateway struct {
	cfg          *config.Config
	store        *history.Store
	engine       *memory.Engine
	consolidator *memory.Consolidator
	scheduler    *synthesis.Scheduler
	registry     *session.Registry
	pipeline     *Pipeline
	cron         *cron.Service
	channels     *channel.ChannelManager
	signalChan   chan os.Signal
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with injected dependencies for testing
func NewWithOptions(cfg *config.Config, opts Options) (_ *Gateway, err error) {
	g := &Gateway{cfg: cfg, signalChan: opts.SignalChan}
	defer func() {
		if err != nil {
			g.closeStorage()
		}
	}()

	// History
	cache, err := newWindowCache(cfg.Context.Cache)
	if err != nil {
		return nil, err
	}
	g.store, err = history.NewStore(cfg.DBPath(), history.Options{
		WindowMessages: cfg.Context.WindowMessages,
		KeepRecent:     cfg.Context.KeepRecent,
		CeilingTokens:  cfg.Context.CeilingTokens,
		ForgetAfter:    config.Duration(cfg.Context.ForgetAfter, 0),
		Cache:          cache,
	})
	if err != nil {
		_ = cache.Close()
		return nil, fmt.Errorf("open history: %w", err)
	}

	// Memory
	embedder := opts.Embedder
	if embedder == nil {
		embedder = memory.NewEmbedder(cfg)
	}
	memDir := strings.TrimSpace(cfg.Memory.Dir)
	if memDir == "" {
		memDir = filepath.Join(config.ConfigDir(), "data", "memory")
	}
	g.engine, err = memory.NewEngine(memDir, embedder)
	if err != nil {
		return nil, fmt.Errorf("create memory engine: %w", err)
	}
	if path := strings.TrimSpace(cfg.Memory.KnowledgePath); path != "" {
		n, err := g.engine.LoadShared(context.Background(), path)
		if err != nil {
			log.Printf("[gateway] load shared knowledge warning: %v", err)
		} else {
			log.Printf("[gateway] shared knowledge: %d records", n)
		}
	}

	llm := opts.LLM
	if llm == nil {
		if llm, err = memory.NewLLMClient(cfg); err != nil {
			return nil, fmt.Errorf("create memory llm: %w", err)
		}
	}
	g.consolidator = memory.NewConsolidator(g.store, g.engine, llm, memory.ConsolidatorOptions{
		UserName:  config.DefaultNickname,
		AgentName: generation.AgentName,
	})

	// Generation
	provider := opts.Provider
	if provider == nil {
		provider = generation.NewProvider(cfg)
	}
	generator := generation.NewGenerator(provider, generation.Options{
		MaxTokens:         cfg.Agent.MaxTokens,
		FirstTokenTimeout: config.Duration(cfg.Pipeline.FirstTokenTimeout, 30*time.Second),
		IdleTimeout:       config.Duration(cfg.Pipeline.IdleTimeout, 30*time.Second),
	})

	// Synthesis
	backends := opts.Backends
	if len(backends) == 0 {
		if backends, err = synthesis.NewBackends(cfg.Synthesis); err != nil {
			return nil, fmt.Errorf("create synthesis backends: %w", err)
		}
	}
	synthOpts := synthesis.OptionsFromConfig(cfg.Synthesis)
	g.scheduler, err = synthesis.NewScheduler(backends, synthOpts)
	if err != nil {
		return nil, fmt.Errorf("create synthesis scheduler: %w", err)
	}

	// Sessions
	g.registry = session.NewRegistry()
	g.registry.OnCreate = g.restoreSession

	g.pipeline = NewPipeline(g.registry, g.store, g.engine, g.consolidator, generator, g.scheduler, PipelineOptions{
		Persona:          generation.LoadPersona(cfg.Agent.Workspace),
		TopK:             cfg.Memory.TopK,
		RetrievalTimeout: config.Duration(cfg.Pipeline.RetrievalTimeout, 5*time.Second),
		DeliveryTimeout:  deliveryTimeout(synthOpts),
	})

	// Maintenance
	g.cron = cron.NewService(config.CronStorePath())
	if err := g.registerJobs(); err != nil {
		return nil, err
	}

	// Channels
	g.channels, err = channel.NewChannelManager(cfg.Channels, cfg.Gateway, g.pipeline, g.store)
	if err != nil {
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels.SetStatus(func() any { return g.Status() })

	return g, nil
}

func newWindowCache(cfg config.CacheConfig) (history.Cache, error) {
	ttl := config.Duration(cfg.TTL, time.Hour)
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case config.CacheBackendNone:
		return history.NopCache(), nil
	case config.CacheBackendRedis:
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return nil, fmt.Errorf("redis cache needs context.cache.redisAddr")
		}
		return history.NewRedisCache(cfg.RedisAddr, cfg.RedisDB, ttl), nil
	case "", config.CacheBackendRistretto:
		return history.NewRistrettoCache(ttl)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

// deliveryTimeout bounds how long one utterance may wait for its audio: every
// attempt timing out plus the backoff between them, with slack for queueing.
func deliveryTimeout(o synthesis.Options) time.Duration {
	attempts := time.Duration(o.MaxAttempts)
	return o.Timeout*attempts + o.MaxBackoff*attempts + 30*time.Second
}

// restoreSession warms the history cache and nickname for a new session.
func (g *Gateway) restoreSession(s *session.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.store.Warm(ctx, s.UserID); err != nil {
		log.Printf("[gateway] warm history for %s: %v", s.UserID, err)
	}
	if name, err := g.store.Nickname(ctx, s.UserID); err == nil {
		s.SetNickname(name)
	}
}

func (g *Gateway) registerJobs() error {
	retrySchedule := strings.TrimSpace(g.cfg.Memory.RetrySchedule)
	if retrySchedule == "" {
		retrySchedule = config.DefaultMemoryRetrySchedule
	}
	evictSchedule := strings.TrimSpace(g.cfg.Session.EvictSchedule)
	if evictSchedule == "" {
		evictSchedule = config.DefaultEvictSchedule
	}
	idle := config.Duration(g.cfg.Session.IdleTimeout, 30*time.Minute)

	if err := g.cron.Register(cron.Job{
		Name:     memoryRetryJob,
		Schedule: retrySchedule,
		Run: func(ctx context.Context) (string, error) {
			n, err := g.consolidator.RetryPending(ctx)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("retried %d consolidation(s)", n), nil
		},
	}); err != nil {
		return err
	}
	return g.cron.Register(cron.Job{
		Name:     sessionEvictJob,
		Schedule: evictSchedule,
		Run: func(context.Context) (string, error) {
			return fmt.Sprintf("evicted %d session(s)", g.registry.EvictIdle(idle)), nil
		},
	})
}

// Handle answers one message. Channels and the CLI go through here.
func (g *Gateway) Handle(ctx context.Context, userID, text string) (<-chan bus.Event, error) {
	return g.pipeline.Handle(ctx, userID, text)
}

func (g *Gateway) Registry() *session.Registry { return g.registry }
func (g *Gateway) Store() *history.Store       { return g.store }
func (g *Gateway) Cron() *cron.Service         { return g.cron }

// Status is the live view served on /healthz.
type Status struct {
	Status    string          `json:"status"`
	Sessions  []session.Info  `json:"sessions"`
	Synthesis synthesis.Stats `json:"synthesis"`
}

func (g *Gateway) Status() Status {
	return Status{
		Status:    "ok",
		Sessions:  g.registry.Snapshot(),
		Synthesis: g.scheduler.Stats(),
	}
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := g.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	log.Printf("[gateway] channels started: %v", g.channels.EnabledChannels())

	if err := g.cron.Start(ctx); err != nil {
		log.Printf("[gateway] cron start warning: %v", err)
	}

	// Consolidations left over from the previous run.
	go func() {
		if n, err := g.consolidator.RetryPending(ctx); err != nil {
			log.Printf("[gateway] startup consolidation retry warning: %v", err)
		} else if n > 0 {
			log.Printf("[gateway] recovered %d consolidation(s)", n)
		}
	}()

	log.Printf("[gateway] running on %s:%d", g.cfg.Gateway.Host, g.cfg.Gateway.Port)

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Printf("[gateway] shutting down...")
	return g.Shutdown()
}

// Shutdown stops intake first, then lets running replies and their
// consolidation finish before closing storage.
func (g *Gateway) Shutdown() error {
	_ = g.channels.StopAll()
	g.cron.Stop()
	if err := g.scheduler.Close(); err != nil {
		log.Printf("[gateway] close synthesis scheduler warning: %v", err)
	}
	g.pipeline.Wait()
	g.closeStorage()
	log.Printf("[gateway] shutdown complete")
	return nil
}

func (g *Gateway) closeStorage() {
	if g.scheduler != nil {
		_ = g.scheduler.Close()
	}
	if g.store != nil {
		if err := g.store.Close(); err != nil {
			log.Printf("[gateway] close history warning: %v", err)
		}
	}
}
