package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultModel     = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens = 2048
	DefaultHost      = "0.0.0.0"
	DefaultPort      = 18790

	DefaultWindowMessages = 100
	DefaultKeepRecent     = 20
	DefaultCeilingTokens  = 6000
	DefaultForgetAfter    = "240h"
	DefaultCacheBackend   = CacheBackendRistretto
	DefaultCacheTTL       = "1h"

	DefaultMemoryTopK          = 5
	DefaultMemoryRetrySchedule = "0 */1 * * * *"
	DefaultEmbeddingDimension  = 256

	DefaultSynthesisBackend     = SynthesisBackendSilent
	DefaultSynthesisSessionCap  = 3
	DefaultSynthesisMaxAttempts = 3
	DefaultSynthesisBaseBackoff = "200ms"
	DefaultSynthesisMaxBackoff  = "2s"
	DefaultSynthesisTimeout     = "60s"
	DefaultPollyRegion          = "us-east-1"
	DefaultPollyVoice           = "Zhiyu"
	DefaultPollyEngine          = "neural"

	DefaultSessionIdleTimeout = "30m"
	DefaultEvictSchedule      = "*/30 * * * * *"

	DefaultRetrievalTimeout  = "5s"
	DefaultFirstTokenTimeout = "30s"
	DefaultStreamIdleTimeout = "30s"

	DefaultNickname = "你"
)

const (
	CacheBackendRistretto = "ristretto"
	CacheBackendRedis     = "redis"
	CacheBackendNone      = "none"

	SynthesisBackendSilent = "silent"
	SynthesisBackendSovits = "sovits"
	SynthesisBackendPolly  = "polly"

	EmbeddingProviderAPI  = "api"
	EmbeddingProviderHash = "hash"
)

type Config struct {
	Agent     AgentConfig     `json:"agent"`
	Provider  ProviderConfig  `json:"provider"`
	Context   ContextConfig   `json:"context"`
	Memory    MemoryConfig    `json:"memory"`
	Synthesis SynthesisConfig `json:"synthesis"`
	Session   SessionConfig   `json:"session"`
	Pipeline  PipelineConfig  `json:"pipeline"`
	Gateway   GatewayConfig   `json:"gateway"`
	Channels  ChannelsConfig  `json:"channels"`
}

type AgentConfig struct {
	Workspace string `json:"workspace"`
	Model     string `json:"model"`
	MaxTokens int    `json:"maxTokens"`
	DBPath    string `json:"dbPath,omitempty"`
}

type ProviderConfig struct {
	Type    string `json:"type,omitempty"` // "anthropic" (default) or "openai"
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

type ContextConfig struct {
	WindowMessages int         `json:"windowMessages"`
	KeepRecent     int         `json:"keepRecent"`
	CeilingTokens  int         `json:"ceilingTokens"`
	ForgetAfter    string      `json:"forgetAfter,omitempty"`
	Cache          CacheConfig `json:"cache"`
}

type CacheConfig struct {
	Backend   string `json:"backend"`
	TTL       string `json:"ttl"`
	RedisAddr string `json:"redisAddr,omitempty"`
	RedisDB   int    `json:"redisDb,omitempty"`
}

type MemoryConfig struct {
	Dir           string          `json:"dir,omitempty"`
	KnowledgePath string          `json:"knowledgePath,omitempty"`
	TopK          int             `json:"topK"`
	Model         string          `json:"model,omitempty"`
	MaxTokens     int             `json:"maxTokens,omitempty"`
	Provider      *ProviderConfig `json:"provider,omitempty"`
	Embedding     EmbeddingConfig `json:"embedding"`
	RetrySchedule string          `json:"retrySchedule,omitempty"`
}

type EmbeddingConfig struct {
	Provider  string `json:"provider,omitempty"` // "api" or "hash"
	Model     string `json:"model,omitempty"`
	BaseURL   string `json:"baseUrl,omitempty"`
	APIKey    string `json:"apiKey,omitempty"`
	Dimension int    `json:"dimension,omitempty"`
}

type SynthesisConfig struct {
	Backend       string            `json:"backend"`
	URLs          []string          `json:"urls,omitempty"`
	PerSessionCap int               `json:"perSessionCap"`
	MaxAttempts   int               `json:"maxAttempts"`
	BaseBackoff   string            `json:"baseBackoff"`
	MaxBackoff    string            `json:"maxBackoff"`
	Timeout       string            `json:"timeout"`
	Tones         map[string]string `json:"tones,omitempty"` // tone -> reference audio path
	Polly         PollyConfig       `json:"polly"`
}

type PollyConfig struct {
	Region    string `json:"region"`
	Voice     string `json:"voice"`
	Engine    string `json:"engine"`
	Instances int    `json:"instances,omitempty"`
}

type SessionConfig struct {
	IdleTimeout   string `json:"idleTimeout"`
	EvictSchedule string `json:"evictSchedule,omitempty"`
}

type PipelineConfig struct {
	RetrievalTimeout  string `json:"retrievalTimeout"`
	FirstTokenTimeout string `json:"firstTokenTimeout"`
	IdleTimeout       string `json:"idleTimeout"`
}

type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type ChannelsConfig struct {
	WebSocket WebSocketConfig `json:"websocket"`
	Telegram  TelegramConfig  `json:"telegram"`
}

type WebSocketConfig struct {
	Enabled bool `json:"enabled"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty"`
}

func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Agent: AgentConfig{
			Workspace: filepath.Join(home, ".luotianyi", "workspace"),
			Model:     DefaultModel,
			MaxTokens: DefaultMaxTokens,
		},
		Context: ContextConfig{
			WindowMessages: DefaultWindowMessages,
			KeepRecent:     DefaultKeepRecent,
			CeilingTokens:  DefaultCeilingTokens,
			ForgetAfter:    DefaultForgetAfter,
			Cache: CacheConfig{
				Backend: DefaultCacheBackend,
				TTL:     DefaultCacheTTL,
			},
		},
		Memory: MemoryConfig{
			TopK:          DefaultMemoryTopK,
			RetrySchedule: DefaultMemoryRetrySchedule,
			Embedding: EmbeddingConfig{
				Provider:  EmbeddingProviderHash,
				Dimension: DefaultEmbeddingDimension,
			},
		},
		Synthesis: SynthesisConfig{
			Backend:       DefaultSynthesisBackend,
			PerSessionCap: DefaultSynthesisSessionCap,
			MaxAttempts:   DefaultSynthesisMaxAttempts,
			BaseBackoff:   DefaultSynthesisBaseBackoff,
			MaxBackoff:    DefaultSynthesisMaxBackoff,
			Timeout:       DefaultSynthesisTimeout,
			Polly: PollyConfig{
				Region: DefaultPollyRegion,
				Voice:  DefaultPollyVoice,
				Engine: DefaultPollyEngine,
			},
		},
		Session: SessionConfig{
			IdleTimeout:   DefaultSessionIdleTimeout,
			EvictSchedule: DefaultEvictSchedule,
		},
		Pipeline: PipelineConfig{
			RetrievalTimeout:  DefaultRetrievalTimeout,
			FirstTokenTimeout: DefaultFirstTokenTimeout,
			IdleTimeout:       DefaultStreamIdleTimeout,
		},
		Gateway: GatewayConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Channels: ChannelsConfig{
			WebSocket: WebSocketConfig{Enabled: true},
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".luotianyi")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// DBPath is the SQLite file holding conversation history.
func (c *Config) DBPath() string {
	if p := strings.TrimSpace(c.Agent.DBPath); p != "" {
		return p
	}
	return filepath.Join(ConfigDir(), "data", "history.db")
}

// CronStorePath is where maintenance job state is kept.
func CronStorePath() string {
	return filepath.Join(ConfigDir(), "data", "cron", "jobs.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if key := os.Getenv("LUOTIANYI_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "openai"
		}
	}
	if url := os.Getenv("LUOTIANYI_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if url := os.Getenv("ANTHROPIC_BASE_URL"); url != "" && cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = url
	}
	if dbPath := os.Getenv("LUOTIANYI_DB_PATH"); dbPath != "" {
		cfg.Agent.DBPath = dbPath
	}
	if dir := os.Getenv("LUOTIANYI_MEMORY_DIR"); dir != "" {
		cfg.Memory.Dir = dir
	}
	if backend := os.Getenv("LUOTIANYI_TTS_BACKEND"); backend != "" {
		cfg.Synthesis.Backend = backend
	}
	if urls := os.Getenv("LUOTIANYI_TTS_URLS"); urls != "" {
		cfg.Synthesis.URLs = splitList(urls)
	}
	if capStr := os.Getenv("LUOTIANYI_SESSION_CAP"); capStr != "" {
		if parsed, err := strconv.Atoi(capStr); err == nil {
			cfg.Synthesis.PerSessionCap = parsed
		}
	}
	if attempts := os.Getenv("LUOTIANYI_TTS_ATTEMPTS"); attempts != "" {
		if parsed, err := strconv.Atoi(attempts); err == nil {
			cfg.Synthesis.MaxAttempts = parsed
		}
	}
	if addr := os.Getenv("LUOTIANYI_REDIS_ADDR"); addr != "" {
		cfg.Context.Cache.RedisAddr = addr
		cfg.Context.Cache.Backend = CacheBackendRedis
	}
	if token := os.Getenv("LUOTIANYI_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}

	if cfg.Agent.Workspace == "" {
		cfg.Agent.Workspace = DefaultConfig().Agent.Workspace
	}
	if cfg.Context.WindowMessages <= 0 {
		cfg.Context.WindowMessages = DefaultWindowMessages
	}
	if cfg.Context.KeepRecent <= 0 {
		cfg.Context.KeepRecent = DefaultKeepRecent
	}
	if cfg.Context.CeilingTokens <= 0 {
		cfg.Context.CeilingTokens = DefaultCeilingTokens
	}
	if cfg.Synthesis.PerSessionCap <= 0 {
		cfg.Synthesis.PerSessionCap = DefaultSynthesisSessionCap
	}
	if cfg.Synthesis.MaxAttempts <= 0 {
		cfg.Synthesis.MaxAttempts = DefaultSynthesisMaxAttempts
	}
	if cfg.Memory.TopK <= 0 {
		cfg.Memory.TopK = DefaultMemoryTopK
	}

	return cfg, nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}

// Duration parses a config duration string, returning fallback when the
// value is empty or invalid.
func Duration(value string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil && d > 0 {
		return d
	}
	return fallback
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
