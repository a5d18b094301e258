package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/SheepLiu712/Agent-Luotianyi-server/internal/config"
)

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// NewEmbedder picks the embedder named by memory.embedding.provider.
func NewEmbedder(cfg *config.Config) Embedder {
	embeddingCfg := cfg.Memory.Embedding
	dim := embeddingCfg.Dimension
	if dim <= 0 {
		dim = config.DefaultEmbeddingDimension
	}
	if strings.EqualFold(strings.TrimSpace(embeddingCfg.Provider), config.EmbeddingProviderHash) {
		return NewHashEmbedder(dim)
	}

	client := &embedderClient{
		expectedDim: embeddingCfg.Dimension,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
	}
	client.baseURL = firstNonEmptyTrimmed(embeddingCfg.BaseURL, memoryProviderBaseURL(cfg), cfg.Provider.BaseURL)
	client.apiKey = firstNonEmptyTrimmed(embeddingCfg.APIKey, memoryProviderAPIKey(cfg), cfg.Provider.APIKey)
	client.model = firstNonEmptyTrimmed(embeddingCfg.Model, cfg.Memory.Model, cfg.Agent.Model)
	return client
}

// embedderClient calls an OpenAI compatible /v1/embeddings endpoint.
type embedderClient struct {
	baseURL     string
	apiKey      string
	model       string
	expectedDim int
	httpClient  *http.Client
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"`
}

type embeddingResponse struct {
	Data []embeddingData `json:"data"`
}

type embeddingData struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

func (c *embedderClient) Embed(ctx context.Context, text string) ([]float32, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, fmt.Errorf("embed: empty text")
	}
	vec, err := c.request(ctx, trimmed)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	return normalize(vec), nil
}

func (c *embedderClient) request(ctx context.Context, input string) ([]float32, error) {
	if c.model == "" {
		return nil, fmt.Errorf("missing embedding model")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(c.baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("missing embedding base url")
	}
	if strings.TrimSpace(c.apiKey) == "" {
		return nil, fmt.Errorf("missing embedding api key")
	}

	payload, err := json.Marshal(embeddingRequest{Model: c.model, Input: input})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(c.apiKey))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("embedding http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var decoded embeddingResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Data) != 1 || len(decoded.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("expected one embedding, got %d", len(decoded.Data))
	}
	vec := decoded.Data[0].Embedding
	if c.expectedDim > 0 && len(vec) != c.expectedDim {
		return nil, fmt.Errorf("embedding dimension mismatch: got %d, expected %d", len(vec), c.expectedDim)
	}
	return vec, nil
}

// HashEmbedder maps text to a fixed-size bag of hashed features: single CJK
// runes, CJK bigrams and lower-cased words. Texts sharing vocabulary land
// close together, which is enough for offline use and tests.
type HashEmbedder struct {
	dim int
}

func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = config.DefaultEmbeddingDimension
	}
	return &HashEmbedder{dim: dim}
}

func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("embed: empty text")
	}
	vec := make([]float32, h.dim)
	for _, f := range features(text) {
		hash := fnv.New32a()
		_, _ = hash.Write([]byte(f))
		vec[hash.Sum32()%uint32(h.dim)]++
	}
	return normalize(vec), nil
}

func features(text string) []string {
	var out []string
	var word []rune
	var prevCJK rune
	flush := func() {
		if len(word) > 0 {
			out = append(out, strings.ToLower(string(word)))
			word = word[:0]
		}
	}
	for _, r := range text {
		switch {
		case unicode.Is(unicode.Han, r):
			flush()
			out = append(out, string(r))
			if prevCJK != 0 {
				out = append(out, string([]rune{prevCJK, r}))
			}
			prevCJK = r
			continue
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			word = append(word, r)
		default:
			flush()
		}
		prevCJK = 0
	}
	flush()
	if len(out) == 0 {
		out = append(out, text)
	}
	return out
}

func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = v / norm
	}
	return out
}

func firstNonEmptyTrimmed(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func memoryProviderBaseURL(cfg *config.Config) string {
	if cfg.Memory.Provider == nil {
		return ""
	}
	return cfg.Memory.Provider.BaseURL
}

func memoryProviderAPIKey(cfg *config.Config) string {
	if cfg.Memory.Provider == nil {
		return ""
	}
	return cfg.Memory.Provider.APIKey
}
