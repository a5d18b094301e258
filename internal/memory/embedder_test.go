package memory

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/SheepLiu712/Agent-Luotianyi-server/internal/config"
)

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func TestHashEmbedder(t *testing.T) {
	h := NewHashEmbedder(64)
	ctx := context.Background()

	a1, err := h.Embed(ctx, "我喜欢唱歌")
	if err != nil {
		t.Fatalf("Embed error: %v", err)
	}
	a2, _ := h.Embed(ctx, "我喜欢唱歌")
	b, _ := h.Embed(ctx, "明天下雨吗")

	if len(a1) != 64 {
		t.Fatalf("dimension = %d, want 64", len(a1))
	}
	if math.Abs(dot(a1, a1)-1) > 1e-5 {
		t.Errorf("vector not normalized: |v|^2 = %f", dot(a1, a1))
	}
	if dot(a1, a2) < 0.9999 {
		t.Error("embedding is not deterministic")
	}
	if dot(a1, b) >= dot(a1, a2) {
		t.Error("unrelated text should be less similar")
	}

	if _, err := h.Embed(ctx, "  "); err == nil {
		t.Error("expected error for empty text")
	}
}

func TestNewEmbedder_SelectsProvider(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Memory.Embedding.Provider = config.EmbeddingProviderHash
	if _, ok := NewEmbedder(cfg).(*HashEmbedder); !ok {
		t.Error("expected hash embedder")
	}

	cfg.Memory.Embedding.Provider = config.EmbeddingProviderAPI
	if _, ok := NewEmbedder(cfg).(*embedderClient); !ok {
		t.Error("expected api embedder")
	}
}

func TestEmbedderClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer emb-key" {
			t.Errorf("auth header = %q", r.Header.Get("Authorization"))
		}
		var req embeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "emb-model" {
			t.Errorf("model = %q", req.Model)
		}
		_ = json.NewEncoder(w).Encode(embeddingResponse{Data: []embeddingData{{Index: 0, Embedding: []float32{3, 4}}}})
	}))
	defer srv.Close()

	cfg := config.DefaultConfig()
	cfg.Memory.Embedding = config.EmbeddingConfig{
		Provider: config.EmbeddingProviderAPI,
		Model:    "emb-model",
		BaseURL:  srv.URL,
		APIKey:   "emb-key",
	}
	vec, err := NewEmbedder(cfg).Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed error: %v", err)
	}
	if len(vec) != 2 || math.Abs(float64(vec[0])-0.6) > 1e-6 || math.Abs(float64(vec[1])-0.8) > 1e-6 {
		t.Errorf("vector = %v, want normalized [0.6 0.8]", vec)
	}
}

func TestEmbedderClient_DimensionMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(embeddingResponse{Data: []embeddingData{{Embedding: []float32{1, 2, 3}}}})
	}))
	defer srv.Close()

	c := &embedderClient{baseURL: srv.URL, apiKey: "k", model: "m", expectedDim: 2, httpClient: srv.Client()}
	if _, err := c.Embed(context.Background(), "x"); err == nil {
		t.Error("expected dimension mismatch error")
	}
}

func TestEmbedderClient_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := &embedderClient{baseURL: srv.URL, apiKey: "k", model: "m", httpClient: srv.Client()}
	if _, err := c.Embed(context.Background(), "x"); err == nil {
		t.Error("expected http error")
	}
}
