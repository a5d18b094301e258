package synthesis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Reference is the sample clip a GPT-SoVITS server imitates for one tone.
type Reference struct {
	AudioPath  string
	PromptText string
}

// LoadReferences maps tones to reference clips. The transcript of each clip
// is read from a .txt file next to it when present.
func LoadReferences(tones map[string]string) map[string]Reference {
	refs := make(map[string]Reference, len(tones))
	for tone, path := range tones {
		ref := Reference{AudioPath: path}
		lab := strings.TrimSuffix(path, filepath.Ext(path)) + ".txt"
		if data, err := os.ReadFile(lab); err == nil {
			ref.PromptText = strings.TrimSpace(string(data))
		}
		refs[tone] = ref
	}
	return refs
}

// SovitsBackend talks to one GPT-SoVITS inference server.
type SovitsBackend struct {
	baseURL  string
	language string
	refs     map[string]Reference
	fallback string
	client   *http.Client
}

func NewSovitsBackend(baseURL string, refs map[string]Reference) *SovitsBackend {
	b := &SovitsBackend{
		baseURL:  strings.TrimRight(baseURL, "/"),
		language: "zh",
		refs:     refs,
		client:   &http.Client{},
	}
	b.fallback = fallbackTone(refs)
	return b
}

// fallbackTone is "normal" when configured, else the first tone by name.
func fallbackTone(refs map[string]Reference) string {
	if _, ok := refs["normal"]; ok {
		return "normal"
	}
	tones := make([]string, 0, len(refs))
	for t := range refs {
		tones = append(tones, t)
	}
	sort.Strings(tones)
	if len(tones) == 0 {
		return ""
	}
	return tones[0]
}

func (b *SovitsBackend) Name() string { return "sovits " + b.baseURL }

type sovitsRequest struct {
	Text            string `json:"text"`
	TextLang        string `json:"text_lang"`
	RefAudioPath    string `json:"ref_audio_path"`
	PromptLang      string `json:"prompt_lang"`
	PromptText      string `json:"prompt_text"`
	TextSplitMethod string `json:"text_split_method"`
	BatchSize       int    `json:"batch_size"`
	MediaType       string `json:"media_type"`
	StreamingMode   bool   `json:"streaming_mode"`
}

func (b *SovitsBackend) Synthesize(ctx context.Context, req Request) (*Audio, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrInvalidInput
	}
	ref, ok := b.refs[req.Tone]
	if !ok {
		ref, ok = b.refs[b.fallback]
		if !ok {
			return nil, fmt.Errorf("sovits: %w: no reference audio configured", ErrInvalidInput)
		}
		if req.Tone != "" {
			log.Printf("[synthesis] tone %q not configured, using %q", req.Tone, b.fallback)
		}
	}

	body, err := json.Marshal(sovitsRequest{
		Text:            req.Text,
		TextLang:        b.language,
		RefAudioPath:    ref.AudioPath,
		PromptLang:      b.language,
		PromptText:      ref.PromptText,
		TextSplitMethod: "cut5",
		BatchSize:       1,
		MediaType:       "wav",
	})
	if err != nil {
		return nil, fmt.Errorf("sovits: marshal: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/tts", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("sovits: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sovits: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("sovits: read body: %w: %w", ErrUnavailable, err)
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		return &Audio{Data: data, Format: "wav"}, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("sovits: %w: status %d: %s", ErrUnavailable, resp.StatusCode, snippet(data))
	default:
		return nil, fmt.Errorf("sovits: %w: status %d: %s", ErrInvalidInput, resp.StatusCode, snippet(data))
	}
}

func snippet(data []byte) string {
	s := strings.TrimSpace(string(data))
	if r := []rune(s); len(r) > 200 {
		return string(r[:200])
	}
	return s
}
