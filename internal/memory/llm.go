package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/SheepLiu712/Agent-Luotianyi-server/internal/config"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	extractionPrompt = `你是洛天依的记忆整理模块。阅读下面这轮对话，决定需要长期记住的关于用户的事实。

规则：
1. 只记录对话中明确出现的事实，不要推测
2. 每条记忆简洁独立
3. 如果已有记忆需要修正，用 update 并给出已有记忆的 id
4. 如果用户要求换一个称呼，填写 nickname，否则留空
5. 没有值得记住的内容时 commands 为空数组

只返回 JSON 对象：
{"commands":[{"op":"add","content":"..."},{"op":"update","id":"1a2b3c4d","content":"..."}],"nickname":""}

当前称呼：%s

已有记忆：
%s

对话：
用户：%s
洛天依：%s`

	summaryPrompt = `把下面的旧对话压缩成一段简短的总结，保留人物、约定和重要事实，按时间顺序，最近的放在最后。

只返回 JSON 对象：{"summary":"..."}

对话：
%s`
)

const extractionSchema = `{
  "type": "object",
  "required": ["commands"],
  "properties": {
    "commands": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["op", "content"],
        "properties": {
          "op": {"enum": ["add", "update"]},
          "id": {"type": "string"},
          "content": {"type": "string", "minLength": 1}
        },
        "if": {"properties": {"op": {"const": "update"}}},
        "then": {"required": ["id"], "properties": {"id": {"minLength": 1}}}
      }
    },
    "nickname": {"type": "string"}
  }
}`

const summarySchema = `{
  "type": "object",
  "required": ["summary"],
  "properties": {
    "summary": {"type": "string", "minLength": 1}
  }
}`

// LLMClient is the auxiliary model used by consolidation.
type LLMClient interface {
	Extract(ctx context.Context, in ExtractionInput) (*ExtractionResult, error)
	Summarize(ctx context.Context, transcript string) (string, error)
}

type llmClient struct {
	apiKey     string
	baseURL    string
	model      string
	maxTokens  int
	httpClient *http.Client

	extraction *jsonschema.Schema
	summary    *jsonschema.Schema
}

func NewLLMClient(cfg *config.Config) (LLMClient, error) {
	c := &llmClient{
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	if cfg.Memory.Provider != nil {
		c.apiKey = cfg.Memory.Provider.APIKey
		c.baseURL = cfg.Memory.Provider.BaseURL
	}
	if c.apiKey == "" {
		c.apiKey = cfg.Provider.APIKey
	}
	if c.baseURL == "" {
		c.baseURL = cfg.Provider.BaseURL
	}
	if cfg.Memory.Model != "" {
		c.model = cfg.Memory.Model
	} else {
		c.model = cfg.Agent.Model
	}
	if cfg.Memory.MaxTokens > 0 {
		c.maxTokens = cfg.Memory.MaxTokens
	} else {
		c.maxTokens = cfg.Agent.MaxTokens
	}

	var err error
	if c.extraction, err = compileSchema("extraction.json", extractionSchema); err != nil {
		return nil, err
	}
	if c.summary, err = compileSchema("summary.json", summarySchema); err != nil {
		return nil, err
	}
	return c, nil
}

func compileSchema(name, schema string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", name, err)
	}
	compiled, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return compiled, nil
}

func validateAgainstSchema(schema *jsonschema.Schema, raw []byte) error {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	return schema.Validate(payload)
}

func (c *llmClient) Extract(ctx context.Context, in ExtractionInput) (*ExtractionResult, error) {
	related := "（无）"
	if len(in.Related) > 0 {
		lines := make([]string, 0, len(in.Related))
		for _, r := range in.Related {
			if r.Shared {
				continue
			}
			lines = append(lines, fmt.Sprintf("[%s] %s", r.ShortID(), r.Content))
		}
		if len(lines) > 0 {
			related = strings.Join(lines, "\n")
		}
	}
	prompt := fmt.Sprintf(extractionPrompt, in.Nickname, related, in.UserText, in.AgentText)

	resp, err := c.complete(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}
	if err := validateAgainstSchema(c.extraction, []byte(resp)); err != nil {
		return nil, fmt.Errorf("validate extraction result: %w", err)
	}
	var out ExtractionResult
	if err := json.Unmarshal([]byte(resp), &out); err != nil {
		return nil, fmt.Errorf("parse extraction result: %w", err)
	}
	return &out, nil
}

func (c *llmClient) Summarize(ctx context.Context, transcript string) (string, error) {
	resp, err := c.complete(ctx, fmt.Sprintf(summaryPrompt, transcript))
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	if err := validateAgainstSchema(c.summary, []byte(resp)); err != nil {
		return "", fmt.Errorf("validate summary result: %w", err)
	}
	var out struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal([]byte(resp), &out); err != nil {
		return "", fmt.Errorf("parse summary result: %w", err)
	}
	return strings.TrimSpace(out.Summary), nil
}

func (c *llmClient) complete(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(c.apiKey) == "" {
		return "", fmt.Errorf("missing memory api key")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(c.baseURL), "/")
	if baseURL == "" {
		return "", fmt.Errorf("missing memory base url")
	}
	if c.model == "" {
		return "", fmt.Errorf("missing memory model")
	}

	body := map[string]any{
		"model": c.model,
		"messages": []map[string]string{{
			"role":    "user",
			"content": prompt,
		}},
		"max_tokens":  c.maxTokens,
		"temperature": 0.3,
		"response_format": map[string]string{
			"type": "json_object",
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("memory model http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", fmt.Errorf("empty choices in response")
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("empty content in response")
	}
	return stripCodeFence(content), nil
}

// stripCodeFence removes a ```json fence some models wrap around JSON output.
func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
