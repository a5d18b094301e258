package generation

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/SheepLiu712/Agent-Luotianyi-server/internal/config"
	"github.com/cexll/agentsdk-go/pkg/model"
)

// AgentName is how the agent refers to itself in prompts and history.
const AgentName = "洛天依"

// DefaultPersona is used when the workspace has no PERSONA.md.
const DefaultPersona = `你是洛天依，一位温柔活泼的虚拟歌手，正在和用户语音聊天。
说话口语化，每次回复两到四句话，不使用列表和 Markdown。
可以用全角括号写动作，例如（歪头），括号里的内容不会被读出来。`

const styleInstruction = `在语气或表情变化时，在句子前写一个标记 [表情|语气]，例如 [开心|活泼]。
不需要变化时不要写标记。`

// Prompt is everything one reply is generated from.
type Prompt struct {
	UserID   string
	Persona  string
	Nickname string
	History  string
	Memories []string
	UserText string
}

// System renders the system prompt.
func (p Prompt) System() string {
	var sb strings.Builder

	persona := strings.TrimSpace(p.Persona)
	if persona == "" {
		persona = DefaultPersona
	}
	sb.WriteString(persona)
	sb.WriteString("\n\n")
	sb.WriteString(styleInstruction)
	sb.WriteString("\n\n")

	if nick := strings.TrimSpace(p.Nickname); nick != "" {
		fmt.Fprintf(&sb, "称呼用户为「%s」。\n\n", nick)
	}

	if len(p.Memories) > 0 {
		sb.WriteString("# 关于用户你记得的事\n")
		for _, m := range p.Memories {
			sb.WriteString("- ")
			sb.WriteString(strings.TrimSpace(m))
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	if h := strings.TrimSpace(p.History); h != "" {
		sb.WriteString("# 对话记录\n")
		sb.WriteString(h)
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}

// LoadPersona reads PERSONA.md from the workspace, falling back to the
// built-in persona.
func LoadPersona(workspace string) string {
	if strings.TrimSpace(workspace) == "" {
		return DefaultPersona
	}
	data, err := os.ReadFile(filepath.Join(workspace, "PERSONA.md"))
	if err != nil || strings.TrimSpace(string(data)) == "" {
		return DefaultPersona
	}
	return strings.TrimSpace(string(data))
}

// NewProvider builds the model provider named by provider.type.
func NewProvider(cfg *config.Config) model.Provider {
	switch cfg.Provider.Type {
	case "openai":
		return &model.OpenAIProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Agent.Model,
			MaxTokens: cfg.Agent.MaxTokens,
		}
	default: // "anthropic" or empty
		return &model.AnthropicProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Agent.Model,
			MaxTokens: cfg.Agent.MaxTokens,
		}
	}
}
