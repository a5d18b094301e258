package history

import (
	"fmt"
	"strings"
	"time"
)

// EstimateTokens approximates model tokens: 1.5 per CJK rune plus 0.75 per
// whitespace separated word, minimum 1 for non-empty text.
func EstimateTokens(text string) int {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	chineseChars := 0
	for _, r := range text {
		if r >= 0x4E00 && r <= 0x9FFF {
			chineseChars++
		}
	}
	words := len(strings.Fields(text))
	estimate := int(float64(chineseChars)*1.5 + float64(words)*0.75)
	if estimate < 1 {
		return 1
	}
	return estimate
}

// truncateTokens cuts text from the front until it fits in limit tokens.
// The tail is kept because summaries put the most recent facts last.
func truncateTokens(text string, limit int) string {
	if limit <= 0 || EstimateTokens(text) <= limit {
		return text
	}
	runes := []rune(text)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi) / 2
		if EstimateTokens(string(runes[mid:])) <= limit {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return string(runes[lo:])
}

// Render formats the window as prompt text, one line per message prefixed
// with its age relative to now.
func (w *Window) Render(now time.Time, userName, agentName string) string {
	if w.Empty() {
		return ""
	}
	var sb strings.Builder
	if w.Summary != nil {
		sb.WriteString("更早对话总结：")
		sb.WriteString(strings.TrimSpace(w.Summary.Content))
		sb.WriteString("\n")
	}
	if len(w.Messages) > 0 {
		sb.WriteString("最近对话：\n")
	}
	for _, m := range w.Messages {
		speaker := userName
		if m.Role == RoleAgent {
			speaker = agentName
		}
		fmt.Fprintf(&sb, "[%s]%s: %s\n", Elapsed(now, m.CreatedAt), speaker, strings.TrimSpace(m.Content))
	}
	return strings.TrimSpace(sb.String())
}

// Elapsed renders how long ago t was, coarsening with distance.
func Elapsed(now, t time.Time) string {
	delta := now.Sub(t)
	if delta < 0 {
		delta = 0
	}
	seconds := int(delta.Seconds())
	minutes := seconds / 60
	hours := minutes / 60
	days := hours / 24

	switch {
	case seconds < 60:
		return fmt.Sprintf("%d秒前", seconds)
	case minutes < 60:
		return fmt.Sprintf("%d分钟前", minutes)
	case hours < 6:
		return fmt.Sprintf("%d小时%d分钟前", hours, minutes%60)
	case hours < 24:
		return fmt.Sprintf("%d小时前", hours)
	case days <= 5:
		return fmt.Sprintf("%d天前", days)
	default:
		return t.Local().Format("2006-01-02")
	}
}
