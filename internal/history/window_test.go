package history

import (
	"strings"
	"testing"
	"time"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"   ", 0},
		{"hi", 1},
		{"hello there world friend", 3},
		{"你好", 3},
		{"洛天依 唱歌", 9},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.text); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestTruncateTokens(t *testing.T) {
	if got := truncateTokens("short", 10); got != "short" {
		t.Errorf("truncateTokens kept %q", got)
	}
	text := strings.Repeat("一", 30) + "结尾"
	got := truncateTokens(text, 9)
	if EstimateTokens(got) > 9 {
		t.Errorf("truncated estimate %d > 9", EstimateTokens(got))
	}
	if !strings.HasSuffix(got, "结尾") {
		t.Errorf("truncateTokens should keep the tail, got %q", got)
	}
}

func TestElapsed(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.Local)
	tests := []struct {
		ago  time.Duration
		want string
	}{
		{-5 * time.Second, "0秒前"},
		{30 * time.Second, "30秒前"},
		{5 * time.Minute, "5分钟前"},
		{2*time.Hour + 15*time.Minute, "2小时15分钟前"},
		{10 * time.Hour, "10小时前"},
		{3 * 24 * time.Hour, "3天前"},
		{8 * 24 * time.Hour, "2025-03-02"},
	}
	for _, tt := range tests {
		if got := Elapsed(now, now.Add(-tt.ago)); got != tt.want {
			t.Errorf("Elapsed(%v) = %q, want %q", tt.ago, got, tt.want)
		}
	}
}

func TestWindowRender(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.Local)
	w := &Window{
		UserID:  "u",
		Summary: &Message{Role: RoleSummary, Content: "聊过唱歌"},
		Messages: []Message{
			{Ordinal: 5, Role: RoleUser, Content: "你好", CreatedAt: now.Add(-2 * time.Minute)},
			{Ordinal: 6, Role: RoleAgent, Content: "你好呀", CreatedAt: now.Add(-time.Minute)},
		},
	}
	got := w.Render(now, "小明", "洛天依")
	want := "更早对话总结：聊过唱歌\n最近对话：\n[2分钟前]小明: 你好\n[1分钟前]洛天依: 你好呀"
	if got != want {
		t.Errorf("Render =\n%s\nwant\n%s", got, want)
	}

	var empty *Window
	if empty.Render(now, "a", "b") != "" {
		t.Error("nil window should render empty")
	}
}
