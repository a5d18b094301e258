package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/SheepLiu712/Agent-Luotianyi-server/internal/bus"
	"github.com/SheepLiu712/Agent-Luotianyi-server/internal/config"
	"github.com/SheepLiu712/Agent-Luotianyi-server/internal/cron"
	"github.com/SheepLiu712/Agent-Luotianyi-server/internal/gateway"
	"github.com/SheepLiu712/Agent-Luotianyi-server/internal/generation"
	"github.com/SheepLiu712/Agent-Luotianyi-server/internal/history"
	"github.com/spf13/cobra"
)

const errNoAPIKey = "API key not set. Run 'luotianyi onboard' or set LUOTIANYI_API_KEY / ANTHROPIC_API_KEY"

// Responder answers chat messages (allows mocking in tests)
type Responder interface {
	Handle(ctx context.Context, userID, text string) (<-chan bus.Event, error)
	Shutdown() error
}

// ResponderFactory creates a Responder instance
type ResponderFactory func(cfg *config.Config) (Responder, error)

// DefaultResponderFactory builds a gateway without channels, so the terminal
// is the only way in.
func DefaultResponderFactory(cfg *config.Config) (Responder, error) {
	if cfg.Provider.APIKey == "" {
		return nil, errors.New(errNoAPIKey)
	}
	local := *cfg
	local.Channels = config.ChannelsConfig{}
	gw, err := gateway.New(&local)
	if err != nil {
		return nil, fmt.Errorf("create gateway: %w", err)
	}
	return gw, nil
}

// ChatOptions for running chat with custom dependencies
type ChatOptions struct {
	ResponderFactory ResponderFactory
	Stdin            io.Reader
	Stdout           io.Writer
	Stderr           io.Writer
}

var rootCmd = &cobra.Command{
	Use:   "luotianyi",
	Short: "luotianyi - voice chat companion server",
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat in the terminal, single message or REPL mode",
	RunE:  runChat,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the server (channels + maintenance jobs)",
	RunE:  runServe,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and workspace",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and maintenance job status",
	RunE:  runStatus,
}

var historyCmd = &cobra.Command{
	Use:   "history <user>",
	Short: "Print a user's stored conversation",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

var (
	messageFlag  string
	userFlag     string
	audioDirFlag string
	startFlag    int
	endFlag      int
)

func init() {
	chatCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Single message to send")
	chatCmd.Flags().StringVarP(&userFlag, "user", "u", "cli", "User id to chat as")
	chatCmd.Flags().StringVar(&audioDirFlag, "audio-dir", "", "Write synthesized clips to this directory")
	historyCmd.Flags().IntVar(&startFlag, "start", 0, "First entry to print (0-based)")
	historyCmd.Flags().IntVar(&endFlag, "end", -1, "Stop before this entry (-1 for all)")
	rootCmd.AddCommand(chatCmd, serveCmd, onboardCmd, statusCmd, historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	return runChatWithOptions(ChatOptions{})
}

// runChatWithOptions runs the chat loop with injectable dependencies for testing
func runChatWithOptions(opts ChatOptions) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	factory := opts.ResponderFactory
	if factory == nil {
		factory = DefaultResponderFactory
	}
	r, err := factory(cfg)
	if err != nil {
		return err
	}
	defer r.Shutdown()

	stdin := opts.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	ctx := context.Background()

	if messageFlag != "" {
		return chatOnce(ctx, r, messageFlag, stdout)
	}

	fmt.Fprintf(stdout, "chatting with %s as %q (type 'exit' to quit)\n", generation.AgentName, userFlag)
	scanner := bufio.NewScanner(stdin)
	for {
		fmt.Fprint(stdout, "\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}
		if err := chatOnce(ctx, r, input, stdout); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
		}
	}
	return nil
}

// chatOnce prints one reply as it streams in.
func chatOnce(ctx context.Context, r Responder, text string, stdout io.Writer) error {
	events, err := r.Handle(ctx, userFlag, text)
	if err != nil {
		return err
	}
	var failure string
	for ev := range events {
		switch ev.Type {
		case bus.EventUtterance:
			fmt.Fprintf(stdout, "%s%s: %s\n", generation.AgentName, styleTag(ev), ev.Text)
			if err := saveClip(ev); err != nil {
				fmt.Fprintf(stdout, "  (audio not saved: %v)\n", err)
			}
		case bus.EventError:
			failure = ev.Error
		case bus.EventEnd:
			if ev.Degraded {
				fmt.Fprintln(stdout, "  (memory recall unavailable for this reply)")
			}
		}
	}
	if failure != "" {
		return fmt.Errorf("reply failed: %s", failure)
	}
	return nil
}

func styleTag(ev bus.Event) string {
	if ev.Expression == "" && ev.Tone == "" {
		return ""
	}
	return fmt.Sprintf("[%s|%s]", ev.Expression, ev.Tone)
}

func saveClip(ev bus.Event) error {
	if audioDirFlag == "" || len(ev.Audio) == 0 {
		return nil
	}
	if err := os.MkdirAll(audioDirFlag, 0755); err != nil {
		return err
	}
	format := ev.Format
	if format == "" {
		format = "wav"
	}
	name := fmt.Sprintf("%s-%02d.%s", ev.InteractionID, ev.Ordinal, format)
	return os.WriteFile(filepath.Join(audioDirFlag, name), ev.Audio, 0644)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.Provider.APIKey == "" {
		return errors.New(errNoAPIKey)
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	return gw.Run(context.Background())
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		data, _ := json.MarshalIndent(cfg, "", "  ")
		if err := os.WriteFile(cfgPath, data, 0644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ws := cfg.Agent.Workspace
	if err := os.MkdirAll(ws, 0755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(cfgDir, "data"), 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	writeIfNotExists(filepath.Join(ws, "PERSONA.md"), generation.DefaultPersona+"\n")

	fmt.Printf("Workspace ready: %s\n", ws)
	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set your API key and synthesis backend\n", cfgPath)
	fmt.Println("  2. Or set LUOTIANYI_API_KEY environment variable")
	fmt.Println("  3. Run 'luotianyi chat -m \"你好\"' to test")

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Workspace: %s\n", cfg.Agent.Workspace)
	fmt.Printf("Model: %s\n", cfg.Agent.Model)
	fmt.Printf("Provider: %s\n", providerDisplay(cfg.Provider.Type))
	fmt.Printf("API Key: %s\n", maskKey(cfg.Provider.APIKey))
	fmt.Printf("History: %s (cache=%s)\n", cfg.DBPath(), cfg.Context.Cache.Backend)
	fmt.Printf("Synthesis: backend=%s instances=%d perSessionCap=%d\n",
		cfg.Synthesis.Backend, len(cfg.Synthesis.URLs), cfg.Synthesis.PerSessionCap)
	fmt.Printf("WebSocket: enabled=%v addr=%s:%d\n", cfg.Channels.WebSocket.Enabled, cfg.Gateway.Host, cfg.Gateway.Port)
	fmt.Printf("Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)

	states, err := cron.LoadStates(config.CronStorePath())
	switch {
	case err != nil:
		fmt.Printf("Jobs: error (%v)\n", err)
	case len(states) == 0:
		fmt.Println("Jobs: never run")
	default:
		for _, st := range states {
			line := fmt.Sprintf("Job %s: runs=%d last=%s", st.Name, st.Runs, st.LastStatus)
			if st.LastError != "" {
				line += " error=" + st.LastError
			}
			fmt.Println(line)
		}
	}
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if _, err := os.Stat(cfg.DBPath()); os.IsNotExist(err) {
		return fmt.Errorf("no history database at %s", cfg.DBPath())
	}

	store, err := history.NewStore(cfg.DBPath(), history.Options{Cache: history.NopCache()})
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer store.Close()

	return printHistory(cmd.Context(), store, args[0], startFlag, endFlag, cmd.OutOrStdout())
}

func printHistory(ctx context.Context, store *history.Store, userID string, start, end int, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	total, err := store.Count(ctx, userID)
	if err != nil {
		return err
	}
	msgs, err := store.History(ctx, userID, start, end)
	if err != nil {
		return err
	}
	nickname, err := store.Nickname(ctx, userID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s (%s): %d entries\n", userID, nickname, total)
	for _, m := range msgs {
		fmt.Fprintf(out, "#%d %s %s: %s\n", m.Ordinal, m.CreatedAt.Local().Format("2006-01-02 15:04"), m.Role, m.Content)
	}
	return nil
}

func providerDisplay(t string) string {
	if t == "" {
		return "anthropic (default)"
	}
	return t
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "not set"
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	default:
		return "set"
	}
}

func writeIfNotExists(path, content string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		_ = os.WriteFile(path, []byte(content), 0644)
		fmt.Printf("  Created: %s\n", path)
	}
}
