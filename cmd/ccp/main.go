// ABOUTME: Terminal client driving a CLI coding agent through the session core.
// ABOUTME: Commands: chat (interactive REPL), sessions (list persisted), init.

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/touwaeriol/claude-code-plus-sub005/internal/agent"
	"github.com/touwaeriol/claude-code-plus-sub005/internal/config"
	"github.com/touwaeriol/claude-code-plus-sub005/internal/history"
	"github.com/touwaeriol/claude-code-plus-sub005/internal/session"
)

// Version is set by goreleaser at build time.
var version = "dev"

// chatTabID is the single conversation tab a terminal session owns.
const chatTabID = "terminal"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "ccp",
		Short:         "Terminal client for a CLI coding agent",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default: $CCP_CONFIG, then ~/.config/ccp/config.yaml)")

	root.AddCommand(newChatCmd(&configPath))
	root.AddCommand(newSessionsCmd(&configPath))
	root.AddCommand(newInitCmd(&configPath))
	return root
}

func newChatCmd(configPath *string) *cobra.Command {
	var (
		resumeID string
		model    string
		permMode string
		workDir  string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if model != "" {
				cfg.Agent.Model = model
			}
			if permMode != "" {
				cfg.Agent.PermissionMode = permMode
			}
			return runChat(ctx, cfg, resumeID, workDir)
		},
	}
	cmd.Flags().StringVar(&resumeID, "resume", "", "session id to resume")
	cmd.Flags().StringVar(&model, "model", "", "model override for this conversation")
	cmd.Flags().StringVar(&permMode, "permission-mode", "", "tool permission mode (e.g. plan, acceptEdits)")
	cmd.Flags().StringVar(&workDir, "workdir", "", "working directory for the agent (default: current directory)")
	return cmd
}

func newSessionsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List persisted sessions for this project",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			hist, err := history.NewSQLiteStore(databasePath(cfg))
			if err != nil {
				return fmt.Errorf("opening history store: %w", err)
			}
			defer hist.Close()

			projectPath, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("resolving project path: %w", err)
			}
			records, err := hist.ListSessions(cmd.Context(), projectPath)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("No persisted sessions for this project.")
				return nil
			}
			for _, rec := range records {
				fmt.Printf("%s  %s  turns=%d  tokens=%d/%d",
					rec.UpdatedAt.Format("2006-01-02 15:04"), rec.SessionID,
					rec.CompletedTurns, rec.InputTokens, rec.OutputTokens)
				if rec.Model != "" {
					fmt.Printf("  model=%s", rec.Model)
				}
				fmt.Println()
			}
			return nil
		},
	}
}

func newInitCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := *configPath
			if path == "" {
				path = defaultConfigPath()
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config already exists at %s", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return fmt.Errorf("creating config directory: %w", err)
			}
			starter := `agent:
  binary: claude
  # extra_args: ["--dangerously-skip-permissions"]
  # model: claude-sonnet-4-5
  # permission_mode: acceptEdits

session:
  interrupt_timeout: 1200ms
  poll_interval: 100ms

database:
  path: "" # default: ~/.local/share/ccp/sessions.db

logging:
  level: info
  format: text
`
			if err := os.WriteFile(path, []byte(starter), 0644); err != nil {
				return fmt.Errorf("writing config: %w", err)
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
}

// loadConfig resolves the config path and loads it, falling back to
// defaults when no file exists anywhere.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = defaultConfigPath()
		if _, err := os.Stat(path); err != nil {
			return config.Default(), nil
		}
	}
	return config.Load(path)
}

// defaultConfigPath follows CCP_CONFIG, then XDG_CONFIG_HOME/ccp/config.yaml,
// then ~/.config/ccp/config.yaml.
func defaultConfigPath() string {
	if envPath := os.Getenv("CCP_CONFIG"); envPath != "" {
		return envPath
	}
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "ccp", "config.yaml")
}

// databasePath resolves the metadata database location, defaulting to
// XDG_DATA_HOME/ccp/sessions.db.
func databasePath(cfg *config.Config) string {
	if cfg.Database.Path != "" {
		return cfg.Database.Path
	}
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "sessions.db"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "ccp", "sessions.db")
}

func runChat(ctx context.Context, cfg *config.Config, resumeID, workDir string) error {
	logger := setupLogger(cfg.Logging)

	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolving working directory: %w", err)
		}
		workDir = wd
	}

	hist, err := history.NewSQLiteStore(databasePath(cfg))
	if err != nil {
		return fmt.Errorf("opening history store: %w", err)
	}
	defer hist.Close()

	broadcaster := session.NewBroadcaster(logger)
	store := session.NewStore(session.Deps{
		NewProcess: func(tabID string) agent.Process {
			return agent.NewCLIProcess(cfg.Agent.Binary, cfg.Agent.ExtraArgs, logger)
		},
		Metadata:    hist,
		Tabs:        &terminalTab{},
		Broadcaster: broadcaster,
		Logger:      logger,
		Defaults: session.Config{
			Model:          cfg.Agent.Model,
			PermissionMode: cfg.Agent.PermissionMode,
			WorkDir:        workDir,
		},
		ProjectPath:      workDir,
		InterruptTimeout: cfg.Session.InterruptTimeout,
		PollInterval:     cfg.Session.PollInterval,
	})
	defer store.Close()

	var s *session.Session
	if resumeID != "" {
		s = store.Resume(ctx, chatTabID, resumeID)
		color.HiBlack("resuming session %s", resumeID)
	} else {
		s = store.GetOrCreate(chatTabID)
	}

	updates, _ := broadcaster.Subscribe(ctx, chatTabID)
	go newRenderer(os.Stdout).loop(updates)

	fmt.Printf("ccp %s (agent: %s)\n", version, cfg.Agent.Binary)
	fmt.Println("Type a message and press Enter. /help for commands. Ctrl+C to quit.")
	fmt.Println()

	return inputLoop(ctx, s)
}

func inputLoop(ctx context.Context, s *session.Session) error {
	scanner := bufio.NewScanner(os.Stdin)

	for {
		inputCh := make(chan string, 1)
		errCh := make(chan error, 1)
		go func() {
			if scanner.Scan() {
				inputCh <- scanner.Text()
				return
			}
			if err := scanner.Err(); err != nil {
				errCh <- err
			} else {
				errCh <- io.EOF
			}
		}()

		var input string
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case input = <-inputCh:
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if strings.HasPrefix(input, "/") {
			if quit := handleCommand(s, input); quit {
				return nil
			}
			continue
		}

		if s.IsGenerating() {
			s.Send(input)
			color.HiBlack("[queued: will run after the current turn]")
			continue
		}
		s.Send(input)
	}
}

// handleCommand dispatches a slash command. Returns true to exit the REPL.
func handleCommand(s *session.Session, input string) bool {
	cmd, rest, _ := strings.Cut(input, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "/quit", "/exit", "/q":
		return true

	case "/help":
		printHelp()

	case "/now":
		if rest == "" {
			fmt.Println("Usage: /now <message> (interrupts the current turn)")
			break
		}
		s.InterruptAndSend(rest)

	case "/session":
		fmt.Printf("session: %s\n", s.SessionID())

	case "/model":
		if rest == "" {
			fmt.Printf("model: %s\n", orUnset(s.Config().Model))
			break
		}
		s.SetModel(rest)
		fmt.Printf("model set to %s for subsequent turns\n", rest)

	case "/mode":
		if rest == "" {
			fmt.Printf("permission mode: %s\n", orUnset(s.Config().PermissionMode))
			break
		}
		s.SetPermissionMode(rest)
		fmt.Printf("permission mode set to %s for subsequent turns\n", rest)

	case "/context":
		if rest == "" {
			refs := s.Contexts()
			if len(refs) == 0 {
				fmt.Println("no pending context")
				break
			}
			for _, ref := range refs {
				fmt.Printf("  @%s\n", ref)
			}
			break
		}
		s.AddContext(rest)
		fmt.Printf("attached @%s to the next message\n", rest)

	case "/uncontext":
		if rest == "" {
			s.ClearContexts()
			fmt.Println("cleared pending context")
			break
		}
		s.RemoveContext(rest)

	default:
		fmt.Printf("Unknown command: %s (try /help)\n", cmd)
	}
	return false
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  /now <message>    Interrupt the current turn and send immediately")
	fmt.Println("  /context <path>   Attach a file reference to the next message")
	fmt.Println("  /context          List pending context")
	fmt.Println("  /uncontext [path] Remove one reference, or all")
	fmt.Println("  /model [name]     Show or set the model")
	fmt.Println("  /mode [name]      Show or set the permission mode")
	fmt.Println("  /session          Show the session id")
	fmt.Println("  /quit             Exit")
	fmt.Println()
	fmt.Println("Plain input during a turn is queued and runs afterwards, in order.")
}

func orUnset(v string) string {
	if v == "" {
		return "(agent default)"
	}
	return v
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelWarn
	}

	opts := &slog.HandlerOptions{Level: level}
	// Logs go to stderr so they never interleave with the transcript.
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
