package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"kbchat/internal/backend"
	"kbchat/internal/config"
	"kbchat/internal/conversation"
	"kbchat/internal/core"
	"kbchat/internal/identity"
	"kbchat/internal/knowledge"
	"kbchat/internal/logging"
	"kbchat/internal/orchestrator"
	"kbchat/internal/poller"
	"kbchat/internal/tui"
)

var version = "v0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		printError(os.Stderr, err)
		os.Exit(1)
	}
}

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	envFile    string
	namespace  string
	logLevel   string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "kbchat",
		Short:         "kbchat chats with an assistant grounded in your job results",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTUI(cmd.Context(), opts)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "Path to config file")
	flags.StringVar(&opts.envFile, "env-file", "", "Path to .env file (default ./.env when present)")
	flags.StringVarP(&opts.namespace, "namespace", "n", "", "Knowledge namespace (overrides config)")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Also log to stderr")

	cmd.AddCommand(
		newAskCmd(opts),
		newKnowledgeCmd(opts),
		newStatusCmd(opts),
		newSchemaCmd(),
	)
	return cmd
}

// runtimeEnv is everything a command needs once config is loaded.
type runtimeEnv struct {
	cfg       config.Config
	settings  config.Settings
	logger    *logging.Logger
	store     knowledge.Store
	assistant *orchestrator.Assistant
}

type runtimeHooks struct {
	console        io.Writer
	onStatus       func(poller.Snapshot)
	onConversation func(conversation.Snapshot)
}

func loadConfig(opts *rootOptions) (config.Config, error) {
	cfg, err := config.Load(config.LoadOptions{
		Path:    strings.TrimSpace(opts.configPath),
		EnvFile: strings.TrimSpace(opts.envFile),
	})
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if ns := strings.TrimSpace(opts.namespace); ns != "" {
		cfg.Knowledge.Namespace = ns
	}
	if level := strings.TrimSpace(opts.logLevel); level != "" {
		cfg.Log.Level = level
	}
	return cfg, nil
}

func openRuntime(ctx context.Context, opts *rootOptions, hooks runtimeHooks) (*runtimeEnv, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	settings, err := cfg.Settings()
	if err != nil {
		return nil, fmt.Errorf("resolve settings: %w", err)
	}

	console := hooks.console
	if !opts.verbose {
		console = nil
	}
	logger, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.LogFilePath(),
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Console:    console,
	})
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	store, err := knowledge.OpenStore(ctx, cfg.Knowledge.Store, cfg.KnowledgePath())
	if err != nil {
		_ = logger.Close()
		return nil, fmt.Errorf("open knowledge store: %w", err)
	}

	assistantCfg := buildAssistantConfig(cfg, settings, store, logger.Logger)
	assistantCfg.OnStatus = hooks.onStatus
	assistantCfg.OnConversation = hooks.onConversation
	assistant, err := orchestrator.New(assistantCfg)
	if err != nil {
		_ = store.Close()
		_ = logger.Close()
		return nil, fmt.Errorf("create assistant: %w", err)
	}

	logger.Debug("runtime ready",
		zap.String("namespace", assistant.Namespace()),
		zap.String("backend", settings.Backend.BaseURL),
		zap.String("store", cfg.Knowledge.Store),
	)
	return &runtimeEnv{
		cfg:       cfg,
		settings:  settings,
		logger:    logger,
		store:     store,
		assistant: assistant,
	}, nil
}

func (r *runtimeEnv) Close() error {
	r.assistant.Stop()
	return errors.Join(r.store.Close(), r.logger.Close())
}

func buildAssistantConfig(cfg config.Config, settings config.Settings, store knowledge.Store, logger *zap.Logger) orchestrator.Config {
	return orchestrator.Config{
		Namespace: cfg.Knowledge.Namespace,
		Registry:  identity.NewRegistry(),
		Backend: backend.Config{
			BaseURL:        settings.Backend.BaseURL,
			SessionHeader:  settings.Backend.SessionHeader,
			ProbeTimeout:   settings.Backend.ProbeTimeout,
			RequestTimeout: settings.Backend.RequestTimeout,
		},
		Store: store,
		Chat: core.ChatConfig{
			MaxTokens:   cfg.Chat.MaxTokens,
			Temperature: cfg.Chat.Temperature,
			Model:       strings.TrimSpace(cfg.Chat.Model),
		},
		Retry: core.RetryPolicy{
			MaxRetries: retriesOrDisabled(settings.Retry.MaxRetries),
			BaseDelay:  settings.Retry.BaseDelay,
			MaxDelay:   settings.Retry.MaxDelay,
		},
		Chunks: knowledge.ChunkOptions{
			Size:    cfg.Knowledge.ChunkSize,
			Overlap: cfg.Knowledge.ChunkOverlap,
		},
		Poller: poller.Config{
			Interval:       settings.Poller.Interval,
			BackoffBase:    settings.Poller.BackoffBase,
			BackoffCap:     settings.Poller.BackoffCap,
			RateLimitDelay: settings.Poller.RateLimitDelay,
			ErrorDelay:     settings.Poller.ErrorDelay,
		},
		Logger: logger,
	}
}

// retriesOrDisabled maps a configured zero onto the policy's "no retries"
// value; RetryPolicy treats zero as unset.
func retriesOrDisabled(n int) int {
	if n == 0 {
		return -1
	}
	return n
}

func runTUI(ctx context.Context, opts *rootOptions) error {
	bridge := tui.NewBridge()
	rt, err := openRuntime(ctx, opts, runtimeHooks{
		onStatus:       bridge.PublishStatus,
		onConversation: bridge.PublishConversation,
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	app := tui.NewApp(tui.AppConfig{
		Version:       version,
		ThemeName:     rt.cfg.TUI.Theme,
		ShowKnowledge: true,
		Controller:    rt.assistant,
		Bridge:        bridge,
		Context:       ctx,
	})

	rt.assistant.Start(ctx)
	program := tea.NewProgram(app, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("run tui: %w", err)
	}
	return nil
}
