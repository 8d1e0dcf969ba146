package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"roundtable/internal/bus"
	"roundtable/internal/config"
	"roundtable/internal/domain"
	"roundtable/internal/engine"
	"roundtable/internal/metrics"
	"roundtable/internal/observer"
	"roundtable/internal/persona"
	"roundtable/internal/provider"
	"roundtable/internal/transcript"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "roundtable",
		Short: "roundtable: multi-agent conversation engine",
		Long:  "Roundtable runs a simulated group conversation between you and a roster of AI personas.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.roundtable/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(historyCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize config and default roster",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := resolveConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			if err := persona.WriteDefaults(cfg.Roster.Dir); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "roster", cfg.Roster.Dir)
			return nil
		},
	}
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation in the terminal",
		RunE:  runChat,
	}
}

func loadConfig() *config.Config {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Warn("config not found, using defaults", "path", cfgPath, "err", err)
		cfg = config.Defaults()
	}
	return cfg
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()

	if err := os.MkdirAll(cfg.General.DataDir, 0o755); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	roster, err := persona.LoadFromDirectory(cfg.Roster.Dir, logger)
	if err != nil {
		return fmt.Errorf("load roster: %w", err)
	}

	factory := provider.NewFactory(cfg, logger)
	genProvider, err := factory.Chain(cfg.Generation.Provider, cfg.Generation.FailoverChain)
	if err != nil {
		return fmt.Errorf("generation provider: %w", err)
	}
	decProvider, err := factory.Get(cfg.Decision.Provider)
	if err != nil {
		logger.Warn("decision provider unavailable, reusing generation provider", "err", err)
		decProvider = genProvider
	}

	eb := bus.New(logger)
	eng, err := engine.New(engine.Options{
		Roster:    roster,
		Decider:   provider.NewDecisionOracle(decProvider, cfg.Decision, logger),
		Generator: provider.NewTurnGenerator(genProvider, cfg.Generation, logger),
		Events:    eb,
		Tuning:    engine.TuningFromConfig(cfg.Engine),
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	if cfg.Transcript.Enabled {
		store, err := transcript.NewSQLiteStore(cfg.Transcript.DBPath, logger)
		if err != nil {
			return fmt.Errorf("transcript store: %w", err)
		}
		defer store.Close()
		transcript.Attach(eb, store, logger)
	}

	console := observer.NewConsole(observer.ConsoleConfig{Roster: roster, Logger: logger})
	console.Attach(eb)

	if cfg.Observers.Telegram.Enabled && cfg.Observers.Telegram.Token != "" {
		tg := observer.NewTelegram(observer.TelegramConfig{
			Token:     cfg.Observers.Telegram.Token,
			ChatID:    cfg.Observers.Telegram.ChatID,
			AllowFrom: cfg.Observers.Telegram.AllowFrom,
			ParseMode: cfg.Observers.Telegram.ParseMode,
			Roster:    roster,
			Logger:    logger,
		})
		go func() {
			if err := tg.Run(ctx, eng, eb); err != nil {
				logger.Error("telegram bridge error", "err", err)
			}
		}()
	}

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.Serve(cfg.Metrics.Addr, metrics.Default); err != nil {
				logger.Error("metrics server error", "err", err)
			}
		}()
		logger.Info("metrics enabled", "addr", cfg.Metrics.Addr)
	}

	return repl(ctx, eng)
}

// repl reads user input and drives the conversation until EOF, /quit, or a
// shutdown signal.
func repl(ctx context.Context, eng *engine.Engine) error {
	fmt.Println("roundtable. Type your message and press Enter. /help for commands.")
	fmt.Print("You> ")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil // EOF
			}
			line = strings.TrimSpace(line)
			if line == "" {
				fmt.Print("You> ")
				continue
			}
			done, err := handleLine(ctx, eng, line)
			if err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				fmt.Print("You> ")
			}
			if done {
				return nil
			}
		}
	}
}

func handleLine(ctx context.Context, eng *engine.Engine, line string) (quit bool, err error) {
	switch line {
	case "/quit", "/exit", "/q":
		return true, nil
	case "/help":
		fmt.Println("Commands:\n  /pause   pause agent turns\n  /resume  resume agent turns\n  /reset   end the current conversation\n  /quit    exit")
		fmt.Print("You> ")
		return false, nil
	case "/pause":
		eng.Pause()
		return false, nil
	case "/resume":
		eng.Resume()
		return false, nil
	case "/reset":
		eng.Reset()
		fmt.Print("You> ")
		return false, nil
	}

	if !eng.Active() {
		return false, eng.Start(ctx, line)
	}
	return false, eng.Publish(ctx, domain.Message{
		Content: line,
		Author:  domain.AuthorUser,
		Kind:    domain.KindUser,
	})
}

func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [conversation-id]",
		Short: "List stored conversations, or replay one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if !cfg.Transcript.Enabled {
				return fmt.Errorf("transcript store is disabled in config")
			}
			store, err := transcript.NewSQLiteStore(cfg.Transcript.DBPath, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if len(args) == 0 {
				convs, err := store.ListConversations(ctx, limit)
				if err != nil {
					return err
				}
				for _, c := range convs {
					fmt.Printf("%s  %s  %s\n", c.ID, c.UpdatedAt.Format(time.RFC3339), c.Title)
				}
				return nil
			}

			msgs, err := store.ListMessages(ctx, args[0], limit)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				fmt.Printf("[%s] %s: %s\n", m.Timestamp.Format("15:04:05"), m.Author, m.Content)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum entries to show")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("roundtable v" + version)
		},
	}
}
