package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"stockbot/internal/browser"
	"stockbot/internal/bus"
	"stockbot/internal/channel"
	"stockbot/internal/chart"
	"stockbot/internal/config"
	"stockbot/internal/dispatch"
	"stockbot/internal/domain"
	"stockbot/internal/imaging"
	"stockbot/internal/market"
	"stockbot/internal/memory"
	"stockbot/internal/news"
	"stockbot/internal/provider"

	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	configPath string
)

func main() {
	root := &cobra.Command{
		Use:     "stockbot",
		Short:   "StockBot - 台股資訊助理 (quotes, charts, news, chat)",
		Version: version,
		Long: `StockBot answers Taiwan stock questions over LINE, Telegram, Discord,
Slack, a REST API, and an interactive CLI. It fetches realtime quotes and
daily history from TWSE, renders trend charts, searches recent news, and
falls back to an LLM for everything else.`,
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default ~/.stockbot/config.json)")

	root.AddCommand(
		initCmd(),
		chatCmd(),
		serveCmd(),
		statusCmd(),
		configCmd(),
		wizardCmd(),
		doctorCmd(),
		backupCmd(),
		restoreCmd(),
		daemonCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func resolveConfigPath() string {
	if configPath != "" {
		return config.ExpandPath(configPath)
	}
	if env := os.Getenv("STOCKBOT_CONFIG"); env != "" {
		return config.ExpandPath(env)
	}
	return config.DefaultConfigPath()
}

func loadConfig() (*config.Config, error) {
	return config.Load(resolveConfigPath())
}

func setupLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.General.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	if cfg.General.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err == nil {
			if f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
				out = io.MultiWriter(os.Stderr, f)
			}
		}
	}

	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
}

// initCmd writes a default config and creates the workspace.
func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a default config file and workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				fmt.Printf("Config already exists: %s\n", cfgPath)
				return nil
			}

			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("write config: %w", err)
			}

			workspace := config.ExpandPath(cfg.General.Workspace)
			if err := os.MkdirAll(workspace, 0o755); err != nil {
				return fmt.Errorf("create workspace: %w", err)
			}

			fmt.Printf("Config created: %s\n", cfgPath)
			fmt.Printf("Workspace:      %s\n", workspace)
			fmt.Println()
			fmt.Println("Next steps:")
			fmt.Println("  1. Set GEMINI_API_KEY (or edit providers in the config)")
			fmt.Println("  2. Run 'stockbot chat' to talk to the bot in your terminal")
			fmt.Println("  3. Enable channels (line/telegram/...) and run 'stockbot serve'")
			return nil
		},
	}
}

// runtime holds the wired-up core shared by chat and serve.
type runtime struct {
	cfg        *config.Config
	logger     *slog.Logger
	bus        *bus.InMemoryBus
	events     *bus.EventBus
	store      domain.MemoryStore
	provider   domain.Provider
	dispatcher *dispatch.Dispatcher
	bridge     *browser.Bridge
}

func buildRuntime(cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	b := bus.New(100, logger)
	events := bus.NewEventBus(logger)

	dbPath := cfg.Memory.DBPath
	if !cfg.Memory.Enabled {
		dbPath = ":memory:"
	}
	store, err := memory.NewSQLiteStore(dbPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}

	factory := provider.NewFactory(cfg, logger)
	llm, err := factory.DefaultProvider()
	if err != nil {
		return nil, fmt.Errorf("initialize provider: %w", err)
	}

	symbols := market.NewSymbolTable()
	if cfg.Market.SymbolsFile != "" {
		if err := symbols.LoadAliases(cfg.Market.SymbolsFile); err != nil {
			logger.Warn("cannot load symbol aliases", "path", cfg.Market.SymbolsFile, "err", err)
		}
	}

	mkt := market.NewClient(market.ClientConfig{
		QuoteAPIBase:   cfg.Market.QuoteAPIBase,
		HistoryAPIBase: cfg.Market.HistoryAPIBase,
		Timeout:        time.Duration(cfg.Market.TimeoutSeconds) * time.Second,
		Logger:         logger,
	})

	var bridge *browser.Bridge
	if cfg.Imaging.Enabled || (cfg.News.Enabled && cfg.News.BrowserFetch) {
		bridge = browser.NewBridge(browser.BridgeConfig{Logger: logger})
	}

	var chartRenderer dispatch.ChartRenderer
	var uploader dispatch.ImageUploader
	if cfg.Imaging.Enabled {
		chartRenderer = chart.NewRenderer(bridge, logger)
		uploader = imaging.NewUploader(imaging.UploaderConfig{
			CloudName: cfg.Imaging.CloudName,
			APIKey:    cfg.Imaging.APIKey,
			APISecret: cfg.Imaging.APISecret,
			Folder:    cfg.Imaging.Folder,
			Logger:    logger,
		})
	}

	var searcher dispatch.NewsSearcher
	var extractor dispatch.ArticleExtractor
	if cfg.News.Enabled {
		searcher = news.NewSearcher(news.SearcherConfig{
			APIKey:         cfg.News.APIKey,
			SearchEngineID: cfg.News.SearchEngineID,
			APIBase:        cfg.News.APIBase,
			MaxResults:     cfg.News.MaxResults,
			DateRestrict:   cfg.News.DateRestrict,
			Logger:         logger,
		})
		var fetchBridge *browser.Bridge
		if cfg.News.BrowserFetch {
			fetchBridge = bridge
		}
		extractor = news.NewExtractor(fetchBridge, logger)
	}

	var classifierLLM domain.Provider
	if cfg.Dispatch.LLMExtraction {
		classifierLLM = llm
	}
	classifier := dispatch.NewClassifier(cfg.Dispatch, symbols, classifierLLM, logger)

	dispatcher := dispatch.NewDispatcher(dispatch.DispatcherConfig{
		Bus:            b,
		Events:         events,
		Classifier:     classifier,
		Market:         mkt,
		Chart:          chartRenderer,
		Uploader:       uploader,
		News:           searcher,
		Extractor:      extractor,
		Provider:       llm,
		Store:          store,
		Logger:         logger,
		Concurrency:    cfg.General.MaxConcurrentMessages,
		RequestTimeout: time.Duration(cfg.General.RequestTimeoutSeconds) * time.Second,
		HistoryDays:    cfg.Market.HistoryDays,
	})

	return &runtime{
		cfg:        cfg,
		logger:     logger,
		bus:        b,
		events:     events,
		store:      store,
		provider:   llm,
		dispatcher: dispatcher,
		bridge:     bridge,
	}, nil
}

func (rt *runtime) close() {
	rt.bus.Close()
	if err := rt.store.Close(); err != nil {
		rt.logger.Warn("closing memory store", "err", err)
	}
}

// chatCmd runs an interactive terminal session against the dispatcher.
func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Chat with the bot in your terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := setupLogger(cfg)

			rt, err := buildRuntime(cfg, logger)
			if err != nil {
				return err
			}
			defer rt.close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			go rt.dispatcher.Run(ctx)

			cli := channel.NewCLI(channel.CLIChannelConfig{Logger: logger})
			return cli.Start(ctx, rt.bus)
		},
	}
}

// serveCmd starts every enabled channel plus the dispatcher and blocks
// until SIGINT/SIGTERM.
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot with all enabled channels (LINE, Telegram, Discord, Slack, REST API)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := setupLogger(cfg)

			rt, err := buildRuntime(cfg, logger)
			if err != nil {
				return err
			}
			defer rt.close()

			channels := enabledChannels(cfg, rt, logger)
			if len(channels) == 0 {
				return fmt.Errorf("no channels enabled; enable at least one of channels.line/telegram/discord/slack/api in %s", resolveConfigPath())
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt.events.On(bus.EventReplyDegraded, func(ev bus.Event) {
				logger.Warn("reply degraded", "channel", ev.Payload["channel"], "err", ev.Payload["error"])
			})

			go rt.dispatcher.Run(ctx)

			var wg sync.WaitGroup
			errCh := make(chan error, len(channels))
			for _, ch := range channels {
				wg.Add(1)
				go func(ch domain.Channel) {
					defer wg.Done()
					logger.Info("starting channel", "channel", ch.Name())
					if err := ch.Start(ctx, rt.bus); err != nil {
						logger.Error("channel stopped", "channel", ch.Name(), "err", err)
						errCh <- fmt.Errorf("%s: %w", ch.Name(), err)
					}
				}(ch)
			}

			names := make([]string, 0, len(channels))
			for _, ch := range channels {
				names = append(names, ch.Name())
			}
			logger.Info("stockbot running", "version", version, "channels", strings.Join(names, ","))

			select {
			case <-ctx.Done():
			case err := <-errCh:
				stop()
				logger.Error("shutting down after channel failure", "err", err)
			}

			done := make(chan struct{})
			go func() {
				for _, ch := range channels {
					ch.Stop()
				}
				wg.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(10 * time.Second):
				logger.Warn("shutdown timed out")
			}

			logger.Info("stockbot stopped")
			return nil
		},
	}
}

func enabledChannels(cfg *config.Config, rt *runtime, logger *slog.Logger) []domain.Channel {
	var channels []domain.Channel

	if cfg.Channels.Line.Enabled {
		channels = append(channels, channel.NewLine(channel.LineChannelConfig{
			ChannelSecret: cfg.Channels.Line.ChannelSecret,
			ChannelToken:  cfg.Channels.Line.ChannelToken,
			Port:          cfg.Channels.Line.Port,
			Path:          cfg.Channels.Line.WebhookPath,
			Logger:        logger,
		}))
	}
	if cfg.Channels.Telegram.Enabled {
		channels = append(channels, channel.NewTelegram(channel.TelegramConfig{
			Token:     cfg.Channels.Telegram.Token,
			AllowFrom: cfg.Channels.Telegram.AllowFrom,
			ParseMode: cfg.Channels.Telegram.ParseMode,
			Logger:    logger,
		}))
	}
	if cfg.Channels.Discord.Enabled {
		channels = append(channels, channel.NewDiscord(channel.DiscordConfig{
			Token:   cfg.Channels.Discord.Token,
			GuildID: cfg.Channels.Discord.GuildID,
			Logger:  logger,
		}))
	}
	if cfg.Channels.Slack.Enabled {
		channels = append(channels, channel.NewSlack(channel.SlackConfig{
			BotToken: cfg.Channels.Slack.BotToken,
			AppToken: cfg.Channels.Slack.AppToken,
			Logger:   logger,
		}))
	}
	if cfg.Channels.API.Enabled {
		channels = append(channels, channel.NewAPI(channel.APIChannelConfig{
			Host:      cfg.Channels.API.Host,
			Port:      cfg.Channels.API.Port,
			Processor: rt.dispatcher,
			Logger:    logger,
		}))
	}

	return channels
}

// statusCmd reports config, channel, and provider health.
func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and provider health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			logger := setupLogger(cfg)

			fmt.Printf("Config:    %s\n", cfgPath)
			fmt.Printf("Workspace: %s\n", cfg.General.Workspace)
			fmt.Printf("Database:  %s\n", cfg.Memory.DBPath)
			fmt.Println()

			fmt.Println("Channels:")
			for _, c := range []struct {
				name    string
				enabled bool
			}{
				{"line", cfg.Channels.Line.Enabled},
				{"telegram", cfg.Channels.Telegram.Enabled},
				{"discord", cfg.Channels.Discord.Enabled},
				{"slack", cfg.Channels.Slack.Enabled},
				{"api", cfg.Channels.API.Enabled},
				{"cli", cfg.Channels.CLI.Enabled},
			} {
				state := "disabled"
				if c.enabled {
					state = "enabled"
				}
				fmt.Printf("  %-10s %s\n", c.name, state)
			}
			fmt.Println()

			fmt.Println("Adapters:")
			fmt.Printf("  %-10s quotes %s / history %s\n", "market", cfg.Market.QuoteAPIBase, cfg.Market.HistoryAPIBase)
			fmt.Printf("  %-10s %v\n", "news", cfg.News.Enabled)
			fmt.Printf("  %-10s %v\n", "imaging", cfg.Imaging.Enabled)
			fmt.Println()

			fmt.Println("Providers:")
			factory := provider.NewFactory(cfg, logger)
			for name, pc := range cfg.Providers {
				if !pc.Enabled {
					fmt.Printf("  %-10s disabled\n", name)
					continue
				}
				fmt.Printf("  %-10s enabled (model %s)\n", name, pc.DefaultModel)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()
			if p := factory.HealthyProvider(ctx); p != nil {
				fmt.Printf("\nProvider health: OK (%s responding)\n", p.Name())
			} else {
				fmt.Println("\nProvider health: FAIL (no provider responded)")
			}
			return nil
		},
	}
}

// configCmd manages config values by dot path.
func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Get and set configuration values",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(resolveConfigPath())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get <key>",
		Short: "Get a config value (e.g. market.historyDays)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			fmt.Println(val)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a config value (e.g. channels.line.enabled true)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return fmt.Errorf("config validation: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			fmt.Printf("%s = %s\n", args[0], args[1])
			return nil
		},
	})

	return cmd
}
