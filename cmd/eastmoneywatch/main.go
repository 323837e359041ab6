package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/traderat755/eastmoneywatch/internal/config"
	"github.com/traderat755/eastmoneywatch/internal/httpapi"
	"github.com/traderat755/eastmoneywatch/internal/logger"
	"github.com/traderat755/eastmoneywatch/internal/monitor"
	"github.com/traderat755/eastmoneywatch/internal/picked"
	"github.com/traderat755/eastmoneywatch/internal/render"
	"github.com/traderat755/eastmoneywatch/internal/storage"
	"github.com/traderat755/eastmoneywatch/internal/stream"
	"github.com/traderat755/eastmoneywatch/internal/telegram"
)

const defaultConfigPath = "configs/config.yaml"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type app struct {
	configPath string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:          "eastmoneywatch",
		Short:        "Live sector anomaly viewer",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", defaultConfigPath, "Path to configuration file")

	root.AddCommand(newWatchCmd(a))
	root.AddCommand(newPickedCmd(a))
	root.AddCommand(newSectorsCmd(a))
	root.AddCommand(newHistoryCmd(a))
	return root
}

// load reads and validates the configuration and initializes logging. A
// missing file at the default path falls back to defaults and environment.
func (a *app) load() error {
	path := a.configPath
	if path == defaultConfigPath {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger.Init(logger.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if path != "" {
		logger.Debug("Configuration loaded from %s", path)
	}

	a.cfg = cfg
	return nil
}

func (a *app) pickedStore() *picked.Store {
	api := picked.NewClient(a.cfg.API.BaseURL, a.cfg.API.Timeout, a.cfg.API.MaxRetries, a.cfg.API.RetryDelayBase)
	return picked.NewStore(api)
}

func newWatchCmd(a *app) *cobra.Command {
	var sectors []string
	var serve bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream anomalies and render them in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigChan)
			go func() {
				select {
				case <-sigChan:
					logger.Info("Shutdown signal received, cleaning up...")
					cancel()
				case <-ctx.Done():
				}
			}()

			var journal *storage.Storage
			if a.cfg.Storage.Enabled {
				var err error
				if journal, err = a.openJournal(); err != nil {
					return err
				}
				defer func() {
					if err := journal.Close(); err != nil {
						logger.Error("Failed to close storage: %v", err)
					}
				}()
			}

			return runWatch(ctx, a.cfg, journal, a.pickedStore(), color.Output, watchOptions{
				Sectors: sectors,
				Serve:   serve || a.cfg.Server.Enabled,
			})
		},
	}
	cmd.Flags().StringSliceVar(&sectors, "sector", nil, "Only show these sectors, in this order")
	cmd.Flags().BoolVar(&serve, "serve", false, "Serve the local view API")
	return cmd
}

type watchOptions struct {
	Sectors []string
	Serve   bool
}

func runWatch(ctx context.Context, cfg *config.Config, journal *storage.Storage, store *picked.Store, out io.Writer, opts watchOptions) error {
	if err := store.Load(ctx); err != nil {
		logger.Warn("Failed to load picked list: %v", err)
	}

	var notifier monitor.Notifier
	var tg *telegram.Client
	if cfg.Telegram.Enabled {
		var err error
		tg, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			return fmt.Errorf("failed to initialize Telegram client: %w", err)
		}
		notifier = tg
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	mon := monitor.New(journal, store, notifier, monitor.Config{
		AlertsEnabled: cfg.Monitor.AlertsEnabled,
		AlertCooldown: cfg.Monitor.AlertCooldown,
	})
	defer mon.Shutdown()

	if journal != nil {
		b, err := journal.LatestBatch()
		switch {
		case err == nil:
			mon.Restore(b)
		case !errors.Is(err, storage.ErrNotFound):
			logger.Warn("Failed to restore last batch: %v", err)
		}
	}

	if tg != nil {
		tg.SetStatusFunc(func() string { return statusText(mon) })
		tg.ListenForCommands(ctx)
	}

	transport := stream.New(stream.Config{
		URL:              cfg.Stream.URL,
		ReconnectDelay:   cfg.Stream.ReconnectDelay,
		HandshakeTimeout: cfg.Stream.HandshakeTimeout,
		ReadTimeout:      cfg.Stream.ReadTimeout,
	})
	transport.OnMessage(func(raw []byte) {
		if err := mon.HandleFrame(raw); err != nil {
			logger.Warn("Dropped frame: %v", err)
		}
	})
	transport.OnStatus(mon.HandleStatus)

	if opts.Serve {
		srv := httpapi.NewServer(cfg.Server.Addr, mon, store)
		go func() {
			if err := srv.Run(ctx); err != nil {
				logger.Error("Local view API stopped: %v", err)
			}
		}()
	}

	updates, unsubscribe := mon.Subscribe()
	defer unsubscribe()

	logger.Info("Connecting to %s", cfg.Stream.URL)
	if err := transport.Connect(); err != nil {
		return fmt.Errorf("failed to start stream: %w", err)
	}
	defer func() {
		if err := transport.Close(); err != nil {
			logger.Warn("Failed to close stream: %v", err)
		}
	}()

	renderOpts := render.Options{Sectors: opts.Sectors, IsPicked: store.IsPicked}
	draw := func() {
		fmt.Fprint(out, "\033[H\033[2J")
		if err := render.Render(out, mon.Snapshot(), mon.Status(), renderOpts); err != nil {
			logger.Warn("Failed to render view: %v", err)
		}
	}

	draw()
	for {
		select {
		case <-ctx.Done():
			logger.Info("Service stopped")
			return nil
		case <-updates:
			draw()
		}
	}
}

func statusText(mon *monitor.Monitor) string {
	st := mon.Status()
	snap := mon.Snapshot()
	text := st.Kind.String()
	if st.Message != "" {
		text += ": " + st.Message
	}
	if snap != nil && !snap.UpdatedAt.IsZero() {
		text += fmt.Sprintf("\nupdated %s, %d records", snap.UpdatedAt.Format("15:04:05"), snap.Records)
	}
	return text
}
