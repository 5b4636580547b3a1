package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/tether/internal/config"
	"github.com/dohr-michael/tether/internal/dispatch"
	"github.com/dohr-michael/tether/internal/gateway"
	"github.com/dohr-michael/tether/internal/heartbeat"
	"github.com/dohr-michael/tether/internal/logging"
	"github.com/dohr-michael/tether/internal/storage"
	"github.com/dohr-michael/tether/internal/tasks"
)

// NewServeCommand returns the serve subcommand.
func NewServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the tether gateway server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Host to listen on",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Port to listen on",
			},
		},
		Action: runServe,
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		slog.Warn("config not found, using defaults", "path", path)
		return config.Default(), nil
	}
	return nil, err
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	configPath := cmd.String("config")
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// CLI flags override config
	if cmd.IsSet("host") {
		cfg.Gateway.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Gateway.Port = cmd.Int("port")
	}
	level := cfg.Log.Level
	if cmd.Bool("debug") {
		level = "debug"
	}
	logger, err := logging.Setup(logging.Options{Level: level, Format: cfg.Log.Format})
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}

	// Hot reload: SIGHUP re-reads .env and the config file.
	reloader := config.NewReloader(configPath, config.DotenvPath(), cfg)
	reloader.OnReload(func(c *config.Config) {
		if cmd.Bool("debug") {
			return
		}
		if err := logging.SetLevel(c.Log.Level); err != nil {
			slog.Warn("apply reloaded log level", "error", err)
		}
	})
	go reloader.WatchSignals(ctx)

	// Task registry + pruning
	registry := tasks.NewRegistry(tasks.RegistryConfig{
		GracePeriod: cfg.Tasks.GracePeriod.Duration(),
		Logger:      logger,
	})
	sweeper, err := tasks.NewSweeper(registry, cfg.Tasks.PruneSchedule)
	if err != nil {
		return err
	}
	sweeper.Start()
	defer sweeper.Stop()

	// Task journal
	var journal *storage.Journal
	if !cfg.Journal.Disabled {
		journal, err = storage.OpenJournal(cfg.Journal.Path)
		if err != nil {
			return err
		}
		defer journal.Close()
		slog.Info("task journal opened", "path", journal.Path())
	}

	dcfg := dispatch.Config{
		Registry:         registry,
		LongRunning:      cfg.Dispatcher.LongRunning,
		TaskTimeout:      cfg.Dispatcher.TaskTimeout.Duration(),
		ProgressInterval: cfg.Dispatcher.ProgressInterval.Duration(),
		Logger:           logger,
	}
	if journal != nil {
		dcfg.Journal = journal
	}
	dispatcher, err := dispatch.New(dcfg)
	if err != nil {
		return fmt.Errorf("init dispatcher: %w", err)
	}

	// A shutdown request stops the process like a signal does.
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	server := gateway.NewServer(gateway.Options{
		Host:          cfg.Gateway.Host,
		Port:          cfg.Gateway.Port,
		Dispatcher:    dispatcher,
		QueueCapacity: cfg.Events.QueueCapacity,
		Journal:       journal,
		Version:       Version,
		OnShutdown:    stop,
		Logger:        logger,
	})

	// Heartbeat for `tether status`
	hb := heartbeat.NewWriter(config.HeartbeatPath(), heartbeat.Options{
		Address: net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port)),
		Stats: func() heartbeat.Stats {
			return heartbeat.Stats{
				ActiveTasks:     registry.ActiveCount(),
				OpenConnections: server.Router().ActiveCount(),
				Clients:         server.Hub().ClientCount(),
			}
		},
	})
	hb.Start()
	defer hb.Stop()

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	// Wait for signal, shutdown request or error
	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
