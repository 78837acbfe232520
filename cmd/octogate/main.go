// Command octogate runs the multi-tenant chatbot gateway: it hosts bot
// agents, connects them to their configured messaging channels, runs
// scheduled jobs, and serves the management API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/octoforge/octogate/internal/agent"
	"github.com/octoforge/octogate/internal/api"
	"github.com/octoforge/octogate/internal/channels"
	"github.com/octoforge/octogate/internal/config"
	"github.com/octoforge/octogate/internal/gateway"
	"github.com/octoforge/octogate/internal/memory"
	"github.com/octoforge/octogate/internal/models"
	"github.com/octoforge/octogate/internal/scheduler"
	"github.com/octoforge/octogate/internal/store"
	"github.com/octoforge/octogate/internal/tools"
)

var version = "0.1.0"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  = flag.String("config", "octogate.yaml", "path to the configuration file")
		showVersion = flag.Bool("version", false, "print the version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("octogate", version)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	logger.Info("octogate starting", "version", version, "config", *configPath)

	if err := runApp(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		return 1
	}
	return 0
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func runApp(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	registry := tools.NewRegistry(logger)
	tools.RegisterBuiltins(registry)
	if cfg.Tools.CommandToolsPath != "" {
		commandTools, err := tools.LoadCommandTools(cfg.Tools.CommandToolsPath, logger)
		if err != nil {
			return fmt.Errorf("load command tools: %w", err)
		}
		for _, t := range commandTools {
			registry.Register(t)
		}
		logger.Info("command tools loaded", "count", len(commandTools))
	}

	directory := agent.NewDirectory(s, agent.Options{
		Factory:      models.DefaultFactory(logger),
		Registry:     registry,
		Memory:       memory.New(s, logger),
		HistoryLimit: cfg.Agent.HistoryLimit,
		Logger:       logger,
	})

	channelFactories := channels.NewFactoryRegistry(logger)
	channelFactories.RegisterDefaults()

	gw := gateway.New(s, directory, channelFactories, logger)
	defer gw.StopAll()

	runner := scheduler.New(s, directory, cfg.Scheduler.PollInterval(), logger)
	if cfg.Scheduler.Enabled {
		runner.Start(ctx)
		defer runner.Stop()
	}

	server := api.NewServer(cfg.Server.Addr, cfg.Server.AuthSecret, s, directory, gw, runner, logger)
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("api server: %w", err)
	}

	logger.Info("octogate stopped")
	return nil
}
