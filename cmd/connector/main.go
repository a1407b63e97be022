// Package main is the entry point for the connector process.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/solaceflow/connector/internal/buildinfo"
	"github.com/solaceflow/connector/internal/components"
	"github.com/solaceflow/connector/internal/config"
	"github.com/solaceflow/connector/internal/events"
	"github.com/solaceflow/connector/internal/expr"
	"github.com/solaceflow/connector/internal/monitor"
	"github.com/solaceflow/connector/internal/wiring"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "serve":
			runServe(logger, *configPath)
		case "validate-config":
			runValidateConfig(logger, *configPath)
		case "version":
			fmt.Println(buildinfo.String())
			for k, v := range buildinfo.BuildInfo() {
				fmt.Printf("  %-12s %s\n", k+":", v)
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
			os.Exit(1)
		}
		return
	}

	fmt.Println("connector - event-driven message processing runtime")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve            Start the connector")
	fmt.Println("  validate-config  Load and validate a config file, then exit")
	fmt.Println("  version          Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

func loadConfig(logger *slog.Logger, configPath string) *config.Config {
	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	logger.Info("config loaded", "path", cfgPath, "apps", len(cfg.Apps))
	return cfg
}

func runValidateConfig(logger *slog.Logger, configPath string) {
	cfg := loadConfig(logger, configPath)
	if err := cfg.Validate(); err != nil {
		logger.Error("config invalid", "error", err)
		os.Exit(1)
	}
	fmt.Println("config is valid")
}

func runServe(logger *slog.Logger, configPath string) {
	logger.Info("starting connector", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg := loadConfig(logger, configPath)
	if err := cfg.Validate(); err != nil {
		logger.Error("config invalid", "error", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	bus := events.New()

	registry := components.NewRegistry()
	components.RegisterBuiltins(registry, logger)

	exprRegistry := expr.NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := wiring.Build(ctx, cfg, registry, exprRegistry, bus, logger)
	if err != nil {
		logger.Error("failed to build connector from config", "error", err)
		os.Exit(1)
	}

	conn.Start()
	logger.Info("connector started", "apps", len(conn.Apps()))

	var mon *monitor.Server
	if cfg.HealthCheck.Enabled {
		mon = monitor.New(cfg.HealthCheck, conn, bus, logger)
		go func() {
			if err := mon.Start(ctx); err != nil {
				logger.Error("monitor server failed", "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	logger.Info("shutdown signal received")

	cancel()
	conn.Stop()
	if mon != nil {
		_ = mon.Shutdown(context.Background())
	}

	logger.Info("connector stopped")
}
