package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"docrelay/internal/config"
	"docrelay/internal/constants"
	"docrelay/internal/models"

	"github.com/sirupsen/logrus"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// CLI flags
	verbose    = flag.Bool("verbose", false, "Enable verbose logging (includes masked identifiers at debug level)")
	configPath = flag.String("config", "", "Path to JSON configuration file (environment only when empty)")
	envFile    = flag.String("env-file", ".env", "Path to a .env file loaded before the configuration")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("docrelay %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting docrelay")

	if err := config.LoadDotEnv(*envFile); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	configureLogLevel(logger, cfg, *verbose)

	app, err := newApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	if *configPath != "" {
		watcher := config.NewWatcher(*configPath, cfg, logger)
		if !*verbose {
			watcher.OnChange(config.LogLevelUpdater(logger))
		}
		go watcher.Run(ctx)
	}

	go app.scheduler.Start(ctx)

	server := NewServer(cfg, app, logger)
	serverErrCh := make(chan error, constants.ServerErrorChannelSize)
	go func() {
		if err := server.Start(); err != nil {
			serverErrCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErrCh:
		logger.Error(err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutSec)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}
	if err := app.dispatcher.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Conversion jobs still running at shutdown were cancelled")
	}

	logger.Info("Server shutdown completed")
	return nil
}

func configureLogLevel(logger *logrus.Logger, cfg *models.Config, verbose bool) {
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
		logger.Info("Verbose logging enabled")
		return
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Warnf("Invalid log level %q, defaulting to info", cfg.LogLevel)
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
}
