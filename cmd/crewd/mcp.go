package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/crewd/crewd/internal/common/config"
	"github.com/crewd/crewd/internal/common/logger"
	"github.com/crewd/crewd/internal/events"
	"github.com/crewd/crewd/internal/mcpserver"
)

// runMCPServe runs the stdio MCP server the agent runtime launches as
// a subprocess inside a session. Stdout carries the protocol, so logs
// go to a file under the crewd home.
func runMCPServe() int {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return exitConfigError
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     "json",
		OutputPath: filepath.Join(config.HomeDir(), "logs", "mcp.log"),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return exitConfigError
	}
	defer log.Sync()

	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Error("Failed to initialize event bus", zap.Error(err))
		return exitFatalError
	}
	defer busCleanup()
	if provided.NATS == nil {
		// Without a shared broker the daemon never sees our events;
		// file-backed tools still work.
		log.Warn("no NATS broker configured, events stay process-local")
	}

	sessionName := os.Getenv("CREWD_SESSION_NAME")
	if sessionName == "" {
		sessionName = "unknown"
	}

	srv := mcpserver.New(mcpserver.Config{
		SessionName: sessionName,
		TasksPath:   filepath.Join(config.HomeDir(), "tasks.json"),
	}, provided.Bus, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.ServeStdio(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("MCP server error", zap.Error(err))
		return exitFatalError
	}
	return exitOK
}
