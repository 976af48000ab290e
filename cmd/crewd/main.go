// Package main is the crewd supervisor daemon. A single binary wires
// the PTY backend, session services, scheduler, checkpoint store and
// watchdog over a shared event bus, then runs until a signal arrives.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/crewd/crewd/internal/checkpoint"
	"github.com/crewd/crewd/internal/common/config"
	"github.com/crewd/crewd/internal/common/logger"
	"github.com/crewd/crewd/internal/events"
	"github.com/crewd/crewd/internal/events/bus"
	"github.com/crewd/crewd/internal/scheduler"
	"github.com/crewd/crewd/internal/session/activity"
	"github.com/crewd/crewd/internal/session/command"
	"github.com/crewd/crewd/internal/session/monitor"
	"github.com/crewd/crewd/internal/session/pty"
	"github.com/crewd/crewd/internal/session/registry"
	"github.com/crewd/crewd/internal/session/supervisor"
	"github.com/crewd/crewd/internal/watchdog"
)

// Exit codes.
const (
	exitOK          = 0
	exitConfigError = 2
	exitFatalError  = 3
	exitInterrupted = 130
)

func main() {
	// The bare binary runs the daemon; "mcp serve" runs the stdio MCP
	// server that session runtimes launch as a subprocess.
	if len(os.Args) > 1 {
		if len(os.Args) > 2 && os.Args[1] == "mcp" && os.Args[2] == "serve" {
			os.Exit(runMCPServe())
		}
		fmt.Fprintf(os.Stderr, "Usage: %s [mcp serve]\n", os.Args[0])
		os.Exit(exitConfigError)
	}
	os.Exit(run())
}

func run() int {
	// 1. Load .env (optional) and configuration
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return exitConfigError
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return exitConfigError
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting crewd...")

	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus (in-memory by default, NATS when configured)
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Error("Failed to initialize event bus", zap.Error(err))
		return exitFatalError
	}
	defer busCleanup()
	eventBus := provided.Bus
	if provided.NATS != nil {
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("Using in-memory event bus")
	}

	// 4. Session services
	reg := registry.NewRegistry(log)
	backend := pty.NewBackend(cfg.Session, log)
	commands := command.NewHelper(reg, cfg.Session, log)
	mon := monitor.NewMonitor(cfg.Monitor, cfg.Session, reg, eventBus, log)
	tracker := activity.NewTracker(cfg.Activity, log)

	heartbeats := activity.NewHeartbeatService(tracker, eventBus, log)
	if err := heartbeats.Start(); err != nil {
		log.Error("Failed to start heartbeat service", zap.Error(err))
		return exitFatalError
	}
	defer heartbeats.Stop()

	tasks := newFileTaskRegistry(filepath.Join(config.HomeDir(), "tasks.json"), log)
	sup := supervisor.NewSupervisor(cfg.Session, backend, reg, commands, mon, tracker, eventBus, tasks, log)

	// 5. Check-in scheduler
	sched, err := scheduler.NewScheduler(cfg.Scheduler, commands, eventBus, log)
	if err != nil {
		log.Error("Failed to load scheduler state", zap.Error(err))
		return exitFatalError
	}
	sched.Start()

	// In-session MCP tools forward requests over the bus; turn them
	// into scheduled checks and activity stamps here.
	_, err = eventBus.Subscribe(events.CheckRequested, func(ctx context.Context, ev *bus.Event) error {
		target, _ := ev.Data["target"].(string)
		message, _ := ev.Data["message"].(string)
		minutes := intField(ev.Data, "minutes")
		if target == "" || minutes < 1 {
			return nil
		}
		_, err := sched.ScheduleOnce(target, minutes, message)
		return err
	})
	if err != nil {
		log.Error("Failed to subscribe to check requests", zap.Error(err))
		return exitFatalError
	}
	_, err = eventBus.Subscribe(events.SessionActivity, func(ctx context.Context, ev *bus.Event) error {
		if name, _ := ev.Data["name"].(string); name != "" {
			tracker.RecordAPIActivity(name)
		}
		return nil
	})
	if err != nil {
		log.Error("Failed to subscribe to activity reports", zap.Error(err))
		return exitFatalError
	}

	// 6. Checkpoint store
	store := checkpoint.NewStore(cfg.Checkpoint, eventBus, log)
	prev, err := store.Initialize()
	if err != nil {
		log.Error("Failed to initialize checkpoint store", zap.Error(err))
		return exitFatalError
	}
	if prev != nil {
		resume := store.GenerateResumeInstructions(prev)
		log.Info("Resume instructions generated",
			zap.Int("tasks_to_resume", len(resume.TasksToResume)),
			zap.Int("conversations_to_resume", len(resume.ConversationsToResume)),
			zap.Int("restart_count", store.Current().Metadata.RestartCount),
		)
		for _, n := range resume.Notifications {
			log.Warn("Resume notification", zap.String("severity", n.Severity), zap.String("message", n.Message))
		}
	}
	store.StartPeriodic()

	// 7. Resource watchdog
	dog := watchdog.NewWatchdog(cfg.Watchdog, watchdog.NewHostSampler(config.HomeDir()), eventBus, log)
	dog.Start()

	log.Info("crewd started",
		zap.String("home", config.HomeDir()),
		zap.Int("pid", os.Getpid()),
	)

	// 8. Signal loop
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info("Shutting down crewd...", zap.String("signal", sig.String()))
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Monitors stop first so session teardown is not reported as an
	// unexpected runtime exit; the checkpoint lands before any session
	// is destroyed.
	mon.StopAll()
	if err := store.PrepareForShutdown(); err != nil {
		log.Error("Shutdown checkpoint failed", zap.Error(err))
	}
	store.Stop()

	if err := sup.Shutdown(shutdownCtx); err != nil {
		log.Error("Session shutdown error", zap.Error(err))
	}
	sched.Stop()
	dog.Stop()

	log.Info("crewd stopped")

	if sig == syscall.SIGINT {
		return exitInterrupted
	}
	return exitOK
}

// intField reads an integer event field. Values arrive as int from the
// in-memory bus and as float64 after a NATS JSON round trip.
func intField(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}
