package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/skypro1111/whisper-watch-service/internal/agent"
	"github.com/skypro1111/whisper-watch-service/internal/config"
	"github.com/skypro1111/whisper-watch-service/internal/convert"
	"github.com/skypro1111/whisper-watch-service/internal/job"
	"github.com/skypro1111/whisper-watch-service/internal/metrics"
	"github.com/skypro1111/whisper-watch-service/internal/monitor"
	"github.com/skypro1111/whisper-watch-service/internal/orchestrator"
	"github.com/skypro1111/whisper-watch-service/internal/ratelimit"
	"github.com/skypro1111/whisper-watch-service/internal/server"
	"github.com/skypro1111/whisper-watch-service/internal/watcher"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "whisper-watch-service"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	// Log service startup
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary
	logger.Info("Configuration loaded",
		slog.Int("http_port", cfg.Server.Port),
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.Int("max_concurrent_jobs", cfg.Queue.MaxConcurrentJobs),
		slog.Int("max_queue_size", cfg.Queue.MaxQueueSize),
		slog.Int("max_retries", cfg.Queue.MaxRetries),
		slog.String("agent_process", cfg.Agent.ProcessName),
		slog.String("shared_dir", cfg.Agent.SharedDir),
		slog.Float64("poll_interval", cfg.Watcher.PollInterval),
		slog.String("log_level", cfg.Logging.Level),
	)

	// The shared directory must exist before the agent can pick up work
	if err := os.MkdirAll(cfg.Agent.SharedDir, 0o755); err != nil {
		logger.Error("Failed to create shared directory", slog.String("error", err.Error()))
		os.Exit(1)
	}

	uploadDir := filepath.Join(os.TempDir(), serviceName)
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		logger.Error("Failed to create upload directory", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	// Initialize job store
	store := job.NewStore(logger, cfg.Queue)
	logger.Info("Job store initialized",
		slog.Int("max_queue_size", cfg.Queue.MaxQueueSize),
		slog.Duration("retention", cfg.Queue.GetRetentionDuration()),
	)

	// Initialize agent controller and result watcher
	agentCtrl := agent.NewController(logger, cfg.Agent)
	resultWatcher := watcher.New(logger, cfg.Agent.SharedDir, cfg.Watcher)
	converter := convert.New(logger, cfg.Files)

	// Initialize watchdog
	watchdog := monitor.New(logger, store, agentCtrl, appMetrics, cfg.Agent, cfg.Watcher, cfg.Files)

	// Initialize orchestrator
	orch := orchestrator.New(logger, store, resultWatcher, agentCtrl, watchdog, converter, appMetrics, cfg)
	logger.Info("Orchestrator initialized",
		slog.Int("max_concurrent_jobs", cfg.Queue.MaxConcurrentJobs),
	)

	// Initialize rate limiter
	limiter := ratelimit.New(logger, cfg.RateLimit)
	logger.Info("Rate limiter initialized",
		slog.Int("requests_per_window", cfg.RateLimit.RequestsPerWindow),
		slog.Int("window_seconds", cfg.RateLimit.WindowSeconds),
	)

	// Initialize HTTP API server
	httpServer := server.NewHTTPServer(logger, cfg, store, orch, watchdog, limiter, appMetrics, uploadDir)
	logger.Info("HTTP API server initialized",
		slog.String("address", fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.Port)),
	)

	// Start background components
	watchdog.Start()
	if err := httpServer.Start(); err != nil {
		logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("http_address", fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.Port)),
	)

	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))

	logger.Info("Starting graceful shutdown...")

	// Stop HTTP server first (stop accepting new requests)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	// Stop the orchestrator (cancel in-flight jobs)
	orch.Stop()

	// Stop the watchdog and rate limiter sweeps
	watchdog.Stop()
	limiter.Stop()

	// Stop the job store eviction routine last
	stats := store.Stats(cfg.Queue.MaxConcurrentJobs)
	store.Stop()

	logger.Info("Final queue statistics",
		slog.Int("total_jobs", stats.TotalJobs),
		slog.Int("queue_size", stats.QueueSize),
	)

	logger.Info("Service stopped")
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
