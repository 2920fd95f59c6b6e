package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openclaw/openclaw-relay/internal/backend"
	"github.com/openclaw/openclaw-relay/internal/config"
	"github.com/openclaw/openclaw-relay/internal/gateway"
	"github.com/openclaw/openclaw-relay/internal/identity"
	"github.com/openclaw/openclaw-relay/internal/media"
	"github.com/openclaw/openclaw-relay/internal/metrics"
	"github.com/openclaw/openclaw-relay/internal/processor"
	"github.com/openclaw/openclaw-relay/internal/push"
	"github.com/openclaw/openclaw-relay/internal/queue"
	"github.com/openclaw/openclaw-relay/internal/runner"
	"github.com/openclaw/openclaw-relay/internal/transcribe"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// uploadSweepInterval is how often stale staged uploads are rotated in
// the background, in addition to the per-task rotation.
const uploadSweepInterval = 12 * time.Hour

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:   "openclaw-relay",
		Short: "OpenClaw relay — bridges a backend to a local agent gateway",
		Long: `OpenClaw relay ingests work items from an application backend over
HTTP, dispatches them to a local OpenClaw Gateway over a persistent
duplex connection, and delivers terminal outcomes back to the backend
with provenance and usage accounting.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), logLevel)
		},
	}

	root.AddCommand(newVersionCmd())
	root.PersistentFlags().StringVar(&logLevel, "log-level",
		envOrDefault("RELAY_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("openclaw-relay %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, logLevel string) error {
	logger, err := buildLogger(logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger.Info("starting openclaw relay",
		zap.String("version", version),
		zap.String("instance_id", cfg.RelayInstanceID),
		zap.Int("push_port", cfg.PushPort),
		zap.String("gateway_url", cfg.GatewayWSURL),
		zap.Int("concurrency", cfg.Concurrency),
	)

	// --- Signal handling ---
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Device identity ---
	device, err := identity.LoadOrCreate(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("failed to load device identity: %w", err)
	}

	// --- 2. Gateway client ---
	gw := gateway.New(gateway.Config{
		URL:        cfg.GatewayWSURL,
		Token:      cfg.GatewayToken,
		Password:   cfg.GatewayPassword,
		InstanceID: cfg.RelayInstanceID,
		Version:    version,
		Scopes:     cfg.Scopes,
	}, device, logger)

	// --- 3. Media + transcription collaborators ---
	staging := media.NewStaging(filepath.Join(cfg.StateDir, "workspace"), logger)
	collector := media.NewCollector(cfg.StateDir, logger)

	transcriber, err := transcribe.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to configure transcription: %w", err)
	}
	if transcriber != nil {
		logger.Info("transcription enabled", zap.String("provider", transcriber.Name()))
	}

	// --- 4. Chat runner ---
	chatRunner := runner.New(runner.DefaultConfig(), gw, transcriber, staging, collector, logger)
	gw.SetEventHandler(chatRunner.HandleGatewayEvent)

	// --- 5. Backend client + processor ---
	backendClient := backend.New(cfg.BackendBaseURL, cfg.RelayToken, logger)
	proc := processor.New(processor.Config{
		InstanceID:  cfg.RelayInstanceID,
		TaskTimeout: cfg.TaskTimeout,
		FlowLog:     cfg.MessageFlowLog,
	}, chatRunner, gw, backendClient, logger)

	// --- 6. Work queue ---
	q := queue.New(queue.Config{
		Concurrency: cfg.Concurrency,
		MaxQueue:    cfg.MaxQueue,
		Processor:   proc.Process,
	}, logger)
	q.Start(ctx)

	// --- 7. Push server ---
	var shuttingDown atomic.Bool
	pushSrv := push.New(push.Config{
		Path:                  cfg.PushPath,
		Token:                 cfg.RelayToken,
		RateLimitPerSecond:    cfg.RateLimitPerSecond,
		MaxConcurrentRequests: cfg.MaxConcurrentRequests,
	}, q.Enqueue, func() push.Health {
		st := q.GetState()
		ready := !shuttingDown.Load() && gw.Ready() && st.QueueLength < st.MaxQueue
		return push.Health{
			OK:    true,
			Ready: ready,
			Details: map[string]any{
				"queue":            st,
				"gatewayConnected": gw.Ready(),
				"instanceId":       cfg.RelayInstanceID,
			},
		}
	}, logger)

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.PushPort),
		Handler:      pushSrv.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("push server listening", zap.String("addr", httpSrv.Addr), zap.String("path", cfg.PushPath))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("push server error", zap.Error(err))
			cancel()
		}
	}()

	// --- 8. Gateway connection ---
	// The initial connect retries in the background: a gateway that is
	// briefly down at boot is a socket error, not a startup failure.
	// Readiness stays false until the handshake lands.
	go connectGateway(ctx, gw, logger)

	// --- 9. Maintenance scheduler ---
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	if _, err := sched.NewJob(
		gocron.DurationJob(uploadSweepInterval),
		gocron.NewTask(staging.Rotate),
	); err != nil {
		return fmt.Errorf("failed to schedule upload sweep: %w", err)
	}
	sched.Start()
	defer func() {
		if err := sched.Shutdown(); err != nil {
			logger.Warn("scheduler shutdown error", zap.Error(err))
		}
	}()

	// --- 10. Metrics export loop ---
	go exportQueueMetrics(ctx, q, gw)

	// --- Wait for shutdown signal ---
	<-ctx.Done()
	logger.Info("shutting down openclaw relay")

	// Shutdown order: readiness off, close ingress, stop accepting,
	// drain workers, stop the gateway.
	shuttingDown.Store(true)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("push server graceful shutdown error", zap.Error(err))
	}

	q.StopAccepting()
	drainTimeout := 15 * time.Second
	if d := 2 * cfg.TaskTimeout; d > drainTimeout {
		drainTimeout = d
	}
	if !q.Drain(drainTimeout) {
		logger.Warn("queue did not drain before deadline")
	}

	gw.Stop()

	logger.Info("openclaw relay stopped")
	return nil
}

// connectGateway performs the initial gateway connect, retrying until it
// succeeds or the process shuts down. After the first hello the client's
// own reconnect loop takes over.
func connectGateway(ctx context.Context, gw *gateway.Client, logger *zap.Logger) {
	delay := time.Second
	for {
		err := gw.Start(ctx)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		metrics.GatewayReconnects.Inc()
		logger.Warn("gateway connect failed, retrying",
			zap.Error(err), zap.Duration("backoff", delay))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if delay < 30*time.Second {
			delay = delay * 3 / 2
		}
	}
}

// exportQueueMetrics mirrors queue and gateway state into gauges.
func exportQueueMetrics(ctx context.Context, q *queue.Queue, gw *gateway.Client) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := q.GetState()
			metrics.QueueLength.Set(float64(st.QueueLength))
			metrics.QueueInFlight.Set(float64(st.InFlight))
			if gw.Ready() {
				metrics.GatewayConnected.Set(1)
			} else {
				metrics.GatewayConnected.Set(0)
			}
		}
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config
	if level == "debug" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
