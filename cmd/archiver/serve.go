package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sebastianspicker/zammad-ticket-archiver/internal/config"
	"github.com/sebastianspicker/zammad-ticket-archiver/internal/handler"
	"github.com/sebastianspicker/zammad-ticket-archiver/internal/idempotency"
	"github.com/sebastianspicker/zammad-ticket-archiver/internal/metrics"
	"github.com/sebastianspicker/zammad-ticket-archiver/internal/pipeline"
	"github.com/sebastianspicker/zammad-ticket-archiver/internal/queue"
	"github.com/sebastianspicker/zammad-ticket-archiver/internal/render"
	"github.com/sebastianspicker/zammad-ticket-archiver/internal/signing"
	"github.com/sebastianspicker/zammad-ticket-archiver/internal/snapshot"
	"github.com/sebastianspicker/zammad-ticket-archiver/internal/storage"
	"github.com/sebastianspicker/zammad-ticket-archiver/internal/version"
	"github.com/sebastianspicker/zammad-ticket-archiver/internal/zammad"
)

const (
	httpShutdownTimeout = 10 * time.Second
	taskDrainTimeout    = 25 * time.Second
	startupTimeout      = 10 * time.Second

	deliveryKeyPrefix   = "zammad:dedup"
	ticketLockKeyPrefix = "zammad:ticketlock"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the archiver HTTP service",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runServe(*configPath)
		},
	}
}

func runServe(configPath string) error {
	cfg, warnings, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	for _, w := range warnings {
		logger.Warn("deprecated environment variable in use",
			zap.String("deprecated", w.Old), zap.String("use_instead", w.New))
	}
	logger.Info("starting archiver",
		zap.String("version", version.Version),
		zap.String("execution_backend", cfg.Workflow.ExecutionBackend))

	// ── metrics ──
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	// ── upstream client ──
	var clientOpts []zammad.Option
	if !cfg.Hardening.Transport.TrustEnv {
		clientOpts = append(clientOpts, zammad.WithoutProxyEnv())
	}
	client, err := zammad.NewClient(
		cfg.Zammad.BaseURL, cfg.Zammad.APIToken,
		cfg.Zammad.Timeout(), cfg.Zammad.VerifyTLS, logger, clientOpts...)
	if err != nil {
		return fmt.Errorf("zammad client: %w", err)
	}
	defer client.Close()

	// ── idempotency and locks ──
	reg, err := buildRegistry(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = reg.Close() }()

	// ── durable queue ──
	var q *queue.Queue
	if cfg.Workflow.ExecutionBackend == "redis_queue" {
		q, err = queue.NewFromURL(cfg.Workflow, m, nil, logger)
		if err != nil {
			return fmt.Errorf("queue: %w", err)
		}
		defer func() { _ = q.Close() }()

		startupCtx, cancel := context.WithTimeout(context.Background(), startupTimeout)
		err = q.EnsureGroup(startupCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("queue consumer group: %w", err)
		}
	}

	// ── pipeline ──
	renderer := render.NewChromeRenderer(logger)

	var signer signing.Signer
	if cfg.Signing.Enabled {
		padesSigner, err := signing.NewPAdESSigner(signing.Config{
			PFXPath:     cfg.Signing.PFXPath,
			PFXPassword: cfg.Signing.PFXPassword,
			Reason:      cfg.Signing.Pades.Reason,
			Location:    cfg.Signing.Pades.Location,
			TSAEnabled:  cfg.Signing.Timestamp.Enabled,
			TSAURL:      cfg.Signing.Timestamp.RFC3161.TSAURL,
			TSAUser:     cfg.Signing.Timestamp.RFC3161.User,
			TSAPassword: cfg.Signing.Timestamp.RFC3161.Password,
		}, logger)
		if err != nil {
			return fmt.Errorf("signing: %w", err)
		}
		signer = padesSigner
	}

	writer := storage.NewWriter(cfg.Storage.Root, cfg.Storage.AtomicWrite, cfg.Storage.Fsync, logger)
	snapshots := snapshot.NewBuilder(logger)

	var history pipeline.HistoryRecorder
	if q != nil {
		history = q
	}
	proc := pipeline.NewProcessor(cfg, client, reg, snapshots, renderer, signer,
		writer, history, m, nil, logger)

	// ── dispatch and worker ──
	tracker := &handler.TaskTracker{}
	var dispatcher handler.Dispatcher
	if q != nil {
		dispatcher = handler.NewQueueDispatcher(q)
	} else {
		dispatcher = handler.NewInprocessDispatcher(proc, tracker, logger)
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	consumerName := queue.ConsumerName(cfg.Workflow.QueueConsumer)
	var workerDone chan struct{}
	if q != nil {
		worker := queue.NewWorker(q, pipeline.QueueProcessFunc(proc), logger)
		consumerName = worker.Consumer()
		workerDone = make(chan struct{})
		go func() {
			defer close(workerDone)
			worker.Run(workerCtx)
		}()
		logger.Info("queue worker started", zap.String("consumer", consumerName))
	}

	// ── HTTP server ──
	var queueOps handler.QueueOps
	if q != nil {
		queueOps = q
	}
	srv := handler.NewServer(cfg, dispatcher, reg, queueOps, consumerName, registry, logger)

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			logger.Info("HTTP request",
				zap.String("URI", v.URI),
				zap.Int("status", v.Status),
			)
			return nil
		},
	}))
	e.Use(echomw.Recover())
	srv.RegisterRoutes(e)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", addr))
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failure", zap.Error(err))
		}
	}()

	// ── graceful shutdown ──
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info("initiating graceful shutdown")

	reg.SetShuttingDown(true)
	workerCancel()
	if workerDone != nil {
		<-workerDone
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("echo shutdown error", zap.Error(err))
	}

	if !tracker.Drain(taskDrainTimeout) {
		logger.Warn("background archive runs still in progress at shutdown")
	}

	logger.Info("archiver shut down cleanly")
	return nil
}

// buildRegistry wires the delivery dedup store and the distributed ticket
// lock. The redis backend shares workflow.redis_url; the memory backend
// keeps delivery dedup per process and leaves ticket locking to the local
// in-flight set.
func buildRegistry(cfg *config.Settings, logger *zap.Logger) (*idempotency.Registry, error) {
	ttl := cfg.Workflow.DeliveryIDTTL()

	if cfg.Workflow.IdempotencyBackend == "redis" {
		deliveries, err := idempotency.NewRedisStoreFromURL(cfg.Workflow.RedisURL, deliveryKeyPrefix, ttl)
		if err != nil {
			return nil, fmt.Errorf("delivery dedup store: %w", err)
		}
		locks, err := idempotency.NewRedisStoreFromURL(cfg.Workflow.RedisURL, ticketLockKeyPrefix, idempotency.TicketLockTTL)
		if err != nil {
			_ = deliveries.Close()
			return nil, fmt.Errorf("ticket lock store: %w", err)
		}
		return idempotency.NewRegistry(deliveries, locks, logger), nil
	}

	return idempotency.NewRegistry(idempotency.NewMemoryStore(ttl, nil), nil, logger), nil
}
