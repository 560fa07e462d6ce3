// Command report runs the report stage (spec §4.6.7) as a long-running
// process: subscribe summary.complete, deliver the rendered summary to
// every configured sink, publish report.published. It is the pipeline's
// terminus — no stage consumes its output.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/archivesum/pipeline/config"
	"github.com/archivesum/pipeline/platform"
	"github.com/archivesum/pipeline/pkg/metrics"
	"github.com/archivesum/pipeline/retry"
	"github.com/archivesum/pipeline/schema"
	"github.com/archivesum/pipeline/stage/report"
	"github.com/archivesum/pipeline/worker"
)

const stageName = "report"

func main() {
	logger := platform.Logger(stageName)

	var configPath string
	flag.StringVar(&configPath, "config", "", "path to config file")
	flag.Parse()

	if err := run(configPath, logger); err != nil {
		logger.Error("exited with error", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	docStore, closeStore, err := platform.OpenStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	rawBus, err := platform.OpenBus(cfg.Bus, logger)
	if err != nil {
		return err
	}
	defer rawBus.Close()

	registry := schema.NewRegistry(true)
	if err := schema.RegisterDefaults(registry); err != nil {
		return fmt.Errorf("register schemas: %w", err)
	}
	validatingBus := schema.NewValidatingPublisher(rawBus, registry, logger)

	reg := metrics.New()
	wmetrics := worker.NewMetrics(reg)

	svc := report.New(docStore, validatingBus, wmetrics, logger, cfg.Report)

	w := worker.New(worker.Config{
		Stage:   stageName,
		Bus:     validatingBus,
		Logger:  logger,
		Metrics: wmetrics,
	}, svc.Process)

	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	requeuer := retry.NewRequeuer(docStore, validatingBus, wmetrics, logger, cfg.Supervisor.StartupRequeueStallThreshold)
	if err := requeuer.Run(ctx); err != nil {
		logger.Error("startup requeue failed", "error", err)
	}

	supervisor := retry.NewSupervisor(docStore, validatingBus, wmetrics, logger,
		cfg.Supervisor.Interval, cfg.Supervisor.MaxRetries,
		cfg.Supervisor.StartupRequeueStallThreshold, cfg.Retry.BackoffBase, cfg.Retry.MaxBackoff)
	go supervisor.Run(ctx)

	adminSrv := platform.AdminServer(cfg.MetricsAddr, reg, logger)
	go func() {
		logger.Info("admin server starting", "addr", cfg.MetricsAddr)
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin server error", "error", err)
		}
	}()

	consumeErr := make(chan error, 1)
	go func() { consumeErr <- w.Run(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-consumeErr:
		if err != nil {
			logger.Error("consumer exited", "error", err)
		}
	}

	w.Stop()
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return adminSrv.Shutdown(shutCtx)
}
