// Command ingest runs the ingest stage (spec §4.6.1) as an HTTP-triggered
// process: the only stage with no input event, so instead of subscribing
// to the bus it exposes an endpoint a scheduler or gateway calls with a
// raw mbox file. Structure (flags, signal-driven shutdown, mid.Chain HTTP
// server) mirrors the reference repo's cmd/api/main.go.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/archivesum/pipeline/config"
	"github.com/archivesum/pipeline/pkg/metrics"
	"github.com/archivesum/pipeline/pkg/mid"
	"github.com/archivesum/pipeline/platform"
	"github.com/archivesum/pipeline/schema"
	"github.com/archivesum/pipeline/stage/ingest"
	"github.com/archivesum/pipeline/worker"
)

const stageName = "ingest"

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

	svc := ingest.New(docStore, validatingBus, wmetrics, logger)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", reg.Handler())
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("POST /ingest", handleIngest(svc, logger))

	handler := mid.Chain(mux, mid.Recover(logger), mid.Logger(logger))

	srv := &http.Server{
		Addr:         cfg.MetricsAddr,
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ingest server starting", "addr", cfg.MetricsAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// handleIngest accepts a raw mbox archive body with the source name given
// in the "source" query parameter, and runs it through IngestFile.
func handleIngest(svc *ingest.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		source := r.URL.Query().Get("source")
		if source == "" {
			http.Error(w, `{"error":"source query parameter is required"}`, http.StatusBadRequest)
			return
		}

		data, err := io.ReadAll(io.LimitReader(r.Body, 256<<20))
		if err != nil {
			http.Error(w, `{"error":"failed to read request body"}`, http.StatusBadRequest)
			return
		}
		defer r.Body.Close()

		if err := svc.IngestFile(r.Context(), source, data); err != nil {
			logger.Error("ingest.handler_failed", "source", source, "error", err)
			http.Error(w, `{"error":"ingestion failed"}`, http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"status":"accepted"}`))
	}
}
