package platform

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/archivesum/pipeline/pkg/metrics"
	"github.com/archivesum/pipeline/pkg/mid"
)

// AdminServer builds the /metrics and /healthz HTTP server every stage
// process exposes, wired with the same Recover/Logger middleware chain as
// cmd/api's public server.
func AdminServer(addr string, reg *metrics.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", reg.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	handler := mid.Chain(mux, mid.Recover(logger), mid.Logger(logger))

	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
