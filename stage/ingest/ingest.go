// Package ingest implements the ingest stage (spec §4.6.1): the only stage
// with no input event. Its trigger — a scheduler or an HTTP call into the
// gateway — is out of scope; this package is the handler contract that
// trigger invokes, grounded on engine/ingest's validate/store/publish shape
// generalized from scraped posts to raw archive files.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/archivesum/pipeline/bus"
	"github.com/archivesum/pipeline/errs"
	"github.com/archivesum/pipeline/event"
	"github.com/archivesum/pipeline/store"
	"github.com/archivesum/pipeline/worker"
)

// Service implements IngestFile, spec §4.6.1's sole operation.
type Service struct {
	Store   store.DocumentStore
	Bus     bus.Bus
	Metrics *worker.Metrics
	Logger  *slog.Logger
}

// New builds an ingest Service.
func New(s store.DocumentStore, b bus.Bus, m *worker.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{Store: s, Bus: b, Metrics: m, Logger: logger}
}

// IngestFile computes the archive key from sourceName and the SHA-256 of
// data, skips archives already marked completed, stores the bytes and a
// pending archives row, and publishes archive.ingested. Idempotency is
// keyed on (source, file_hash): re-ingesting identical bytes is a no-op
// once that archive is completed; before that, the row is written again,
// its attempt count goes up, and archive.ingested is published again.
func (s *Service) IngestFile(ctx context.Context, sourceName string, data []byte) error {
	sum := sha256.Sum256(data)
	fileHash := hex.EncodeToString(sum[:])
	key := store.ArchiveKey(sourceName, fileHash)

	existing, err := s.Store.Get(ctx, store.CollectionArchives, key)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return errs.Transient("ingest.get", err)
	}
	if existing != nil && existing.Status == store.StatusCompleted {
		s.Metrics.Increment("ingestion_files_total", map[string]string{"status": "skipped"})
		s.Logger.Info("ingest.skipped", "archive_key", key, "source", sourceName)
		return nil
	}

	attempt := 1
	if existing != nil {
		attempt = existing.AttemptCount + 1
	}
	ingestionDate := time.Now().UTC()
	fields := map[string]any{
		"source":         sourceName,
		"file_hash":      fileHash,
		"storage_id":     key,
		"data":           base64.StdEncoding.EncodeToString(data),
		"ingestion_date": ingestionDate,
	}

	if err := s.Store.Insert(ctx, store.CollectionArchives, key, fields); err != nil {
		return s.fail(ctx, key, attempt, errs.Transient("ingest.insert", err))
	}
	pending := store.StatusPending
	if _, err := s.Store.Update(ctx, store.CollectionArchives, key, store.Patch{
		Status: &pending, AttemptCount: &attempt,
	}); err != nil {
		return s.fail(ctx, key, attempt, errs.Transient("ingest.update", err))
	}

	env := event.New(event.ArchiveIngested, map[string]any{
		"archive_id":     key,
		"source":         sourceName,
		"storage_id":     key,
		"file_hash":      fileHash,
		"ingestion_date": ingestionDate,
	})
	if err := s.Bus.Publish(ctx, bus.RoutingKeyFor(event.ArchiveIngested), env); err != nil {
		return s.fail(ctx, key, attempt, errs.Transient("ingest.publish", err))
	}

	s.Metrics.Increment("ingestion_files_total", map[string]string{"status": "ingested"})
	s.Logger.Info("ingest.published", "archive_key", key, "source", sourceName)
	return nil
}

// fail marks the archive row failed with the bumped attempt count and
// publishes archive.ingestion.failed, per spec §4.6.1's failure policy.
func (s *Service) fail(ctx context.Context, key string, attempt int, cause error) error {
	failed := store.StatusFailed
	now := time.Now().UTC()
	_, _ = s.Store.Update(ctx, store.CollectionArchives, key, store.Patch{
		Status: &failed, AttemptCount: &attempt, LastAttemptTime: &now,
	})
	failEnv := event.New(event.IngestionFailed, map[string]any{
		"archive_id": key,
		"error":      cause.Error(),
	})
	_ = s.Bus.Publish(ctx, bus.RoutingKeyFor(event.IngestionFailed), failEnv)
	s.Logger.Error("ingest.failed", "archive_key", key, "error", cause)
	return cause
}
