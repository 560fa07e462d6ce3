// Package store defines the document store abstraction (spec §4.2): a
// collection-oriented key/value+query store with the deterministic-key
// discipline that makes repeated writes of identical content a no-op.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Status is a document's place in the state machine (spec §4.8).
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Document is the generic persisted record. Fields holds every column
// beyond the ones the store itself manages (Key, Status, AttemptCount,
// LastAttemptTime, LastUpdated); stage-specific schemas live there.
type Document struct {
	Key             string
	Status          Status
	AttemptCount    int
	LastAttemptTime time.Time
	LastUpdated     time.Time
	Fields          map[string]any
}

// Filter is a query predicate supporting equality, $in, and $lt/$gt on
// timestamps (spec §4.2) — the only operators the core requires.
type Filter struct {
	Equals map[string]any
	In     map[string][]any
	Lt     map[string]time.Time
	Gt     map[string]time.Time
}

// Patch is a partial update of mutable fields only: status, attempt_count,
// last_attempt_time, last_updated, plus stage-specific derived fields
// (spec §4.2). Immutable fields (the key and whatever a stage wrote at
// insert time) are never included here.
type Patch struct {
	Status          *Status
	AttemptCount    *int
	LastAttemptTime *time.Time
	Fields          map[string]any
}

// DocumentStore is the driver-agnostic capability every stage and the
// retry supervisor depend on. Concrete drivers (couchdoc, graphdoc)
// implement it.
type DocumentStore interface {
	// Insert computes (or validates) the primary key, then upserts. If a
	// document with that key already exists, only status/attempt_count/
	// last_updated are merged; every other field is immutable. Never
	// fails on duplicate content — that is the idempotency contract.
	Insert(ctx context.Context, collection string, key string, fields map[string]any) error

	// Get returns the document at key, or errs.ErrNotFound.
	Get(ctx context.Context, collection, key string) (*Document, error)

	// Query returns documents matching filter, up to limit (0 = no limit).
	Query(ctx context.Context, collection string, filter Filter, limit int) ([]Document, error)

	// Update applies patch to the document at key, setting LastUpdated to
	// now. Returns false if no document exists at key.
	Update(ctx context.Context, collection, key string, patch Patch) (bool, error)

	// Delete removes the document at key. Used only by explicit retention
	// jobs, never on the pipeline path (spec §4.2).
	Delete(ctx context.Context, collection, key string) (bool, error)
}

// Key derivation (spec §4.2): key = hex(sha256(canonical(inputs)))[:16].
// Normalization lowercases and trims whitespace on every joined part.

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func hashKey(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])[:16]
}

// ArchiveKey derives the archives collection key from the source name and
// the SHA-256 hex digest of the file's bytes: "{source_name}|{sha256}".
func ArchiveKey(sourceName, fileHashHex string) string {
	return hashKey(normalize(sourceName) + "|" + normalize(fileHashHex))
}

// MessageKey derives the messages collection key from the owning archive
// key and the normalized RFC-822 Message-ID: "{archive_key}|{message_id}".
func MessageKey(archiveKey, messageID string) string {
	return hashKey(normalize(archiveKey) + "|" + normalize(messageID))
}

// ChunkKey derives the chunks collection key from the owning message key
// and the chunk's index: "{message_key}|{chunk_index}".
func ChunkKey(messageKey string, chunkIndex int) string {
	return hashKey(normalize(messageKey) + "|" + strconv.Itoa(chunkIndex))
}

// ThreadKey derives the threads collection key from the thread's root
// message key: "{root_message_key}".
func ThreadKey(rootMessageKey string) string {
	return hashKey(normalize(rootMessageKey))
}

// SummaryKey derives the summaries collection key from the owning thread
// key and the summary type: "{thread_key}|{summary_type}".
func SummaryKey(threadKey, summaryType string) string {
	return hashKey(normalize(threadKey) + "|" + normalize(summaryType))
}

// Collection names, matching the layout in spec §3.
const (
	CollectionArchives  = "archives"
	CollectionMessages  = "messages"
	CollectionThreads   = "threads"
	CollectionChunks    = "chunks"
	CollectionSummaries = "summaries"
)
