// Package event defines the envelope every stage publishes and consumes,
// and the routing-key table that binds event types to queues across both
// bus driver families (spec §4.1, §6).
package event

import (
	"time"

	"github.com/google/uuid"
)

// EnvelopeVersion is the schema version stamped on every published event.
const EnvelopeVersion = "1.0"

// Envelope is the wire format for every message on the bus. EventID is a
// UUID v4 minted at publish time — it identifies the delivery, not the
// underlying document, so it is never used for idempotency. Idempotency
// keys live in Data (archive_id, message_id, chunk ids, etc).
type Envelope struct {
	EventType string         `json:"event_type"`
	EventID   string         `json:"event_id"`
	Timestamp time.Time      `json:"timestamp"`
	Version   string         `json:"version"`
	Data      map[string]any `json:"data"`
}

// New builds an Envelope with a fresh EventID and the current timestamp.
func New(eventType string, data map[string]any) Envelope {
	return Envelope{
		EventType: eventType,
		EventID:   uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Version:   EnvelopeVersion,
		Data:      data,
	}
}

// Canonical routing keys (spec §4.1, §6). Each stage subscribes to the
// event type that names it as a consumer in Queues below and publishes
// either the next stage's requested event or its own failure event.
const (
	ArchiveIngested = "archive.ingested"
	IngestionFailed = "archive.ingestion.failed"

	JSONParsed   = "json.parsed"
	ParsingFailed = "parsing.failed"

	ChunksPrepared = "chunks.prepared"
	ChunkingFailed = "chunking.failed"

	EmbeddingsGenerated      = "embeddings.generated"
	EmbeddingGenerationFailed = "embedding.generation.failed"

	SummarizationRequested = "summarization.requested"
	OrchestrationFailed    = "orchestration.failed"

	SummaryComplete     = "summary.complete"
	SummarizationFailed = "summarization.failed"

	ReportPublished      = "report.published"
	ReportDeliveryFailed = "report.delivery.failed"
)

// Queues maps each stage name to the event type it consumes. The stage
// worker looks its stage up here at startup to declare its queue and
// subscribe with the matching routing key. Ingest has no entry: its trigger is a
// scheduler or HTTP call, out of scope per spec §4.6.1.
var Queues = map[string]string{
	"parse":       ArchiveIngested,
	"chunk":       JSONParsed,
	"embed":       ChunksPrepared,
	"orchestrate": EmbeddingsGenerated,
	"summarize":   SummarizationRequested,
	"report":      SummaryComplete,
}

// FailureEvents maps each stage name to the event type it publishes when a
// document hits a PermanentError or exhausts retries.
var FailureEvents = map[string]string{
	"ingest":      IngestionFailed,
	"parse":       ParsingFailed,
	"chunk":       ChunkingFailed,
	"embed":       EmbeddingGenerationFailed,
	"orchestrate": OrchestrationFailed,
	"summarize":   SummarizationFailed,
	"report":      ReportDeliveryFailed,
}

// FailureQueue is the dead-letter queue name a stage's poison messages are
// routed to: "<stage>.failed".
func FailureQueue(stage string) string {
	return stage + ".failed"
}
