package schema

import (
	"encoding/json"
	"fmt"

	"github.com/archivesum/pipeline/event"
)

// object builds a minimal JSON-Schema object document requiring the given
// properties to be present, each typed as "typ". Used to keep the default
// schemas declarative instead of hand-writing raw JSON per event type.
func object(required []string, props map[string]string) []byte {
	properties := make(map[string]map[string]string, len(props))
	for name, typ := range props {
		properties[name] = map[string]string{"type": typ}
	}
	doc := map[string]any{
		"$schema":    "https://json-schema.org/draft/2020-12/schema",
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		panic(fmt.Sprintf("schema: building default document: %v", err))
	}
	return raw
}

// defaultSchemas describes the required Data fields for every event type in
// event.go's routing-key table, grounded on the payload shapes spec §4.6.1–
// §4.6.7 enumerate per stage.
func defaultSchemas() map[string][]byte {
	return map[string][]byte{
		event.ArchiveIngested: object(
			[]string{"archive_id", "source", "storage_id", "file_hash", "ingestion_date"},
			map[string]string{
				"archive_id":     "string",
				"source":         "string",
				"storage_id":     "string",
				"file_hash":      "string",
				"ingestion_date": "string",
				"message_count":  "integer",
			},
		),
		event.IngestionFailed: object(
			[]string{"source", "error"},
			map[string]string{"source": "string", "error": "string", "archive_id": "string"},
		),
		event.JSONParsed: object(
			[]string{"archive_id", "message_id", "thread_id", "parsed_at"},
			map[string]string{
				"archive_id": "string",
				"message_id": "string",
				"thread_id":  "string",
				"parsed_at":  "string",
			},
		),
		event.ParsingFailed: object(
			[]string{"archive_id", "error"},
			map[string]string{"archive_id": "string", "error": "string"},
		),
		event.ChunksPrepared: object(
			[]string{"archive_id", "message_id", "chunk_ids", "chunk_count", "timestamp"},
			map[string]string{
				"archive_id":  "string",
				"message_id":  "string",
				"chunk_ids":   "array",
				"chunk_count": "integer",
				"timestamp":   "string",
			},
		),
		event.ChunkingFailed: object(
			[]string{"message_id", "error"},
			map[string]string{"message_id": "string", "error": "string"},
		),
		event.EmbeddingsGenerated: object(
			[]string{"chunk_ids", "embedding_model", "vector_store_updated", "timestamp"},
			map[string]string{
				"chunk_ids":            "array",
				"embedding_model":      "string",
				"vector_store_updated": "boolean",
				"timestamp":            "string",
			},
		),
		event.EmbeddingGenerationFailed: object(
			[]string{"chunk_ids", "error"},
			map[string]string{"chunk_ids": "array", "error": "string"},
		),
		event.SummarizationRequested: object(
			[]string{"thread_ids", "summary_type", "request_id", "context_chunk_ids"},
			map[string]string{
				"thread_ids":        "array",
				"summary_type":      "string",
				"request_id":        "string",
				"context_chunk_ids": "array",
				"llm_params":        "object",
			},
		),
		event.OrchestrationFailed: object(
			[]string{"thread_ids", "error"},
			map[string]string{"thread_ids": "array", "error": "string"},
		),
		event.SummaryComplete: object(
			[]string{"thread_id", "summary_id"},
			map[string]string{
				"thread_id":  "string",
				"summary_id": "string",
				"request_id": "string",
			},
		),
		event.SummarizationFailed: object(
			[]string{"request_id", "error"},
			map[string]string{"request_id": "string", "error": "string"},
		),
		event.ReportPublished: object(
			[]string{"thread_id", "summary_id"},
			map[string]string{"thread_id": "string", "summary_id": "string"},
		),
		event.ReportDeliveryFailed: object(
			[]string{"thread_id", "error"},
			map[string]string{"thread_id": "string", "error": "string"},
		),
	}
}

// RegisterDefaults compiles and registers the pipeline's built-in event
// schemas under event.EnvelopeVersion. Stage cmd/main.go entrypoints call
// this once at startup before subscribing to anything.
func RegisterDefaults(r *Registry) error {
	for eventType, doc := range defaultSchemas() {
		if err := r.Register(event.EnvelopeVersion, eventType, doc); err != nil {
			return err
		}
	}
	return nil
}
