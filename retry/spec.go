// Package retry implements startup requeue and the retry supervisor (spec
// §4.7): the two mechanisms that recover work stranded by a crash or a
// stage giving up, distinct from the bus's single-redelivery nack (spec
// §4.8's "retry is not redelivery"). Grounded on engine/ingest's
// periodic-rescan shape, generalized from one collection to the pipeline's
// four status-bearing ones and from a fixed rescan query to a declarative
// Spec table.
package retry

import (
	"context"
	"time"

	"github.com/archivesum/pipeline/errs"
	"github.com/archivesum/pipeline/event"
	"github.com/archivesum/pipeline/store"
)

// Spec binds one collection to the event its stuck documents must
// re-trigger, and how to rebuild that event's payload from a document.
type Spec struct {
	Collection string
	EventType  string
	BuildData  func(ctx context.Context, s store.DocumentStore, doc store.Document) (map[string]any, error)
}

// DefaultSpecs returns the requeue/retry specs for the four collections
// that carry a status field (spec §3's data model table; summaries has no
// status column and so is never rescanned). archives recovers parse's
// trigger, messages recovers chunk's, chunks recovers embed's, and threads
// recovers orchestrate's — each collection is rescanned to republish the
// event whose consumer is the next stage downstream of that collection's
// owner.
func DefaultSpecs() []Spec {
	return []Spec{
		{
			Collection: store.CollectionArchives,
			EventType:  event.ArchiveIngested,
			BuildData: func(ctx context.Context, s store.DocumentStore, doc store.Document) (map[string]any, error) {
				return map[string]any{
					"archive_id":     doc.Key,
					"source":         doc.Fields["source"],
					"storage_id":     doc.Fields["storage_id"],
					"file_hash":      doc.Fields["file_hash"],
					"ingestion_date": doc.Fields["ingestion_date"],
				}, nil
			},
		},
		{
			Collection: store.CollectionMessages,
			EventType:  event.JSONParsed,
			BuildData: func(ctx context.Context, s store.DocumentStore, doc store.Document) (map[string]any, error) {
				return map[string]any{
					"archive_id": doc.Fields["archive_id"],
					"message_id": doc.Key,
					"thread_id":  doc.Fields["thread_id"],
					"parsed_at":  time.Now().UTC(),
				}, nil
			},
		},
		{
			Collection: store.CollectionChunks,
			EventType:  event.ChunksPrepared,
			BuildData: func(ctx context.Context, s store.DocumentStore, doc store.Document) (map[string]any, error) {
				return map[string]any{
					"archive_id":  doc.Fields["archive_id"],
					"message_id":  doc.Fields["message_id"],
					"chunk_ids":   []string{doc.Key},
					"chunk_count": 1,
					"timestamp":   time.Now().UTC(),
				}, nil
			},
		},
		{
			Collection: store.CollectionThreads,
			EventType:  event.EmbeddingsGenerated,
			BuildData: func(ctx context.Context, s store.DocumentStore, doc store.Document) (map[string]any, error) {
				chunks, err := s.Query(ctx, store.CollectionChunks, store.Filter{
					Equals: map[string]any{"thread_id": doc.Key},
				}, 0)
				if err != nil {
					return nil, errs.Transient("retry.spec.threads", err)
				}
				ids := make([]string, len(chunks))
				for i, c := range chunks {
					ids[i] = c.Key
				}
				return map[string]any{"chunk_ids": ids}, nil
			},
		},
	}
}
