// Package platform builds the driver instances every cmd/<stage> binary
// needs from a loaded config.Config: the message bus, document store, and
// vector store, selected by each config section's discriminant the same
// way cmd/api wires Neo4j/Qdrant/gRPC by hand, generalized to the
// pipeline's driver-family choices (spec §6, §9).
package platform

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/archivesum/pipeline/bus"
	"github.com/archivesum/pipeline/bus/amqpbus"
	"github.com/archivesum/pipeline/bus/natsbus"
	"github.com/archivesum/pipeline/config"
	"github.com/archivesum/pipeline/store"
	"github.com/archivesum/pipeline/store/couchdoc"
	"github.com/archivesum/pipeline/store/graphdoc"
	"github.com/archivesum/pipeline/vectorstore"
	"github.com/archivesum/pipeline/vectorstore/qdrant"
)

// Logger builds the JSON slog.Logger every stage process logs through,
// tagged with its stage name, matching cmd/api's slog.NewJSONHandler setup.
func Logger(stage string) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	return logger.With("stage", stage)
}

// allCollections lists every collection a couchdoc store must declare.
// Stages don't all touch every collection, but the store driver declares
// them once at startup rather than per-stage.
var allCollections = []string{
	store.CollectionArchives,
	store.CollectionMessages,
	store.CollectionThreads,
	store.CollectionChunks,
	store.CollectionSummaries,
}

// OpenBus connects the bus driver selected by cfg.Type.
func OpenBus(cfg config.BusConfig, logger *slog.Logger) (bus.Bus, error) {
	switch cfg.Type {
	case config.BusAMQP:
		b, err := amqpbus.New(amqpbus.Config{
			URL:      cfg.AMQP.URL,
			Exchange: cfg.AMQP.Exchange,
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("platform: open amqp bus: %w", err)
		}
		return b, nil
	case config.BusCloud:
		b, err := natsbus.New(natsbus.Config{
			URL:    cfg.Cloud.ConnectionString,
			Logger: logger,
		})
		if err != nil {
			return nil, fmt.Errorf("platform: open cloud bus: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("platform: unknown bus type %q", cfg.Type)
	}
}

// OpenStore connects the document-store driver selected by cfg.Type.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (store.DocumentStore, func() error, error) {
	switch cfg.Type {
	case config.StoreCouchDB:
		s, err := couchdoc.New(ctx, cfg.CouchDB.URL, allCollections)
		if err != nil {
			return nil, nil, fmt.Errorf("platform: open couchdb store: %w", err)
		}
		return s, func() error { return nil }, nil
	case config.StoreNeo4j:
		driver, err := neo4j.NewDriverWithContext(cfg.Neo4j.URI, neo4j.BasicAuth(cfg.Neo4j.Username, cfg.Neo4j.Password, ""))
		if err != nil {
			return nil, nil, fmt.Errorf("platform: neo4j driver: %w", err)
		}
		return graphdoc.New(driver), func() error { return driver.Close(ctx) }, nil
	default:
		return nil, nil, fmt.Errorf("platform: unknown store type %q", cfg.Type)
	}
}

// OpenVectorStore connects the vector-store driver selected by cfg.Type and
// ensures its collection exists at the configured embedding dimension.
func OpenVectorStore(ctx context.Context, cfg config.VectorStoreConfig, dimension int) (vectorstore.VectorStore, error) {
	if cfg.Type != config.VectorStoreQdrant {
		return nil, fmt.Errorf("platform: unknown vector store type %q", cfg.Type)
	}
	addr := fmt.Sprintf("%s:%d", cfg.Qdrant.Host, cfg.Qdrant.Port)
	vs, err := qdrant.New(addr, cfg.Qdrant.Collection)
	if err != nil {
		return nil, fmt.Errorf("platform: open qdrant: %w", err)
	}
	if err := vs.EnsureCollection(ctx, dimension); err != nil {
		return nil, fmt.Errorf("platform: ensure qdrant collection: %w", err)
	}
	return vs, nil
}
