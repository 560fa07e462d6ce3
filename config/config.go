// Package config loads and validates the typed configuration every stage
// process reads at startup (spec §6), using spf13/viper for file/env
// layering the way evalgo-org-eve/cli.Consumer does for its RabbitMQ/CouchDB
// settings.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/archivesum/pipeline/errs"
)

// BusType selects the message bus driver.
type BusType string

const (
	BusAMQP  BusType = "amqp"
	BusCloud BusType = "cloud"
)

// StoreType selects the document store driver.
type StoreType string

const (
	StoreCouchDB StoreType = "couchdb"
	StoreNeo4j   StoreType = "neo4j"
)

// VectorStoreType selects the vector store driver. Qdrant is the only
// driver the pipeline ships (spec §4.3), but the field stays a discriminant
// so config validation follows the same shape as bus/store selection.
type VectorStoreType string

const (
	VectorStoreQdrant VectorStoreType = "qdrant"
)

// ChunkingStrategy selects the chunker (spec §4.6.3).
type ChunkingStrategy string

const (
	ChunkTokenWindow ChunkingStrategy = "token_window"
	ChunkFixedSize   ChunkingStrategy = "fixed_size"
	ChunkSemantic    ChunkingStrategy = "semantic"
)

// AMQPConfig holds topic-exchange broker settings (spec §6).
type AMQPConfig struct {
	URL                     string        `mapstructure:"url"`
	Exchange                string        `mapstructure:"exchange"`
	Heartbeat               time.Duration `mapstructure:"heartbeat"`
	BlockedConnTimeout      time.Duration `mapstructure:"blocked_connection_timeout"`
}

// CloudBusConfig holds cloud topic/subscription settings (spec §6).
type CloudBusConfig struct {
	ConnectionString string `mapstructure:"connection_string"`
	Topic            string `mapstructure:"topic"`
}

// BusConfig is the discriminated message-bus configuration. Only the
// sub-struct matching Type is read; the validator rejects the combination
// of a discriminant with the wrong sub-struct populated (spec §9).
type BusConfig struct {
	Type  BusType        `mapstructure:"message_bus_type"`
	AMQP  AMQPConfig     `mapstructure:"amqp"`
	Cloud CloudBusConfig `mapstructure:"cloud"`
}

// CouchDBConfig holds CouchDB document-store settings.
type CouchDBConfig struct {
	URL      string `mapstructure:"url"`
	Database string `mapstructure:"database"`
}

// Neo4jConfig holds Neo4j document-store settings.
type Neo4jConfig struct {
	URI      string `mapstructure:"uri"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// StoreConfig is the discriminated document-store configuration.
type StoreConfig struct {
	Type    StoreType     `mapstructure:"document_store_type"`
	CouchDB CouchDBConfig `mapstructure:"couchdb"`
	Neo4j   Neo4jConfig   `mapstructure:"neo4j"`
}

// QdrantConfig holds vector-store settings.
type QdrantConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Collection string `mapstructure:"collection"`
}

// VectorStoreConfig is the discriminated vector-store configuration.
type VectorStoreConfig struct {
	Type   VectorStoreType `mapstructure:"vector_store_type"`
	Qdrant QdrantConfig    `mapstructure:"qdrant"`
}

// ChunkingConfig holds chunker selection and knobs (spec §4.6.3, §6).
type ChunkingConfig struct {
	Strategy      ChunkingStrategy `mapstructure:"chunking_strategy"`
	ChunkSize     int              `mapstructure:"chunk_size"`
	Overlap       int              `mapstructure:"chunk_overlap"`
	MinChunkSize  int              `mapstructure:"min_chunk_size"`
	MaxChunkSize  int              `mapstructure:"max_chunk_size"`
	MessagesPerChunk int           `mapstructure:"messages_per_chunk"`
}

// EmbeddingConfig holds embedder selection (spec §6).
type EmbeddingConfig struct {
	Backend       string  `mapstructure:"embedding_backend"`
	BaseURL       string  `mapstructure:"embedding_base_url"`
	Model         string  `mapstructure:"embedding_model"`
	Dimension     int     `mapstructure:"embedding_dimension"`
	BatchSize     int     `mapstructure:"embedding_batch_size"`
	RateLimit     float64 `mapstructure:"embedding_rate_limit_per_second"`
	RateBurst     int     `mapstructure:"embedding_rate_burst"`
}

// LLMConfig holds LLM selection (spec §6).
type LLMConfig struct {
	Backend        string        `mapstructure:"llm_backend"`
	BaseURL        string        `mapstructure:"llm_base_url"`
	Model          string        `mapstructure:"llm_model"`
	Temperature    float64       `mapstructure:"llm_temperature"`
	MaxTokens      int           `mapstructure:"llm_max_tokens"`
	Timeout        time.Duration `mapstructure:"llm_timeout_seconds"`
	RateLimit      float64       `mapstructure:"llm_rate_limit_per_second"`
	RateBurst      int           `mapstructure:"llm_rate_burst"`
}

// RetrievalConfig holds orchestrate-stage retrieval knobs (spec §6).
type RetrievalConfig struct {
	TopK                int `mapstructure:"top_k"`
	ContextWindowTokens int `mapstructure:"context_window_tokens"`
}

// RetryConfig holds the shared retry-with-backoff helper's knobs (spec §4.5, §6).
type RetryConfig struct {
	MaxAttempts       int           `mapstructure:"retry_max_attempts"`
	BackoffBase       time.Duration `mapstructure:"retry_backoff_seconds"`
	MaxBackoff        time.Duration `mapstructure:"retry_max_backoff_seconds"`
}

// SupervisorConfig holds startup-requeue and retry-supervisor knobs (spec §4.7, §6).
type SupervisorConfig struct {
	StartupRequeueStallThreshold time.Duration `mapstructure:"startup_requeue_stall_threshold_seconds"`
	Interval                     time.Duration `mapstructure:"retry_supervisor_interval_seconds"`
	MaxRetries                   int           `mapstructure:"retry_supervisor_max_retries"`
}

// ReportConfig holds the report stage's delivery sinks (spec §4.6.7, §6).
type ReportConfig struct {
	WebhookURLs []string      `mapstructure:"webhook_urls"`
	Timeout     time.Duration `mapstructure:"delivery_timeout_seconds"`
}

// Config is the complete typed configuration every stage process loads at
// startup (spec §6). Unset values fall back to the defaults applied by
// Load.
type Config struct {
	Bus         BusConfig         `mapstructure:"bus"`
	Store       StoreConfig       `mapstructure:"store"`
	VectorStore VectorStoreConfig `mapstructure:"vector_store"`
	Chunking    ChunkingConfig    `mapstructure:"chunking"`
	Embedding   EmbeddingConfig   `mapstructure:"embedding"`
	LLM         LLMConfig         `mapstructure:"llm"`
	Retrieval   RetrievalConfig   `mapstructure:"retrieval"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Supervisor  SupervisorConfig  `mapstructure:"supervisor"`
	Report      ReportConfig      `mapstructure:"report"`
	MetricsAddr string            `mapstructure:"metrics_addr"`
}

// Load reads configuration from an optional file path, environment
// variables prefixed ARCHIVESUM_ (nested keys joined by "_", matching
// evalgo-org-eve's viper/env binding pattern), and defaults, then
// validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ARCHIVESUM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errs.Permanent("config.read", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errs.NewValidation("config", nil, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bus.message_bus_type", string(BusAMQP))
	v.SetDefault("bus.amqp.exchange", "copilot.events")
	v.SetDefault("bus.amqp.heartbeat", "300s")
	v.SetDefault("bus.amqp.blocked_connection_timeout", "600s")
	v.SetDefault("bus.cloud.topic", "copilot.events")

	v.SetDefault("store.document_store_type", string(StoreCouchDB))

	v.SetDefault("vector_store.vector_store_type", string(VectorStoreQdrant))
	v.SetDefault("vector_store.qdrant.collection", "chunks")

	v.SetDefault("chunking.chunking_strategy", string(ChunkTokenWindow))
	v.SetDefault("chunking.chunk_size", 512)
	v.SetDefault("chunking.chunk_overlap", 64)
	v.SetDefault("chunking.min_chunk_size", 32)
	v.SetDefault("chunking.max_chunk_size", 1024)
	v.SetDefault("chunking.messages_per_chunk", 1)

	v.SetDefault("embedding.embedding_backend", "ollama")
	v.SetDefault("embedding.embedding_base_url", "http://localhost:11434")
	v.SetDefault("embedding.embedding_dimension", 768)
	v.SetDefault("embedding.embedding_batch_size", 64)
	v.SetDefault("embedding.embedding_rate_limit_per_second", 5.0)
	v.SetDefault("embedding.embedding_rate_burst", 5)

	v.SetDefault("llm.llm_backend", "ollama")
	v.SetDefault("llm.llm_base_url", "http://localhost:11434")
	v.SetDefault("llm.llm_temperature", 0.2)
	v.SetDefault("llm.llm_max_tokens", 1024)
	v.SetDefault("llm.llm_timeout_seconds", "60s")
	v.SetDefault("llm.llm_rate_limit_per_second", 2.0)
	v.SetDefault("llm.llm_rate_burst", 2)

	v.SetDefault("retrieval.top_k", 8)
	v.SetDefault("retrieval.context_window_tokens", 4096)

	v.SetDefault("retry.retry_max_attempts", 3)
	v.SetDefault("retry.retry_backoff_seconds", "5s")
	v.SetDefault("retry.retry_max_backoff_seconds", "60s")

	v.SetDefault("supervisor.startup_requeue_stall_threshold_seconds", "300s")
	v.SetDefault("supervisor.retry_supervisor_interval_seconds", "900s")
	v.SetDefault("supervisor.retry_supervisor_max_retries", 10)

	v.SetDefault("report.delivery_timeout_seconds", "10s")

	v.SetDefault("metrics_addr", ":9090")
}

// validate rejects wrong types, missing required values, and impossible
// driver-config combinations (spec §6, §9).
func (c *Config) validate() error {
	var bad []string

	switch c.Bus.Type {
	case BusAMQP:
		if c.Bus.AMQP.URL == "" {
			bad = append(bad, "bus.amqp.url")
		}
		if c.Bus.Cloud.ConnectionString != "" {
			bad = append(bad, "bus.cloud.connection_string set for amqp driver")
		}
	case BusCloud:
		if c.Bus.Cloud.ConnectionString == "" {
			bad = append(bad, "bus.cloud.connection_string")
		}
		if c.Bus.AMQP.URL != "" {
			bad = append(bad, "bus.amqp.url set for cloud driver")
		}
	default:
		bad = append(bad, "bus.message_bus_type")
	}

	switch c.Store.Type {
	case StoreCouchDB:
		if c.Store.CouchDB.URL == "" {
			bad = append(bad, "store.couchdb.url")
		}
		if c.Store.Neo4j.URI != "" {
			bad = append(bad, "store.neo4j.uri set for couchdb driver")
		}
	case StoreNeo4j:
		if c.Store.Neo4j.URI == "" {
			bad = append(bad, "store.neo4j.uri")
		}
		if c.Store.CouchDB.URL != "" {
			bad = append(bad, "store.couchdb.url set for neo4j driver")
		}
	default:
		bad = append(bad, "store.document_store_type")
	}

	if c.VectorStore.Type != VectorStoreQdrant {
		bad = append(bad, "vector_store.vector_store_type")
	}
	if c.VectorStore.Qdrant.Host == "" {
		bad = append(bad, "vector_store.qdrant.host")
	}

	switch c.Chunking.Strategy {
	case ChunkTokenWindow, ChunkFixedSize, ChunkSemantic:
	default:
		bad = append(bad, "chunking.chunking_strategy")
	}
	if c.Chunking.Overlap >= c.Chunking.ChunkSize {
		bad = append(bad, "chunking.chunk_overlap must be < chunk_size")
	}
	if c.Chunking.MinChunkSize > c.Chunking.MaxChunkSize {
		bad = append(bad, "chunking.min_chunk_size must be <= max_chunk_size")
	}

	if c.Embedding.Dimension <= 0 {
		bad = append(bad, "embedding.embedding_dimension")
	}

	if c.Retry.MaxAttempts <= 0 {
		bad = append(bad, "retry.retry_max_attempts")
	}
	if c.Retry.MaxBackoff < c.Retry.BackoffBase {
		bad = append(bad, "retry.retry_max_backoff_seconds must be >= retry_backoff_seconds")
	}

	if c.Supervisor.MaxRetries <= 0 {
		bad = append(bad, "supervisor.retry_supervisor_max_retries")
	}

	if len(bad) > 0 {
		return errs.NewValidation("config", bad, fmt.Errorf("%d invalid field(s)", len(bad)))
	}
	return nil
}
