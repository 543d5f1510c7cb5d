// Package config holds the cortex configuration surface. Values load in
// three layers: compiled defaults, an optional JSON file, then CORTEX_*
// environment overrides. The loaded Config is treated as read-only after
// startup; hot-reloadable artifacts (safety policy, action catalog) are
// watched separately by their owners.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"cortex/internal/secret"
)

// Config is the root configuration object.
type Config struct {
	DBPath string `json:"db_path" env:"DB_PATH"`
	Debug  bool   `json:"debug" env:"DEBUG"`

	Server    ServerConfig    `json:"server" envPrefix:"SERVER_"`
	Memory    MemoryConfig    `json:"memory" envPrefix:"MEMORY_"`
	Fusion    FusionConfig    `json:"fusion" envPrefix:"FUSION_"`
	Engine    EngineConfig    `json:"engine" envPrefix:"ENGINE_"`
	Action    ActionConfig    `json:"action" envPrefix:"ACTION_"`
	Explain   ExplainConfig   `json:"explain" envPrefix:"EXPLAIN_"`
	Telemetry TelemetryConfig `json:"telemetry" envPrefix:"TELEMETRY_"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host string `json:"host" env:"HOST"`
	Port int    `json:"port" env:"PORT"`
}

// MemoryConfig configures the memory matrix.
type MemoryConfig struct {
	EmbeddingDimension int           `json:"embedding_dimension" env:"EMBEDDING_DIMENSION"`
	EmbeddingProvider  string        `json:"embedding_provider" env:"EMBEDDING_PROVIDER"` // "local" or "genai"
	GenAIAPIKey        string        `json:"genai_api_key" env:"GENAI_API_KEY"`
	GenAIModel         string        `json:"genai_model" env:"GENAI_MODEL"`
	RetrievalTopK      int           `json:"retrieval_top_k" env:"RETRIEVAL_TOP_K"`
	GraphHopLimit      int           `json:"graph_hop_limit" env:"GRAPH_HOP_LIMIT"`
	TTLShortTerm       time.Duration `json:"ttl_short_term" env:"TTL_SHORT_TERM"`
	BackendTimeout     time.Duration `json:"backend_timeout" env:"BACKEND_TIMEOUT"`

	// Promotion threshold for short-term items: access count plus importance
	// at or above this score survives TTL expiry.
	PromotionScore float64 `json:"promotion_score" env:"PROMOTION_SCORE"`

	// CompactionSimilarity is the cosine threshold above which two episodic
	// items are considered near-duplicates and merged.
	CompactionSimilarity float64       `json:"compaction_similarity" env:"COMPACTION_SIMILARITY"`
	RetentionInterval    time.Duration `json:"retention_interval" env:"RETENTION_INTERVAL"`

	Indexer   IndexerConfig   `json:"indexer" envPrefix:"INDEXER_"`
	Retrieval RetrievalConfig `json:"retrieval" envPrefix:"RETRIEVAL_"`
}

// IndexerConfig tunes the asynchronous index propagation workers. The
// consistency bound is deliberately unspecified; index_status is the
// observable lag signal.
type IndexerConfig struct {
	Workers      int           `json:"workers" env:"WORKERS"`
	PollInterval time.Duration `json:"poll_interval" env:"POLL_INTERVAL"`
	MaxBackoff   time.Duration `json:"max_backoff" env:"MAX_BACKOFF"`
}

// RetrievalConfig holds the hybrid ranking weights. Weights need not sum
// to one; scores are combined linearly.
type RetrievalConfig struct {
	SimilarityWeight float64       `json:"similarity_weight" env:"SIMILARITY_WEIGHT"`
	RelationalWeight float64       `json:"relational_weight" env:"RELATIONAL_WEIGHT"`
	RecencyWeight    float64       `json:"recency_weight" env:"RECENCY_WEIGHT"`
	RecencyHalfLife  time.Duration `json:"recency_half_life" env:"RECENCY_HALF_LIFE"`
	SizeBudgetBytes  int           `json:"size_budget_bytes" env:"SIZE_BUDGET_BYTES"`
}

// FusionConfig configures the context integrator.
type FusionConfig struct {
	WindowDuration time.Duration `json:"window_duration" env:"WINDOW_DURATION"`
	// SourcePriority resolves conflicting modalities, highest priority first.
	SourcePriority []string `json:"source_priority" env:"SOURCE_PRIORITY" envSeparator:","`
	MaxEvents      int      `json:"max_events" env:"MAX_EVENTS"`
}

// EngineConfig configures the decision pipeline.
type EngineConfig struct {
	GeneratorTimeout     time.Duration `json:"generator_timeout" env:"GENERATOR_TIMEOUT"`
	MaxGenerationRetries int           `json:"max_generation_retries" env:"MAX_GENERATION_RETRIES"`
	MaxConcurrentQueries int           `json:"max_concurrent_queries" env:"MAX_CONCURRENT_QUERIES"`
	RulesPath            string        `json:"rules_path" env:"RULES_PATH"` // optional mangle intent rules override
}

// ActionConfig configures the action hub.
type ActionConfig struct {
	SafetyPolicyPath       string        `json:"safety_policy_path" env:"SAFETY_POLICY_PATH"`
	CatalogPath            string        `json:"catalog_path" env:"CATALOG_PATH"`
	ChannelPreferenceOrder []string      `json:"channel_preference_order" env:"CHANNEL_PREFERENCE_ORDER" envSeparator:","`
	ExecutorURL            string        `json:"executor_url" env:"EXECUTOR_URL"`
	RedisAddr              string        `json:"redis_addr" env:"REDIS_ADDR"`
	RedisStream            string        `json:"redis_stream" env:"REDIS_STREAM"`
	DispatchTimeout        time.Duration `json:"dispatch_timeout" env:"DISPATCH_TIMEOUT"`
}

// ExplainConfig configures the explainability layer.
type ExplainConfig struct {
	// AuditPolicyPath points at a YAML file of CEL ethical-audit rules;
	// empty uses the built-in baseline.
	AuditPolicyPath string `json:"audit_policy_path" env:"AUDIT_POLICY_PATH"`
}

// TelemetryConfig configures the metrics push toward monitoring.
type TelemetryConfig struct {
	Enabled      bool          `json:"enabled" env:"ENABLED"`
	PushInterval time.Duration `json:"push_interval" env:"PUSH_INTERVAL"`
}

// DefaultConfig returns the shipped defaults.
func DefaultConfig() Config {
	return Config{
		DBPath: "cortex.db",
		Server: ServerConfig{Host: "127.0.0.1", Port: 8750},
		Memory: MemoryConfig{
			EmbeddingDimension:   256,
			EmbeddingProvider:    "local",
			GenAIModel:           "gemini-embedding-001",
			RetrievalTopK:        8,
			GraphHopLimit:        2,
			TTLShortTerm:         30 * time.Minute,
			BackendTimeout:       2 * time.Second,
			PromotionScore:       3.0,
			CompactionSimilarity: 0.95,
			RetentionInterval:    5 * time.Minute,
			Indexer: IndexerConfig{
				Workers:      2,
				PollInterval: 250 * time.Millisecond,
				MaxBackoff:   30 * time.Second,
			},
			Retrieval: RetrievalConfig{
				SimilarityWeight: 0.55,
				RelationalWeight: 0.25,
				RecencyWeight:    0.20,
				RecencyHalfLife:  6 * time.Hour,
				SizeBudgetBytes:  16 * 1024,
			},
		},
		Fusion: FusionConfig{
			WindowDuration: 30 * time.Second,
			SourcePriority: []string{"operator", "vision", "lidar", "audio"},
			MaxEvents:      128,
		},
		Engine: EngineConfig{
			GeneratorTimeout:     10 * time.Second,
			MaxGenerationRetries: 2,
			MaxConcurrentQueries: 16,
		},
		Action: ActionConfig{
			ChannelPreferenceOrder: []string{"http", "redis"},
			RedisStream:            "cortex:actions",
			DispatchTimeout:        5 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Enabled:      true,
			PushInterval: 30 * time.Second,
		},
	}
}

// Load builds the effective configuration: defaults, then the JSON file at
// path (if non-empty), then CORTEX_* environment overrides.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "CORTEX_"}); err != nil {
		return cfg, fmt.Errorf("failed to apply env overrides: %w", err)
	}

	if err := cfg.resolveSecrets(); err != nil {
		return cfg, err
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// EncryptedPrefix marks a config value sealed by `cortex encrypt`. The
// passphrase arrives out of band in CORTEX_MASTER_KEY, so the config file
// itself never holds the plaintext.
const EncryptedPrefix = "enc:"

func (c *Config) resolveSecrets() error {
	if !strings.HasPrefix(c.Memory.GenAIAPIKey, EncryptedPrefix) {
		return nil
	}
	passphrase := os.Getenv("CORTEX_MASTER_KEY")
	if passphrase == "" {
		return fmt.Errorf("genai_api_key is encrypted but CORTEX_MASTER_KEY is not set")
	}
	plain, err := secret.NewVault(passphrase).Decrypt(
		strings.TrimPrefix(c.Memory.GenAIAPIKey, EncryptedPrefix))
	if err != nil {
		return fmt.Errorf("failed to decrypt genai_api_key: %w", err)
	}
	c.Memory.GenAIAPIKey = plain
	return nil
}

func (c *Config) validate() error {
	if c.Memory.EmbeddingDimension <= 0 {
		return fmt.Errorf("embedding_dimension must be positive, got %d", c.Memory.EmbeddingDimension)
	}
	if c.Memory.RetrievalTopK <= 0 {
		return fmt.Errorf("retrieval_top_k must be positive, got %d", c.Memory.RetrievalTopK)
	}
	if c.Memory.GraphHopLimit < 0 {
		return fmt.Errorf("graph_hop_limit must not be negative, got %d", c.Memory.GraphHopLimit)
	}
	if c.Engine.MaxGenerationRetries < 0 {
		return fmt.Errorf("max_generation_retries must not be negative, got %d", c.Engine.MaxGenerationRetries)
	}
	if len(c.Action.ChannelPreferenceOrder) == 0 {
		return fmt.Errorf("channel_preference_order must name at least one channel")
	}
	return nil
}
