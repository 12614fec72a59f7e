package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"docexpert/internal/domain"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for docexpert.
type Config struct {
	Collection  string            `yaml:"collection"`
	Chunking    ChunkingConfig    `yaml:"chunking"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Retry       RetryConfig       `yaml:"retry"`
	Ingest      IngestConfig      `yaml:"ingest"`
	Retrieve    RetrieveConfig    `yaml:"retrieve"`
	VectorIndex VectorIndexConfig `yaml:"vector_index"`
	Milvus      MilvusConfig      `yaml:"milvus"`
	Metadata    MetadataConfig    `yaml:"metadata"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ChunkingConfig holds chunker configuration. Sizes are in characters.
type ChunkingConfig struct {
	ChunkSize int `yaml:"chunk_size"`
	Overlap   int `yaml:"overlap"`
}

// EmbeddingConfig holds embedding configuration.
type EmbeddingConfig struct {
	Provider  string        `yaml:"provider"`    // "openai", "ollama", "mock"
	Model     string        `yaml:"model"`       // e.g., "nomic-embed-text"
	BaseURL   string        `yaml:"base_url"`    // empty means provider default
	APIKeyEnv string        `yaml:"api_key_env"` // Environment variable for API key
	Dimension int           `yaml:"dimension"`
	BatchSize int           `yaml:"batch_size"`
	Timeout   time.Duration `yaml:"timeout"`
	CacheSize int           `yaml:"cache_size"` // query embedding cache, 0 disables
}

// RetryConfig controls retries of external calls.
type RetryConfig struct {
	Count       int           `yaml:"count"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
	QueryCount  int           `yaml:"query_count"` // retries on the latency-sensitive query path
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// IngestConfig holds ingestion configuration.
type IngestConfig struct {
	Workers          int               `yaml:"workers"`
	DeterministicIDs bool              `yaml:"deterministic_ids"`
	Includes         []string          `yaml:"includes"`
	Excludes         []string          `yaml:"excludes"`
	Categories       map[string]string `yaml:"categories"` // doublestar pattern -> category
}

// RetrieveConfig holds retrieval configuration.
type RetrieveConfig struct {
	TopK         int  `yaml:"top_k"`
	DedupSources bool `yaml:"dedup_sources"`
	PreviewChars int  `yaml:"preview_chars"`
}

// VectorIndexConfig selects and tunes the vector index backend.
type VectorIndexConfig struct {
	Backend            string `yaml:"backend"` // "milvus", "local", "memory"
	Path               string `yaml:"path"`    // local backend file, relative to the data dir
	Metric             string `yaml:"metric"`  // "L2", "IP", "COSINE"
	HNSWM              int    `yaml:"hnsw_m"`
	HNSWEfConstruction int    `yaml:"hnsw_ef_construction"`
	SearchEf           int    `yaml:"search_ef"`
}

// MilvusConfig holds Milvus connection settings.
type MilvusConfig struct {
	Address  string        `yaml:"address"`
	Database string        `yaml:"database"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`
}

// MetadataConfig selects the metadata store backend.
type MetadataConfig struct {
	Backend string      `yaml:"backend"` // "bolt", "sqlite", "redis", "memory"
	Path    string      `yaml:"path"`
	Redis   RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console", "json"
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Collection: "support_docs_v1",
		Chunking: ChunkingConfig{
			ChunkSize: 1000,
			Overlap:   200,
		},
		Embedding: EmbeddingConfig{
			Provider:  "ollama",
			Model:     "nomic-embed-text",
			APIKeyEnv: "OPENAI_API_KEY",
			Dimension: 768,
			BatchSize: 64,
			Timeout:   60 * time.Second,
		},
		Retry: RetryConfig{
			Count:       3,
			BackoffBase: 500 * time.Millisecond,
			BackoffMax:  10 * time.Second,
			QueryCount:  1,
			CallTimeout: 30 * time.Second,
		},
		Ingest: IngestConfig{
			Workers:          4,
			DeterministicIDs: true,
			Includes:         []string{"**/*.md", "**/*.mdx", "**/*.txt", "**/*.rst"},
			Excludes:         []string{"**/node_modules/**", "**/vendor/**", "**/.git/**", "**/.docexpert/**"},
		},
		Retrieve: RetrieveConfig{
			TopK:         20,
			DedupSources: true,
			PreviewChars: 2000,
		},
		VectorIndex: VectorIndexConfig{
			Backend:            "milvus",
			Path:               "vectors.db",
			Metric:             "L2",
			HNSWM:              16,
			HNSWEfConstruction: 200,
			SearchEf:           64,
		},
		Milvus: MilvusConfig{
			Address:  "localhost:19530",
			Database: "default",
			Timeout:  30 * time.Second,
		},
		Metadata: MetadataConfig{
			Backend: "bolt",
			Path:    "metadata.db",
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "docexpert",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil // Return defaults if no config file
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.applyEnv()

	return cfg, nil
}

// LoadFromDir loads configuration from a directory (looks for docexpert.yaml).
func LoadFromDir(dir string) (*Config, error) {
	path := filepath.Join(dir, "docexpert.yaml")
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}

	path = filepath.Join(dir, ".docexpert", "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}

	cfg := DefaultConfig()
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if pw := os.Getenv("MILVUS_PASSWORD"); pw != "" {
		c.Milvus.Password = pw
	}
	if addr := os.Getenv("MILVUS_ADDRESS"); addr != "" {
		c.Milvus.Address = addr
	}
}

// Validate checks the configuration before any I/O happens.
func (c *Config) Validate() error {
	var errs []error
	if c.Collection == "" {
		errs = append(errs, domain.InvalidConfig("collection name is required"))
	}
	if c.Chunking.ChunkSize <= 0 {
		errs = append(errs, domain.InvalidConfig("chunk_size must be positive, got %d", c.Chunking.ChunkSize))
	}
	if c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.ChunkSize {
		errs = append(errs, domain.InvalidConfig("overlap must be in [0, chunk_size), got %d", c.Chunking.Overlap))
	}
	if c.Embedding.Dimension <= 0 {
		errs = append(errs, domain.InvalidConfig("embedding dimension must be positive, got %d", c.Embedding.Dimension))
	}
	if c.Embedding.BatchSize <= 0 {
		errs = append(errs, domain.InvalidConfig("embedding batch_size must be positive, got %d", c.Embedding.BatchSize))
	}
	if c.Retry.Count < 0 || c.Retry.QueryCount < 0 {
		errs = append(errs, domain.InvalidConfig("retry counts must not be negative"))
	}
	if c.Retrieve.TopK <= 0 {
		errs = append(errs, domain.InvalidConfig("top_k must be positive, got %d", c.Retrieve.TopK))
	}
	switch c.Embedding.Provider {
	case "openai", "ollama", "mock":
	default:
		errs = append(errs, domain.InvalidConfig("unsupported embedding provider %q", c.Embedding.Provider))
	}
	switch c.VectorIndex.Metric {
	case "L2", "IP", "COSINE":
	default:
		errs = append(errs, domain.InvalidConfig("unsupported metric %q", c.VectorIndex.Metric))
	}
	switch c.VectorIndex.Backend {
	case "milvus", "local", "memory":
	default:
		errs = append(errs, domain.InvalidConfig("unsupported vector index backend %q", c.VectorIndex.Backend))
	}
	switch c.Metadata.Backend {
	case "bolt", "sqlite", "redis", "memory":
	default:
		errs = append(errs, domain.InvalidConfig("unsupported metadata backend %q", c.Metadata.Backend))
	}
	return errors.Join(errs...)
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// DataDir returns the directory holding local state for dir.
func DataDir(dir string) string {
	return filepath.Join(dir, ".docexpert")
}

// DataPath resolves name relative to the data directory unless it is absolute.
func DataPath(dir, name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(DataDir(dir), name)
}

// EnsureDataDir ensures the .docexpert directory exists.
func EnsureDataDir(dir string) error {
	if err := os.MkdirAll(DataDir(dir), 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}
