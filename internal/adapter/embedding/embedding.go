package embedding

import (
	"time"

	"docexpert/config"
	"docexpert/internal/domain"
	"docexpert/internal/port"
)

// New builds the embedder selected by cfg.Provider.
func New(cfg config.EmbeddingConfig) (port.Embedder, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIEmbedder(cfg.APIKeyEnv, cfg.Model, cfg.BaseURL, cfg.Dimension, cfg.Timeout)
	case "ollama":
		return NewOllamaEmbedder(cfg.Model, cfg.BaseURL, cfg.Dimension, cfg.Timeout), nil
	case "mock":
		return NewMockEmbedder(cfg.Dimension), nil
	default:
		return nil, domain.InvalidConfig("unknown embedding provider %q", cfg.Provider)
	}
}

// NewForQueries wraps New with a query cache when cfg.CacheSize is set.
func NewForQueries(cfg config.EmbeddingConfig) (port.Embedder, error) {
	embedder, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.CacheSize <= 0 {
		return embedder, nil
	}
	return NewCachedEmbedder(embedder, NewQueryCache(cfg.CacheSize, 10*time.Minute)), nil
}
