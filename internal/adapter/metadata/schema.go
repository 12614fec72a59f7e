package metadata

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"docexpert/config"
	"docexpert/internal/domain"
	"docexpert/internal/port"
)

// CurrentSchemaVersion is bumped on breaking changes to stored records.
const CurrentSchemaVersion = 1

// Fingerprint hashes the settings that determine chunk ids and vectors.
// A collection ingested under one fingerprint must not be extended under
// another.
func Fingerprint(cfg *config.Config) string {
	relevant := struct {
		Collection       string `json:"collection"`
		ChunkSize        int    `json:"chunk_size"`
		Overlap          int    `json:"overlap"`
		Provider         string `json:"provider"`
		Model            string `json:"model"`
		Dimension        int    `json:"dimension"`
		Metric           string `json:"metric"`
		DeterministicIDs bool   `json:"deterministic_ids"`
	}{
		Collection:       cfg.Collection,
		ChunkSize:        cfg.Chunking.ChunkSize,
		Overlap:          cfg.Chunking.Overlap,
		Provider:         cfg.Embedding.Provider,
		Model:            cfg.Embedding.Model,
		Dimension:        cfg.Embedding.Dimension,
		Metric:           cfg.VectorIndex.Metric,
		DeterministicIDs: cfg.Ingest.DeterministicIDs,
	}

	data, _ := json.Marshal(relevant)
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:8])
}

// CheckResult describes how stored schema info compares to the config.
type CheckResult struct {
	Fresh        bool // nothing recorded yet
	NeedsRebuild bool
	Reason       string
}

// CheckSchema compares the recorded schema info of collection against cfg.
func CheckSchema(ctx context.Context, store port.MetadataStore, cfg *config.Config) (*CheckResult, error) {
	info, err := store.SchemaInfo(ctx, cfg.Collection)
	if err != nil {
		return nil, fmt.Errorf("failed to get schema info: %w", err)
	}

	result := &CheckResult{}
	switch {
	case info.Version == 0 && info.Fingerprint == "":
		result.Fresh = true
	case info.Version > CurrentSchemaVersion:
		result.NeedsRebuild = true
		result.Reason = fmt.Sprintf("metadata written by a newer version (v%d > v%d)", info.Version, CurrentSchemaVersion)
	case info.Fingerprint != Fingerprint(cfg):
		result.NeedsRebuild = true
		result.Reason = "chunking or embedding configuration changed since the collection was built"
	}
	return result, nil
}

// EnsureSchema records the current schema info, failing when the
// collection was built with different settings.
func EnsureSchema(ctx context.Context, store port.MetadataStore, cfg *config.Config) error {
	result, err := CheckSchema(ctx, store, cfg)
	if err != nil {
		return err
	}
	if result.NeedsRebuild {
		return domain.InvalidConfig("collection %s: %s; re-run with --rebuild", cfg.Collection, result.Reason)
	}
	if !result.Fresh {
		return nil
	}
	return store.SetSchemaInfo(ctx, cfg.Collection, port.SchemaInfo{
		Version:     CurrentSchemaVersion,
		Fingerprint: Fingerprint(cfg),
	})
}
