package domain

import "time"

// ChunkID uniquely identifies a chunk. It is the join key between the
// vector index and the metadata store.
type ChunkID string

type Document struct {
	Path     string
	ModTime  time.Time
	Category string
}

// Chunk is a contiguous slice of a document's text.
type Chunk struct {
	ID        ChunkID
	DocPath   string
	Index     int // 0-based ordinal within the document
	ByteStart int
	ByteEnd   int
	Text      string
}

// MetadataRecord holds the provenance of a chunk.
type MetadataRecord struct {
	ChunkID    ChunkID   `json:"chunk_id"`
	Collection string    `json:"collection"`
	FilePath   string    `json:"file_path"`
	FileName   string    `json:"file_name"`
	ChunkIndex int       `json:"chunk_index"`
	ByteStart  int       `json:"byte_start"`
	ByteEnd    int       `json:"byte_end"`
	Category   string    `json:"category,omitempty"`
	Preview    string    `json:"preview,omitempty"`
	IngestedAt time.Time `json:"ingested_at"`
}

// ScoredID is a single search hit. Higher Score is more relevant.
type ScoredID struct {
	ID    ChunkID
	Score float64
}

// QueryResult is ordered by descending score, ties broken by ascending ID.
type QueryResult []ScoredID

// Filter narrows a nearest-neighbor search by scalar fields.
// Expr is passed through verbatim to backends that understand it.
type Filter struct {
	Category   string
	PathPrefix string
	FileName   string
	Expr       string
}

func (f Filter) IsZero() bool {
	return f == Filter{}
}

// SkippedChunk records a chunk that was not ingested.
type SkippedChunk struct {
	ChunkID    ChunkID `json:"chunk_id"`
	FilePath   string  `json:"file_path"`
	ChunkIndex int     `json:"chunk_index"`
	Reason     string  `json:"reason"`
}

// BatchRef identifies an embedding batch that was fully written.
type BatchRef struct {
	Seq      int       `json:"seq"`
	ChunkIDs []ChunkID `json:"chunk_ids"`
}

type IngestReport struct {
	Collection         string         `json:"collection"`
	DocumentsProcessed int            `json:"documents_processed"`
	ChunksIngested     int            `json:"chunks_ingested"`
	ChunksSkipped      []SkippedChunk `json:"chunks_skipped,omitempty"`
	ChunksResumed      int            `json:"chunks_resumed,omitempty"`
	CompletedBatches   []BatchRef     `json:"completed_batches,omitempty"`
	DocumentErrors     []string       `json:"document_errors,omitempty"`
	Flushed            bool           `json:"flushed"`
	Cancelled          bool           `json:"cancelled"`
	Duration           time.Duration  `json:"duration"`
}

// CompletedChunkIDs lists every chunk id from fully written batches.
func (r *IngestReport) CompletedChunkIDs() []ChunkID {
	var ids []ChunkID
	for _, b := range r.CompletedBatches {
		ids = append(ids, b.ChunkIDs...)
	}
	return ids
}

// ContextChunk is one retrieved chunk joined with its provenance.
type ContextChunk struct {
	ChunkID       ChunkID `json:"chunk_id"`
	Score         float64 `json:"score"`
	FilePath      string  `json:"file_path,omitempty"`
	FileName      string  `json:"file_name,omitempty"`
	ChunkIndex    int     `json:"chunk_index"`
	Category      string  `json:"category,omitempty"`
	Preview       string  `json:"preview,omitempty"`
	SourceUnknown bool    `json:"source_unknown,omitempty"`
}

// Source is the best-scoring chunk of one file.
type Source struct {
	FilePath string  `json:"file_path"`
	ChunkID  ChunkID `json:"chunk_id"`
	Score    float64 `json:"score"`
}

type RetrievalResult struct {
	Query         string         `json:"query"`
	Collection    string         `json:"collection"`
	ContextChunks []ContextChunk `json:"context_chunks"`
	Sources       []Source       `json:"sources"`
}

// SourcePaths returns the set of file paths in the Sources summary.
func (r *RetrievalResult) SourcePaths() []string {
	paths := make([]string, len(r.Sources))
	for i, s := range r.Sources {
		paths[i] = s.FilePath
	}
	return paths
}
