package port

import (
	"iter"

	"docexpert/internal/domain"
)

type Chunker interface {
	// Seq returns a lazy sequence of chunks covering text. The sequence
	// may be ranged over more than once.
	Seq(doc domain.Document, text string) (iter.Seq[domain.Chunk], error)

	Chunk(doc domain.Document, text string) ([]domain.Chunk, error)
}
