package chunker

import (
	"fmt"
	"iter"
	"unicode/utf8"

	"docexpert/internal/domain"
)

// IDFunc derives the id of the chunk at index within the document at path.
type IDFunc func(path string, index int) domain.ChunkID

// WindowChunker splits text into fixed-size character windows where
// consecutive windows share exactly overlap characters.
type WindowChunker struct {
	size    int
	overlap int
	ids     IDFunc
}

func NewWindowChunker(size, overlap int, ids IDFunc) (*WindowChunker, error) {
	if size <= 0 {
		return nil, domain.InvalidConfig("chunk_size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, domain.InvalidConfig("overlap must be in [0, %d), got %d", size, overlap)
	}
	if ids == nil {
		return nil, domain.InvalidConfig("chunk id function is required")
	}
	return &WindowChunker{size: size, overlap: overlap, ids: ids}, nil
}

func (c *WindowChunker) Seq(doc domain.Document, text string) (iter.Seq[domain.Chunk], error) {
	if !utf8.ValidString(text) {
		return nil, fmt.Errorf("document %s is not valid UTF-8", doc.Path)
	}
	step := c.size - c.overlap

	return func(yield func(domain.Chunk) bool) {
		// offsets[i] is the byte offset of the i-th rune, filled in as the
		// window advances.
		var offsets []int
		pos := 0
		runeAt := func(n int) (int, bool) {
			for len(offsets) <= n {
				if pos >= len(text) {
					return len(text), false
				}
				offsets = append(offsets, pos)
				_, w := utf8.DecodeRuneInString(text[pos:])
				pos += w
			}
			return offsets[n], true
		}

		for index, start := 0, 0; ; index, start = index+1, start+step {
			startByte, ok := runeAt(start)
			if !ok {
				return
			}
			endByte, more := runeAt(start + c.size)
			chunk := domain.Chunk{
				ID:        c.ids(doc.Path, index),
				DocPath:   doc.Path,
				Index:     index,
				ByteStart: startByte,
				ByteEnd:   endByte,
				Text:      text[startByte:endByte],
			}
			if !yield(chunk) {
				return
			}
			// A window that reached the end of the text is the last one.
			if !more {
				return
			}
		}
	}, nil
}

func (c *WindowChunker) Chunk(doc domain.Document, text string) ([]domain.Chunk, error) {
	seq, err := c.Seq(doc, text)
	if err != nil {
		return nil, err
	}
	var chunks []domain.Chunk
	for chunk := range seq {
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}
