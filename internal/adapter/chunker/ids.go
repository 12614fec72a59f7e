package chunker

import (
	"strconv"

	"github.com/google/uuid"

	"docexpert/internal/domain"
)

// chunkNamespace scopes deterministic chunk ids.
var chunkNamespace = uuid.MustParse("6f1c1e52-8d3a-4c1e-9b7e-3d2f0a9c4b11")

// DeterministicIDs derives ids from (collection, path, index), so
// re-ingesting a document overwrites its chunks instead of duplicating them.
func DeterministicIDs(collection string) IDFunc {
	return func(path string, index int) domain.ChunkID {
		name := collection + "\x00" + path + "\x00" + strconv.Itoa(index)
		return domain.ChunkID(uuid.NewSHA1(chunkNamespace, []byte(name)).String())
	}
}

// RandomIDs returns a fresh id for every chunk.
func RandomIDs() IDFunc {
	return func(string, int) domain.ChunkID {
		return domain.ChunkID(uuid.NewString())
	}
}
