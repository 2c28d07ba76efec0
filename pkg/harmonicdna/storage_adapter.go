package harmonicdna

import (
	"github.com/himanishpuri/HarmonicDNA/internal/storage"
)

// NewSQLiteIndex opens (or creates) the SQLite-backed vector index.
func NewSQLiteIndex(dbPath string) (Index, error) {
	return storage.NewVectorIndexWithPath(dbPath)
}

var _ Index = (*storage.VectorIndex)(nil)
