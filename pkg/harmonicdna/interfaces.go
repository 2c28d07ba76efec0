package harmonicdna

import (
	"context"

	"github.com/himanishpuri/HarmonicDNA/pkg/models"
)

type Service interface {
	// Ingest indexes one song file. The song id is the file's base name.
	Ingest(ctx context.Context, audioPath string) (*SongReport, error)
	// IngestDir indexes every audio file directly under dir. onSong, when
	// set, is called from worker goroutines as each song finishes.
	IngestDir(ctx context.Context, dir string, onSong func(*SongReport)) (*BatchReport, error)
	// Query fingerprints a clip as a single segment and returns the topK
	// closest stored windows.
	Query(ctx context.Context, audioPath string, topK int) ([]models.QueryResult, error)
	ListSongs(ctx context.Context) ([]models.SongSummary, error)
	Explore(ctx context.Context, limit int) ([]models.Entry, error)
	DeleteSong(ctx context.Context, songID string) (int64, error)
	Count(ctx context.Context) (int64, error)
	Close() error
}

// Index is the vector index the service writes to and queries.
type Index interface {
	Upsert(ctx context.Context, entries []models.Entry) error
	QueryByMetadata(ctx context.Context, filter models.Filter, limit int) ([]string, error)
	QueryByVector(ctx context.Context, vec models.Fingerprint, topK int) ([]models.Hit, error)
	Count(ctx context.Context) (int64, error)
	ListSongs(ctx context.Context) ([]models.SongSummary, error)
	Entries(ctx context.Context, limit int) ([]models.Entry, error)
	DeleteSong(ctx context.Context, song string) (int64, error)
	Close() error
}

type Logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
	Debugf(format string, args ...any)
}
