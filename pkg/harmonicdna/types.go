package harmonicdna

import (
	"errors"
	"time"
)

var (
	// ErrInput covers unreadable or undecodable audio and bad arguments.
	ErrInput = errors.New("invalid input")

	// ErrNoSongs means a catalog directory held no audio files.
	ErrNoSongs = errors.New("no songs found")

	// ErrTranscription means the engine call for a batch failed.
	ErrTranscription = errors.New("transcription failed")

	// ErrIndexRead means the vector index could not be queried.
	ErrIndexRead = errors.New("index read failed")

	// ErrIndexWrite means the bulk upsert failed. Nothing was written.
	ErrIndexWrite = errors.New("index write failed")

	ErrInvalidTopK = errors.New("top_k must be positive")
)

// IngestState is the progress of one song through ingestion.
type IngestState int

const (
	StateNotStarted IngestState = iota
	StateDedupChecked
	StateSkipped // already indexed
	StateSegmenting
	StateTranscribing
	StateWriting
	StateCleaned
	StateRetained
)

var stateNames = [...]string{
	StateNotStarted:   "NOT_STARTED",
	StateDedupChecked: "DEDUP_CHECKED",
	StateSkipped:      "SKIPPED",
	StateSegmenting:   "SEGMENTING",
	StateTranscribing: "TRANSCRIBING",
	StateWriting:      "WRITING",
	StateCleaned:      "CLEANED",
	StateRetained:     "RETAINED",
}

func (s IngestState) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// Terminal reports whether no further transition can follow.
func (s IngestState) Terminal() bool {
	return s == StateSkipped || s == StateCleaned || s == StateRetained
}

// SongReport is the outcome of ingesting one song. On failure State is the
// stage that failed and Err is set.
type SongReport struct {
	SongID   string
	Path     string
	State    IngestState
	Segments int  // windows materialised
	Written  int  // entries upserted
	TooShort bool // shorter than one window
	Reused   bool // segments came from the work cache
	Elapsed  time.Duration
	Err      error
}

func (r *SongReport) Failed() bool { return r.Err != nil }

// BatchReport tallies an IngestDir run.
type BatchReport struct {
	Songs     []*SongReport
	Ingested  int // at least one entry written
	Skipped   int // already indexed
	Empty     int // finished without entries (too short or no notes)
	Failed    int // errored or stopped before a terminal state
	Written   int
	IndexSize int64
	Elapsed   time.Duration
}

func (b *BatchReport) add(r *SongReport) {
	b.Songs = append(b.Songs, r)
	switch {
	case r.Failed() || !r.State.Terminal():
		b.Failed++
	case r.State == StateSkipped:
		b.Skipped++
	case r.Written > 0:
		b.Ingested++
		b.Written += r.Written
	default:
		b.Empty++
	}
}
