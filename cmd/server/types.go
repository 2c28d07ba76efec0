package main

import (
	"fmt"

	"github.com/himanishpuri/HarmonicDNA/pkg/harmonicdna"
)

const (
	// MaxUploadBytes bounds a song upload.
	MaxUploadBytes = 100 << 20

	// MaxQueryBytes bounds a query clip upload.
	MaxQueryBytes = 50 << 20

	// MaxTopK caps how many results a single query may ask for.
	MaxTopK = 100

	// DefaultExploreLimit applies when GET /api/entries has no limit.
	DefaultExploreLimit = 50
)

// QueryRequest holds the parsed form fields of POST /api/query
type QueryRequest struct {
	TopK int
}

// Validate checks if the request is valid
func (r *QueryRequest) Validate() error {
	if r.TopK <= 0 {
		return fmt.Errorf("top_k must be positive, got %d", r.TopK)
	}
	if r.TopK > MaxTopK {
		return fmt.Errorf("top_k too large: %d (maximum: %d)", r.TopK, MaxTopK)
	}
	return nil
}

// QueryResponse is the response for POST /api/query
type QueryResponse struct {
	Results []QueryResultDTO `json:"results"`
	Count   int              `json:"count"`
}

// QueryResultDTO represents a single ranked window
type QueryResultDTO struct {
	SongID        string  `json:"song_id"`
	OffsetSeconds float64 `json:"offset_seconds"`
	Distance      float64 `json:"distance"`
}

// IngestResponse is the response for POST /api/songs
type IngestResponse struct {
	Message  string `json:"message"`
	SongID   string `json:"song_id"`
	State    string `json:"state"`
	Segments int    `json:"segments"`
	Entries  int    `json:"entries"`
	TooShort bool   `json:"too_short,omitempty"`
	Reused   bool   `json:"reused,omitempty"`
}

func newIngestResponse(rep *harmonicdna.SongReport) IngestResponse {
	msg := "Song indexed successfully"
	switch {
	case rep.State == harmonicdna.StateSkipped:
		msg = "Song already indexed"
	case rep.TooShort:
		msg = "Song is shorter than one window, nothing indexed"
	case rep.Written == 0:
		msg = "No notes transcribed, nothing indexed"
	}
	return IngestResponse{
		Message:  msg,
		SongID:   rep.SongID,
		State:    rep.State.String(),
		Segments: rep.Segments,
		Entries:  rep.Written,
		TooShort: rep.TooShort,
		Reused:   rep.Reused,
	}
}

// SongDTO represents a song in API responses
type SongDTO struct {
	SongID      string  `json:"song_id"`
	Title       string  `json:"title,omitempty"`
	Artist      string  `json:"artist,omitempty"`
	Entries     int     `json:"entries"`
	FirstOffset float64 `json:"first_offset_seconds"`
	LastOffset  float64 `json:"last_offset_seconds"`
}

// ListSongsResponse is the response for GET /api/songs
type ListSongsResponse struct {
	Songs []SongDTO `json:"songs"`
	Count int       `json:"count"`
}

// DeleteSongResponse is the response for DELETE /api/songs/{name}
type DeleteSongResponse struct {
	Message string `json:"message"`
	SongID  string `json:"song_id"`
	Deleted int64  `json:"deleted"`
}

// EntryDTO is one stored index entry
type EntryDTO struct {
	ID            string         `json:"id"`
	SongID        string         `json:"song_id"`
	OffsetSeconds float64        `json:"offset_seconds"`
	Vector        []float64      `json:"vector"`
	Metadata      map[string]any `json:"metadata"`
}

// ExploreResponse is the response for GET /api/entries
type ExploreResponse struct {
	Entries []EntryDTO `json:"entries"`
	Count   int        `json:"count"`
	Total   int64      `json:"total"`
}

// MetricsResponse provides server health and index metrics
type MetricsResponse struct {
	Status       string `json:"status"`
	DatabasePath string `json:"database_path"`
	SongCount    int    `json:"song_count"`
	EntryCount   int64  `json:"entry_count"`
	Engine       string `json:"engine"`
	WindowMs     int64  `json:"window_ms"`
	HopMs        int64  `json:"hop_ms"`
}

// ErrorResponse is the standard error response format
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
}
