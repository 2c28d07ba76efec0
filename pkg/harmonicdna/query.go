package harmonicdna

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/himanishpuri/HarmonicDNA/internal/audio"
	"github.com/himanishpuri/HarmonicDNA/pkg/harmonicdna/transcribe"
	"github.com/himanishpuri/HarmonicDNA/pkg/models"
)

// querySegment is the file name a query clip is transcribed under.
const querySegment = "query.wav"

// Query fingerprints the whole clip as one segment and returns the topK
// nearest stored windows, closest first. A clip without audio or without
// any transcribed note has no fingerprint and yields no results.
func (s *harmonicService) Query(ctx context.Context, audioPath string, topK int) ([]models.QueryResult, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidTopK, topK)
	}
	if _, err := os.Stat(audioPath); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInput, err)
	}

	dir, err := s.scratchDir("query-")
	if err != nil {
		return nil, fmt.Errorf("creating query dir: %w", err)
	}
	// The clip's transcription record would never be read again.
	defer s.clean("", dir)

	// 1. Decode the clip
	track, err := audio.Load(ctx, audioPath, dir, s.config.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInput, err)
	}
	if track.Frames() == 0 {
		s.log.Warnf("Query clip %s holds no audio", filepath.Base(audioPath))
		return []models.QueryResult{}, nil
	}

	// 2. Transcribe it as a single segment
	seg := models.Segment{
		SongID: filepath.Base(audioPath),
		EndMs:  track.DurationMs(),
		Path:   filepath.Join(dir, querySegment),
	}
	if err := audio.WriteWAV(seg.Path, track.Buffer, track.BitDepth); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInput, err)
	}

	results, err := s.transcribe(ctx, []models.Segment{seg}, dir, transcribe.NeverDone)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTranscription, err)
	}
	if len(results) == 0 {
		s.log.Infof("No notes transcribed from %s", filepath.Base(audioPath))
		return []models.QueryResult{}, nil
	}

	// 3. Nearest neighbours
	hits, err := s.index.QueryByVector(ctx, results[0].Fingerprint, topK)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIndexRead, err)
	}

	out := make([]models.QueryResult, 0, len(hits))
	for _, h := range hits {
		out = append(out, models.QueryResult{
			SongID:        metaString(h.Metadata, models.MetaSong),
			OffsetSeconds: metaFloat(h.Metadata, models.MetaOffsetSeconds),
			Distance:      h.Distance,
		})
	}
	return out, nil
}

func metaString(meta map[string]any, key string) string {
	if v, ok := meta[key].(string); ok {
		return v
	}
	return ""
}

// metaFloat reads a numeric metadata value whichever way the index decoded
// it.
func metaFloat(meta map[string]any, key string) float64 {
	switch v := meta[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}
