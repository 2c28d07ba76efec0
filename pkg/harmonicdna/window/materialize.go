package window

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/himanishpuri/HarmonicDNA/internal/audio"
	"github.com/himanishpuri/HarmonicDNA/internal/workcache"
	"github.com/himanishpuri/HarmonicDNA/pkg/models"
	"github.com/himanishpuri/HarmonicDNA/pkg/utils"
)

// Loader decodes the source track. It is only called on a cache miss.
type Loader func(ctx context.Context) (*audio.Track, error)

type Logger interface {
	Debugf(format string, args ...any)
}

// Request describes the window set to materialise for one song.
type Request struct {
	SongID    string
	Key       string // cache key, see workcache.Key
	Dir       string // where segment_NNN.wav files go
	Params    Params
	Overwrite bool // ignore any cached set and re-encode
}

// Result is what Materialize produced.
type Result struct {
	Segments   []models.Segment
	DurationMs int64 // 0 when the set came from the cache
	Reused     bool
}

// Materializer writes one WAV per window of a track.
type Materializer struct {
	Cache   *workcache.Cache // optional
	Workers int
	Log     Logger
}

// SegmentFile is the file name of window index.
func SegmentFile(index int) string {
	return fmt.Sprintf("segment_%03d.wav", index)
}

// Materialize returns the segments of req, reusing a cached set whose files
// are all still present unless req.Overwrite is set. A track shorter than
// one window yields an empty result and no files.
func (m *Materializer) Materialize(ctx context.Context, req Request, load Loader) (*Result, error) {
	if err := req.Params.Validate(); err != nil {
		return nil, err
	}

	if !req.Overwrite {
		if res := m.cached(req); res != nil {
			return res, nil
		}
	}

	track, err := load(ctx)
	if err != nil {
		return nil, err
	}

	duration := track.DurationMs()
	bounds := Bounds(duration, req.Params.WindowMs, req.Params.HopMs)
	res := &Result{DurationMs: duration}
	if len(bounds) == 0 {
		return res, nil
	}

	if err := utils.MakeDir(req.Dir); err != nil {
		return nil, fmt.Errorf("creating segment dir: %w", err)
	}

	res.Segments = make([]models.Segment, len(bounds))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers())
	for i, w := range bounds {
		seg := models.Segment{
			SongID:  req.SongID,
			Index:   w.Index,
			StartMs: w.StartMs,
			EndMs:   w.EndMs,
			Path:    filepath.Join(req.Dir, SegmentFile(w.Index)),
		}
		res.Segments[i] = seg

		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return audio.WriteWAV(seg.Path, track.Slice(seg.StartMs, seg.EndMs), track.BitDepth)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("writing segments: %w", err)
	}

	if m.Cache != nil {
		err := m.Cache.PutSegmentSet(workcache.SegmentSet{
			Key:      req.Key,
			SongID:   req.SongID,
			Dir:      req.Dir,
			WindowMs: req.Params.WindowMs,
			HopMs:    req.Params.HopMs,
			Segments: res.Segments,
		})
		if err != nil {
			m.debugf("recording segment set %s: %v", req.Key, err)
		}
	}

	return res, nil
}

func (m *Materializer) cached(req Request) *Result {
	if m.Cache == nil {
		return nil
	}
	set, err := m.Cache.SegmentSet(req.Key)
	if err != nil || set == nil || len(set.Segments) == 0 {
		return nil
	}
	if set.WindowMs != req.Params.WindowMs || set.HopMs != req.Params.HopMs {
		return nil
	}
	if !utils.AllExist(set.Paths()) {
		m.debugf("segment set %s is incomplete on disk, rebuilding", req.Key)
		return nil
	}

	m.debugf("reusing %d cached segments for %s", len(set.Segments), req.SongID)
	return &Result{Segments: set.Segments, Reused: true}
}

func (m *Materializer) workers() int {
	if m.Workers > 0 {
		return m.Workers
	}
	return runtime.NumCPU()
}

func (m *Materializer) debugf(format string, args ...any) {
	if m.Log != nil {
		m.Log.Debugf(format, args...)
	}
}
