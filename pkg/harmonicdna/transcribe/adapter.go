package transcribe

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/himanishpuri/HarmonicDNA/internal/workcache"
	"github.com/himanishpuri/HarmonicDNA/pkg/harmonicdna/fingerprint"
	"github.com/himanishpuri/HarmonicDNA/pkg/models"
	"github.com/himanishpuri/HarmonicDNA/pkg/utils"
)

var ErrEngine = errors.New("transcription engine failed")

type Logger interface {
	Debugf(format string, args ...any)
	Warnf(format string, args ...any)
}

// DonePredicate reports whether seg already has a usable artifact.
type DonePredicate func(seg models.Segment, artifact string) bool

// NeverDone forces every segment through the engine.
func NeverDone(models.Segment, string) bool { return false }

// Result is one fingerprinted segment.
type Result struct {
	Segment     models.Segment
	Fingerprint models.Fingerprint
	Notes       int
}

// Adapter runs batches of segments through an Engine and fingerprints the
// artifacts. Engine calls are single-flight across all batches of the same
// Adapter.
type Adapter struct {
	engine  Engine
	cache   *workcache.Cache
	log     Logger
	rate    float64
	workers int
	guard   *semaphore.Weighted
}

type AdapterOption func(*Adapter)

// WithCache records produced artifacts so later runs can trust them.
func WithCache(c *workcache.Cache) AdapterOption {
	return func(a *Adapter) { a.cache = c }
}

func WithLogger(l Logger) AdapterOption {
	return func(a *Adapter) { a.log = l }
}

// WithRate sets the fingerprint analysis rate in frames per second.
func WithRate(fps float64) AdapterOption {
	return func(a *Adapter) { a.rate = fps }
}

// WithWorkers bounds how many artifacts are parsed at once.
func WithWorkers(n int) AdapterOption {
	return func(a *Adapter) { a.workers = n }
}

func NewAdapter(engine Engine, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		engine:  engine,
		rate:    fingerprint.DefaultRate,
		workers: runtime.NumCPU(),
		guard:   semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Engine() Engine { return a.engine }

// AlreadyTranscribed is the default DonePredicate: the artifact is on disk
// and, when a cache is configured, was recorded for this engine.
func (a *Adapter) AlreadyTranscribed(_ models.Segment, artifact string) bool {
	if !utils.FileExists(artifact) {
		return false
	}
	return a.cache == nil || a.cache.Transcribed(artifact, a.engine.Name())
}

// TranscribeBatch transcribes the segments not yet done (per done, or
// AlreadyTranscribed when nil) in a single engine call, then fingerprints
// every segment's artifact. Segments whose artifact cannot be read are
// logged and skipped; segments without notes are dropped. Results are in
// segment index order.
func (a *Adapter) TranscribeBatch(ctx context.Context, segments []models.Segment, outDir string, done DonePredicate) ([]Result, error) {
	if len(segments) == 0 {
		return nil, nil
	}
	if done == nil {
		done = a.AlreadyTranscribed
	}
	if err := utils.MakeDir(outDir); err != nil {
		return nil, fmt.Errorf("creating transcription dir: %w", err)
	}

	artifacts := make([]string, len(segments))
	var pending []string
	var pendingArtifacts []workcache.Transcription
	for i, seg := range segments {
		artifacts[i] = ArtifactPath(outDir, seg.Path)
		if !done(seg, artifacts[i]) {
			pending = append(pending, seg.Path)
			pendingArtifacts = append(pendingArtifacts, workcache.Transcription{
				Artifact: artifacts[i],
				Segment:  seg.Path,
				Engine:   a.engine.Name(),
			})
		}
	}

	if len(pending) > 0 {
		if err := a.run(ctx, pending, outDir); err != nil {
			return nil, err
		}
		a.record(pendingArtifacts)
	} else {
		a.debugf("all %d segments already transcribed", len(segments))
	}

	slots := make([]*Result, len(segments))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(a.workers, 1))
	for i, seg := range segments {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			notes, err := ReadNotes(artifacts[i])
			if err != nil {
				a.warnf("skipping segment %d of %s: %v", seg.Index, seg.SongID, err)
				return nil
			}
			fp, ok := fingerprint.ExtractAt(notes, a.rate)
			if !ok {
				a.debugf("segment %d of %s has no notes", seg.Index, seg.SongID)
				return nil
			}
			slots[i] = &Result{Segment: seg, Fingerprint: fp, Notes: len(notes)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(segments))
	for _, r := range slots {
		if r != nil {
			results = append(results, *r)
		}
	}
	return results, nil
}

func (a *Adapter) run(ctx context.Context, paths []string, outDir string) error {
	if err := a.guard.Acquire(ctx, 1); err != nil {
		return err
	}
	defer a.guard.Release(1)

	a.debugf("%s: transcribing %d segments into %s", a.engine.Name(), len(paths), outDir)
	if err := a.engine.Transcribe(ctx, paths, outDir); err != nil {
		return fmt.Errorf("%w (%s): %w", ErrEngine, a.engine.Name(), err)
	}
	return nil
}

func (a *Adapter) record(recs []workcache.Transcription) {
	if a.cache == nil {
		return
	}
	var produced []workcache.Transcription
	for _, r := range recs {
		if utils.FileExists(r.Artifact) {
			produced = append(produced, r)
		}
	}
	if len(produced) == 0 {
		return
	}
	if err := a.cache.MarkTranscribed(produced); err != nil {
		a.warnf("recording transcriptions: %v", err)
	}
}

func (a *Adapter) debugf(format string, args ...any) {
	if a.log != nil {
		a.log.Debugf(format, args...)
	}
}

func (a *Adapter) warnf(format string, args ...any) {
	if a.log != nil {
		a.log.Warnf(format, args...)
	}
}
