package harmonicdna

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/himanishpuri/HarmonicDNA/internal/audio/audiotest"
	"github.com/himanishpuri/HarmonicDNA/pkg/harmonicdna/transcribe"
	"github.com/himanishpuri/HarmonicDNA/pkg/logger"
	"github.com/himanishpuri/HarmonicDNA/pkg/models"
	"github.com/himanishpuri/HarmonicDNA/pkg/utils"
)

const testRate = 8000

// scriptedEngine writes canned notes keyed by segment base name. Segments
// without an entry get an empty artifact.
type scriptedEngine struct {
	notes map[string][]models.NoteEvent
	err   error

	mu    sync.Mutex
	calls int
}

func (e *scriptedEngine) Name() string { return "scripted" }

func (e *scriptedEngine) Transcribe(ctx context.Context, paths []string, outDir string) error {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()

	if e.err != nil {
		return e.err
	}
	for _, p := range paths {
		if err := transcribe.WriteNotes(transcribe.ArtifactPath(outDir, p), e.notes[utils.TrimExt(p)]); err != nil {
			return err
		}
	}
	return nil
}

func (e *scriptedEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// countingIndex counts bulk upserts on top of a real index and can be told
// to reject them.
type countingIndex struct {
	Index
	upserts atomic.Int32

	mu        sync.Mutex
	upsertErr error
}

func (c *countingIndex) Upsert(ctx context.Context, entries []models.Entry) error {
	c.upserts.Add(1)
	c.mu.Lock()
	err := c.upsertErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.Index.Upsert(ctx, entries)
}

func (c *countingIndex) failUpserts(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.upsertErr = err
}

var aMajor = []models.NoteEvent{
	{Pitch: 69, Start: 0, End: 2, Velocity: 100},
	{Pitch: 73, Start: 0.5, End: 2, Velocity: 80},
	{Pitch: 76, Start: 1, End: 3, Velocity: 60},
}

type fixture struct {
	dir    string
	work   string
	engine *scriptedEngine
	index  *countingIndex
	svc    Service
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	dir := t.TempDir()
	idx, err := NewSQLiteIndex(filepath.Join(dir, "index.sqlite3"))
	if err != nil {
		t.Fatalf("Failed to open index: %v", err)
	}
	t.Cleanup(func() { idx.Close() })

	f := &fixture{
		dir:  dir,
		work: filepath.Join(dir, "work"),
		engine: &scriptedEngine{notes: map[string][]models.NoteEvent{
			"segment_001": aMajor,
			"query":       aMajor,
		}},
		index: &countingIndex{Index: idx},
	}

	base := []Option{
		WithWorkDir(f.work),
		WithSampleRate(testRate),
		WithEngine(f.engine),
		WithIndex(f.index),
		WithLogger(logger.Discard()),
	}
	svc, err := NewService(append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	f.svc = svc
	return f
}

func (f *fixture) song(t *testing.T, name string, seconds float64) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	audiotest.WriteWAV(t, path, testRate, seconds, audiotest.Tone{Freq: 440, StartSec: 0, EndSec: seconds})
	return path
}

func TestIngestWritesOnlyWindowsWithNotes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rep, err := f.svc.Ingest(ctx, f.song(t, "song.wav", 20))
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if rep.Segments != 3 {
		t.Errorf("Expected 3 windows, got %d", rep.Segments)
	}
	if rep.Written != 1 {
		t.Errorf("Expected 1 entry written, got %d", rep.Written)
	}
	if rep.State != StateRetained {
		t.Errorf("Expected state %s, got %s", StateRetained, rep.State)
	}
	if got := f.index.upserts.Load(); got != 1 {
		t.Errorf("Expected a single bulk upsert, got %d", got)
	}
	if got := f.engine.callCount(); got != 1 {
		t.Errorf("Expected one engine call for the whole song, got %d", got)
	}

	entries, err := f.svc.Explore(ctx, 0)
	if err != nil {
		t.Fatalf("Explore failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected 1 stored entry, got %d", len(entries))
	}
	e := entries[0]
	if e.ID != "song.wav_seg_001" {
		t.Errorf("Unexpected entry id %q", e.ID)
	}
	if e.SongID != "song.wav" || e.OffsetSeconds != 5.0 {
		t.Errorf("Unexpected entry metadata: song=%q offset=%v", e.SongID, e.OffsetSeconds)
	}
	if len(e.Vector) != models.Dimensions {
		t.Errorf("Expected %d dimensions, got %d", models.Dimensions, len(e.Vector))
	}
}

func TestIngestSkipsIndexedSong(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := f.song(t, "song.wav", 20)

	if _, err := f.svc.Ingest(ctx, path); err != nil {
		t.Fatalf("First ingest failed: %v", err)
	}
	rep, err := f.svc.Ingest(ctx, path)
	if err != nil {
		t.Fatalf("Second ingest failed: %v", err)
	}
	if rep.State != StateSkipped {
		t.Errorf("Expected %s, got %s", StateSkipped, rep.State)
	}
	if got := f.index.upserts.Load(); got != 1 {
		t.Errorf("Expected no upsert on re-ingest, got %d upserts in total", got)
	}
	if got := f.engine.callCount(); got != 1 {
		t.Errorf("Expected no engine call on re-ingest, got %d calls in total", got)
	}

	n, _ := f.svc.Count(ctx)
	if n != 1 {
		t.Errorf("Expected 1 entry, got %d", n)
	}
}

func TestIngestReusesRetainedArtifacts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := f.song(t, "song.wav", 20)

	if _, err := f.svc.Ingest(ctx, path); err != nil {
		t.Fatalf("First ingest failed: %v", err)
	}
	if _, err := f.svc.DeleteSong(ctx, "song.wav"); err != nil {
		t.Fatalf("DeleteSong failed: %v", err)
	}

	rep, err := f.svc.Ingest(ctx, path)
	if err != nil {
		t.Fatalf("Re-ingest failed: %v", err)
	}
	if !rep.Reused {
		t.Error("Expected retained segments to be reused")
	}
	if rep.Written != 1 {
		t.Errorf("Expected 1 entry written, got %d", rep.Written)
	}
	if got := f.engine.callCount(); got != 1 {
		t.Errorf("Expected recorded transcriptions to be reused, got %d engine calls", got)
	}
}

func TestIngestOverwriteRedoesWork(t *testing.T) {
	f := newFixture(t, WithOverwrite(true))
	ctx := context.Background()
	path := f.song(t, "song.wav", 20)

	f.svc.Ingest(ctx, path)
	f.svc.DeleteSong(ctx, "song.wav")
	rep, err := f.svc.Ingest(ctx, path)
	if err != nil {
		t.Fatalf("Re-ingest failed: %v", err)
	}
	if rep.Reused {
		t.Error("Expected segments to be rebuilt")
	}
	if got := f.engine.callCount(); got != 2 {
		t.Errorf("Expected 2 engine calls, got %d", got)
	}
}

func TestIngestTooShort(t *testing.T) {
	f := newFixture(t)

	rep, err := f.svc.Ingest(context.Background(), f.song(t, "short.wav", 4))
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if !rep.TooShort || rep.Segments != 0 || rep.Written != 0 {
		t.Errorf("Unexpected report for short song: %+v", rep)
	}
	if f.engine.callCount() != 0 {
		t.Error("Engine should not run without segments")
	}
	if f.index.upserts.Load() != 0 {
		t.Error("Index should not be written without entries")
	}
}

func TestIngestEngineFailureWritesNothing(t *testing.T) {
	f := newFixture(t)
	f.engine.err = errors.New("model crashed")
	ctx := context.Background()

	rep, err := f.svc.Ingest(ctx, f.song(t, "song.wav", 20))
	if !errors.Is(err, ErrTranscription) {
		t.Fatalf("Expected ErrTranscription, got %v", err)
	}
	if !errors.Is(err, transcribe.ErrEngine) {
		t.Errorf("Expected the engine error to be wrapped, got %v", err)
	}
	if rep.State != StateTranscribing || !rep.Failed() {
		t.Errorf("Expected a failure at %s, got %s (err=%v)", StateTranscribing, rep.State, rep.Err)
	}
	if n, _ := f.svc.Count(ctx); n != 0 {
		t.Errorf("Expected an empty index, got %d entries", n)
	}

	// A failure is retryable by running again.
	f.engine.err = nil
	rep, err = f.svc.Ingest(ctx, filepath.Join(f.dir, "song.wav"))
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if rep.Written != 1 {
		t.Errorf("Expected 1 entry after retry, got %d", rep.Written)
	}
}

func TestIngestWriteFailureIsRetryable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := f.song(t, "song.wav", 20)

	f.index.failUpserts(errors.New("database is locked"))
	rep, err := f.svc.Ingest(ctx, path)
	if !errors.Is(err, ErrIndexWrite) {
		t.Fatalf("Expected ErrIndexWrite, got %v", err)
	}
	if rep.State != StateWriting || rep.Written != 0 {
		t.Errorf("Expected a failure at %s with nothing written, got %s with %d", StateWriting, rep.State, rep.Written)
	}
	if n, _ := f.svc.Count(ctx); n != 0 {
		t.Errorf("Expected an empty index, got %d entries", n)
	}

	f.index.failUpserts(nil)
	rep, err = f.svc.Ingest(ctx, path)
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if rep.State == StateSkipped {
		t.Fatal("A failed write must not make the song look indexed")
	}
	if rep.Written != 1 {
		t.Errorf("Expected 1 entry after retry, got %d", rep.Written)
	}
	if got := f.engine.callCount(); got != 1 {
		t.Errorf("Expected the retry to reuse recorded transcriptions, got %d engine calls", got)
	}
}

func TestIngestMissingFile(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Ingest(context.Background(), filepath.Join(f.dir, "nope.wav"))
	if !errors.Is(err, ErrInput) {
		t.Fatalf("Expected ErrInput, got %v", err)
	}
}

func TestIngestCleanRemovesArtifacts(t *testing.T) {
	f := newFixture(t, WithClean(true))

	rep, err := f.svc.Ingest(context.Background(), f.song(t, "song.wav", 20))
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if rep.State != StateCleaned {
		t.Errorf("Expected %s, got %s", StateCleaned, rep.State)
	}
	for _, sub := range []string{"segments", "transcriptions"} {
		entries, _ := os.ReadDir(filepath.Join(f.work, sub))
		if len(entries) != 0 {
			t.Errorf("Expected %s to be empty after clean, found %d entries", sub, len(entries))
		}
	}
}

func TestQueryFindsIngestedWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Ingest(ctx, f.song(t, "song.wav", 20)); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	results, err := f.svc.Query(ctx, f.song(t, "clip.wav", 3), 1)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Expected 1 result, got %d", len(results))
	}
	r := results[0]
	if r.SongID != "song.wav" || r.OffsetSeconds != 5.0 {
		t.Errorf("Unexpected match %+v", r)
	}
	if math.Abs(r.Distance) > 1e-5 {
		t.Errorf("Expected distance ~0, got %v", r.Distance)
	}
}

func TestQueryLeavesNoCacheRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Ingest(ctx, f.song(t, "song.wav", 20)); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	cache := f.svc.(*harmonicService).cache
	sets, before, err := cache.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}

	clip := f.song(t, "clip.wav", 3)
	for i := 0; i < 3; i++ {
		if _, err := f.svc.Query(ctx, clip, 1); err != nil {
			t.Fatalf("Query %d failed: %v", i, err)
		}
	}

	setsAfter, after, err := cache.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if after != before || setsAfter != sets {
		t.Errorf("Expected queries to leave the cache at %d sets/%d transcriptions, got %d/%d", sets, before, setsAfter, after)
	}
	if left, _ := os.ReadDir(filepath.Join(f.work, "queries")); len(left) != 0 {
		t.Errorf("Expected no query dirs left behind, found %d", len(left))
	}
}

func TestSpectralEngineIngestAndQuery(t *testing.T) {
	f := newFixture(t, WithEngine(transcribe.NewSpectralEngine()))
	ctx := context.Background()

	rep, err := f.svc.Ingest(ctx, f.song(t, "song.wav", 20))
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if rep.Written != rep.Segments || rep.Written == 0 {
		t.Fatalf("Expected every window of a held tone to be written, got %d of %d", rep.Written, rep.Segments)
	}

	results, err := f.svc.Query(ctx, f.song(t, "clip.wav", 3), 1)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Expected 1 result, got %d", len(results))
	}
	if results[0].SongID != "song.wav" {
		t.Errorf("Expected a match in song.wav, got %q", results[0].SongID)
	}
	if results[0].Distance > 1e-3 {
		t.Errorf("Expected the same tone to match closely, got distance %v", results[0].Distance)
	}
}

func TestQueryWithoutNotes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	delete(f.engine.notes, "query")

	f.svc.Ingest(ctx, f.song(t, "song.wav", 20))
	results, err := f.svc.Query(ctx, f.song(t, "clip.wav", 3), DefaultTopK)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("Expected no results, got %d", len(results))
	}
}

func TestQueryEmptyIndex(t *testing.T) {
	f := newFixture(t)

	results, err := f.svc.Query(context.Background(), f.song(t, "clip.wav", 3), DefaultTopK)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("Expected no results, got %d", len(results))
	}
}

func TestQueryErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Query(ctx, filepath.Join(f.dir, "missing.wav"), 5); !errors.Is(err, ErrInput) {
		t.Errorf("Expected ErrInput for a missing clip, got %v", err)
	}
	clip := f.song(t, "clip.wav", 1)
	for _, k := range []int{0, -3} {
		if _, err := f.svc.Query(ctx, clip, k); !errors.Is(err, ErrInvalidTopK) {
			t.Errorf("top_k=%d: expected ErrInvalidTopK, got %v", k, err)
		}
	}
}

func TestIngestDir(t *testing.T) {
	f := newFixture(t, WithWorkers(3, 2))
	ctx := context.Background()

	catalog := filepath.Join(f.dir, "catalog")
	utils.MakeDir(catalog)
	for name, secs := range map[string]float64{"a.wav": 20, "b.wav": 15, "short.wav": 4} {
		audiotest.WriteWAV(t, filepath.Join(catalog, name), testRate, secs, audiotest.Tone{Freq: 330, EndSec: secs})
	}
	os.WriteFile(filepath.Join(catalog, "notes.txt"), []byte("not audio"), 0o644)

	var seen atomic.Int32
	batch, err := f.svc.IngestDir(ctx, catalog, func(*SongReport) { seen.Add(1) })
	if err != nil {
		t.Fatalf("IngestDir failed: %v", err)
	}
	if len(batch.Songs) != 3 || seen.Load() != 3 {
		t.Errorf("Expected 3 songs reported, got %d (callback %d)", len(batch.Songs), seen.Load())
	}
	if batch.Ingested != 2 || batch.Empty != 1 || batch.Failed != 0 {
		t.Errorf("Unexpected tally %+v", batch)
	}
	if batch.IndexSize != 2 {
		t.Errorf("Expected index size 2, got %d", batch.IndexSize)
	}

	again, err := f.svc.IngestDir(ctx, catalog, nil)
	if err != nil {
		t.Fatalf("Second IngestDir failed: %v", err)
	}
	if again.Skipped != 2 || again.Written != 0 {
		t.Errorf("Expected 2 skipped and nothing written, got %+v", again)
	}

	songs, err := f.svc.ListSongs(ctx)
	if err != nil {
		t.Fatalf("ListSongs failed: %v", err)
	}
	if len(songs) != 2 {
		t.Errorf("Expected 2 songs listed, got %d", len(songs))
	}
}

func TestIngestDirContinuesPastFailures(t *testing.T) {
	f := newFixture(t, WithWorkers(2, 0))
	ctx := context.Background()
	// No converter on PATH: an undecodable file fails fast.
	t.Setenv("PATH", t.TempDir())

	catalog := filepath.Join(f.dir, "catalog")
	utils.MakeDir(catalog)
	audiotest.WriteWAV(t, filepath.Join(catalog, "good.wav"), testRate, 20, audiotest.Tone{Freq: 440, EndSec: 20})
	os.WriteFile(filepath.Join(catalog, "broken.wav"), []byte("this is not a wav file"), 0o644)

	batch, err := f.svc.IngestDir(ctx, catalog, nil)
	if err != nil {
		t.Fatalf("IngestDir failed: %v", err)
	}
	if batch.Ingested != 1 || batch.Failed != 1 {
		t.Errorf("Expected 1 ingested and 1 failed, got %+v", batch)
	}

	var broken *SongReport
	for _, r := range batch.Songs {
		if r.SongID == "broken.wav" {
			broken = r
		}
	}
	if broken == nil {
		t.Fatal("Expected a report for broken.wav")
	}
	if !errors.Is(broken.Err, ErrInput) || broken.State != StateSegmenting {
		t.Errorf("Expected an input failure while segmenting, got %s: %v", broken.State, broken.Err)
	}
	if batch.IndexSize != 1 {
		t.Errorf("Expected index size 1, got %d", batch.IndexSize)
	}
}

func TestIngestDirNoSongs(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.IngestDir(context.Background(), t.TempDir(), nil)
	if !errors.Is(err, ErrNoSongs) {
		t.Fatalf("Expected ErrNoSongs, got %v", err)
	}
}

func TestNewServiceRejectsBadWindow(t *testing.T) {
	_, err := NewService(WithWorkDir(t.TempDir()), WithWindow(1000, 0), WithLogger(logger.Discard()))
	if !errors.Is(err, ErrInput) {
		t.Fatalf("Expected ErrInput, got %v", err)
	}
}
