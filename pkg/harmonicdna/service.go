package harmonicdna

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/himanishpuri/HarmonicDNA/internal/audio"
	"github.com/himanishpuri/HarmonicDNA/internal/workcache"
	"github.com/himanishpuri/HarmonicDNA/pkg/harmonicdna/transcribe"
	"github.com/himanishpuri/HarmonicDNA/pkg/harmonicdna/window"
	"github.com/himanishpuri/HarmonicDNA/pkg/logger"
	"github.com/himanishpuri/HarmonicDNA/pkg/models"
	"github.com/himanishpuri/HarmonicDNA/pkg/utils"
)

// harmonicService is the default implementation of the Service interface.
type harmonicService struct {
	index        Index
	ownsIndex    bool
	cache        *workcache.Cache
	adapter      *transcribe.Adapter
	materializer *window.Materializer
	log          Logger
	config       *Config
}

func NewService(opts ...Option) (Service, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	if err := cfg.Window.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInput, err)
	}

	// Set default logger if none provided
	if cfg.Logger == nil {
		cfg.Logger = logger.GetLogger()
	}
	if cfg.Engine == nil {
		cfg.Engine = transcribe.NewBasicPitchEngine()
	}

	if err := utils.MakeDir(cfg.WorkDir); err != nil {
		return nil, fmt.Errorf("creating work dir: %w", err)
	}

	cache, err := workcache.Open(filepath.Join(cfg.WorkDir, "workcache.db"))
	if err != nil {
		return nil, err
	}

	// Create or use provided index
	index := cfg.Index
	owns := false
	if index == nil {
		index, err = NewSQLiteIndex(cfg.DBPath)
		if err != nil {
			cache.Close()
			return nil, fmt.Errorf("failed to open index: %w", err)
		}
		owns = true
	}

	adapterOpts := []transcribe.AdapterOption{
		transcribe.WithCache(cache),
		transcribe.WithLogger(cfg.Logger),
		transcribe.WithRate(cfg.Rate),
	}
	if cfg.SegmentWorkers > 0 {
		adapterOpts = append(adapterOpts, transcribe.WithWorkers(cfg.SegmentWorkers))
	}
	adapter := transcribe.NewAdapter(cfg.Engine, adapterOpts...)

	return &harmonicService{
		index:     index,
		ownsIndex: owns,
		cache:     cache,
		adapter:   adapter,
		materializer: &window.Materializer{
			Cache:   cache,
			Workers: cfg.SegmentWorkers,
			Log:     cfg.Logger,
		},
		log:    cfg.Logger,
		config: cfg,
	}, nil
}

func (s *harmonicService) songDirs(key string) (segments, transcriptions string) {
	return filepath.Join(s.config.WorkDir, "segments", key),
		filepath.Join(s.config.WorkDir, "transcriptions", key)
}

// Ingest runs one song through dedup, segmentation, transcription and the
// bulk write. A song that is already indexed is skipped without touching
// the audio.
func (s *harmonicService) Ingest(ctx context.Context, audioPath string) (*SongReport, error) {
	rep := &SongReport{SongID: filepath.Base(audioPath), Path: audioPath}
	start := time.Now()
	defer func() { rep.Elapsed = time.Since(start) }()

	fail := func(kind error, err error) (*SongReport, error) {
		rep.Err = fmt.Errorf("%s: %w: %w", rep.SongID, kind, err)
		s.log.Errorf("Ingest failed at %s: %v", rep.State, rep.Err)
		return rep, rep.Err
	}

	// 1. Dedup by song id
	ids, err := s.index.QueryByMetadata(ctx, models.Filter{Song: rep.SongID}, 1)
	if err != nil {
		return fail(ErrIndexRead, err)
	}
	s.advance(rep, StateDedupChecked)
	if len(ids) > 0 {
		s.advance(rep, StateSkipped)
		s.log.Infof("Skipping %s: already indexed", rep.SongID)
		return rep, nil
	}

	// 2. Materialise windows
	s.advance(rep, StateSegmenting)
	if _, err := os.Stat(audioPath); err != nil {
		return fail(ErrInput, err)
	}
	cfg := s.config
	key := workcache.Key(rep.SongID, cfg.Window.WindowMs, cfg.Window.HopMs, cfg.SampleRate)
	segDir, trDir := s.songDirs(key)

	res, err := s.materializer.Materialize(ctx, window.Request{
		SongID:    rep.SongID,
		Key:       key,
		Dir:       segDir,
		Params:    cfg.Window,
		Overwrite: cfg.Overwrite,
	}, func(ctx context.Context) (*audio.Track, error) {
		return audio.Load(ctx, audioPath, filepath.Join(cfg.WorkDir, "scratch"), cfg.SampleRate)
	})
	if err != nil {
		return fail(ErrInput, err)
	}
	rep.Segments = len(res.Segments)
	rep.Reused = res.Reused
	if rep.Segments == 0 {
		rep.TooShort = true
		s.log.Warnf("Nothing to index for %s: %dms is shorter than one %dms window", rep.SongID, res.DurationMs, cfg.Window.WindowMs)
		s.finish(rep, key, segDir, trDir)
		return rep, nil
	}

	// 3. Transcribe every window in one engine batch
	s.advance(rep, StateTranscribing)
	done := transcribe.DonePredicate(nil)
	if cfg.Overwrite {
		done = transcribe.NeverDone
	}
	results, err := s.transcribe(ctx, res.Segments, trDir, done)
	if err != nil {
		return fail(ErrTranscription, err)
	}

	// 4. Bulk upsert
	s.advance(rep, StateWriting)
	entries := s.entries(audioPath, results)
	if len(entries) > 0 {
		if err := s.upsert(ctx, entries); err != nil {
			return fail(ErrIndexWrite, err)
		}
	}
	rep.Written = len(entries)
	s.log.Infof("Indexed %s: %d of %d windows", rep.SongID, rep.Written, rep.Segments)

	// 5. Clean or retain working artifacts
	s.finish(rep, key, segDir, trDir)
	return rep, nil
}

func (s *harmonicService) finish(rep *SongReport, key, segDir, trDir string) {
	if s.config.Clean {
		s.clean(key, segDir, trDir)
		s.advance(rep, StateCleaned)
		return
	}
	s.advance(rep, StateRetained)
}

func (s *harmonicService) advance(rep *SongReport, next IngestState) {
	s.log.Debugf("%s: %s -> %s", rep.SongID, rep.State, next)
	rep.State = next
}

func (s *harmonicService) transcribe(ctx context.Context, segs []models.Segment, outDir string, done transcribe.DonePredicate) ([]transcribe.Result, error) {
	if t := s.config.TranscribeTimeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	return s.adapter.TranscribeBatch(ctx, segs, outDir, done)
}

func (s *harmonicService) upsert(ctx context.Context, entries []models.Entry) error {
	if t := s.config.WriteTimeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	return s.index.Upsert(ctx, entries)
}

func (s *harmonicService) entries(audioPath string, results []transcribe.Result) []models.Entry {
	if len(results) == 0 {
		return nil
	}

	var title, artist string
	if meta, err := audio.ReadMetadata(audioPath); err == nil {
		title, artist = meta.Title, meta.Artist
	}

	entries := make([]models.Entry, 0, len(results))
	for _, r := range results {
		e := models.NewEntry(r.Segment, r.Fingerprint)
		if title != "" {
			e.Metadata[models.MetaTitle] = title
		}
		if artist != "" {
			e.Metadata[models.MetaArtist] = artist
		}
		entries = append(entries, e)
	}
	return entries
}

func (s *harmonicService) clean(key string, dirs ...string) {
	for _, dir := range dirs {
		if err := utils.DeleteDir(dir); err != nil {
			s.log.Warnf("Failed to remove %s: %v", dir, err)
		}
	}
	if err := s.cache.Drop(key, dirs...); err != nil {
		s.log.Warnf("Failed to drop cache record %s: %v", key, err)
	}
}

// IngestDir indexes the song catalog in dir with a pool of workers. A
// failing song never stops the others.
func (s *harmonicService) IngestDir(ctx context.Context, dir string, onSong func(*SongReport)) (*BatchReport, error) {
	files, err := utils.ListFiles(dir, AudioExtensions)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInput, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoSongs, dir)
	}

	start := time.Now()
	reports := s.ingestAll(ctx, files, onSong)

	batch := &BatchReport{}
	for _, r := range reports {
		batch.add(r)
	}
	batch.IndexSize, err = s.index.Count(ctx)
	if err != nil {
		s.log.Warnf("Failed to count index entries: %v", err)
	}
	batch.Elapsed = time.Since(start)

	s.log.Infof("Batch done: %d ingested, %d skipped, %d empty, %d failed, %d entries written, index size %d",
		batch.Ingested, batch.Skipped, batch.Empty, batch.Failed, batch.Written, batch.IndexSize)
	return batch, nil
}

func (s *harmonicService) Count(ctx context.Context) (int64, error) {
	n, err := s.index.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrIndexRead, err)
	}
	return n, nil
}

func (s *harmonicService) ListSongs(ctx context.Context) ([]models.SongSummary, error) {
	songs, err := s.index.ListSongs(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIndexRead, err)
	}
	return songs, nil
}

// Explore returns raw stored entries, vectors included.
func (s *harmonicService) Explore(ctx context.Context, limit int) ([]models.Entry, error) {
	entries, err := s.index.Entries(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIndexRead, err)
	}
	return entries, nil
}

// DeleteSong removes a song's entries so it can be ingested again.
func (s *harmonicService) DeleteSong(ctx context.Context, songID string) (int64, error) {
	n, err := s.index.DeleteSong(ctx, songID)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrIndexWrite, err)
	}
	s.log.Infof("Deleted %d entries of %s", n, songID)
	return n, nil
}

// Close releases all resources held by the service.
func (s *harmonicService) Close() error {
	var firstErr error
	if err := s.cache.Close(); err != nil {
		firstErr = err
	}
	if s.ownsIndex {
		if err := s.index.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// scratchDir returns a fresh directory under the work dir.
func (s *harmonicService) scratchDir(prefix string) (string, error) {
	base := filepath.Join(s.config.WorkDir, "queries")
	if err := utils.MakeDir(base); err != nil {
		return "", err
	}
	return os.MkdirTemp(base, prefix)
}
