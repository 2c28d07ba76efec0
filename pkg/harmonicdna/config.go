package harmonicdna

import (
	"path/filepath"
	"time"

	"github.com/himanishpuri/HarmonicDNA/pkg/harmonicdna/fingerprint"
	"github.com/himanishpuri/HarmonicDNA/pkg/harmonicdna/transcribe"
	"github.com/himanishpuri/HarmonicDNA/pkg/harmonicdna/window"
)

// DefaultTopK is the number of results a query returns when the caller
// does not choose.
const DefaultTopK = 5

type Config struct {
	DBPath     string
	WorkDir    string
	SampleRate int // used when non-WAV input is converted
	Window     window.Params
	Rate       float64 // fingerprint analysis rate, frames per second

	Workers        int // songs ingested in parallel by IngestDir
	SegmentWorkers int // parallel segment writes and artifact parses per song

	Clean     bool // delete working artifacts once a song is indexed
	Overwrite bool // ignore cached segments and transcriptions

	TranscribeTimeout time.Duration
	WriteTimeout      time.Duration

	Engine transcribe.Engine
	Index  Index
	Logger Logger
}

type Option func(*Config)

func WithDBPath(path string) Option {
	return func(c *Config) {
		c.DBPath = path
	}
}

// WithWorkDir sets where segments, transcriptions and the work cache live.
func WithWorkDir(dir string) Option {
	return func(c *Config) {
		c.WorkDir = dir
	}
}

func WithSampleRate(rate int) Option {
	return func(c *Config) {
		c.SampleRate = rate
	}
}

func WithWindow(windowMs, hopMs int64) Option {
	return func(c *Config) {
		c.Window = window.Params{WindowMs: windowMs, HopMs: hopMs}
	}
}

func WithAnalysisRate(fps float64) Option {
	return func(c *Config) {
		c.Rate = fps
	}
}

func WithWorkers(songs, segments int) Option {
	return func(c *Config) {
		c.Workers = songs
		c.SegmentWorkers = segments
	}
}

func WithClean(clean bool) Option {
	return func(c *Config) {
		c.Clean = clean
	}
}

func WithOverwrite(overwrite bool) Option {
	return func(c *Config) {
		c.Overwrite = overwrite
	}
}

// WithTimeouts bounds each engine call and each index write. Zero leaves
// the caller's context in charge.
func WithTimeouts(transcribe, write time.Duration) Option {
	return func(c *Config) {
		c.TranscribeTimeout = transcribe
		c.WriteTimeout = write
	}
}

func WithEngine(engine transcribe.Engine) Option {
	return func(c *Config) {
		c.Engine = engine
	}
}

// WithIndex injects the vector index. The service does not close an
// injected index.
func WithIndex(index Index) Option {
	return func(c *Config) {
		c.Index = index
	}
}

func WithLogger(log Logger) Option {
	return func(c *Config) {
		c.Logger = log
	}
}

func defaultConfig() *Config {
	return &Config{
		DBPath:     "harmonicdna.sqlite3",
		WorkDir:    filepath.Join(".", "harmonic_work"),
		SampleRate: 22050,
		Window:     window.DefaultParams(),
		Rate:       fingerprint.DefaultRate,
		Workers:    2,
	}
}
