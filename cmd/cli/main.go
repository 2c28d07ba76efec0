package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/himanishpuri/HarmonicDNA/internal/audio"
	"github.com/himanishpuri/HarmonicDNA/internal/spectral"
	"github.com/himanishpuri/HarmonicDNA/pkg/harmonicdna"
	"github.com/himanishpuri/HarmonicDNA/pkg/harmonicdna/transcribe"
	"github.com/himanishpuri/HarmonicDNA/pkg/harmonicdna/window"
	"github.com/himanishpuri/HarmonicDNA/pkg/logger"
	"github.com/himanishpuri/HarmonicDNA/pkg/models"
)

// Global flags
var (
	dbPath     string
	workDir    string
	sampleRate int
	engineKind string
	engineCmd  string
)

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func registerGlobalFlags() {
	flag.StringVar(&dbPath, "db", getEnvOrDefault("HARMONIC_DB_PATH", "harmonicdna.sqlite3"), "Path to the SQLite index file")
	flag.StringVar(&workDir, "work", getEnvOrDefault("HARMONIC_WORK_DIR", "./harmonic_work"), "Directory for segments, transcriptions and the work cache")
	flag.IntVar(&sampleRate, "rate", 22050, "Sample rate used when converting non-WAV input")
	flag.StringVar(&engineKind, "engine", getEnvOrDefault("HARMONIC_ENGINE", transcribe.KindBasicPitch), "Transcription engine: basic-pitch, spectral or command")
	flag.StringVar(&engineCmd, "engine-cmd", os.Getenv("HARMONIC_ENGINE_CMD"), "Command line of the transcriber when --engine=command")
}

// createService creates a HarmonicDNA service with the global options plus
// any command-specific ones.
func createService(extra ...harmonicdna.Option) (harmonicdna.Service, error) {
	engine, err := transcribe.NewEngine(engineKind, engineCmd)
	if err != nil {
		return nil, err
	}
	opts := []harmonicdna.Option{
		harmonicdna.WithDBPath(dbPath),
		harmonicdna.WithWorkDir(workDir),
		harmonicdna.WithSampleRate(sampleRate),
		harmonicdna.WithEngine(engine),
	}
	return harmonicdna.NewService(append(opts, extra...)...)
}

func main() {
	// .env is optional
	_ = godotenv.Load()

	registerGlobalFlags()
	flag.Usage = printUsage
	flag.Parse()

	log := logger.GetLogger()
	printBanner()

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(1)
	}

	command := flag.Arg(0)
	args := flag.Args()[1:]
	log.Infof("Executing command: %s", command)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch command {
	case "ingest":
		handleIngest(ctx, args)
	case "query":
		handleQuery(ctx, args)
	case "list":
		handleList(ctx)
	case "explore":
		handleExplore(ctx, args)
	case "delete":
		handleDelete(ctx, args)
	case "spectrogram":
		handleSpectrogram(ctx, args)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printBanner() {
	banner := `
 _   _                                  _      ____  _   _    _
| | | | __ _ _ __ _ __ ___   ___  _ __ (_) ___|  _ \| \ | |  / \
| |_| |/ _' | '__| '_ ' _ \ / _ \| '_ \| |/ __| | | |  \| | / _ \
|  _  | (_| | |  | | | | | | (_) | | | | | (__| |_| | |\  |/ ___ \
|_| |_|\__,_|_|  |_| |_| |_|\___/|_| |_|_|\___|____/|_| \_/_/   \_\

           Harmonic Similarity Search CLI
`
	fmt.Println(banner)
}

// fail prints a user-facing error, logs it with a stack trace and exits.
func fail(what string, err error) {
	fmt.Printf("\n❌ %s: %v\n", what, err)
	logger.ErrorTrace(what, err)
	os.Exit(1)
}

// splitArgs separates positional arguments from flags so that flags may
// follow the positional ones.
func splitArgs(args []string) (positional, flags []string) {
	for i, arg := range args {
		if strings.HasPrefix(arg, "-") {
			return positional, args[i:]
		}
		positional = append(positional, arg)
	}
	return positional, nil
}

func handleIngest(ctx context.Context, args []string) {
	log := logger.GetLogger()
	positional, flagArgs := splitArgs(args)

	cmd := flag.NewFlagSet("ingest", flag.ExitOnError)
	windowMs := cmd.Int64("window-ms", window.DefaultWindowMs, "Window length in milliseconds")
	hopMs := cmd.Int64("hop-ms", window.DefaultHopMs, "Hop between window starts in milliseconds")
	clean := cmd.Bool("clean", false, "Delete segments and transcriptions once a song is indexed")
	overwrite := cmd.Bool("overwrite", false, "Ignore cached segments and transcriptions")
	workers := cmd.Int("workers", 2, "Songs ingested in parallel")
	segWorkers := cmd.Int("segment-workers", 0, "Parallel segment writes per song (0 = number of CPUs)")
	cmd.Parse(flagArgs)

	if len(positional) != 1 {
		fmt.Println("Usage: harmonicdna ingest <song_file|song_dir> [--window-ms N] [--hop-ms N] [--clean] [--overwrite]")
		os.Exit(1)
	}
	target := positional[0]

	fmt.Println("\n🔧 Initializing service...")
	svc, err := createService(
		harmonicdna.WithWindow(*windowMs, *hopMs),
		harmonicdna.WithClean(*clean),
		harmonicdna.WithOverwrite(*overwrite),
		harmonicdna.WithWorkers(*workers, *segWorkers),
	)
	if err != nil {
		fail("Failed to create service", err)
	}
	defer svc.Close()

	info, err := os.Stat(target)
	if err != nil {
		fail("Cannot read input", err)
	}

	if !info.IsDir() {
		fmt.Println("🎵 Segmenting and transcribing...")
		rep, err := svc.Ingest(ctx, target)
		if err != nil {
			fail("Failed to ingest song", err)
		}
		printSongReport(rep)
		return
	}

	fmt.Printf("🎵 Indexing catalog %s\n\n", target)
	files, _ := os.ReadDir(target)

	p := mpb.New(mpb.WithWidth(64))
	bar := p.AddBar(int64(countAudio(files)),
		mpb.PrependDecorators(
			decor.Name("Indexing: "),
			decor.CountersNoUnit("%d / %d"),
		),
		mpb.AppendDecorators(
			decor.Percentage(),
			decor.EwmaETA(decor.ET_STYLE_GO, 60),
		),
	)

	batch, err := svc.IngestDir(ctx, target, func(rep *harmonicdna.SongReport) {
		bar.EwmaIncrement(rep.Elapsed)
	})
	if err != nil {
		bar.Abort(false)
		p.Wait()
		fail("Failed to ingest catalog", err)
	}
	p.Wait()

	fmt.Printf("\n✅ Catalog done in %s\n", batch.Elapsed.Round(time.Millisecond))
	fmt.Printf("   Ingested: %d\n", batch.Ingested)
	fmt.Printf("   Skipped:  %d (already indexed)\n", batch.Skipped)
	fmt.Printf("   Empty:    %d (too short or no notes)\n", batch.Empty)
	fmt.Printf("   Failed:   %d\n", batch.Failed)
	fmt.Printf("   Entries written: %d, index size: %d\n", batch.Written, batch.IndexSize)
	fmt.Println()
	for _, rep := range batch.Songs {
		switch {
		case rep.Failed():
			fmt.Printf("   ❌ %s: %v\n", rep.SongID, rep.Err)
		case rep.State == harmonicdna.StateSkipped:
			fmt.Printf("   ⏭️  %s: already indexed\n", rep.SongID)
		default:
			fmt.Printf("   ✅ %s: %d of %d windows indexed\n", rep.SongID, rep.Written, rep.Segments)
		}
	}
	log.Infof("Catalog ingest finished: %d ingested, %d failed", batch.Ingested, batch.Failed)
}

func countAudio(files []os.DirEntry) int {
	n := 0
	for _, f := range files {
		if !f.Type().IsRegular() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(f.Name()))
		for _, want := range harmonicdna.AudioExtensions {
			if ext == want {
				n++
				break
			}
		}
	}
	return n
}

func printSongReport(rep *harmonicdna.SongReport) {
	switch {
	case rep.State == harmonicdna.StateSkipped:
		fmt.Printf("\n⏭️  %s is already indexed\n", rep.SongID)
	case rep.TooShort:
		fmt.Printf("\n📭 %s is shorter than one window, nothing indexed\n", rep.SongID)
	default:
		fmt.Printf("\n✅ Indexed %s\n", rep.SongID)
		fmt.Printf("   Windows: %d\n", rep.Segments)
		fmt.Printf("   Entries: %d\n", rep.Written)
		if rep.Reused {
			fmt.Println("   Segments reused from the work cache")
		}
	}
	fmt.Printf("   State:   %s (%s)\n", rep.State, rep.Elapsed.Round(time.Millisecond))
}

func handleQuery(ctx context.Context, args []string) {
	log := logger.GetLogger()
	positional, flagArgs := splitArgs(args)

	cmd := flag.NewFlagSet("query", flag.ExitOnError)
	topK := cmd.Int("top-k", harmonicdna.DefaultTopK, "Number of results")
	cmd.Parse(flagArgs)

	if len(positional) != 1 {
		fmt.Println("Usage: harmonicdna query <clip> [--top-k N]")
		os.Exit(1)
	}
	clip := positional[0]

	if _, err := os.Stat(clip); err != nil {
		fmt.Printf("❌ Query file not found: %s\n", clip)
		os.Exit(1)
	}

	svc, err := createService()
	if err != nil {
		fail("Failed to create service", err)
	}
	defer svc.Close()

	fmt.Println("🔍 Transcribing clip and searching the index...")
	results, err := svc.Query(ctx, clip, *topK)
	if err != nil {
		fail("Query failed", err)
	}

	if len(results) == 0 {
		fmt.Println("\n❌ No similar windows found")
		log.Infof("No results for %s", clip)
		return
	}

	printResults(os.Stdout, results)
	log.Infof("Query returned %d results", len(results))
}

// printResults leads with the single best match, then lists the rest of
// the ranking when more than one result was asked for.
func printResults(w io.Writer, results []models.QueryResult) {
	if len(results) == 0 {
		return
	}
	best := results[0]
	fmt.Fprintf(w, "\n🎯 Best match: %s @ %.1fs  (distance %.4f)\n", best.SongID, best.OffsetSeconds, best.Distance)
	if len(results) == 1 {
		return
	}

	fmt.Fprintf(w, "\n🎵 Top %d similar windows:\n\n", len(results))
	for i, r := range results {
		fmt.Fprintf(w, "%d. %s @ %.1fs  (distance %.4f)\n", i+1, r.SongID, r.OffsetSeconds, r.Distance)
	}
}

func handleList(ctx context.Context) {
	svc, err := createService()
	if err != nil {
		fail("Failed to create service", err)
	}
	defer svc.Close()

	songs, err := svc.ListSongs(ctx)
	if err != nil {
		fail("Failed to list songs", err)
	}

	if len(songs) == 0 {
		fmt.Println("\n📭 No songs in the index")
		return
	}

	fmt.Printf("\n📚 Found %d song(s):\n\n", len(songs))
	for i, s := range songs {
		label := s.SongID
		if s.Title != "" {
			label = fmt.Sprintf("%s (%q by %s)", s.SongID, s.Title, s.Artist)
		}
		fmt.Printf("%d. %s\n", i+1, label)
		fmt.Printf("   Entries: %d, offsets %.1fs - %.1fs\n\n", s.Entries, s.FirstOffset, s.LastOffset)
	}
}

func handleExplore(ctx context.Context, args []string) {
	cmd := flag.NewFlagSet("explore", flag.ExitOnError)
	limit := cmd.Int("limit", 20, "Number of entries to show (0 = all)")
	cmd.Parse(args)

	svc, err := createService()
	if err != nil {
		fail("Failed to create service", err)
	}
	defer svc.Close()

	total, err := svc.Count(ctx)
	if err != nil {
		fail("Failed to count entries", err)
	}
	entries, err := svc.Explore(ctx, *limit)
	if err != nil {
		fail("Failed to read entries", err)
	}

	fmt.Printf("\n📚 Index holds %d entries, showing %d\n\n", total, len(entries))
	for _, e := range entries {
		fmt.Printf("%s  song=%s offset=%.1fs\n", e.ID, e.SongID, e.OffsetSeconds)
		fmt.Printf("   %s\n", formatVector(e.Vector))
	}
}

func formatVector(v []float64) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = strconv.FormatFloat(x, 'f', 3, 64)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func handleDelete(ctx context.Context, args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: harmonicdna delete <song_id>")
		os.Exit(1)
	}
	songID := args[0]

	svc, err := createService()
	if err != nil {
		fail("Failed to create service", err)
	}
	defer svc.Close()

	n, err := svc.DeleteSong(ctx, songID)
	if err != nil {
		fail("Failed to delete song", err)
	}
	if n == 0 {
		fmt.Printf("❌ Song not found: %s\n", songID)
		os.Exit(1)
	}

	fmt.Printf("\n✅ Deleted %d entries of %s\n", n, songID)
}

func handleSpectrogram(ctx context.Context, args []string) {
	positional, flagArgs := splitArgs(args)

	cmd := flag.NewFlagSet("spectrogram", flag.ExitOnError)
	out := cmd.String("out", "", "Output PNG path (default <name>_spectrogram.png)")
	width := cmd.Int("width", 0, "Image width in pixels (0 = default)")
	height := cmd.Int("height", 0, "Image height in pixels (0 = default)")
	cmd.Parse(flagArgs)

	if len(positional) != 1 {
		fmt.Println("Usage: harmonicdna spectrogram <audio_file> [--out file.png]")
		os.Exit(1)
	}
	in := positional[0]

	outPath := *out
	if outPath == "" {
		outPath = strings.TrimSuffix(in, filepath.Ext(in)) + "_spectrogram.png"
	}

	track, err := audio.Load(ctx, in, filepath.Join(workDir, "scratch"), sampleRate)
	if err != nil {
		fail("Failed to decode audio", err)
	}

	cfg := spectral.DefaultRenderConfig()
	if *width > 0 {
		cfg.Width = *width
	}
	if *height > 0 {
		cfg.Height = *height
	}
	if err := spectral.RenderPNG(track.Mono(), track.SampleRate(), outPath, cfg); err != nil {
		if errors.Is(err, spectral.ErrShortInput) {
			fmt.Println("❌ Audio is too short for a spectrogram")
			os.Exit(1)
		}
		fail("Failed to render spectrogram", err)
	}

	fmt.Printf("✅ Spectrogram written to %s\n", outPath)
}

func printUsage() {
	fmt.Println("HarmonicDNA - harmonic similarity search over a song catalog")
	fmt.Println("\nGlobal Options:")
	fmt.Println("  --db <path>          SQLite index (env: HARMONIC_DB_PATH, default: harmonicdna.sqlite3)")
	fmt.Println("  --work <dir>         Working directory (env: HARMONIC_WORK_DIR, default: ./harmonic_work)")
	fmt.Println("  --rate <hz>          Sample rate for converted input (default: 22050)")
	fmt.Println("  --engine <kind>      basic-pitch | spectral | command (env: HARMONIC_ENGINE)")
	fmt.Println("  --engine-cmd <line>  Transcriber command line for --engine=command (env: HARMONIC_ENGINE_CMD)")
	fmt.Println("\nUsage:")
	fmt.Println("  harmonicdna [global-options] ingest <song_file|song_dir> [--window-ms 10000] [--hop-ms 5000] [--clean] [--overwrite] [--workers 2]")
	fmt.Println("  harmonicdna [global-options] query <clip> [--top-k 5]")
	fmt.Println("  harmonicdna [global-options] list")
	fmt.Println("  harmonicdna [global-options] explore [--limit 20]")
	fmt.Println("  harmonicdna [global-options] delete <song_id>")
	fmt.Println("  harmonicdna [global-options] spectrogram <audio_file> [--out file.png]")
	fmt.Println("\nExamples:")
	fmt.Println("  # Index a catalog and drop working files afterwards")
	fmt.Println("  harmonicdna ingest ./songs --clean")
	fmt.Println()
	fmt.Println("  # Find the three closest windows to a clip")
	fmt.Println("  harmonicdna query hum.wav --top-k 3")
	fmt.Println()
	fmt.Println("  # Use the built-in spectral transcriber")
	fmt.Println("  harmonicdna --engine spectral ingest song.flac")
}
