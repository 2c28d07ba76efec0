//go:build !js && !wasm

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/himanishpuri/HarmonicDNA/pkg/harmonicdna"
	"github.com/himanishpuri/HarmonicDNA/pkg/harmonicdna/transcribe"
	"github.com/himanishpuri/HarmonicDNA/pkg/harmonicdna/window"
	"github.com/himanishpuri/HarmonicDNA/pkg/logger"
)

var (
	port           int
	dbPath         string
	workDir        string
	sampleRate     int
	engineKind     string
	engineCmd      string
	windowMs       int64
	hopMs          int64
	clean          bool
	allowedOrigins string
)

func registerFlags() {
	flag.IntVar(&port, "port", 8080, "HTTP server port")
	flag.StringVar(&dbPath, "db", getEnvOrDefault("HARMONIC_DB_PATH", "harmonicdna.sqlite3"), "Path to the SQLite index")
	flag.StringVar(&workDir, "work", getEnvOrDefault("HARMONIC_WORK_DIR", "./harmonic_work"), "Working directory")
	flag.IntVar(&sampleRate, "rate", 22050, "Sample rate used when converting non-WAV input")
	flag.StringVar(&engineKind, "engine", getEnvOrDefault("HARMONIC_ENGINE", transcribe.KindBasicPitch), "Transcription engine: basic-pitch, spectral or command")
	flag.StringVar(&engineCmd, "engine-cmd", os.Getenv("HARMONIC_ENGINE_CMD"), "Command line of the transcriber when --engine=command")
	flag.Int64Var(&windowMs, "window-ms", window.DefaultWindowMs, "Window length in milliseconds")
	flag.Int64Var(&hopMs, "hop-ms", window.DefaultHopMs, "Hop between window starts in milliseconds")
	flag.BoolVar(&clean, "clean", true, "Delete working artifacts once a song is indexed")
	flag.StringVar(&allowedOrigins, "origins", "*", "Comma-separated list of allowed CORS origins (use * for all)")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	_ = godotenv.Load()
	registerFlags()
	flag.Parse()

	log := logger.GetLogger()

	// Parse allowed origins
	var origins []string
	if allowedOrigins == "*" {
		origins = []string{"*"}
	} else {
		origins = strings.Split(allowedOrigins, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
	}

	engine, err := transcribe.NewEngine(engineKind, engineCmd)
	if err != nil {
		log.FatalTrace("Invalid engine", err)
	}

	service, err := harmonicdna.NewService(
		harmonicdna.WithDBPath(dbPath),
		harmonicdna.WithWorkDir(workDir),
		harmonicdna.WithSampleRate(sampleRate),
		harmonicdna.WithEngine(engine),
		harmonicdna.WithWindow(windowMs, hopMs),
		harmonicdna.WithClean(clean),
	)
	if err != nil {
		log.FatalTrace("Failed to create service", err)
	}
	defer service.Close()

	config := &ServerConfig{
		Port:           port,
		DBPath:         dbPath,
		WorkDir:        workDir,
		Engine:         engine.Name(),
		WindowMs:       windowMs,
		HopMs:          hopMs,
		AllowedOrigins: origins,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := NewServer(service, config)
	if err := server.Start(ctx); err != nil {
		log.ErrorTrace("Server failed", err)
		service.Close()
		os.Exit(1)
	}
}
