package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/himanishpuri/HarmonicDNA/pkg/harmonicdna"
	"github.com/himanishpuri/HarmonicDNA/pkg/logger"
	"github.com/himanishpuri/HarmonicDNA/pkg/utils"
)

// Server encapsulates the HTTP server and its dependencies
type Server struct {
	service harmonicdna.Service
	config  *ServerConfig
	log     *logger.Logger
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	DBPath         string
	WorkDir        string
	Engine         string
	WindowMs       int64
	HopMs          int64
	AllowedOrigins []string
}

// NewServer creates a new server instance
func NewServer(service harmonicdna.Service, config *ServerConfig) *Server {
	return &Server{
		service: service,
		config:  config,
		log:     logger.GetLogger().With("http"),
	}
}

// respondJSON writes a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Errorf("Failed to encode JSON response: %v", err)
	}
}

// respondError writes an error response
func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	})
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, harmonicdna.ErrInput), errors.Is(err, harmonicdna.ErrInvalidTopK):
		return http.StatusBadRequest
	case errors.Is(err, harmonicdna.ErrTranscription):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// handleRoot handles GET /
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"service": "HarmonicDNA API",
		"version": "1.0.0",
		"endpoints": map[string]string{
			"health":     "GET /health",
			"metrics":    "GET /api/health/metrics",
			"songs":      "GET /api/songs",
			"ingestSong": "POST /api/songs",
			"deleteSong": "DELETE /api/songs/{name}",
			"query":      "POST /api/query",
			"entries":    "GET /api/entries?limit=N",
		},
	})
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// handleMetrics handles GET /api/health/metrics
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	songs, err := s.service.ListSongs(r.Context())
	if err != nil {
		s.log.Errorf("Failed to list songs: %v", err)
		s.respondError(w, http.StatusInternalServerError, "Failed to retrieve metrics")
		return
	}
	count, err := s.service.Count(r.Context())
	if err != nil {
		s.log.Errorf("Failed to count entries: %v", err)
		s.respondError(w, http.StatusInternalServerError, "Failed to retrieve metrics")
		return
	}

	s.respondJSON(w, http.StatusOK, MetricsResponse{
		Status:       "healthy",
		DatabasePath: s.config.DBPath,
		SongCount:    len(songs),
		EntryCount:   count,
		Engine:       s.config.Engine,
		WindowMs:     s.config.WindowMs,
		HopMs:        s.config.HopMs,
	})
}

// handleListSongs handles GET /api/songs
func (s *Server) handleListSongs(w http.ResponseWriter, r *http.Request) {
	songs, err := s.service.ListSongs(r.Context())
	if err != nil {
		s.log.Errorf("Failed to list songs: %v", err)
		s.respondError(w, http.StatusInternalServerError, "Failed to retrieve songs")
		return
	}

	songDTOs := make([]SongDTO, len(songs))
	for i, song := range songs {
		songDTOs[i] = SongDTO{
			SongID:      song.SongID,
			Title:       song.Title,
			Artist:      song.Artist,
			Entries:     song.Entries,
			FirstOffset: song.FirstOffset,
			LastOffset:  song.LastOffset,
		}
	}

	s.respondJSON(w, http.StatusOK, ListSongsResponse{
		Songs: songDTOs,
		Count: len(songDTOs),
	})
}

// handleDeleteSong handles DELETE /api/songs/{name}
func (s *Server) handleDeleteSong(w http.ResponseWriter, r *http.Request, songID string) {
	n, err := s.service.DeleteSong(r.Context(), songID)
	if err != nil {
		s.log.Errorf("Failed to delete song %s: %v", songID, err)
		s.respondError(w, http.StatusInternalServerError, "Failed to delete song")
		return
	}
	if n == 0 {
		s.respondError(w, http.StatusNotFound, fmt.Sprintf("Song %s not found", songID))
		return
	}

	s.log.Infof("Deleted song %s (%d entries)", songID, n)
	s.respondJSON(w, http.StatusOK, DeleteSongResponse{
		Message: "Song deleted successfully",
		SongID:  songID,
		Deleted: n,
	})
}

// saveUpload stores the multipart file field "audio" under the work dir,
// keeping the client's base name so it becomes the song id. The returned
// cleanup removes it again.
func (s *Server) saveUpload(r *http.Request, prefix string) (string, func(), error) {
	file, header, err := r.FormFile("audio")
	if err != nil {
		return "", nil, fmt.Errorf("audio file is required")
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	if name == "." || name == string(filepath.Separator) {
		return "", nil, fmt.Errorf("invalid file name %q", header.Filename)
	}

	base := filepath.Join(s.config.WorkDir, "uploads")
	if err := utils.MakeDir(base); err != nil {
		return "", nil, err
	}
	dir, err := os.MkdirTemp(base, prefix)
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { os.RemoveAll(dir) }

	path := filepath.Join(dir, name)
	out, err := os.Create(path)
	if err != nil {
		cleanup()
		return "", nil, err
	}
	defer out.Close()

	if _, err := io.Copy(out, file); err != nil {
		cleanup()
		return "", nil, err
	}
	return path, cleanup, nil
}

// handleIngestSong handles POST /api/songs (multipart file upload)
func (s *Server) handleIngestSong(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	if err := r.ParseMultipartForm(MaxUploadBytes); err != nil {
		s.log.Errorf("Failed to parse form: %v", err)
		s.respondError(w, http.StatusBadRequest, "Failed to parse form data")
		return
	}

	path, cleanup, err := s.saveUpload(r, "song-")
	if err != nil {
		s.log.Errorf("Failed to save upload: %v", err)
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer cleanup()

	s.log.Infof("Ingesting uploaded song: %s", filepath.Base(path))
	rep, err := s.service.Ingest(ctx, path)
	if err != nil {
		s.log.ErrorTrace("Failed to ingest song", err)
		s.respondError(w, statusFor(err), fmt.Sprintf("Failed to ingest song: %v", err))
		return
	}

	status := http.StatusCreated
	if rep.Written == 0 {
		status = http.StatusOK
	}
	s.respondJSON(w, status, newIngestResponse(rep))
}

// handleQueryFile handles POST /api/query (multipart file upload)
func (s *Server) handleQueryFile(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	if err := r.ParseMultipartForm(MaxQueryBytes); err != nil {
		s.log.Errorf("Failed to parse form: %v", err)
		s.respondError(w, http.StatusBadRequest, "Failed to parse form data")
		return
	}

	req := QueryRequest{TopK: harmonicdna.DefaultTopK}
	if v := r.FormValue("top_k"); v != "" {
		k, err := strconv.Atoi(v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "top_k must be an integer")
			return
		}
		req.TopK = k
	}
	if err := req.Validate(); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	path, cleanup, err := s.saveUpload(r, "query-")
	if err != nil {
		s.log.Errorf("Failed to save upload: %v", err)
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer cleanup()

	results, err := s.service.Query(ctx, path, req.TopK)
	if err != nil {
		s.log.ErrorTrace("Query failed", err)
		s.respondError(w, statusFor(err), fmt.Sprintf("Query failed: %v", err))
		return
	}

	dtos := make([]QueryResultDTO, len(results))
	for i, res := range results {
		dtos[i] = QueryResultDTO{
			SongID:        res.SongID,
			OffsetSeconds: res.OffsetSeconds,
			Distance:      res.Distance,
		}
	}

	s.log.Infof("Query complete: %d results", len(dtos))
	s.respondJSON(w, http.StatusOK, QueryResponse{
		Results: dtos,
		Count:   len(dtos),
	})
}

// handleEntries handles GET /api/entries?limit=N
func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	limit := DefaultExploreLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	entries, err := s.service.Explore(r.Context(), limit)
	if err != nil {
		s.log.Errorf("Failed to read entries: %v", err)
		s.respondError(w, http.StatusInternalServerError, "Failed to read entries")
		return
	}
	total, err := s.service.Count(r.Context())
	if err != nil {
		s.log.Errorf("Failed to count entries: %v", err)
		s.respondError(w, http.StatusInternalServerError, "Failed to read entries")
		return
	}

	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = EntryDTO{
			ID:            e.ID,
			SongID:        e.SongID,
			OffsetSeconds: e.OffsetSeconds,
			Vector:        e.Vector,
			Metadata:      e.Metadata,
		}
	}
	s.respondJSON(w, http.StatusOK, ExploreResponse{Entries: dtos, Count: len(dtos), Total: total})
}

// handleSongs routes requests to /api/songs
func (s *Server) handleSongs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListSongs(w, r)
	case http.MethodPost:
		s.handleIngestSong(w, r)
	default:
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleSong routes requests to /api/songs/{name}
func (s *Server) handleSong(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/api/songs/")
	if name == "" {
		s.respondError(w, http.StatusBadRequest, "Song name required")
		return
	}

	switch r.Method {
	case http.MethodDelete:
		s.handleDeleteSong(w, r, name)
	default:
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleQuery routes requests to /api/query
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.handleQueryFile(w, r)
}
