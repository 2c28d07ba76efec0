package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/himanishpuri/HarmonicDNA/pkg/harmonicdna"
	"github.com/himanishpuri/HarmonicDNA/pkg/models"
)

// stubService records calls and returns canned values.
type stubService struct {
	ingested []string
	queried  []int
	deleted  map[string]int64
	err      error
}

func (s *stubService) Ingest(ctx context.Context, path string) (*harmonicdna.SongReport, error) {
	s.ingested = append(s.ingested, filepath.Base(path))
	if s.err != nil {
		return nil, s.err
	}
	return &harmonicdna.SongReport{SongID: filepath.Base(path), State: harmonicdna.StateRetained, Segments: 3, Written: 2}, nil
}

func (s *stubService) IngestDir(ctx context.Context, dir string, onSong func(*harmonicdna.SongReport)) (*harmonicdna.BatchReport, error) {
	return &harmonicdna.BatchReport{}, nil
}

func (s *stubService) Query(ctx context.Context, path string, topK int) ([]models.QueryResult, error) {
	s.queried = append(s.queried, topK)
	if s.err != nil {
		return nil, s.err
	}
	return []models.QueryResult{{SongID: "a.wav", OffsetSeconds: 5, Distance: 0.01}}, nil
}

func (s *stubService) ListSongs(ctx context.Context) ([]models.SongSummary, error) {
	return []models.SongSummary{{SongID: "a.wav", Entries: 2, LastOffset: 5}}, nil
}

func (s *stubService) Explore(ctx context.Context, limit int) ([]models.Entry, error) {
	return []models.Entry{{ID: "a.wav_seg_001", SongID: "a.wav", OffsetSeconds: 5, Vector: make([]float64, 12)}}, nil
}

func (s *stubService) DeleteSong(ctx context.Context, songID string) (int64, error) {
	return s.deleted[songID], nil
}

func (s *stubService) Count(ctx context.Context) (int64, error) { return 2, nil }
func (s *stubService) Close() error                             { return nil }

func newTestServer(t *testing.T, svc *stubService) http.Handler {
	t.Helper()
	srv := NewServer(svc, &ServerConfig{WorkDir: t.TempDir(), AllowedOrigins: []string{"*"}})
	return srv.setupRoutes()
}

func uploadRequest(t *testing.T, target, filename string, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	fw, err := mw.CreateFormFile("audio", filename)
	if err != nil {
		t.Fatalf("Failed to create form file: %v", err)
	}
	fw.Write([]byte("RIFF"))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestHandleQuery(t *testing.T) {
	svc := &stubService{}
	h := newTestServer(t, svc)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, uploadRequest(t, "/api/query", "clip.wav", map[string]string{"top_k": "3"}))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp QueryResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Count != 1 || resp.Results[0].SongID != "a.wav" {
		t.Errorf("Unexpected response %+v", resp)
	}
	if len(svc.queried) != 1 || svc.queried[0] != 3 {
		t.Errorf("Expected top_k=3 to reach the service, got %v", svc.queried)
	}
}

func TestHandleQueryDefaultsTopK(t *testing.T) {
	svc := &stubService{}
	h := newTestServer(t, svc)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, uploadRequest(t, "/api/query", "clip.wav", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if len(svc.queried) != 1 || svc.queried[0] != harmonicdna.DefaultTopK {
		t.Errorf("Expected default top_k, got %v", svc.queried)
	}
}

func TestHandleQueryRejectsBadTopK(t *testing.T) {
	for _, k := range []string{"0", "-1", "abc", "1000"} {
		svc := &stubService{}
		rec := httptest.NewRecorder()
		newTestServer(t, svc).ServeHTTP(rec, uploadRequest(t, "/api/query", "clip.wav", map[string]string{"top_k": k}))

		if rec.Code != http.StatusBadRequest {
			t.Errorf("top_k=%s: expected 400, got %d", k, rec.Code)
		}
		if len(svc.queried) != 0 {
			t.Errorf("top_k=%s: service should not be called", k)
		}
	}
}

func TestHandleQueryMapsErrors(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: bad file", harmonicdna.ErrInput), http.StatusBadRequest},
		{fmt.Errorf("%w: engine died", harmonicdna.ErrTranscription), http.StatusBadGateway},
		{fmt.Errorf("%w: locked", harmonicdna.ErrIndexRead), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		rec := httptest.NewRecorder()
		newTestServer(t, &stubService{err: tt.err}).ServeHTTP(rec, uploadRequest(t, "/api/query", "clip.wav", nil))
		if rec.Code != tt.want {
			t.Errorf("%v: expected %d, got %d", tt.err, tt.want, rec.Code)
		}
	}
}

func TestHandleIngestKeepsFileName(t *testing.T) {
	svc := &stubService{}
	h := newTestServer(t, svc)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, uploadRequest(t, "/api/songs", "My Song.wav", nil))

	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(svc.ingested) != 1 || svc.ingested[0] != "My Song.wav" {
		t.Errorf("Expected the upload name to become the song id, got %v", svc.ingested)
	}

	var resp IngestResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.SongID != "My Song.wav" || resp.Entries != 2 || resp.State != "RETAINED" {
		t.Errorf("Unexpected response %+v", resp)
	}
}

func TestHandleDeleteSong(t *testing.T) {
	svc := &stubService{deleted: map[string]int64{"a.wav": 2}}
	h := newTestServer(t, svc)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/songs/a.wav", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/songs/missing.wav", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}

func TestHandleEntries(t *testing.T) {
	h := newTestServer(t, &stubService{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/entries?limit=1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var resp ExploreResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Count != 1 || resp.Total != 2 || len(resp.Entries[0].Vector) != 12 {
		t.Errorf("Unexpected response %+v", resp)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/entries?limit=-1", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a negative limit, got %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := newTestServer(t, &stubService{})

	req := httptest.NewRequest(http.MethodOptions, "/api/query", nil)
	req.Header.Set("Origin", "http://example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Expected wildcard origin, got %q", got)
	}
}
