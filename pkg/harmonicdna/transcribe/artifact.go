package transcribe

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/himanishpuri/HarmonicDNA/pkg/models"
	"github.com/himanishpuri/HarmonicDNA/pkg/utils"
)

// ArtifactSuffix is appended to a segment's base name to form the name of
// its transcription file.
const ArtifactSuffix = "_transcribed.csv"

var csvHeader = []string{"start_time_s", "end_time_s", "pitch_midi", "velocity"}

// ArtifactPath is where the transcription of segmentPath lives in outDir.
func ArtifactPath(outDir, segmentPath string) string {
	return filepath.Join(outDir, utils.TrimExt(segmentPath)+ArtifactSuffix)
}

// WriteNotes stores notes as CSV. The file appears atomically.
func WriteNotes(path string, notes []models.NoteEvent) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		f.Close()
		return err
	}
	for _, n := range notes {
		rec := []string{
			strconv.FormatFloat(n.Start, 'f', -1, 64),
			strconv.FormatFloat(n.End, 'f', -1, 64),
			strconv.Itoa(n.Pitch),
			strconv.Itoa(n.Velocity),
		}
		if err := w.Write(rec); err != nil {
			f.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return utils.MoveFile(tmp, path)
}

// ReadNotes parses a note-event CSV. The first four columns are start,
// end, pitch and velocity; a header row and any further columns (pitch
// bends) are ignored.
func ReadNotes(path string) ([]models.NoteEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseNotes(f)
}

func parseNotes(r io.Reader) ([]models.NoteEvent, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var notes []models.NoteEvent
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return notes, nil
		}
		if err != nil {
			return nil, err
		}
		if len(rec) < 4 {
			return nil, fmt.Errorf("line %d: expected at least 4 columns, got %d", line, len(rec))
		}

		note, err := parseNote(rec)
		if err != nil {
			if line == 1 && looksLikeHeader(rec) {
				continue
			}
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		notes = append(notes, note)
	}
}

func parseNote(rec []string) (models.NoteEvent, error) {
	var vals [4]float64
	for i := range vals {
		v, err := strconv.ParseFloat(strings.TrimSpace(rec[i]), 64)
		if err != nil {
			return models.NoteEvent{}, err
		}
		vals[i] = v
	}
	if vals[1] < vals[0] {
		return models.NoteEvent{}, fmt.Errorf("note ends before it starts (%g < %g)", vals[1], vals[0])
	}
	return models.NoteEvent{
		Start:    vals[0],
		End:      vals[1],
		Pitch:    int(math.Round(vals[2])),
		Velocity: int(math.Round(vals[3])),
	}, nil
}

func looksLikeHeader(rec []string) bool {
	for _, field := range rec {
		if _, err := strconv.ParseFloat(strings.TrimSpace(field), 64); err == nil {
			return false
		}
	}
	return true
}
