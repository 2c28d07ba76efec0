package transcribe

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/himanishpuri/HarmonicDNA/internal/audio"
	"github.com/himanishpuri/HarmonicDNA/internal/spectral"
	"github.com/himanishpuri/HarmonicDNA/pkg/models"
)

// SpectralEngine is a lightweight in-process transcriber: it tracks the
// dominant spectral peaks of each STFT frame and turns runs of the same
// MIDI pitch into notes. It needs no external tooling, at the cost of
// polyphonic accuracy.
type SpectralEngine struct {
	Peaks     spectral.PeakConfig
	MinFrames int // shortest note kept, in STFT frames
	MaxGap    int // missing frames bridged inside one note
	MinPitch  int
	MaxPitch  int
}

func NewSpectralEngine() *SpectralEngine {
	peaks := spectral.DefaultPeakConfig()
	peaks.TimeNeighbours = 0

	return &SpectralEngine{
		Peaks:     peaks,
		MinFrames: 2,
		MaxGap:    1,
		MinPitch:  21,  // A0
		MaxPitch:  108, // C8
	}
}

func (e *SpectralEngine) Name() string { return "spectral" }

// Transcribe writes an artifact for every readable input. It fails only if
// no input could be transcribed at all.
func (e *SpectralEngine) Transcribe(ctx context.Context, segmentPaths []string, outDir string) error {
	var errs []error
	for _, p := range segmentPaths {
		if err := ctx.Err(); err != nil {
			return err
		}

		notes, err := e.transcribeFile(p)
		if err == nil {
			err = WriteNotes(ArtifactPath(outDir, p), notes)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
		}
	}

	if len(errs) > 0 && len(errs) == len(segmentPaths) {
		return errors.Join(errs...)
	}
	return nil
}

func (e *SpectralEngine) transcribeFile(path string) ([]models.NoteEvent, error) {
	samples, sr, err := audio.ReadMono(path)
	if err != nil {
		return nil, err
	}

	spec, err := spectral.STFT(samples, e.Peaks.WindowSize, e.Peaks.HopSize)
	if errors.Is(err, spectral.ErrShortInput) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	peaks := spectral.ExtractPeaks(spec, sr, e.Peaks)
	frameTime := float64(e.Peaks.HopSize) / float64(sr)
	return e.notesFromPeaks(peaks, frameTime), nil
}

type activeNote struct {
	first, last int
	mag         float64
}

// notesFromPeaks merges per-frame pitches into notes. A pitch missing for
// more than MaxGap frames ends its note.
func (e *SpectralEngine) notesFromPeaks(peaks []spectral.Peak, frameTime float64) []models.NoteEvent {
	var notes []models.NoteEvent
	var loudest float64
	for _, p := range peaks {
		loudest = math.Max(loudest, p.Mag)
	}
	if loudest == 0 {
		return nil
	}

	gap := max(e.MaxGap, 0)
	active := map[int]*activeNote{}
	closeNote := func(pitch int, n *activeNote) {
		if n.last-n.first+1 < e.MinFrames {
			return
		}
		vel := int(math.Round(127 * n.mag / loudest))
		notes = append(notes, models.NoteEvent{
			Pitch:    pitch,
			Start:    float64(n.first) * frameTime,
			End:      float64(n.last+1) * frameTime,
			Velocity: min(max(vel, 1), 127),
		})
	}

	for i := 0; i < len(peaks); {
		frame := peaks[i].TimeIdx
		for ; i < len(peaks) && peaks[i].TimeIdx == frame; i++ {
			pitch, ok := e.pitchOf(peaks[i].Freq)
			if !ok {
				continue
			}
			n, exists := active[pitch]
			switch {
			case exists && n.last == frame:
				n.mag = math.Max(n.mag, peaks[i].Mag)
			case exists && frame-n.last <= gap+1:
				n.last = frame
				n.mag = math.Max(n.mag, peaks[i].Mag)
			default:
				if exists {
					closeNote(pitch, n)
				}
				active[pitch] = &activeNote{first: frame, last: frame, mag: peaks[i].Mag}
			}
		}

		for pitch, n := range active {
			if n.last < frame-gap {
				closeNote(pitch, n)
				delete(active, pitch)
			}
		}
	}
	for pitch, n := range active {
		closeNote(pitch, n)
	}

	sort.Slice(notes, func(i, j int) bool {
		if notes[i].Start == notes[j].Start {
			return notes[i].Pitch < notes[j].Pitch
		}
		return notes[i].Start < notes[j].Start
	})
	return notes
}

func (e *SpectralEngine) pitchOf(freq float64) (int, bool) {
	if freq <= 0 {
		return 0, false
	}
	pitch := int(math.Round(69 + 12*math.Log2(freq/440)))
	return pitch, pitch >= e.MinPitch && pitch <= e.MaxPitch
}
