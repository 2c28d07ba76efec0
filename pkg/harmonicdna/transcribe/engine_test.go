package transcribe

import (
	"context"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/himanishpuri/HarmonicDNA/internal/audio/audiotest"
	"github.com/himanishpuri/HarmonicDNA/internal/spectral"
	"github.com/himanishpuri/HarmonicDNA/pkg/models"
)

func TestParseNotesBasicPitchFormat(t *testing.T) {
	in := strings.Join([]string{
		"start_time_s,end_time_s,pitch_midi,velocity,pitch_bend",
		"0.1161,0.4876,60,87,-1,0,1",
		"1.5,2.25,72.0,40",
		"",
	}, "\n")

	notes, err := parseNotes(strings.NewReader(in))
	if err != nil {
		t.Fatalf("parseNotes failed: %v", err)
	}
	want := []models.NoteEvent{
		{Pitch: 60, Start: 0.1161, End: 0.4876, Velocity: 87},
		{Pitch: 72, Start: 1.5, End: 2.25, Velocity: 40},
	}
	if len(notes) != len(want) {
		t.Fatalf("Expected %d notes, got %d", len(want), len(notes))
	}
	for i := range want {
		if notes[i] != want[i] {
			t.Errorf("Note %d: expected %+v, got %+v", i, want[i], notes[i])
		}
	}
}

func TestParseNotesErrors(t *testing.T) {
	tests := map[string]string{
		"too few columns":   "0,1,60\n",
		"not a number":      "0,1,60,100\n0,x,61,100\n",
		"ends before start": "2,1,60,100\n",
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := parseNotes(strings.NewReader(in)); err == nil {
				t.Error("Expected an error")
			}
		})
	}
}

func TestReadNotesMissingFile(t *testing.T) {
	if _, err := ReadNotes(filepath.Join(t.TempDir(), "missing.csv")); !os.IsNotExist(err) {
		t.Errorf("Expected not-exist error, got %v", err)
	}
}

func TestArtifactPath(t *testing.T) {
	got := ArtifactPath("/work/tr", "/work/seg/segment_004.wav")
	if want := filepath.Join("/work/tr", "segment_004_transcribed.csv"); got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}
}

func TestCommandEngine(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("sh not available: %v", err)
	}

	script := `out=$1; shift
for f in "$@"; do
  b=$(basename "$f" .wav)
  printf 'start_time_s,end_time_s,pitch_midi,velocity\n0,2,64,90\n' > "$out/${b}_basic_pitch.csv"
done`
	engine := &CommandEngine{
		Program:      sh,
		Args:         []string{"-c", script, "sh", OutPlaceholder},
		OutputSuffix: "_basic_pitch.csv",
	}

	out := t.TempDir()
	inputs := []string{"/seg/segment_000.wav", "/seg/segment_001.wav"}
	if err := engine.Transcribe(context.Background(), inputs, out); err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}

	for _, in := range inputs {
		notes, err := ReadNotes(ArtifactPath(out, in))
		if err != nil {
			t.Fatalf("Artifact for %s unreadable: %v", in, err)
		}
		if len(notes) != 1 || notes[0].Pitch != 64 {
			t.Errorf("Unexpected notes for %s: %+v", in, notes)
		}
	}
	if matches, _ := filepath.Glob(filepath.Join(out, "*_basic_pitch.csv")); len(matches) != 0 {
		t.Errorf("Native outputs should have been renamed, found %v", matches)
	}
}

func TestCommandEngineFailure(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("sh not available: %v", err)
	}

	engine := &CommandEngine{Program: sh, Args: []string{"-c", "echo broken >&2; exit 3"}}
	err = engine.Transcribe(context.Background(), []string{"/seg/a.wav"}, t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "broken") {
		t.Errorf("Expected failure carrying stderr, got %v", err)
	}
}

func TestParseCommand(t *testing.T) {
	e, err := ParseCommand("basic-pitch --save-note-events", "")
	if err != nil {
		t.Fatalf("ParseCommand failed: %v", err)
	}
	if e.Program != "basic-pitch" || e.Name() != "basic-pitch" {
		t.Errorf("Unexpected program %q", e.Program)
	}
	if got := strings.Join(e.Args, " "); got != "--save-note-events {out}" {
		t.Errorf("Expected placeholder appended, got %q", got)
	}
	if e.OutputSuffix != "_basic_pitch.csv" {
		t.Errorf("Unexpected suffix %q", e.OutputSuffix)
	}

	if _, err := ParseCommand("   ", ""); err == nil {
		t.Error("Expected error for an empty command")
	}
}

func TestSpectralEngineSine(t *testing.T) {
	dir := t.TempDir()
	seg := filepath.Join(dir, "segment_000.wav")
	audiotest.WriteWAV(t, seg, 8000, 2, audiotest.Tone{Freq: 440, StartSec: 0, EndSec: 2})

	out := t.TempDir()
	if err := NewSpectralEngine().Transcribe(context.Background(), []string{seg}, out); err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}

	notes, err := ReadNotes(ArtifactPath(out, seg))
	if err != nil {
		t.Fatalf("ReadNotes failed: %v", err)
	}
	if len(notes) != 1 {
		t.Fatalf("Expected one held note for a sustained tone, got %d", len(notes))
	}
	if d := notes[0].End - notes[0].Start; d < 1.5 {
		t.Errorf("Expected the note to span the tone, got %.2fs", d)
	}
	for _, n := range notes {
		if n.Pitch != 69 {
			t.Errorf("Expected A4 (69), got pitch %d", n.Pitch)
		}
		if n.Velocity < 1 || n.Velocity > 127 {
			t.Errorf("Velocity out of range: %d", n.Velocity)
		}
	}
}

func TestSpectralNotesBridgeGap(t *testing.T) {
	peaks := func(frames ...int) []spectral.Peak {
		var out []spectral.Peak
		for _, f := range frames {
			out = append(out, spectral.Peak{TimeIdx: f, Freq: 440, Mag: 1})
		}
		return out
	}

	e := NewSpectralEngine()
	notes := e.notesFromPeaks(peaks(0, 1, 3, 4), 0.1)
	if len(notes) != 1 {
		t.Fatalf("Expected a one-frame gap to be bridged, got %d notes", len(notes))
	}
	if notes[0].Start != 0 || math.Abs(notes[0].End-0.5) > 1e-9 {
		t.Errorf("Unexpected span [%.2f, %.2f]", notes[0].Start, notes[0].End)
	}

	if notes := e.notesFromPeaks(peaks(0, 1, 4, 5), 0.1); len(notes) != 2 {
		t.Errorf("Expected a two-frame gap to split the note, got %d notes", len(notes))
	}

	e.MaxGap = 0
	if notes := e.notesFromPeaks(peaks(0, 1, 3, 4), 0.1); len(notes) != 2 {
		t.Errorf("Expected no bridging with MaxGap 0, got %d notes", len(notes))
	}
}

func TestSpectralEngineSilence(t *testing.T) {
	dir := t.TempDir()
	seg := filepath.Join(dir, "silence.wav")
	audiotest.WriteWAV(t, seg, 8000, 1)

	out := t.TempDir()
	if err := NewSpectralEngine().Transcribe(context.Background(), []string{seg}, out); err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}
	notes, err := ReadNotes(ArtifactPath(out, seg))
	if err != nil {
		t.Fatalf("ReadNotes failed: %v", err)
	}
	if len(notes) != 0 {
		t.Errorf("Expected no notes in silence, got %d", len(notes))
	}
}

func TestSpectralEngineAllInputsBroken(t *testing.T) {
	err := NewSpectralEngine().Transcribe(context.Background(), []string{filepath.Join(t.TempDir(), "nope.wav")}, t.TempDir())
	if err == nil {
		t.Error("Expected error when no input can be read")
	}
}

func TestNewEngine(t *testing.T) {
	tests := []struct {
		kind    string
		cmd     string
		want    string
		wantErr bool
	}{
		{kind: "", want: "basic-pitch"},
		{kind: "Basic-Pitch", want: "basic-pitch"},
		{kind: "spectral", want: "spectral"},
		{kind: "command", cmd: "my-transcriber --fast", want: "my-transcriber"},
		{kind: "command", wantErr: true},
		{kind: "whisper", wantErr: true},
	}

	for _, tt := range tests {
		e, err := NewEngine(tt.kind, tt.cmd)
		if tt.wantErr {
			if err == nil {
				t.Errorf("NewEngine(%q, %q): expected error", tt.kind, tt.cmd)
			}
			continue
		}
		if err != nil {
			t.Errorf("NewEngine(%q, %q) failed: %v", tt.kind, tt.cmd, err)
			continue
		}
		if e.Name() != tt.want {
			t.Errorf("NewEngine(%q, %q).Name() = %q, want %q", tt.kind, tt.cmd, e.Name(), tt.want)
		}
	}
}
