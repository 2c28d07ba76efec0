package models

import "fmt"

// Dimensions is the length of every fingerprint: one bin per pitch class.
const Dimensions = 12

// NoteEvent is a single transcribed note.
type NoteEvent struct {
	Pitch    int     // MIDI note number
	Start    float64 // seconds from the start of the segment
	End      float64 // seconds from the start of the segment
	Velocity int     // 0-127
}

// PitchClass folds the MIDI pitch onto the 12-tone octave, C = 0.
func (n NoteEvent) PitchClass() int {
	pc := n.Pitch % 12
	if pc < 0 {
		pc += 12
	}
	return pc
}

// Segment is one fixed-length window of a song, materialised as a WAV file.
type Segment struct {
	SongID  string
	Index   int
	StartMs int64
	EndMs   int64
	Path    string
}

// OffsetSeconds is the window start in seconds.
func (s Segment) OffsetSeconds() float64 {
	return float64(s.StartMs) / 1000
}

// EntryID is the deterministic index id of the segment.
func (s Segment) EntryID() string {
	return EntryID(s.SongID, s.Index)
}

// EntryID builds the index id for window index of song.
func EntryID(songID string, index int) string {
	return fmt.Sprintf("%s_seg_%03d", songID, index)
}

// Fingerprint is a 12-bin pitch-class vector with unit L2 norm, or all zeros.
type Fingerprint []float64

// QueryResult is one ranked hit of a similarity query.
type QueryResult struct {
	SongID        string
	OffsetSeconds float64
	Distance      float64 // cosine distance, lower is closer
}

// SongSummary describes what the index holds for one song.
type SongSummary struct {
	SongID      string
	Title       string
	Artist      string
	Entries     int
	FirstOffset float64
	LastOffset  float64
}
