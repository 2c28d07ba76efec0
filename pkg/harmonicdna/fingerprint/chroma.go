// Package fingerprint reduces transcribed note events to a 12-bin
// pitch-class (chroma) vector.
//
// The note events are rendered as a piano roll sampled at Rate frames per
// second, folded onto the 12 pitch classes, averaged over time and
// L2-normalised. The result is deterministic and depends only on the notes.
package fingerprint

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/himanishpuri/HarmonicDNA/pkg/models"
)

// DefaultRate is the analysis rate in frames per second.
const DefaultRate = 5.0

// Extract fingerprints notes at DefaultRate. ok is false when there are no
// notes, which callers treat as "no fingerprint".
func Extract(notes []models.NoteEvent) (fp models.Fingerprint, ok bool) {
	return ExtractAt(notes, DefaultRate)
}

func ExtractAt(notes []models.NoteEvent, rate float64) (models.Fingerprint, bool) {
	if len(notes) == 0 {
		return nil, false
	}
	return Reduce(ChromaMatrix(notes, rate)), true
}

// ChromaMatrix renders notes as a 12 x frames matrix. Each note adds its
// velocity to its pitch-class row over frames [int(start*rate), int(end*rate)).
// It returns nil when the notes span no whole frame.
func ChromaMatrix(notes []models.NoteEvent, rate float64) *mat.Dense {
	if rate <= 0 {
		rate = DefaultRate
	}

	var end float64
	for _, n := range notes {
		end = math.Max(end, n.End)
	}
	frames := int(end * rate)
	if frames <= 0 {
		return nil
	}

	m := mat.NewDense(models.Dimensions, frames, nil)
	for _, n := range notes {
		from := max(int(n.Start*rate), 0)
		to := min(int(n.End*rate), frames)
		row := n.PitchClass()
		for c := from; c < to; c++ {
			m.Set(row, c, m.At(row, c)+float64(n.Velocity))
		}
	}
	return m
}

// Reduce averages each pitch-class row over time and L2-normalises the
// result. A nil or all-zero matrix gives the zero vector.
func Reduce(m *mat.Dense) models.Fingerprint {
	fp := make(models.Fingerprint, models.Dimensions)
	if m == nil {
		return fp
	}

	rows, cols := m.Dims()
	row := make([]float64, cols)
	for r := 0; r < rows && r < models.Dimensions; r++ {
		mat.Row(row, r, m)
		fp[r] = floats.Sum(row) / float64(cols)
	}
	return Normalize(fp)
}

// Normalize scales v to unit L2 norm in place. The zero vector is returned
// unchanged.
func Normalize(v models.Fingerprint) models.Fingerprint {
	if n := floats.Norm(v, 2); n > 0 {
		floats.Scale(1/n, v)
	}
	return v
}

// CosineDistance is 1 - cos(a, b), in [0, 2]. It is 1 when either vector
// is zero or the lengths differ. The vector index ranks by it.
func CosineDistance(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}
	na, nb := floats.Norm(a, 2), floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 1
	}
	// Rounding can push an exact match slightly below zero.
	return math.Max(1-floats.Dot(a, b)/(na*nb), 0)
}
