// Package audiotest builds synthetic WAV fixtures for tests.
package audiotest

import (
	"math"
	"os"
	"testing"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Tone describes a sine burst inside a fixture. Silence everywhere else.
type Tone struct {
	Freq     float64
	StartSec float64
	EndSec   float64
	Amp      float64 // 0-1, defaults to 0.5
}

// WriteWAV writes a mono 16-bit WAV of the given length containing tones.
func WriteWAV(t testing.TB, path string, sampleRate int, seconds float64, tones ...Tone) {
	t.Helper()

	n := int(seconds * float64(sampleRate))
	data := make([]int, n)
	for _, tone := range tones {
		amp := tone.Amp
		if amp == 0 {
			amp = 0.5
		}
		from := int(tone.StartSec * float64(sampleRate))
		to := int(tone.EndSec * float64(sampleRate))
		if to > n {
			to = n
		}
		for i := from; i < to; i++ {
			v := amp * math.Sin(2*math.Pi*tone.Freq*float64(i)/float64(sampleRate))
			data[i] += int(v * 32767)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create fixture %s: %v", path, err)
	}
	defer f.Close()

	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("Failed to encode fixture %s: %v", path, err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("Failed to finalise fixture %s: %v", path, err)
	}
}
