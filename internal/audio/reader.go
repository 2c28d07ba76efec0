package audio

import (
	"errors"
	"fmt"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

var ErrInvalidWAV = errors.New("not a valid PCM WAV file")

// Track is a fully decoded PCM stream.
type Track struct {
	Buffer   *goaudio.IntBuffer
	BitDepth int
}

func (t *Track) SampleRate() int {
	return t.Buffer.Format.SampleRate
}

func (t *Track) Channels() int {
	return t.Buffer.Format.NumChannels
}

// Frames is the number of sample frames (one sample per channel).
func (t *Track) Frames() int {
	ch := t.Channels()
	if ch == 0 {
		return 0
	}
	return len(t.Buffer.Data) / ch
}

// DurationMs is the decoded length, truncated to whole milliseconds.
func (t *Track) DurationMs() int64 {
	sr := t.SampleRate()
	if sr == 0 {
		return 0
	}
	return int64(t.Frames()) * 1000 / int64(sr)
}

// Slice returns the frames in [startMs, endMs) as a new buffer sharing the
// track's sample storage. Bounds are clamped to the track.
func (t *Track) Slice(startMs, endMs int64) *goaudio.IntBuffer {
	sr := int64(t.SampleRate())
	ch := t.Channels()
	frames := int64(t.Frames())

	from := clamp(startMs*sr/1000, 0, frames)
	to := clamp(endMs*sr/1000, from, frames)

	return &goaudio.IntBuffer{
		Format:         t.Buffer.Format,
		Data:           t.Buffer.Data[from*int64(ch) : to*int64(ch)],
		SourceBitDepth: t.BitDepth,
	}
}

// Mono downmixes the track to float samples in [-1, 1].
func (t *Track) Mono() []float64 {
	ch := t.Channels()
	frames := t.Frames()
	scale := 1.0 / float64(int64(1)<<(t.BitDepth-1))

	out := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < ch; c++ {
			sum += float64(t.Buffer.Data[i*ch+c])
		}
		out[i] = sum / float64(ch) * scale
	}
	return out
}

// DecodeWAV reads a whole PCM WAV file.
func DecodeWAV(path string) (*Track, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() {
		return nil, fmt.Errorf("%s: %w", path, ErrInvalidWAV)
	}

	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decoding PCM data of %s: %w", path, err)
	}
	if buf.Format == nil || buf.Format.NumChannels == 0 || buf.Format.SampleRate == 0 {
		return nil, fmt.Errorf("%s: missing format information: %w", path, ErrInvalidWAV)
	}

	bitDepth := int(decoder.BitDepth)
	if bitDepth == 0 {
		bitDepth = 16
	}
	buf.SourceBitDepth = bitDepth

	return &Track{Buffer: buf, BitDepth: bitDepth}, nil
}

// ReadMono decodes a WAV file and returns mono samples and the sample rate.
func ReadMono(path string) ([]float64, int, error) {
	track, err := DecodeWAV(path)
	if err != nil {
		return nil, 0, err
	}
	return track.Mono(), track.SampleRate(), nil
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
