// Package spectral holds the short-time Fourier analysis shared by the
// in-process transcription engine and the spectrogram renderer.
package spectral

import (
	"errors"
	"math"
	"math/cmplx"

	"github.com/mjibson/go-dsp/fft"
)

// Defaults tuned for 22.05 kHz mono input.
const (
	WindowSize = 2048
	HopSize    = 512
)

var ErrShortInput = errors.New("input shorter than window size")

// Hamming returns a Hamming window of length n.
func Hamming(n int) []float64 {
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	for i := 0; i < n; i++ {
		w[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return w
}

// MagnitudeSpectrum keeps the positive-frequency half of a complex spectrum.
func MagnitudeSpectrum(spectrum []complex128) []float64 {
	half := len(spectrum) / 2
	mag := make([]float64, half)
	for i := 0; i < half; i++ {
		mag[i] = cmplx.Abs(spectrum[i])
	}
	return mag
}

// STFT computes a time-major magnitude spectrogram: spec[frame][bin].
func STFT(samples []float64, windowSize, hopSize int) ([][]float64, error) {
	if windowSize <= 0 || hopSize <= 0 {
		return nil, errors.New("window and hop size must be positive")
	}
	if len(samples) < windowSize {
		return nil, ErrShortInput
	}

	window := Hamming(windowSize)
	frames := (len(samples)-windowSize)/hopSize + 1
	spec := make([][]float64, 0, frames)

	frame := make([]float64, windowSize)
	for start := 0; start+windowSize <= len(samples); start += hopSize {
		for i := 0; i < windowSize; i++ {
			frame[i] = samples[start+i] * window[i]
		}
		spec = append(spec, MagnitudeSpectrum(fft.FFTReal(frame)))
	}
	return spec, nil
}

// BinFrequency converts an FFT bin index to Hz.
func BinFrequency(bin, sampleRate, windowSize int) float64 {
	return float64(bin) * float64(sampleRate) / float64(windowSize)
}
