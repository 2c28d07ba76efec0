package spectral

import (
	"image"
	"image/draw"

	"github.com/eligwz/spectrogram"
)

type RenderConfig struct {
	Width  int
	Height int // also the number of frequency bins drawn
	Log10  bool
}

func DefaultRenderConfig() RenderConfig {
	return RenderConfig{Width: 2048, Height: 512}
}

// RenderPNG draws a magnitude spectrogram of mono samples and saves it as a
// PNG at outPath.
func RenderPNG(samples []float64, sampleRate int, outPath string, cfg RenderConfig) error {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg = DefaultRenderConfig()
	}
	// Drawfft needs at least one full window of 2*Height samples.
	if len(samples) < 2*cfg.Height {
		return ErrShortInput
	}

	img := spectrogram.NewImage128(image.Rect(0, 0, cfg.Width, cfg.Height))
	black := spectrogram.ParseColor("000000")
	draw.Draw(img, img.Bounds(), image.NewUniform(black), image.Point{}, draw.Src)

	// Hamming window, FFT, magnitude.
	spectrogram.Drawfft(
		img,
		samples,
		uint32(sampleRate),
		uint32(cfg.Height),
		false,
		false,
		true,
		cfg.Log10,
	)

	return spectrogram.SavePng(img, outPath)
}
