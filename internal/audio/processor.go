package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/himanishpuri/HarmonicDNA/pkg/utils"
)

const defaultConvertTimeout = 2 * time.Minute

type ConvertWAVConfig struct {
	SampleRate int // e.g. 11025, 22050, 44100
}

// ConvertToMonoWAV converts an audio file to mono 16-bit PCM WAV and saves
// it to outputDir as <name>.wav.
func ConvertToMonoWAV(
	ctx context.Context,
	inputPath string,
	outputDir string,
	cfg ConvertWAVConfig,
) (string, error) {

	if cfg.SampleRate == 0 {
		cfg.SampleRate = 22050
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultConvertTimeout)
		defer cancel()
	}

	if err := utils.MakeDir(outputDir); err != nil {
		return "", err
	}

	outputPath := filepath.Join(outputDir, utils.TrimExt(inputPath)+".wav")
	tmpPath := outputPath + ".tmp.wav"
	defer os.Remove(tmpPath)

	cmd := exec.CommandContext(
		ctx,
		"ffmpeg",
		"-y",
		"-v", "error",
		"-i", inputPath,
		"-ac", "1",
		"-ar", fmt.Sprintf("%d", cfg.SampleRate),
		"-c:a", "pcm_s16le",
		tmpPath,
	)

	if out, err := cmd.CombinedOutput(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("ffmpeg failed: %v (%s)", err, strings.TrimSpace(string(out)))
	}

	if err := utils.MoveFile(tmpPath, outputPath); err != nil {
		return "", err
	}

	return outputPath, nil
}

// Load decodes any supported audio file. WAV input is decoded directly;
// anything else, or a WAV the decoder rejects, goes through ffmpeg into a
// private directory under scratchDir, so concurrent loads of files sharing
// a stem never see each other's output.
func Load(ctx context.Context, path, scratchDir string, sampleRate int) (*Track, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}

	if strings.EqualFold(filepath.Ext(path), ".wav") {
		track, err := DecodeWAV(path)
		if err == nil {
			return track, nil
		}
		if !errors.Is(err, ErrInvalidWAV) {
			return nil, err
		}
	}

	if err := utils.MakeDir(scratchDir); err != nil {
		return nil, err
	}
	dir, err := os.MkdirTemp(scratchDir, "load-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	converted, err := ConvertToMonoWAV(ctx, path, dir, ConvertWAVConfig{SampleRate: sampleRate})
	if err != nil {
		return nil, fmt.Errorf("converting %s: %w", filepath.Base(path), err)
	}

	return DecodeWAV(converted)
}
