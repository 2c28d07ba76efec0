package audio

import (
	"fmt"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/himanishpuri/HarmonicDNA/pkg/utils"
)

const wavFormatPCM = 1

// WriteWAV encodes buf as a PCM WAV file. The file is written next to path
// and renamed into place, so readers never observe a partial file.
func WriteWAV(path string, buf *goaudio.IntBuffer, bitDepth int) error {
	if buf == nil || buf.Format == nil {
		return fmt.Errorf("write %s: buffer has no format", path)
	}
	if bitDepth == 0 {
		bitDepth = 16
	}

	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	defer os.Remove(tmpPath)

	enc := wav.NewEncoder(f, buf.Format.SampleRate, bitDepth, buf.Format.NumChannels, wavFormatPCM)
	if err := enc.Write(buf); err != nil {
		f.Close()
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return fmt.Errorf("finalising %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	return utils.MoveFile(tmpPath, path)
}
