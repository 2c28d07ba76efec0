// Package transcribe turns segment WAV files into note events through a
// transcription engine and reduces them to fingerprints.
package transcribe

import (
	"context"
	"fmt"
	"strings"
)

// Engine transcribes audio files into note-event artifacts. One call
// handles a whole batch and must leave ArtifactPath(outDir, p) for every
// input p it could transcribe. Implementations need not be safe for
// concurrent use; the Adapter serialises calls.
type Engine interface {
	Name() string
	Transcribe(ctx context.Context, segmentPaths []string, outDir string) error
}

// Engine kinds accepted by NewEngine.
const (
	KindBasicPitch = "basic-pitch"
	KindSpectral   = "spectral"
	KindCommand    = "command"
)

// NewEngine selects an engine by kind. commandLine is only used by
// KindCommand.
func NewEngine(kind, commandLine string) (Engine, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", KindBasicPitch:
		return NewBasicPitchEngine(), nil
	case KindSpectral:
		return NewSpectralEngine(), nil
	case KindCommand:
		e, err := ParseCommand(commandLine, "")
		if err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unknown engine %q (want %s, %s or %s)", kind, KindBasicPitch, KindSpectral, KindCommand)
	}
}
