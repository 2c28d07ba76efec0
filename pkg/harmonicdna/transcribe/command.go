package transcribe

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/himanishpuri/HarmonicDNA/pkg/utils"
)

const (
	// OutPlaceholder in CommandEngine.Args is replaced by the output dir.
	OutPlaceholder = "{out}"

	defaultCommandTimeout = 30 * time.Minute
)

// CommandEngine shells out to an external transcriber once per batch. The
// segment paths are appended to Args. Files the program leaves as
// <base><OutputSuffix> in the output dir are renamed to the artifact name.
//
// The defaults drive the basic-pitch CLI:
//
//	basic-pitch --save-note-events <out> seg1.wav seg2.wav ...
type CommandEngine struct {
	Program      string
	Args         []string
	OutputSuffix string
	Timeout      time.Duration
	Env          []string
}

func NewBasicPitchEngine() *CommandEngine {
	return &CommandEngine{
		Program:      "basic-pitch",
		Args:         []string{"--save-note-events", OutPlaceholder},
		OutputSuffix: "_basic_pitch.csv",
	}
}

// ParseCommand builds an engine from a command line such as
// "basic-pitch --save-note-events {out}". An {out} placeholder is appended
// when the line has none.
func ParseCommand(line, outputSuffix string) (*CommandEngine, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty engine command")
	}

	args := fields[1:]
	hasOut := false
	for _, a := range args {
		if strings.Contains(a, OutPlaceholder) {
			hasOut = true
		}
	}
	if !hasOut {
		args = append(args, OutPlaceholder)
	}
	if outputSuffix == "" {
		outputSuffix = "_basic_pitch.csv"
	}

	return &CommandEngine{Program: fields[0], Args: args, OutputSuffix: outputSuffix}, nil
}

func (e *CommandEngine) Name() string {
	return filepath.Base(e.Program)
}

func (e *CommandEngine) Transcribe(ctx context.Context, segmentPaths []string, outDir string) error {
	if len(segmentPaths) == 0 {
		return nil
	}

	if _, ok := ctx.Deadline(); !ok {
		timeout := e.Timeout
		if timeout <= 0 {
			timeout = defaultCommandTimeout
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	args := make([]string, 0, len(e.Args)+len(segmentPaths))
	for _, a := range e.Args {
		args = append(args, strings.ReplaceAll(a, OutPlaceholder, outDir))
	}
	args = append(args, segmentPaths...)

	cmd := exec.CommandContext(ctx, e.Program, args...)
	if len(e.Env) > 0 {
		cmd.Env = append(os.Environ(), e.Env...)
	}

	if out, err := cmd.CombinedOutput(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s failed: %v (%s)", e.Name(), err, tail(out, 512))
	}

	if e.OutputSuffix == "" || e.OutputSuffix == ArtifactSuffix {
		return nil
	}
	for _, p := range segmentPaths {
		native := filepath.Join(outDir, utils.TrimExt(p)+e.OutputSuffix)
		if !utils.FileExists(native) {
			continue
		}
		if err := utils.MoveFile(native, ArtifactPath(outDir, p)); err != nil {
			return err
		}
	}
	return nil
}

func tail(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		s = "..." + s[len(s)-n:]
	}
	return s
}
