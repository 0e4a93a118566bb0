// Package encode runs ffmpeg's concat demuxer over an assembly manifest to produce the final output file.
package encode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

const DefaultBinary = "ffmpeg"

// Re-encode settings.
const (
	VideoCodec   = "libx264"
	VideoCRF     = "23"
	VideoPreset  = "medium"
	AudioCodec   = "aac"
	AudioBitrate = "128k"
)

// Amount of the encoder's stderr kept for EncodeError.
const stderrTailSize = 16 * 1024

var ErrBinaryNotFound = errors.New("encoder binary not found")

type Mode int

const (
	// ModeCopy stream-copies audio and video without re-encoding.
	ModeCopy Mode = iota
	// ModeReencode transcodes to VideoCodec and AudioCodec.
	ModeReencode
)

func (m Mode) String() string {
	switch m {
	case ModeCopy:
		return "copy"
	case ModeReencode:
		return "reencode"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ModeFor maps the CLI's compress flag to a Mode.
func ModeFor(compress bool) Mode {
	if compress {
		return ModeReencode
	}
	return ModeCopy
}

// A Job is one encoder invocation.
type Job struct {
	Manifest string
	Output   string
	Mode     Mode
	// Overwrite adds -y so an existing output file is replaced without prompting.
	Overwrite bool
}

func NewJob(manifest, output string, mode Mode) Job {
	return Job{Manifest: manifest, Output: output, Mode: mode}
}

// Args builds the ffmpeg argument list for job.
func Args(job Job) []string {
	var args []string
	if job.Overwrite {
		args = append(args, "-y")
	}
	args = append(args,
		"-f", "concat",
		"-safe", "0",
		"-i", job.Manifest,
	)
	switch job.Mode {
	case ModeReencode:
		args = append(args,
			"-c:v", VideoCodec,
			"-crf", VideoCRF,
			"-preset", VideoPreset,
			"-c:a", AudioCodec,
			"-b:a", AudioBitrate,
		)
	default:
		args = append(args, "-c", "copy")
	}
	return append(args, job.Output)
}

// EncodeError reports a failed encoder run. ExitCode is -1 if the process never ran to completion.
type EncodeError struct {
	Binary   string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *EncodeError) Error() string {
	if e.ExitCode >= 0 {
		return fmt.Sprintf("%s exited with status %d", e.Binary, e.ExitCode)
	}
	return fmt.Sprintf("%s failed: %v", e.Binary, e.Err)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}

// commandRunner runs a command to completion, copying its stderr to the supplied writer.
type commandRunner func(ctx context.Context, stderr io.Writer, name string, args ...string) error

func defaultCommandRunner(ctx context.Context, stderr io.Writer, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = io.MultiWriter(os.Stderr, stderr)
	return cmd.Run()
}

type Encoder struct {
	binary string
	run    commandRunner
	log    *zap.SugaredLogger
}

// NewEncoder creates an Encoder that runs binary, or DefaultBinary if binary is empty.
func NewEncoder(binary string) *Encoder {
	if strings.TrimSpace(binary) == "" {
		binary = DefaultBinary
	}
	return &Encoder{
		binary: binary,
		run:    defaultCommandRunner,
		log:    zap.S().Named("encoder"),
	}
}

// WithCommandRunner allows injecting a custom command runner for tests.
func (e *Encoder) WithCommandRunner(r commandRunner) *Encoder {
	if r != nil {
		e.run = r
	}
	return e
}

func (e *Encoder) WithLogger(log *zap.SugaredLogger) *Encoder {
	e.log = log
	return e
}

func (e *Encoder) Binary() string {
	return e.binary
}

// Run executes job and waits for the encoder to exit. Any failure is an *EncodeError.
func (e *Encoder) Run(ctx context.Context, job Job) error {
	args := Args(job)
	e.log.Debugf("running %s %s", e.binary, strings.Join(args, " "))
	tail := &tailBuffer{max: stderrTailSize}
	if err := e.run(ctx, tail, e.binary, args...); err != nil {
		encodeErr := &EncodeError{Binary: e.binary, ExitCode: -1, Stderr: tail.String(), Err: err}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			encodeErr.ExitCode = exitErr.ExitCode()
		}
		return encodeErr
	}
	e.log.Infof("Successfully created %s", job.Output)
	return nil
}

// LookupBinary resolves name on PATH, so a missing encoder is reported before any downloading starts.
func LookupBinary(name string) (string, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", &EncodeError{Binary: name, ExitCode: -1, Err: fmt.Errorf("%w: %v", ErrBinaryNotFound, err)}
	}
	return path, nil
}

// tailBuffer keeps only the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}
