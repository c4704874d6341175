package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/whotf-ash/synapse/pkg/audio"
)

// Source opens a live stream of 16-bit little-endian PCM from a microphone.
type Source interface {
	// Available reports whether the source can be opened on this host.
	Available() error

	// Open starts capture. The returned reader yields raw PCM in the returned
	// format until it is closed or capture ends.
	Open(ctx context.Context) (io.ReadCloser, audio.Format, error)
}

// CommandSource captures audio by running an external recorder that writes
// raw PCM to stdout (e.g., arecord or parec).
type CommandSource struct {
	// Command is split on whitespace into the program and its arguments.
	Command string

	// Format is the PCM format Command produces.
	Format audio.Format
}

var _ Source = CommandSource{}

// Available implements [Source]. It checks that the recorder binary is on
// PATH.
func (s CommandSource) Available() error {
	argv := strings.Fields(s.Command)
	if len(argv) == 0 {
		return errors.New("speech: capture command is empty")
	}
	if _, err := exec.LookPath(argv[0]); err != nil {
		return fmt.Errorf("speech: capture command: %w", err)
	}
	return nil
}

// Open implements [Source].
func (s CommandSource) Open(ctx context.Context) (io.ReadCloser, audio.Format, error) {
	argv := strings.Fields(s.Command)
	if len(argv) == 0 {
		return nil, audio.Format{}, errors.New("speech: capture command is empty")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, audio.Format{}, fmt.Errorf("speech: capture pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, audio.Format{}, fmt.Errorf("speech: start %q: %w", argv[0], err)
	}
	return &commandReader{cmd: cmd, stdout: stdout}, s.Format, nil
}

// commandReader reads the recorder's stdout. Close terminates the recorder.
type commandReader struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	once   sync.Once
}

func (r *commandReader) Read(p []byte) (int, error) { return r.stdout.Read(p) }

func (r *commandReader) Close() error {
	r.once.Do(func() {
		if r.cmd.Process != nil {
			_ = r.cmd.Process.Kill()
		}
		// Wait closes stdout; the exit status of a killed recorder is noise.
		_ = r.cmd.Wait()
	})
	return nil
}
