package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// CommandSink plays audio by piping it into an external player that reads
// from stdin (e.g., "ffplay -nodisp -autoexit -loglevel quiet -").
type CommandSink struct {
	Command string
}

var _ Sink = CommandSink{}

// Available reports whether the player binary is on PATH.
func (s CommandSink) Available() error {
	argv := strings.Fields(s.Command)
	if len(argv) == 0 {
		return errors.New("playback: player command is empty")
	}
	if _, err := exec.LookPath(argv[0]); err != nil {
		return fmt.Errorf("playback: player command: %w", err)
	}
	return nil
}

// Play implements [Sink]. The player is killed when ctx is cancelled.
func (s CommandSink) Play(ctx context.Context, audio io.Reader) error {
	argv := strings.Fields(s.Command)
	if len(argv) == 0 {
		return errors.New("playback: player command is empty")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = audio
	if out, err := cmd.CombinedOutput(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s: %w: %s", argv[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

// DiscardSink reads and drops the audio. It is used when no player is
// available so that fetch errors are still observed.
type DiscardSink struct{}

var _ Sink = DiscardSink{}

// Play implements [Sink].
func (DiscardSink) Play(ctx context.Context, audio io.Reader) error {
	_, err := io.Copy(io.Discard, audio)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
