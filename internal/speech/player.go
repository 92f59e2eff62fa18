package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Options are the fixed voice parameters of every alert utterance.
type Options struct {
	Rate   float64
	Volume float64
	// Stream selects the output channel; "alarm" stays audible over media.
	Stream string
	Voice  string
}

func DefaultOptions() Options {
	return Options{Rate: 1.0, Volume: 1.0, Stream: "alarm"}
}

// Player plays synthesized audio. Play must return promptly once ctx is cancelled.
type Player interface {
	Play(ctx context.Context, audio []byte, opts Options) error
}

// ExecPlayer pipes audio into an external player process such as paplay or aplay.
// Arguments may contain {volume} and {stream} placeholders.
type ExecPlayer struct {
	Command []string
}

func (p ExecPlayer) Play(ctx context.Context, audio []byte, opts Options) error {
	if len(p.Command) == 0 {
		return errors.New("no audio player configured")
	}

	args := make([]string, 0, len(p.Command)-1)
	for _, a := range p.Command[1:] {
		a = strings.ReplaceAll(a, "{volume}", strconv.FormatFloat(opts.Volume, 'f', -1, 64))
		a = strings.ReplaceAll(a, "{stream}", opts.Stream)
		args = append(args, a)
	}

	// CommandContext kills the player when the utterance is interrupted.
	cmd := exec.CommandContext(ctx, p.Command[0], args...)
	cmd.Stdin = bytes.NewReader(audio)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("player %s: %w: %s", p.Command[0], err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
