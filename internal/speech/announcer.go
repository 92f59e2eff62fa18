// Package speech turns alert commands into spoken audio.
package speech

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"adas-system/driver-monitor/internal/models"
	"adas-system/driver-monitor/internal/services"
)

// Announcer speaks the latest command list. At most one utterance is ever
// outstanding: a new call always interrupts the previous one.
type Announcer struct {
	synth  Synthesizer
	player Player

	mu      sync.Mutex
	opts    Options
	enabled bool
	cancel  context.CancelFunc
	done    chan struct{}
	wg      sync.WaitGroup
}

func NewAnnouncer(synth Synthesizer, player Player, opts Options) *Announcer {
	return &Announcer{synth: synth, player: player, opts: opts, enabled: true}
}

// Announce interrupts any utterance in progress and, unless commands is empty,
// speaks them joined by sentence breaks. It never blocks on audio.
func (a *Announcer) Announce(commands []string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if len(commands) == 0 || !a.enabled {
		return
	}

	text := strings.Join(commands, ". ")
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	opts := a.opts
	prev, done := a.done, make(chan struct{})
	a.done = done

	a.wg.Add(1)
	go a.speak(ctx, text, opts, prev, done)
}

// OnAlert adapts Announce to alert board listeners.
func (a *Announcer) OnAlert(al models.Alert) {
	a.Announce(al.Commands)
}

// speak plays only after the interrupted utterance, prev, has released the
// audio device.
func (a *Announcer) speak(ctx context.Context, text string, opts Options, prev, done chan struct{}) {
	defer a.wg.Done()
	defer close(done)

	audio, err := a.synth.Synthesize(ctx, text, opts)
	if err == nil && prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	if err == nil {
		err = a.player.Play(ctx, audio, opts)
	}

	switch {
	case err == nil:
		services.SpeechUtterances.WithLabelValues("spoken").Inc()
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		services.SpeechUtterances.WithLabelValues("interrupted").Inc()
	default:
		services.SpeechUtterances.WithLabelValues("failed").Inc()
		slog.Warn("speech failed", "error", err, "text", text)
	}
}

// SetOptions changes voice parameters for subsequent utterances.
func (a *Announcer) SetOptions(opts Options, enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.opts = opts
	a.enabled = enabled
	if !enabled && a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
}

// Stop silences the announcer and waits for the current utterance to unwind.
func (a *Announcer) Stop() {
	a.Announce(nil)
	a.wg.Wait()
}
