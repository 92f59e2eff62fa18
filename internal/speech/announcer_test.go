package speech

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoSynth struct {
	mu   sync.Mutex
	opts []Options
	err  error
}

func (s *echoSynth) Synthesize(_ context.Context, text string, opts Options) ([]byte, error) {
	s.mu.Lock()
	s.opts = append(s.opts, opts)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return []byte(text), nil
}

type fakePlayer struct {
	block   bool
	started chan string

	mu     sync.Mutex
	played []string
}

func newFakePlayer(block bool) *fakePlayer {
	return &fakePlayer{block: block, started: make(chan string, 16)}
}

func (p *fakePlayer) Play(ctx context.Context, audio []byte, _ Options) error {
	p.started <- string(audio)
	if p.block {
		<-ctx.Done()
		return ctx.Err()
	}
	p.mu.Lock()
	p.played = append(p.played, string(audio))
	p.mu.Unlock()
	return nil
}

func (p *fakePlayer) Played() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.played...)
}

func waitStarted(t *testing.T, p *fakePlayer) string {
	t.Helper()
	select {
	case s := <-p.started:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("utterance never started")
		return ""
	}
}

func waitIdle(t *testing.T, a *Announcer) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("utterance was not interrupted")
	}
}

func TestAnnounceSpeaksJoinedCommands(t *testing.T) {
	synth := &echoSynth{}
	player := newFakePlayer(false)
	a := NewAnnouncer(synth, player, DefaultOptions())

	a.Announce([]string{"Eyes closed", "stay alert"})
	waitIdle(t, a)

	assert.Equal(t, []string{"Eyes closed. stay alert"}, player.Played())
	require.Len(t, synth.opts, 1)
	assert.Equal(t, 1.0, synth.opts[0].Rate)
	assert.Equal(t, 1.0, synth.opts[0].Volume)
	assert.Equal(t, "alarm", synth.opts[0].Stream)
}

func TestAnnounceInterruptsPrevious(t *testing.T) {
	player := newFakePlayer(true)
	a := NewAnnouncer(&echoSynth{}, player, DefaultOptions())

	a.Announce([]string{"Phone detected"})
	assert.Equal(t, "Phone detected", waitStarted(t, player))

	a.Announce([]string{"Eyes closed"})
	assert.Equal(t, "Eyes closed", waitStarted(t, player))

	// An empty list cancels the second utterance and starts nothing new.
	a.Announce([]string{})
	waitIdle(t, a)

	select {
	case s := <-player.started:
		t.Fatalf("unexpected utterance %q", s)
	default:
	}
	assert.Empty(t, player.Played())
}

// slowReapPlayer holds the device for a while after being cancelled, like a
// player process that has not exited yet.
type slowReapPlayer struct {
	started           chan string
	active, maxActive atomic.Int64
}

func (p *slowReapPlayer) Play(ctx context.Context, audio []byte, _ Options) error {
	n := p.active.Add(1)
	defer p.active.Add(-1)
	for {
		m := p.maxActive.Load()
		if n <= m || p.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	p.started <- string(audio)
	<-ctx.Done()
	time.Sleep(50 * time.Millisecond)
	return ctx.Err()
}

func TestInterruptedPlayerReleasesBeforeNextPlays(t *testing.T) {
	player := &slowReapPlayer{started: make(chan string, 4)}
	a := NewAnnouncer(&echoSynth{}, player, DefaultOptions())

	a.Announce([]string{"Eyes closed"})
	select {
	case <-player.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first utterance never started")
	}

	a.Announce([]string{"Phone detected"})
	select {
	case s := <-player.started:
		assert.Equal(t, "Phone detected", s)
	case <-time.After(2 * time.Second):
		t.Fatal("second utterance never started")
	}

	a.Stop()
	assert.EqualValues(t, 1, player.maxActive.Load())
}

func TestAnnounceEmptyIsSilent(t *testing.T) {
	player := newFakePlayer(false)
	a := NewAnnouncer(&echoSynth{}, player, DefaultOptions())

	a.Announce(nil)
	waitIdle(t, a)
	assert.Empty(t, player.Played())
}

func TestAnnounceDisabled(t *testing.T) {
	player := newFakePlayer(false)
	a := NewAnnouncer(&echoSynth{}, player, DefaultOptions())
	a.SetOptions(DefaultOptions(), false)

	a.Announce([]string{"Eyes closed"})
	waitIdle(t, a)
	assert.Empty(t, player.Played())
}

func TestSynthesisFailureIsSwallowed(t *testing.T) {
	player := newFakePlayer(false)
	a := NewAnnouncer(&echoSynth{err: errors.New("tts down")}, player, DefaultOptions())

	assert.NotPanics(t, func() { a.Announce([]string{"Eyes closed"}) })
	waitIdle(t, a)
	assert.Empty(t, player.Played())
}

func TestAudioURL(t *testing.T) {
	u, err := AudioURL([]string{"Eyes closed", " ", "stay alert"})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(u, "https://translate.google.com/translate_tts?"))

	parsed, err := url.Parse(u)
	require.NoError(t, err)
	assert.Equal(t, "Eyes closed. stay alert", parsed.Query().Get("q"))
	assert.Equal(t, "en", parsed.Query().Get("tl"))
}

func TestAudioURLRejectsLongText(t *testing.T) {
	_, err := AudioURL([]string{strings.Repeat("x", 201)})
	assert.ErrorIs(t, err, ErrAudioURL)

	_, err = AudioURL(nil)
	assert.ErrorIs(t, err, ErrAudioURL)
}
