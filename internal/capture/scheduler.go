// Package capture runs the periodic frame-capture and detection loop that
// accompanies an active recording.
package capture

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"adas-system/driver-monitor/internal/detection"
	"adas-system/driver-monitor/internal/models"
	"adas-system/driver-monitor/internal/services"
)

const (
	DefaultInterval     = 2 * time.Second
	defaultRoundTimeout = 10 * time.Second
)

var ErrRunning = errors.New("capture scheduler already running")

// FrameSource captures a still frame without disturbing an ongoing recording.
type FrameSource interface {
	TakePhoto(ctx context.Context) (models.Frame, error)
}

type Detector interface {
	Detect(ctx context.Context, frame models.Frame, token string) (models.DetectionResult, error)
}

// AlertSink receives the outcome of each round.
type AlertSink interface {
	Publish(commands []string)
	Clear()
}

type TokenSource interface {
	Token() string
}

// Stats counts what the scheduler has done since it was created.
type Stats struct {
	Ticks    int64 `json:"ticks"`
	Rounds   int64 `json:"rounds"`
	Dropped  int64 `json:"dropped"`
	Failures int64 `json:"failures"`
}

// Scheduler triggers one capture-and-detect round per interval while
// recording. At most one round is ever in flight; ticks that find a round
// still running are dropped, not queued.
type Scheduler struct {
	camera   FrameSource
	detector Detector
	alerts   AlertSink
	tokens   TokenSource

	interval     time.Duration
	roundTimeout time.Duration
	remove       func(string) error

	recording atomic.Bool
	inFlight  atomic.Bool

	mu       sync.Mutex
	stop     chan struct{}
	loopDone chan struct{}
	rounds   sync.WaitGroup

	ticks, started, dropped, failures atomic.Int64
}

type Option func(*Scheduler)

func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithRoundTimeout bounds a whole round: capture plus detection.
func WithRoundTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.roundTimeout = d
		}
	}
}

func NewScheduler(camera FrameSource, detector Detector, alerts AlertSink, tokens TokenSource, opts ...Option) *Scheduler {
	s := &Scheduler{
		camera:       camera,
		detector:     detector,
		alerts:       alerts,
		tokens:       tokens,
		interval:     DefaultInterval,
		roundTimeout: defaultRoundTimeout,
		remove:       os.Remove,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins ticking. Cancelling ctx has the same effect as Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.recording.CompareAndSwap(false, true) {
		return ErrRunning
	}
	s.stop = make(chan struct{})
	s.loopDone = make(chan struct{})
	go s.loop(ctx, s.stop, s.loopDone)

	slog.Info("capture scheduler started", "interval", s.interval)
	return nil
}

func (s *Scheduler) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.recording.Store(false)
			return
		case <-stop:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// Stop prevents further ticks. A round already in flight runs to completion.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recording.Store(false)
	if s.stop == nil {
		return
	}
	close(s.stop)
	<-s.loopDone
	s.stop, s.loopDone = nil, nil
	slog.Info("capture scheduler stopped", "in_flight", s.inFlight.Load())
}

// Wait blocks until ticking has ended, through Stop or the Start context,
// and no round is in flight. Rounds are only added by the tick loop.
func (s *Scheduler) Wait() {
	s.mu.Lock()
	loopDone := s.loopDone
	s.mu.Unlock()
	if loopDone != nil {
		<-loopDone
	}
	s.rounds.Wait()
}

// Running reports whether ticks are being scheduled.
func (s *Scheduler) Running() bool {
	return s.recording.Load()
}

func (s *Scheduler) Stats() Stats {
	return Stats{
		Ticks:    s.ticks.Load(),
		Rounds:   s.started.Load(),
		Dropped:  s.dropped.Load(),
		Failures: s.failures.Load(),
	}
}

func (s *Scheduler) tick() {
	s.ticks.Add(1)
	if !s.recording.Load() {
		services.CaptureTicks.WithLabelValues("idle").Inc()
		return
	}
	if !s.inFlight.CompareAndSwap(false, true) {
		s.dropped.Add(1)
		services.CaptureTicks.WithLabelValues("dropped").Inc()
		slog.Debug("capture tick dropped, round still in flight")
		return
	}

	services.CaptureTicks.WithLabelValues("started").Inc()
	s.started.Add(1)
	s.rounds.Add(1)
	// Rounds are detached from the scheduler context so Stop never aborts one.
	go s.round()
}

func (s *Scheduler) round() {
	defer s.rounds.Done()
	defer s.inFlight.Store(false)
	services.CaptureInFlight.Inc()
	defer services.CaptureInFlight.Dec()
	defer func() {
		if r := recover(); r != nil {
			s.failures.Add(1)
			slog.Error("capture round panicked", "panic", r)
			s.alerts.Clear()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.roundTimeout)
	defer cancel()

	frame, err := s.camera.TakePhoto(ctx)
	if err != nil {
		s.failures.Add(1)
		slog.Warn("frame capture failed", "error", err)
		s.alerts.Clear()
		return
	}
	defer s.removeFrame(frame.Path)

	start := time.Now()
	result, err := s.detector.Detect(ctx, frame, s.tokens.Token())
	category := detection.Category(err)
	services.DetectionDuration.WithLabelValues(category).Observe(time.Since(start).Seconds())

	if err != nil {
		s.failures.Add(1)
		slog.Warn("detection failed", "category", category, "error", err)
		s.alerts.Clear()
		return
	}

	if len(result.Commands) == 0 {
		s.alerts.Clear()
		return
	}
	slog.Debug("detection", "commands", result.Commands, "latency", result.Latency)
	s.alerts.Publish(result.Commands)
}

// removeFrame deletes a frame file. Failures are logged only.
func (s *Scheduler) removeFrame(path string) {
	if path == "" {
		return
	}
	if err := s.remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		services.FrameCleanupErrors.Inc()
		slog.Warn("could not remove frame", "path", path, "error", err)
	}
}
