// Package session owns the recording lifecycle of the device:
// Idle → Armed → Recording → Finalizing → Idle.
package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"adas-system/driver-monitor/internal/camera"
	"adas-system/driver-monitor/internal/models"
	"adas-system/driver-monitor/internal/services"
)

var (
	ErrPermission = errors.New("camera and microphone permission not granted")
	ErrHardware   = errors.New("camera hardware error")
	ErrState      = errors.New("invalid session state")
)

const defaultUploadTimeout = 10 * time.Minute

type Scheduler interface {
	Start(ctx context.Context) error
	Stop()
}

type PermissionChecker interface {
	Check(ctx context.Context) (models.PermissionState, error)
}

type Uploader interface {
	Upload(ctx context.Context, localPath, ownerID string, ts time.Time) (models.TripAsset, error)
}

type Identity interface {
	OwnerID() string
}

// Notifier delivers one-shot messages to the presentation layer. Notify is
// called with the session lock held and must not block.
type Notifier interface {
	Notify(n models.Notification)
}

type NotifierFunc func(models.Notification)

func (f NotifierFunc) Notify(n models.Notification) { f(n) }

// recording tracks one StartRecording call until its callback has been handled.
type recording struct {
	abandoned bool
	closed    bool
	once      sync.Once
}

type Session struct {
	camera    camera.Device
	scheduler Scheduler
	gate      PermissionChecker
	uploads   Uploader
	identity  Identity
	notifier  Notifier

	uploadTimeout time.Duration
	remove        func(string) error
	now           func() time.Time

	mu      sync.Mutex
	state   models.SessionState
	current *recording
	subs    map[int]chan models.SessionState
	nextSub int

	finishing sync.WaitGroup
}

type Deps struct {
	Camera    camera.Device
	Scheduler Scheduler
	Gate      PermissionChecker
	Uploads   Uploader
	Identity  Identity
	Notifier  Notifier
}

func New(d Deps) *Session {
	return &Session{
		camera:        d.Camera,
		scheduler:     d.Scheduler,
		gate:          d.Gate,
		uploads:       d.Uploads,
		identity:      d.Identity,
		notifier:      d.Notifier,
		uploadTimeout: defaultUploadTimeout,
		remove:        os.Remove,
		now:           time.Now,
		state:         models.StateIdle,
		subs:          make(map[int]chan models.SessionState),
	}
}

func (s *Session) State() models.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe returns a channel carrying the newest state. Slow readers see only
// the latest transition.
func (s *Session) Subscribe() (<-chan models.SessionState, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan models.SessionState, 1)
	s.subs[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

// Arm initializes the camera once permissions are granted.
func (s *Session) Arm(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case models.StateArmed:
		return nil
	case models.StateIdle:
	default:
		return fmt.Errorf("%w: cannot arm while %s", ErrState, s.state)
	}

	if err := s.requirePermission(ctx); err != nil {
		return err
	}
	if err := s.camera.Initialize(ctx); err != nil {
		s.notify(models.NotifyHardwareError, "Camera unavailable", err.Error(), "")
		return fmt.Errorf("%w: %w", ErrHardware, err)
	}

	s.setState(models.StateArmed)
	return nil
}

// Start begins the continuous recording and the capture scheduler together.
// If either fails, neither is left running.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != models.StateArmed {
		return fmt.Errorf("%w: cannot start while %s", ErrState, s.state)
	}
	if err := s.requirePermission(ctx); err != nil {
		s.setState(models.StateIdle)
		return err
	}

	rec := &recording{}
	s.finishing.Add(1)
	err := s.camera.StartRecording(ctx, camera.RecordingHandlers{
		OnFinished: func(v models.Video) { s.onFinished(rec, v) },
		OnError:    func(err error) { s.onError(rec, err) },
	})
	if err != nil {
		s.finishing.Done()
		s.notify(models.NotifyHardwareError, "Recording failed", err.Error(), "")
		return fmt.Errorf("%w: %w", ErrHardware, err)
	}

	// The scheduler lives as long as the recording, not the request that started it.
	if err := s.scheduler.Start(context.WithoutCancel(ctx)); err != nil {
		rec.abandoned = true
		if stopErr := s.camera.StopRecording(ctx); stopErr != nil {
			slog.Error("could not roll back recording", "error", stopErr)
			s.complete(rec)
		}
		return fmt.Errorf("could not start capture: %w", err)
	}

	s.current = rec
	s.setState(models.StateRecording)
	s.notify(models.NotifyRecordingStarted, "Recording started", "Driver monitoring is active", "")
	return nil
}

// Stop ends the recording. The upload happens when the camera reports the
// finalized file.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != models.StateRecording {
		return fmt.Errorf("%w: cannot stop while %s", ErrState, s.state)
	}

	s.setState(models.StateFinalizing)
	s.scheduler.Stop()

	if err := s.camera.StopRecording(ctx); err != nil {
		// No callback will follow a failed stop.
		rec := s.current
		rec.closed = true
		s.notify(models.NotifyHardwareError, "Recording failed", err.Error(), "")
		s.setState(models.StateIdle)
		s.complete(rec)
		return fmt.Errorf("%w: %w", ErrHardware, err)
	}

	s.notify(models.NotifyRecordingStopped, "Recording stopped", "Saving trip", "")
	return nil
}

// Wait blocks until every started recording has been finalized.
func (s *Session) Wait() {
	s.finishing.Wait()
}

// Close stops an active recording, waits for its upload and releases the camera.
func (s *Session) Close(ctx context.Context) error {
	if s.State() == models.StateRecording {
		if err := s.Stop(ctx); err != nil {
			slog.Warn("stop on close failed", "error", err)
		}
	}
	s.Wait()
	return s.camera.Close()
}

func (s *Session) onFinished(rec *recording, v models.Video) {
	defer s.complete(rec)

	s.mu.Lock()
	if rec.abandoned || rec.closed {
		s.mu.Unlock()
		s.removeRecording(v.Path)
		return
	}
	if s.state == models.StateRecording {
		// The recorder stopped on its own.
		s.scheduler.Stop()
		s.setState(models.StateFinalizing)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.uploadTimeout)
	asset, err := s.uploads.Upload(ctx, v.Path, s.identity.OwnerID(), s.now())
	cancel()

	s.removeRecording(v.Path)

	s.mu.Lock()
	defer s.mu.Unlock()
	rec.closed = true
	if err != nil {
		slog.Error("trip upload failed", "recording", v.ID, "error", err)
		s.notify(models.NotifyUploadError, "Upload failed", "The trip could not be saved to the cloud", "")
	} else {
		s.notify(models.NotifyRecordingSaved, "Trip saved", asset.Name, "")
	}
	s.setState(models.StateIdle)
}

func (s *Session) onError(rec *recording, err error) {
	defer s.complete(rec)

	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.abandoned || rec.closed {
		slog.Warn("camera error after recording ended", "error", err)
		return
	}
	rec.closed = true

	if s.state == models.StateRecording {
		s.setState(models.StateFinalizing)
		s.scheduler.Stop()
	}
	slog.Error("recording failed", "error", err)
	s.notify(models.NotifyHardwareError, "Recording failed", err.Error(), "")
	s.setState(models.StateIdle)
}

func (s *Session) complete(rec *recording) {
	rec.once.Do(s.finishing.Done)
}

// requirePermission must be called with mu held.
func (s *Session) requirePermission(ctx context.Context) error {
	st, err := s.gate.Check(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPermission, err)
	}
	switch st {
	case models.PermissionGranted:
		return nil
	case models.PermissionBlocked:
		s.notify(models.NotifyPermissionBlocked, "Permission blocked",
			"Enable camera and microphone access in system settings", "open_settings")
	default:
		s.notify(models.NotifyPermissionNeeded, "Permission required",
			"Camera and microphone access is needed to record", "request_permission")
	}
	return fmt.Errorf("%w: %s", ErrPermission, st)
}

func (s *Session) removeRecording(path string) {
	if err := s.remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("could not remove local recording", "path", path, "error", err)
	}
}

// setState must be called with mu held.
func (s *Session) setState(to models.SessionState) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	services.SessionTransitions.WithLabelValues(string(from), string(to)).Inc()
	slog.Info("session state", "from", from, "to", to)

	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- to
	}
}

func (s *Session) notify(kind models.NotificationKind, title, msg, action string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(models.Notification{
		Kind:    kind,
		Title:   title,
		Message: msg,
		Action:  action,
		At:      s.now(),
	})
}
