package camera

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"adas-system/driver-monitor/internal/models"
)

// Mock simulates the camera for local development and tests. It writes
// small dummy files in place of real media.
type Mock struct {
	dir string

	// Injected failures.
	InitErr  error
	StartErr error
	PhotoErr error

	mu          sync.Mutex
	initialized bool
	recording   bool
	handlers    RecordingHandlers
	current     models.Video
	startCalls  int
}

func NewMock(dir string) (*Mock, error) {
	if err := os.MkdirAll(filepath.Join(dir, "frames"), 0o755); err != nil {
		return nil, err
	}
	return &Mock{dir: dir}, nil
}

func (m *Mock) Initialize(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.InitErr != nil {
		return m.InitErr
	}
	m.initialized = true
	slog.Info("[MOCK] camera initialized", "dir", m.dir)
	return nil
}

func (m *Mock) StartRecording(_ context.Context, h RecordingHandlers) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.startCalls++
	switch {
	case !m.initialized:
		return ErrNotInitialized
	case m.recording:
		return ErrBusy
	case m.StartErr != nil:
		return m.StartErr
	}

	id := uuid.NewString()
	m.recording = true
	m.handlers = h
	m.current = models.Video{
		ID:        id,
		Path:      filepath.Join(m.dir, id+".mp4"),
		StartedAt: time.Now(),
	}
	slog.Info("[MOCK] recording started", "id", id)
	return nil
}

func (m *Mock) StopRecording(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.recording {
		return ErrNotRecording
	}
	m.recording = false

	video := m.current
	video.FinishedAt = time.Now()
	video.Duration = video.FinishedAt.Sub(video.StartedAt)
	h := m.handlers

	if err := os.WriteFile(video.Path, []byte("mock-mp4"), 0o644); err != nil {
		go h.OnError(fmt.Errorf("could not write recording: %w", err))
		return nil
	}

	slog.Info("[MOCK] recording stopped", "file", video.Path)
	go h.OnFinished(video)
	return nil
}

// Fail simulates a hardware fault during recording.
func (m *Mock) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.recording {
		return
	}
	m.recording = false
	h := m.handlers
	slog.Warn("[MOCK] recording failed", "error", err)
	go h.OnError(err)
}

func (m *Mock) TakePhoto(context.Context) (models.Frame, error) {
	m.mu.Lock()
	photoErr := m.PhotoErr
	m.mu.Unlock()
	if photoErr != nil {
		return models.Frame{}, photoErr
	}

	p := filepath.Join(m.dir, "frames", uuid.NewString()+".jpg")
	// SOI, APP0 marker, EOI
	if err := os.WriteFile(p, []byte{0xff, 0xd8, 0xff, 0xe0, 0xff, 0xd9}, 0o644); err != nil {
		return models.Frame{}, err
	}
	return models.Frame{Path: p, CapturedAt: time.Now()}, nil
}

// Recording reports whether a recording is running.
func (m *Mock) Recording() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recording
}

// StartCalls counts StartRecording invocations, successful or not.
func (m *Mock) StartCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startCalls
}

func (m *Mock) Close() error {
	slog.Info("[MOCK] camera closed")
	return nil
}
