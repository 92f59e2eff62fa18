package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"adas-system/driver-monitor/internal/models"
)

const stopGrace = 10 * time.Second

// ExecConfig describes the external capture commands. Arguments may contain an
// {output} placeholder that is replaced by the target file path.
type ExecConfig struct {
	Dir           string
	ProbeCommand  []string
	RecordCommand []string
	PhotoCommand  []string
}

// Exec drives the camera through external tools such as ffmpeg. The record
// command must finalize its output on SIGINT.
type Exec struct {
	cfg ExecConfig

	mu          sync.Mutex
	initialized bool
	cmd         *exec.Cmd
	stopping    bool
	done        chan struct{}
}

func NewExec(cfg ExecConfig) (*Exec, error) {
	if len(cfg.RecordCommand) == 0 || len(cfg.PhotoCommand) == 0 {
		return nil, errors.New("record and photo commands are required")
	}
	if err := os.MkdirAll(filepath.Join(cfg.Dir, "frames"), 0o755); err != nil {
		return nil, fmt.Errorf("could not create capture dir: %w", err)
	}
	return &Exec{cfg: cfg}, nil
}

func (e *Exec) Initialize(ctx context.Context) error {
	if len(e.cfg.ProbeCommand) > 0 {
		if out, err := command(ctx, e.cfg.ProbeCommand, "").CombinedOutput(); err != nil {
			return fmt.Errorf("camera probe failed: %w: %s", err, strings.TrimSpace(string(out)))
		}
	}
	e.mu.Lock()
	e.initialized = true
	e.mu.Unlock()
	slog.Info("camera initialized", "dir", e.cfg.Dir)
	return nil
}

func (e *Exec) StartRecording(_ context.Context, h RecordingHandlers) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		return ErrNotInitialized
	}
	if e.cmd != nil {
		return ErrBusy
	}

	id := uuid.NewString()
	video := models.Video{
		ID:        id,
		Path:      filepath.Join(e.cfg.Dir, id+".mp4"),
		StartedAt: time.Now(),
	}

	// Not bound to the caller's context: the recorder outlives the request that started it.
	cmd := command(context.Background(), e.cfg.RecordCommand, video.Path)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("could not start recorder: %w", err)
	}

	e.cmd = cmd
	e.stopping = false
	e.done = make(chan struct{})
	go e.wait(cmd, video, h, &stderr, e.done)

	slog.Info("recording started", "id", id, "pid", cmd.Process.Pid)
	return nil
}

func (e *Exec) wait(cmd *exec.Cmd, video models.Video, h RecordingHandlers, stderr *bytes.Buffer, done chan struct{}) {
	err := cmd.Wait()

	e.mu.Lock()
	stopping := e.stopping
	e.cmd = nil
	e.mu.Unlock()
	close(done)

	if !stopping {
		// No OnFinished follows, so nobody else will delete the partial file.
		if rmErr := os.Remove(video.Path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			slog.Warn("could not remove partial recording", "file", video.Path, "error", rmErr)
		}
		h.OnError(fmt.Errorf("recorder exited unexpectedly: %v: %s", err, lastLine(stderr.String())))
		return
	}
	if _, statErr := os.Stat(video.Path); statErr != nil {
		h.OnError(fmt.Errorf("recorder produced no file: %w", statErr))
		return
	}

	video.FinishedAt = time.Now()
	video.Duration = video.FinishedAt.Sub(video.StartedAt)
	slog.Info("recording finalized", "file", video.Path, "duration", video.Duration)
	h.OnFinished(video)
}

func (e *Exec) StopRecording(context.Context) error {
	e.mu.Lock()
	if e.cmd == nil {
		e.mu.Unlock()
		return ErrNotRecording
	}
	e.stopping = true
	proc := e.cmd.Process
	done := e.done
	e.mu.Unlock()

	if err := proc.Signal(os.Interrupt); err != nil {
		return fmt.Errorf("could not signal recorder: %w", err)
	}

	go func() {
		select {
		case <-done:
		case <-time.After(stopGrace):
			slog.Warn("recorder did not exit after interrupt, killing", "pid", proc.Pid)
			_ = proc.Kill()
		}
	}()
	return nil
}

func (e *Exec) TakePhoto(ctx context.Context) (models.Frame, error) {
	p := filepath.Join(e.cfg.Dir, "frames", uuid.NewString()+".jpg")
	if out, err := command(ctx, e.cfg.PhotoCommand, p).CombinedOutput(); err != nil {
		_ = os.Remove(p)
		return models.Frame{}, fmt.Errorf("snapshot failed: %w: %s", err, lastLine(string(out)))
	}
	return models.Frame{Path: p, CapturedAt: time.Now()}, nil
}

func (e *Exec) Close() error {
	e.mu.Lock()
	cmd := e.cmd
	e.stopping = true
	e.mu.Unlock()
	if cmd != nil {
		return cmd.Process.Kill()
	}
	return nil
}

func command(ctx context.Context, argv []string, output string) *exec.Cmd {
	args := make([]string, 0, len(argv)-1)
	for _, a := range argv[1:] {
		args = append(args, strings.ReplaceAll(a, "{output}", output))
	}
	return exec.CommandContext(ctx, argv[0], args...)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
