// Package camera is the boundary to the camera hardware: continuous
// recording plus still capture from the same live feed.
package camera

import (
	"context"
	"errors"

	"adas-system/driver-monitor/internal/models"
)

var (
	ErrNotInitialized = errors.New("camera not initialized")
	ErrBusy           = errors.New("camera already recording")
	ErrNotRecording   = errors.New("camera not recording")
)

// RecordingHandlers receive the outcome of one recording. Exactly one of them
// fires per successful StartRecording, always from another goroutine.
type RecordingHandlers struct {
	OnFinished func(models.Video)
	OnError    func(error)
}

type Device interface {
	Initialize(ctx context.Context) error
	StartRecording(ctx context.Context, h RecordingHandlers) error
	// StopRecording asks the recorder to finalize; the result arrives via the handlers.
	StopRecording(ctx context.Context) error
	TakePhoto(ctx context.Context) (models.Frame, error)
	Close() error
}
