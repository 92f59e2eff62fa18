package models

import "time"

// Frame is one still image sampled from the live camera feed.
// The file at Path belongs to whoever captured it until it is deleted.
type Frame struct {
	Path       string    `json:"path"`
	CapturedAt time.Time `json:"captured_at"`
}

// DetectionResult is the ordered command list produced for one frame.
type DetectionResult struct {
	Commands  []string      `json:"commands"`
	Latency   time.Duration `json:"-"`
	Timestamp time.Time     `json:"timestamp"`
}

// Alert is the latest alert state shown to the driver.
type Alert struct {
	Commands  []string  `json:"commands"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Active reports whether the alert carries any command.
func (a Alert) Active() bool {
	return len(a.Commands) > 0
}

type SessionState string

const (
	StateIdle       SessionState = "idle"
	StateArmed      SessionState = "armed"
	StateRecording  SessionState = "recording"
	StateFinalizing SessionState = "finalizing"
)

type PermissionState string

const (
	PermissionUnknown PermissionState = "unknown"
	PermissionGranted PermissionState = "granted"
	PermissionDenied  PermissionState = "denied"
	PermissionBlocked PermissionState = "blocked"
)

type PermissionScope string

const (
	ScopeCamera     PermissionScope = "camera"
	ScopeMicrophone PermissionScope = "microphone"
)

// Video is a finalized continuous recording still on local storage.
type Video struct {
	ID         string        `json:"id"`
	Path       string        `json:"path"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
}

// TripAsset references an uploaded recording in durable storage.
type TripAsset struct {
	ID          int64     `json:"id,omitempty"`
	OwnerID     string    `json:"owner_id"`
	Name        string    `json:"name"`
	Key         string    `json:"key"`
	DownloadURL string    `json:"download_url"`
	SizeBytes   int64     `json:"size_bytes"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// DetectionEvent is one frame processed by the proxy.
type DetectionEvent struct {
	ID        int64     `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Commands  []string  `json:"commands"`
	Status    string    `json:"status"`
	LatencyMs int64     `json:"latency_ms"`
	CreatedAt time.Time `json:"created_at"`
}

// DeviceToken is a stored bearer credential. The secret itself is never kept.
type DeviceToken struct {
	ID         string     `json:"id"`
	OwnerID    string     `json:"owner_id"`
	SecretHash string     `json:"-"`
	CreatedAt  time.Time  `json:"created_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

type NotificationKind string

const (
	NotifyRecordingStarted  NotificationKind = "recording_started"
	NotifyRecordingStopped  NotificationKind = "recording_stopped"
	NotifyRecordingSaved    NotificationKind = "recording_saved"
	NotifyPermissionNeeded  NotificationKind = "permission_needed"
	NotifyPermissionBlocked NotificationKind = "permission_blocked"
	NotifyHardwareError     NotificationKind = "hardware_error"
	NotifyUploadError       NotificationKind = "upload_error"
)

// Notification is a one-shot message for the presentation layer.
// Action is set when the user has something to do, e.g. "open_settings".
type Notification struct {
	Kind    NotificationKind `json:"kind"`
	Title   string           `json:"title"`
	Message string           `json:"message"`
	Action  string           `json:"action,omitempty"`
	At      time.Time        `json:"at"`
}
