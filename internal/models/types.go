package models

import "time"

// Error codes returned by the frame proxy.
const (
	CodeNoFile        = "NO_FILE"
	CodeInvalidFile   = "INVALID_FILE"
	CodeUploadFailed  = "UPLOAD_FAILED"
	CodeUnauthorized  = "UNAUTHORIZED"
	CodeInvalidToken  = "INVALID_TOKEN"
	CodeRateLimited   = "RATE_LIMIT_EXCEEDED"
	CodeVPSFailed     = "VPS_FAILED"
	CodeAudioFailed   = "AUDIO_FAILED"
	CodeServerError   = "SERVER_ERROR"
	CodeMethodInvalid = "METHOD_NOT_ALLOWED"
)

type FrameData struct {
	Commands []string `json:"commands"`
	AudioURL *string  `json:"audioUrl"`
}

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// FrameResponse is the envelope of POST /process_frame.
type FrameResponse struct {
	Data  *FrameData `json:"data,omitempty"`
	Error *APIError  `json:"error,omitempty"`
}

// VisionRequest is the body sent to the vision service.
type VisionRequest struct {
	Image string `json:"image"`
}

type HealthStatus struct {
	Status         string        `json:"status"`
	VisionService  bool          `json:"vision_service"`
	TotalProcessed int64         `json:"total_processed"`
	TotalErrors    int64         `json:"total_errors"`
	AvgLatencyMs   float64       `json:"avg_latency_ms"`
	Uptime         time.Duration `json:"uptime"`
	Version        string        `json:"version,omitempty"`
	Timestamp      string        `json:"timestamp"`
}
