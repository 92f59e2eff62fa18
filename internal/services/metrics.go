package services

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CaptureTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capture_ticks_total",
		Help: "Capture timer ticks by outcome (started, dropped, idle)",
	}, []string{"outcome"})

	CaptureInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "capture_rounds_in_flight",
		Help: "Detection rounds currently running (never above one)",
	})

	DetectionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "detection_duration_seconds",
		Help:    "Vision service round-trip latency by result category",
		Buckets: []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.8, 1.0, 2.0, 5.0},
	}, []string{"category"})

	FrameCleanupErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capture_frame_cleanup_errors_total",
		Help: "Frame files that could not be removed after a round",
	})

	SpeechUtterances = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speech_utterances_total",
		Help: "Utterances by outcome (spoken, interrupted, failed)",
	}, []string{"outcome"})

	Uploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trip_uploads_total",
		Help: "Recording uploads by result",
	}, []string{"result"})

	UploadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trip_upload_duration_seconds",
		Help:    "Recording upload latency",
		Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 300},
	})

	ProxyRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_frame_requests_total",
		Help: "POST /process_frame responses by status code and error code",
	}, []string{"status", "code"})

	SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "session_transitions_total",
		Help: "Recording session state transitions",
	}, []string{"from", "to"})
)

// Metrics keeps the in-process counters reported by the health endpoint.
type Metrics struct {
	totalFrames   atomic.Int64
	totalErrors   atomic.Int64
	totalLatency  atomic.Int64
	lastFrameTime atomic.Int64
	startedAt     time.Time
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

func NewMetrics() *Metrics {
	return &Metrics{startedAt: time.Now()}
}

func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = NewMetrics()
	})
	return metricsInstance
}

func (m *Metrics) IncrementFrames() {
	m.totalFrames.Add(1)
	m.lastFrameTime.Store(time.Now().Unix())
}

func (m *Metrics) IncrementErrors() {
	m.totalErrors.Add(1)
}

func (m *Metrics) RecordLatency(duration time.Duration) {
	m.totalLatency.Add(duration.Milliseconds())
}

func (m *Metrics) GetTotalFrames() int64 {
	return m.totalFrames.Load()
}

func (m *Metrics) GetTotalErrors() int64 {
	return m.totalErrors.Load()
}

func (m *Metrics) GetAvgLatency() float64 {
	frames := m.totalFrames.Load()
	if frames == 0 {
		return 0
	}
	return float64(m.totalLatency.Load()) / float64(frames)
}

func (m *Metrics) GetLastFrameTime() int64 {
	return m.lastFrameTime.Load()
}

func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startedAt)
}
