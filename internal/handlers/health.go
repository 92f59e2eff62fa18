package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"adas-system/driver-monitor/internal/models"
	"adas-system/driver-monitor/internal/services"
)

// ProbeFunc reports whether the vision upstream is reachable.
type ProbeFunc func(ctx context.Context) bool

// Health answers GET /api/health with process counters and upstream status.
func Health(version string, probe ProbeFunc) http.HandlerFunc {
	m := services.GetMetrics()
	return func(w http.ResponseWriter, r *http.Request) {
		upstream := false
		if probe != nil {
			upstream = probe(r.Context())
		}
		status := "healthy"
		if !upstream {
			status = "degraded"
		}

		writeJSON(w, http.StatusOK, models.HealthStatus{
			Status:         status,
			VisionService:  upstream,
			TotalProcessed: m.GetTotalFrames(),
			TotalErrors:    m.GetTotalErrors(),
			AvgLatencyMs:   m.GetAvgLatency(),
			Uptime:         m.Uptime().Round(time.Second),
			Version:        version,
			Timestamp:      time.Now().Format(time.RFC3339),
		})
	}
}

// NewProxyRouter mounts the frame route, health and metrics.
func NewProxyRouter(frames *FrameHandler, health http.Handler, corsOrigins string) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /process_frame", frames.Handler())
	mux.Handle("GET /api/health", health)
	mux.Handle("GET /metrics", promhttp.Handler())
	return RequestLogger(CORS(corsOrigins, mux))
}
