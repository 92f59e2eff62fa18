package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"adas-system/driver-monitor/internal/services"
)

// HealthReporter keeps the gRPC health status of the proxy in step with the
// reachability of the vision service.
type HealthReporter struct {
	server   *health.Server
	probe    ProbeFunc
	interval time.Duration
	up       atomic.Bool
}

func NewHealthReporter(probe ProbeFunc, interval time.Duration) *HealthReporter {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	srv := health.NewServer()
	srv.SetServingStatus(services.ProxyService, healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthReporter{server: srv, probe: probe, interval: interval}
}

func (h *HealthReporter) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.server)
}

// Up reports the last probe result.
func (h *HealthReporter) Up() bool {
	return h.up.Load()
}

// Run probes until ctx is done, then marks every service NOT_SERVING.
func (h *HealthReporter) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.check(ctx)
	for {
		select {
		case <-ctx.Done():
			h.server.Shutdown()
			return
		case <-ticker.C:
			h.check(ctx)
		}
	}
}

func (h *HealthReporter) check(ctx context.Context) {
	up := h.probe(ctx)
	if h.up.Swap(up) != up {
		slog.Info("vision service reachability changed", "up", up)
	}
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if up {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.server.SetServingStatus(services.ProxyService, status)
}

// HTTPProbe treats any HTTP answer from url as reachable; only transport
// failures count as down.
func HTTPProbe(client *http.Client, url string) ProbeFunc {
	return func(ctx context.Context) bool {
		ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	}
}
