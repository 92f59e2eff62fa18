package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// ProxyService is the gRPC health service name the proxy registers.
const ProxyService = "adas.FrameProxy"

// HealthClient talks to the proxy's gRPC health service.
type HealthClient struct {
	conn   *grpc.ClientConn
	client healthpb.HealthClient
	url    string
}

func NewHealthClient(url string) (*HealthClient, error) {
	slog.Info("connecting to proxy gRPC health", "url", url)

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             3 * time.Second,
			PermitWithoutStream: true,
		}),
	}

	conn, err := grpc.NewClient(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("could not connect to proxy gRPC server at %s: %w", url, err)
	}

	return &HealthClient{
		conn:   conn,
		client: healthpb.NewHealthClient(conn),
		url:    url,
	}, nil
}

// Check reports whether the proxy's vision upstream is serving.
func (hc *HealthClient) Check(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	resp, err := hc.client.Check(ctx, &healthpb.HealthCheckRequest{Service: ProxyService})
	if err != nil {
		return false, fmt.Errorf("could not check proxy health: %w", err)
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

func (hc *HealthClient) Close() error {
	if hc.conn != nil {
		return hc.conn.Close()
	}
	return nil
}
