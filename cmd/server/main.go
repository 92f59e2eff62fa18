package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"adas-system/driver-monitor/internal/auth"
	"adas-system/driver-monitor/internal/config"
	"adas-system/driver-monitor/internal/database"
	"adas-system/driver-monitor/internal/detection"
	"adas-system/driver-monitor/internal/handlers"
	"adas-system/driver-monitor/internal/services"
)

const version = "1.0.0"

func main() {
	cfg := config.LoadConfig()

	httpPort := flag.String("http-port", cfg.HTTPPort, "HTTP port")
	grpcPort := flag.String("grpc-port", cfg.GRPCPort, "gRPC health port")
	visionURL := flag.String("vision-url", cfg.VisionURL, "vision service URL")
	flag.Parse()

	config.SetupLogger(os.Stdout, cfg.LogLevel, true)

	slog.Info("starting detection proxy",
		"version", version,
		"http_port", *httpPort,
		"grpc_port", *grpcPort,
		"vision_url", *visionURL,
		"environment", cfg.Environment,
		"database", cfg.DSNForLog(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, cfg.DBDriver, cfg.DatabaseDSN())
	if err != nil {
		slog.Error("could not open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	httpClient := services.NewPooledHTTPClient(32, cfg.VisionTimeout)
	vision := detection.NewClient(*visionURL,
		detection.WithHTTPClient(httpClient),
		detection.WithTimeout(cfg.VisionTimeout),
	)

	frames := handlers.NewFrameHandler(
		vision,
		auth.NewVerifier(database.NewTokenRepo(db)),
		database.NewEventRepo(db),
		services.NewWindowLimiter(cfg.RateLimitMax, cfg.RateLimitWindow),
		handlers.FrameConfig{
			UploadDir:    cfg.UploadDir,
			MaxBytes:     cfg.MaxFrameBytes,
			VisionToken:  cfg.VisionToken,
			AudioEnabled: cfg.AudioEnabled,
		},
	)

	reporter := handlers.NewHealthReporter(handlers.HTTPProbe(httpClient, *visionURL), 15*time.Second)
	go reporter.Run(ctx)

	grpcServer := grpc.NewServer()
	reporter.Register(grpcServer)

	grpcErr := make(chan error, 1)
	go func() {
		grpcErr <- startGRPCServer(grpcServer, *grpcPort)
	}()

	httpServer := &http.Server{
		Addr: ":" + strings.TrimPrefix(*httpPort, ":"),
		Handler: handlers.NewProxyRouter(frames,
			handlers.Health(version, func(context.Context) bool { return reporter.Up() }),
			cfg.CORSOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	httpErr := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-grpcErr:
		slog.Error("gRPC server failed", "error", err)
	case err := <-httpErr:
		slog.Error("HTTP server failed", "error", err)
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
		slog.Info("gRPC server stopped")
	case <-shutdownCtx.Done():
		slog.Warn("forcing gRPC shutdown")
		grpcServer.Stop()
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("error shutting down HTTP server", "error", err)
	} else {
		slog.Info("HTTP server gracefully stopped")
	}
	slog.Info("goodbye")
}

func startGRPCServer(s *grpc.Server, port string) error {
	lis, err := net.Listen("tcp", ":"+strings.TrimPrefix(port, ":"))
	if err != nil {
		return err
	}
	slog.Info("gRPC health server listening", "addr", lis.Addr().String())
	return s.Serve(lis)
}
