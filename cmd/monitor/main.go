package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"adas-system/driver-monitor/internal/alert"
	"adas-system/driver-monitor/internal/auth"
	"adas-system/driver-monitor/internal/camera"
	"adas-system/driver-monitor/internal/capture"
	"adas-system/driver-monitor/internal/config"
	"adas-system/driver-monitor/internal/database"
	"adas-system/driver-monitor/internal/detection"
	"adas-system/driver-monitor/internal/handlers"
	"adas-system/driver-monitor/internal/live"
	"adas-system/driver-monitor/internal/models"
	"adas-system/driver-monitor/internal/permission"
	"adas-system/driver-monitor/internal/services"
	"adas-system/driver-monitor/internal/session"
	"adas-system/driver-monitor/internal/speech"
	"adas-system/driver-monitor/internal/storage"
)

func main() {
	configPath := flag.String("config", "monitor.toml", "path to a TOML or YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("monitor failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		configPath = ""
	}
	cfg, err := config.LoadMonitor(configPath)
	if err != nil {
		return fmt.Errorf("could not load config: %w", err)
	}
	config.SetupLogger(os.Stderr, cfg.Logging.Level, false)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("starting driver monitor",
		"owner", cfg.Device.OwnerID,
		"vision_url", cfg.Vision.URL,
		"camera", cfg.Camera.Driver,
		"storage", cfg.Storage.Backend,
		"listen", cfg.Server.Listen,
	)

	if err := os.MkdirAll(cfg.Device.DataDir, 0o755); err != nil {
		return fmt.Errorf("could not create data dir: %w", err)
	}
	db, err := database.Open(ctx, database.DriverSQLite, filepath.Join(cfg.Device.DataDir, "monitor.db"))
	if err != nil {
		return err
	}
	defer db.Close()

	cam, err := newCamera(cfg)
	if err != nil {
		return err
	}

	backend, closeBackend, err := newBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBackend()

	store := storage.NewStore(backend, database.NewTripRepo(db))
	if err := store.Load(ctx, cfg.Device.OwnerID); err != nil {
		slog.Warn("could not load trip list", "error", err)
	}

	hub := live.NewHub()
	board := alert.NewBoard()
	board.OnChange(hub.PublishAlert)

	httpClient := services.NewPooledHTTPClient(8, 30*time.Second)
	announcer := newAnnouncer(cfg, httpClient)
	board.OnChange(announcer.OnAlert)

	identity := auth.NewStaticSource(cfg.Device.Token, cfg.Device.OwnerID)
	vision := detection.NewClient(cfg.Vision.URL, detection.WithTimeout(cfg.VisionTimeout()))
	scheduler := capture.NewScheduler(cam, vision, board, identity,
		capture.WithInterval(cfg.CaptureInterval()),
	)

	prompter := permission.NewChannelPrompter(hub.Notify)
	gate := permission.NewGate(
		permission.DeviceProbe{Paths: map[models.PermissionScope][]string{
			models.ScopeCamera:     cfg.Camera.CameraDevices,
			models.ScopeMicrophone: cfg.Camera.MicrophoneDevices,
		}},
		database.NewConsentRepo(db),
		prompter,
	)

	sess := session.New(session.Deps{
		Camera:    cam,
		Scheduler: scheduler,
		Gate:      gate,
		Uploads:   store,
		Identity:  identity,
		Notifier:  hub,
	})

	states, unsubscribe := sess.Subscribe()
	defer unsubscribe()
	go func() {
		for st := range states {
			hub.PublishState(st)
		}
	}()
	hub.SetSnapshot(func() []live.Message {
		return []live.Message{
			{Type: live.TypeState, Payload: map[string]models.SessionState{"state": sess.State()}},
			{Type: live.TypeAlert, Payload: board.Latest()},
		}
	})

	api := handlers.NewMonitorAPI(handlers.MonitorDeps{
		Session:     sess,
		Permissions: gate,
		Prompts:     prompter,
		Trips:       store,
		Alerts:      board,
		OwnerID:     cfg.Device.OwnerID,
		Live:        hub,
		Notify:      hub.Notify,
	})
	hub.Handle("ANSWER_PERMISSION", api.HandleLiveAnswer)

	if configPath != "" {
		watcher := config.NewWatcher(configPath, cfg)
		watcher.OnChange(func(m *config.Monitor) {
			opts := speech.DefaultOptions()
			opts.Voice = m.Speech.Voice
			announcer.SetOptions(opts, m.Speech.Enabled)
			slog.Info("speech settings updated", "enabled", m.Speech.Enabled, "voice", m.Speech.Voice)
		})
		if err := watcher.Watch(ctx); err != nil {
			slog.Warn("config hot reload disabled", "error", err)
		} else {
			defer watcher.Close()
		}
	}

	server := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		slog.Info("device API listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-serverErr:
		slog.Error("device API failed", "error", err)
	}

	// Give an active trip time to finalize and upload.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("error shutting down device API", "error", err)
	}
	api.Close()
	if err := sess.Close(shutdownCtx); err != nil {
		slog.Warn("error releasing camera", "error", err)
	}
	scheduler.Stop()
	scheduler.Wait()
	announcer.Stop()
	hub.Close()

	slog.Info("goodbye")
	return nil
}

func newCamera(cfg *config.Monitor) (camera.Device, error) {
	dir := filepath.Join(cfg.Device.DataDir, "capture")
	switch cfg.Camera.Driver {
	case "exec":
		return camera.NewExec(camera.ExecConfig{
			Dir:           dir,
			ProbeCommand:  cfg.Camera.ProbeCommand,
			RecordCommand: cfg.Camera.RecordCommand,
			PhotoCommand:  cfg.Camera.PhotoCommand,
		})
	default:
		return camera.NewMock(dir)
	}
}

func newBackend(ctx context.Context, cfg *config.Monitor) (storage.Backend, func(), error) {
	switch cfg.Storage.Backend {
	case "gcs":
		b, err := storage.NewGCSBackend(ctx, cfg.Storage.Bucket, cfg.Storage.CredentialsFile)
		if err != nil {
			return nil, nil, err
		}
		return b, func() { b.Close() }, nil
	default:
		dir := cfg.Storage.Dir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(cfg.Device.DataDir, dir)
		}
		b, err := storage.NewDirBackend(dir, cfg.Storage.BaseURL)
		if err != nil {
			return nil, nil, err
		}
		return b, func() {}, nil
	}
}

func newAnnouncer(cfg *config.Monitor, client *http.Client) *speech.Announcer {
	var synth speech.Synthesizer
	switch cfg.Speech.Backend {
	case "openai":
		synth = speech.NewOpenAISynthesizer(cfg.Speech.URL, cfg.Speech.Model, cfg.Speech.Voice, client)
	default:
		synth = speech.NewPiperSynthesizer(cfg.Speech.URL, cfg.Speech.Voice, client)
	}

	var player speech.Player = speech.ExecPlayer{Command: cfg.Speech.PlayerCommand}
	if len(cfg.Speech.PlayerCommand) == 0 {
		player = discardPlayer{}
	}

	opts := speech.DefaultOptions()
	opts.Voice = cfg.Speech.Voice
	a := speech.NewAnnouncer(synth, player, opts)
	a.SetOptions(opts, cfg.Speech.Enabled)
	return a
}

// discardPlayer is used when speech is disabled and no player is configured.
type discardPlayer struct{}

func (discardPlayer) Play(context.Context, []byte, speech.Options) error { return nil }
