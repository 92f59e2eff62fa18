package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Monitor is the device daemon's configuration file.
type Monitor struct {
	Device  DeviceConfig  `toml:"device" yaml:"device"`
	Vision  VisionConfig  `toml:"vision" yaml:"vision"`
	Capture CaptureConfig `toml:"capture" yaml:"capture"`
	Camera  CameraConfig  `toml:"camera" yaml:"camera"`
	Speech  SpeechConfig  `toml:"speech" yaml:"speech"`
	Storage StorageConfig `toml:"storage" yaml:"storage"`
	Server  ServerConfig  `toml:"server" yaml:"server"`
	Logging LoggingConfig `toml:"logging" yaml:"logging"`
}

type DeviceConfig struct {
	OwnerID string `toml:"owner_id" yaml:"owner_id"`
	Token   string `toml:"token" yaml:"token"`
	DataDir string `toml:"data_dir" yaml:"data_dir"`
}

type VisionConfig struct {
	URL       string `toml:"url" yaml:"url"`
	TimeoutMs int    `toml:"timeout_ms" yaml:"timeout_ms"`
}

type CaptureConfig struct {
	IntervalMs int `toml:"interval_ms" yaml:"interval_ms"`
}

type CameraConfig struct {
	Driver            string   `toml:"driver" yaml:"driver"`
	ProbeCommand      []string `toml:"probe_command" yaml:"probe_command"`
	RecordCommand     []string `toml:"record_command" yaml:"record_command"`
	PhotoCommand      []string `toml:"photo_command" yaml:"photo_command"`
	CameraDevices     []string `toml:"camera_devices" yaml:"camera_devices"`
	MicrophoneDevices []string `toml:"microphone_devices" yaml:"microphone_devices"`
}

type SpeechConfig struct {
	Enabled       bool     `toml:"enabled" yaml:"enabled"`
	Backend       string   `toml:"backend" yaml:"backend"`
	URL           string   `toml:"url" yaml:"url"`
	Model         string   `toml:"model" yaml:"model"`
	Voice         string   `toml:"voice" yaml:"voice"`
	PlayerCommand []string `toml:"player_command" yaml:"player_command"`
}

type StorageConfig struct {
	Backend         string `toml:"backend" yaml:"backend"`
	Bucket          string `toml:"bucket" yaml:"bucket"`
	CredentialsFile string `toml:"credentials_file" yaml:"credentials_file"`
	Dir             string `toml:"dir" yaml:"dir"`
	BaseURL         string `toml:"base_url" yaml:"base_url"`
}

type ServerConfig struct {
	Listen string `toml:"listen" yaml:"listen"`
}

type LoggingConfig struct {
	Level string `toml:"level" yaml:"level"`
}

func DefaultMonitor() *Monitor {
	return &Monitor{
		Device:  DeviceConfig{DataDir: "data"},
		Vision:  VisionConfig{URL: "http://localhost:5050", TimeoutMs: 5000},
		Capture: CaptureConfig{IntervalMs: 2000},
		Camera:  CameraConfig{Driver: "mock"},
		Speech: SpeechConfig{
			Enabled:       true,
			Backend:       "piper",
			URL:           "http://localhost:5000",
			PlayerCommand: []string{"paplay", "--property=media.role={stream}"},
		},
		Storage: StorageConfig{Backend: "dir", Dir: "trips"},
		Server:  ServerConfig{Listen: "127.0.0.1:8090"},
		Logging: LoggingConfig{Level: "INFO"},
	}
}

func (m *Monitor) CaptureInterval() time.Duration {
	return time.Duration(m.Capture.IntervalMs) * time.Millisecond
}

func (m *Monitor) VisionTimeout() time.Duration {
	return time.Duration(m.Vision.TimeoutMs) * time.Millisecond
}

// LoadMonitor reads a TOML or YAML file, chosen by extension, on top of the
// defaults, then applies environment overrides and validates the result.
// An empty path uses defaults and the environment only.
func LoadMonitor(path string) (*Monitor, error) {
	_ = godotenv.Load()

	cfg := DefaultMonitor()
	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Monitor) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("decode TOML: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode YAML: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config format %q", ext)
	}
	return nil
}

// ApplyEnvOverrides lets secrets and deployment specifics come from the environment.
func (m *Monitor) ApplyEnvOverrides() {
	if v := os.Getenv("MONITOR_OWNER_ID"); v != "" {
		m.Device.OwnerID = v
	}
	if v := os.Getenv("MONITOR_TOKEN"); v != "" {
		m.Device.Token = v
	}
	if v := os.Getenv("MONITOR_DATA_DIR"); v != "" {
		m.Device.DataDir = v
	}
	if v := os.Getenv("VPS_URL"); v != "" {
		m.Vision.URL = v
	}
	if v := os.Getenv("STORAGE_BUCKET"); v != "" {
		m.Storage.Bucket = v
	}
	if v := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); v != "" && m.Storage.CredentialsFile == "" {
		m.Storage.CredentialsFile = v
	}
	if v := os.Getenv("MONITOR_LISTEN"); v != "" {
		m.Server.Listen = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		m.Logging.Level = v
	}
}

func (m *Monitor) Validate() error {
	var errs []error

	if m.Device.OwnerID == "" || strings.ContainsAny(m.Device.OwnerID, "/\\") {
		errs = append(errs, fmt.Errorf("device.owner_id must be set and contain no slashes"))
	}
	if m.Device.Token == "" {
		errs = append(errs, errors.New("device.token is required"))
	}
	if u, err := url.Parse(m.Vision.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("vision.url %q is not an http(s) URL", m.Vision.URL))
	}
	if m.Capture.IntervalMs < 100 {
		errs = append(errs, fmt.Errorf("capture.interval_ms must be at least 100, got %d", m.Capture.IntervalMs))
	}

	switch m.Camera.Driver {
	case "mock":
	case "exec":
		if len(m.Camera.RecordCommand) == 0 || len(m.Camera.PhotoCommand) == 0 {
			errs = append(errs, errors.New("camera.record_command and camera.photo_command are required for the exec driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown camera.driver %q", m.Camera.Driver))
	}

	if m.Speech.Enabled {
		switch m.Speech.Backend {
		case "piper", "openai":
		default:
			errs = append(errs, fmt.Errorf("unknown speech.backend %q", m.Speech.Backend))
		}
		if len(m.Speech.PlayerCommand) == 0 {
			errs = append(errs, errors.New("speech.player_command is required when speech is enabled"))
		}
	}

	switch m.Storage.Backend {
	case "dir":
		if m.Storage.Dir == "" {
			errs = append(errs, errors.New("storage.dir is required for the dir backend"))
		}
	case "gcs":
		if m.Storage.Bucket == "" {
			errs = append(errs, errors.New("storage.bucket is required for the gcs backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.backend %q", m.Storage.Backend))
	}

	return errors.Join(errs...)
}
