package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the detection proxy's configuration, read from the environment.
type Config struct {
	GRPCPort    string
	HTTPPort    string
	CORSOrigins string

	VisionURL     string
	VisionToken   string
	VisionTimeout time.Duration

	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxFrameBytes   int64
	UploadDir       string
	AudioEnabled    bool

	LogLevel    string
	Environment string

	DBDriver   string
	DBPath     string
	DBName     string
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBSSLMode  string
}

func (p *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		p.DBHost, p.DBPort, p.DBUser, p.DBPassword, p.DBName, p.DBSSLMode)
}

// DSNForLog hides the password.
func (p *Config) DSNForLog() string {
	if p.DBDriver != "pgx" {
		return p.DBPath
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=*** dbname=%s sslmode=%s",
		p.DBHost, p.DBPort, p.DBUser, p.DBName, p.DBSSLMode)
}

// DatabaseDSN is the connection string for the configured driver.
func (p *Config) DatabaseDSN() string {
	if p.DBDriver == "pgx" {
		return p.DSN()
	}
	return p.DBPath
}

func (c *Config) IsDev() bool {
	return c.Environment == "dev"
}

func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using system environment variables")
	}

	cfg := &Config{
		GRPCPort:        getEnv("GRPC_PORT", "50051"),
		HTTPPort:        getEnv("HTTP_PORT", "5500"),
		CORSOrigins:     getEnv("CORS_ORIGINS", "*"),
		VisionURL:       getEnv("VPS_URL", "http://localhost:5050"),
		VisionToken:     getEnv("VPS_TOKEN", ""),
		VisionTimeout:   time.Duration(getEnvInt("VPS_TIMEOUT_MS", 5000)) * time.Millisecond,
		RateLimitMax:    getEnvInt("RATE_LIMIT_MAX", 100),
		RateLimitWindow: time.Duration(getEnvInt("RATE_LIMIT_WINDOW_MIN", 15)) * time.Minute,
		MaxFrameBytes:   int64(getEnvInt("MAX_FRAME_MB", 5)) << 20,
		UploadDir:       getEnv("UPLOAD_DIR", "uploads"),
		AudioEnabled:    getEnvBool("ENABLE_AUDIO", true),
		LogLevel:        getEnv("LOG_LEVEL", "INFO"),
		Environment:     getEnv("ENVIRONMENT", "production"),
		DBDriver:        getEnv("DB_DRIVER", "sqlite3"),
		DBPath:          getEnv("DB_PATH", "proxy.db"),
		DBHost:          getEnv("DB_HOST", "localhost"),
		DBPort:          getEnv("DB_PORT", "5432"),
		DBUser:          getEnv("DB_USER", "postgres"),
		DBPassword:      getEnv("DB_PASSWORD", ""),
		DBName:          getEnv("DB_NAME", "driver_monitor"),
		DBSSLMode:       getEnv("DB_SSLMODE", "disable"),
	}

	if cfg.DBDriver == "pgx" && cfg.DBPassword == "" {
		slog.Warn("DB_PASSWORD is not set")
	}
	if cfg.VisionToken == "" {
		slog.Info("VPS_TOKEN not set, forwarding device tokens to the vision service")
	}

	return cfg
}

func getEnv(key string, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if intVal, err := strconv.Atoi(v); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return defaultVal
}
