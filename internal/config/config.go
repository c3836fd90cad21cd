package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

// Transport strategy selection values for the TRANSPORT variable.
const (
	TransportAuto      = "auto"
	TransportWebSocket = "websocket"
	TransportPolling   = "polling"
)

type Config struct {
	ProcessorURL   string `env:"PROCESSOR_URL"`
	CalibrationURL string `env:"CALIBRATION_URL"`

	Transport      string        `env:"TRANSPORT" default:"auto"`
	ConnectTimeout time.Duration `env:"CONNECT_TIMEOUT" default:"10s"`
	StartTimeout   time.Duration `env:"START_TIMEOUT" default:"15s"`

	CaptureRateHz float64 `env:"CAPTURE_RATE_HZ" default:"2"`
	JPEGQuality   int     `env:"JPEG_QUALITY" default:"75"`

	StatusAddr string `env:"STATUS_ADDR"` // empty disables the status server

	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.ProcessorURL == "" {
		return fmt.Errorf("PROCESSOR_URL is required")
	}

	switch cfg.Transport {
	case TransportAuto, TransportWebSocket, TransportPolling:
	default:
		return fmt.Errorf("TRANSPORT must be one of auto, websocket, polling, got %q", cfg.Transport)
	}

	if cfg.CaptureRateHz <= 0 || cfg.CaptureRateHz > 30 {
		return fmt.Errorf("CAPTURE_RATE_HZ must be between 0 and 30, got %g", cfg.CaptureRateHz)
	}

	if cfg.JPEGQuality < 1 || cfg.JPEGQuality > 100 {
		return fmt.Errorf("JPEG_QUALITY must be between 1 and 100, got %d", cfg.JPEGQuality)
	}

	if cfg.ConnectTimeout <= 0 {
		return fmt.Errorf("CONNECT_TIMEOUT must be positive, got %v", cfg.ConnectTimeout)
	}

	if cfg.StartTimeout <= 0 {
		return fmt.Errorf("START_TIMEOUT must be positive, got %v", cfg.StartTimeout)
	}

	return nil
}
