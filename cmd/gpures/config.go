package main

import (
	"errors"
	"time"

	"github.com/kelseyhightower/envconfig"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/23skdu/gpures/internal/gpu"
)

const envPrefix = "GPURES"

// Config validation errors
var (
	ErrInvalidListenAddr     = errors.New("listen_addr cannot be empty")
	ErrInvalidMetricsAddr    = errors.New("metrics_addr cannot be empty")
	ErrInvalidLogFormat      = errors.New("log_format must be 'json' or 'console'")
	ErrInvalidLogLevel       = errors.New("log_level must be debug, info, warn, or error")
	ErrInvalidProbeIndexes   = errors.New("probe_indexes must be positive")
	ErrInvalidProbeDimension = errors.New("probe_dimension must be positive")
	ErrInvalidProbeVectors   = errors.New("probe_vectors must be positive")
	ErrInvalidKeepAliveTime  = errors.New("keepalive_time must be positive")
)

// Config is the process configuration. The embedded gpu.Config shares the
// GPURES prefix.
type Config struct {
	gpu.Config

	ListenAddr  string `envconfig:"LISTEN_ADDR" default:"0.0.0.0:3100"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:"0.0.0.0:9190"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	ProbeIndexes   int `envconfig:"PROBE_INDEXES" default:"2"`
	ProbeDimension int `envconfig:"PROBE_DIMENSION" default:"64"`
	ProbeVectors   int `envconfig:"PROBE_VECTORS" default:"1000"`

	KeepAliveTime    time.Duration `envconfig:"KEEPALIVE_TIME" default:"2h"`
	KeepAliveTimeout time.Duration `envconfig:"KEEPALIVE_TIMEOUT" default:"20s"`
}

// LoadConfig reads the configuration from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ValidateConfig validates the configuration and returns an error if invalid
func ValidateConfig(cfg *Config) error {
	if err := cfg.Config.Validate(); err != nil {
		return err
	}
	if cfg.ListenAddr == "" {
		return ErrInvalidListenAddr
	}
	if cfg.MetricsAddr == "" {
		return ErrInvalidMetricsAddr
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		return ErrInvalidLogFormat
	}
	if cfg.LogLevel != "debug" && cfg.LogLevel != "info" && cfg.LogLevel != "warn" && cfg.LogLevel != "error" {
		return ErrInvalidLogLevel
	}
	if cfg.ProbeIndexes <= 0 {
		return ErrInvalidProbeIndexes
	}
	if cfg.ProbeDimension <= 0 {
		return ErrInvalidProbeDimension
	}
	if cfg.ProbeVectors <= 0 {
		return ErrInvalidProbeVectors
	}
	if cfg.KeepAliveTime <= 0 {
		return ErrInvalidKeepAliveTime
	}
	return nil
}

// DefaultConfig returns a Config with default values
func DefaultConfig() Config {
	return Config{
		Config: gpu.Config{
			TempMemory:        gpu.TempMemoryDefault,
			PinnedMemoryBytes: -1,
		},
		ListenAddr:       "0.0.0.0:3100",
		MetricsAddr:      "0.0.0.0:9190",
		LogFormat:        "json",
		LogLevel:         "info",
		ProbeIndexes:     2,
		ProbeDimension:   64,
		ProbeVectors:     1000,
		KeepAliveTime:    2 * time.Hour,
		KeepAliveTimeout: 20 * time.Second,
	}
}

// BuildGRPCServerOptions returns grpc.ServerOption slice for the health server.
func (c *Config) BuildGRPCServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    c.KeepAliveTime,
			Timeout: c.KeepAliveTimeout,
		}),
	}
}
