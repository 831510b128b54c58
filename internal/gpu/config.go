package gpu

import (
	"errors"
	"fmt"

	"github.com/kelseyhightower/envconfig"

	gerrors "github.com/23skdu/gpures/internal/errors"
)

// Temporary memory policies accepted by Config.TempMemory.
const (
	TempMemoryDefault  = "default"
	TempMemoryNone     = "none"
	TempMemoryBytes    = "bytes"
	TempMemoryFraction = "fraction"
)

// Config validation errors
var (
	ErrInvalidTempMemoryMode    = errors.New("gpu_temp_memory must be default, none, bytes or fraction")
	ErrInvalidPinnedMemoryBytes = errors.New("gpu_pinned_memory_bytes must be -1 or non-negative")
	ErrInvalidDeviceID          = errors.New("gpu_device_id must not be negative")
	ErrUnusedTempMemoryFraction = errors.New("gpu_temp_memory_fraction is only used with gpu_temp_memory=fraction")
)

// Config holds resource pool settings loaded from the environment.
type Config struct {
	DeviceID           int     `envconfig:"GPU_DEVICE_ID" default:"0"`
	TempMemory         string  `envconfig:"GPU_TEMP_MEMORY" default:"default"`
	TempMemoryBytes    uint64  `envconfig:"GPU_TEMP_MEMORY_BYTES" default:"0"`
	TempMemoryFraction float32 `envconfig:"GPU_TEMP_MEMORY_FRACTION" default:"0"`
	PinnedMemoryBytes  int64   `envconfig:"GPU_PINNED_MEMORY_BYTES" default:"-1"` // -1 keeps the native default
	Simulate           bool    `envconfig:"GPU_SIMULATE" default:"false"`
}

// LoadConfig reads Config from the environment using prefix.
func LoadConfig(prefix string) (Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return Config{}, gerrors.WrapConfigurationError(err, "load_config", "failed to process environment")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration and returns an error if invalid.
func (c Config) Validate() error {
	switch c.TempMemory {
	case TempMemoryDefault, TempMemoryNone, TempMemoryBytes, TempMemoryFraction:
	default:
		return ErrInvalidTempMemoryMode
	}
	if c.TempMemory != TempMemoryFraction && c.TempMemoryFraction != 0 {
		return ErrUnusedTempMemoryFraction
	}
	if c.PinnedMemoryBytes < -1 {
		return ErrInvalidPinnedMemoryBytes
	}
	if c.DeviceID < 0 {
		return ErrInvalidDeviceID
	}
	return nil
}

// Apply sets the temporary memory policy and then the pinned memory size on
// r. It stops at the first failure and never retries.
func (c Config) Apply(r Resources) error {
	var err error
	switch c.TempMemory {
	case TempMemoryNone:
		err = r.NoTempMemory()
	case TempMemoryBytes:
		err = r.SetTempMemory(c.TempMemoryBytes)
	case TempMemoryFraction:
		err = r.SetTempMemoryFraction(c.TempMemoryFraction)
	case TempMemoryDefault:
	default:
		return ErrInvalidTempMemoryMode
	}
	if err != nil {
		return fmt.Errorf("apply temp memory policy %q: %w", c.TempMemory, err)
	}

	if c.PinnedMemoryBytes >= 0 {
		if err := r.SetPinnedMemory(uint64(c.PinnedMemoryBytes)); err != nil {
			return fmt.Errorf("apply pinned memory: %w", err)
		}
	}
	return nil
}

// Backend returns the backend selected by the configuration.
func (c Config) Backend() Backend {
	if c.Simulate {
		return NewSimulatedBackend()
	}
	return DefaultBackend()
}
