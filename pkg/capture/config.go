package capture

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/video-system/go-usb-capture/pkg/audio"
	"github.com/video-system/go-usb-capture/pkg/device"
)

// Config holds all capture configuration
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Warmup    int             `yaml:"warmup"` // Transfers suppressed after connect, negative disables
	Audio     AudioConfig     `yaml:"audio"`
	Output    OutputConfig    `yaml:"output"`
	API       APIConfig       `yaml:"api"`
	Log       LogConfig       `yaml:"log"`
}

// DeviceConfig configures the capture board
type DeviceConfig struct {
	Descriptions    []string      `yaml:"descriptions"`     // Product strings, tried in order
	Interface       int           `yaml:"interface"`        // USB data interface
	InFlight        int           `yaml:"in_flight"`        // libusb transfers kept in flight
	TransferTimeout time.Duration `yaml:"transfer_timeout"` // Per-transfer wait (1s)
	DrainTimeout    time.Duration `yaml:"drain_timeout"`    // Per-request wait on teardown (500ms)
}

// AudioConfig configures playback
type AudioConfig struct {
	Enabled      *bool         `yaml:"enabled"` // Default true
	Volume       *int          `yaml:"volume"`  // 0-100, default 50
	Mute         bool          `yaml:"mute"`
	QueueLimit   int           `yaml:"queue_limit"`   // Blocks queued ahead of the sink (4)
	DropLimit    int           `yaml:"drop_limit"`    // Consecutive drops before resync (8)
	ResyncWarmup int           `yaml:"resync_warmup"` // Tokens discarded after resync (8)
	PullWait     time.Duration `yaml:"pull_wait"`     // Sink wait on an empty queue (20ms)
}

// IsEnabled reports whether audio playback is on.
func (a AudioConfig) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// VolumeOrDefault returns the configured volume.
func (a AudioConfig) VolumeOrDefault() int {
	if a.Volume == nil {
		return audio.DefaultVolume
	}
	return *a.Volume
}

// OutputConfig configures the optional ffmpeg frame output
type OutputConfig struct {
	Enabled bool     `yaml:"enabled"`
	Target  string   `yaml:"target"` // File or URL handed to ffmpeg
	Filter  string   `yaml:"filter"` // Optional -vf chain
	Args    []string `yaml:"args"`   // Extra output arguments
}

// APIConfig configures the control API
type APIConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// LogConfig configures logging
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// DefaultConfig returns the configuration used when no file is loaded.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if len(c.Device.Descriptions) == 0 {
		c.Device.Descriptions = append([]string(nil), device.DefaultDescriptions...)
	}
	if c.Device.TransferTimeout == 0 {
		c.Device.TransferTimeout = DefaultTransferTimeout
	}
	if c.Device.DrainTimeout == 0 {
		c.Device.DrainTimeout = 500 * time.Millisecond
	}
	c.Reconnect.setDefaults()
	if c.Warmup == 0 {
		c.Warmup = DefaultWarmup
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate checks values that have no sensible fallback.
func (c *Config) Validate() error {
	var errs []error
	if _, err := ParseMode(string(c.Reconnect.Mode)); err != nil {
		errs = append(errs, err)
	}
	if v := c.Audio.VolumeOrDefault(); v < 0 || v > 100 {
		errs = append(errs, fmt.Errorf("audio.volume must be 0-100, got %d", v))
	}
	if c.Audio.QueueLimit < 0 || c.Audio.DropLimit < 0 {
		errs = append(errs, errors.New("audio limits must not be negative"))
	}
	if c.Output.Enabled && c.Output.Target == "" {
		errs = append(errs, errors.New("output.target is required when output is enabled"))
	}
	if c.API.Port < 0 || c.API.Port > 65535 {
		errs = append(errs, fmt.Errorf("api.port out of range: %d", c.API.Port))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
