package capture

import (
	"fmt"
	"time"
)

// Mode selects what the engine does while no session is open.
type Mode string

const (
	// ModeManual waits for an explicit Connect.
	ModeManual Mode = "manual"
	// ModeAutomatic keeps trying to connect with exponential backoff.
	ModeAutomatic Mode = "automatic"
)

// ParseMode parses a reconnect mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeManual, ModeAutomatic:
		return Mode(s), nil
	case "auto":
		return ModeAutomatic, nil
	case "":
		return ModeManual, nil
	}
	return "", fmt.Errorf("capture: unknown reconnect mode %q", s)
}

// ReconnectConfig contains configuration for exponential backoff reconnection
type ReconnectConfig struct {
	Mode          Mode          `yaml:"mode"`            // manual or automatic
	RetryDelay    time.Duration `yaml:"retry_delay"`     // Initial retry delay (default: 5ms)
	MaxRetryDelay time.Duration `yaml:"max_retry_delay"` // Maximum retry delay cap (default: 1s)
}

// DefaultReconnectConfig returns default reconnection configuration.
// The initial delay matches polling the bus about 200 times a second.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		Mode:          ModeManual,
		RetryDelay:    5 * time.Millisecond,
		MaxRetryDelay: time.Second,
	}
}

func (c *ReconnectConfig) setDefaults() {
	def := DefaultReconnectConfig()
	if m, err := ParseMode(string(c.Mode)); err == nil {
		c.Mode = m
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = def.RetryDelay
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = def.MaxRetryDelay
	}
	if c.MaxRetryDelay < c.RetryDelay {
		c.MaxRetryDelay = c.RetryDelay
	}
}

// calculateBackoff returns retryDelay * 2^(attempt-1), capped at
// maxRetryDelay. Attempts count from 1.
func calculateBackoff(attempt int, cfg ReconnectConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 31 {
		return cfg.MaxRetryDelay
	}
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay || delay <= 0 {
		delay = cfg.MaxRetryDelay
	}
	return delay
}
