package config

import (
	"fmt"
	"time"
)

// Capture backends
const (
	BackendPortal = "portal" // xdg-desktop-portal ScreenCast + PipeWire
	BackendX11    = "x11"    // X11 root window, granted locally
)

// Config represents the application configuration
type Config struct {
	ServerPort int            `json:"server_port" yaml:"server_port" mapstructure:"server_port"`
	LogLevel   string         `json:"log_level" yaml:"log_level" mapstructure:"log_level"`
	LogPretty  bool           `json:"log_pretty" yaml:"log_pretty" mapstructure:"log_pretty"`
	Capture    CaptureConfig  `json:"capture" yaml:"capture" mapstructure:"capture"`
	Advisory   AdvisoryConfig `json:"advisory" yaml:"advisory" mapstructure:"advisory"`
}

// CaptureConfig tunes the capture session and its warm-up policy
type CaptureConfig struct {
	Backend       string        `json:"backend" yaml:"backend" mapstructure:"backend"`
	BufferDepth   int           `json:"buffer_depth" yaml:"buffer_depth" mapstructure:"buffer_depth"`
	SettleDelay   time.Duration `json:"settle_delay" yaml:"settle_delay" mapstructure:"settle_delay"`
	RetryDelay    time.Duration `json:"retry_delay" yaml:"retry_delay" mapstructure:"retry_delay"`
	StrictWarmup  bool          `json:"strict_warmup" yaml:"strict_warmup" mapstructure:"strict_warmup"`
	PortalTimeout time.Duration `json:"portal_timeout" yaml:"portal_timeout" mapstructure:"portal_timeout"`
}

// AdvisoryConfig tunes the blocking advisory overlay
type AdvisoryConfig struct {
	GraceDelay    time.Duration `json:"grace_delay" yaml:"grace_delay" mapstructure:"grace_delay"`
	NeutralScreen bool          `json:"neutral_screen" yaml:"neutral_screen" mapstructure:"neutral_screen"`
}

// Defaults returns the default configuration
func Defaults() *Config {
	return &Config{
		ServerPort: 8090,
		LogLevel:   "info",
		LogPretty:  true,
		Capture: CaptureConfig{
			Backend:       BackendPortal,
			BufferDepth:   3,
			SettleDelay:   1200 * time.Millisecond,
			RetryDelay:    500 * time.Millisecond,
			PortalTimeout: 60 * time.Second,
		},
		Advisory: AdvisoryConfig{
			GraceDelay:    300 * time.Millisecond,
			NeutralScreen: true,
		},
	}
}

// Validate checks the configuration for values the daemon cannot run with
func (c *Config) Validate() error {
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return fmt.Errorf("invalid server_port %d", c.ServerPort)
	}
	switch c.Capture.Backend {
	case BackendPortal, BackendX11:
	default:
		return fmt.Errorf("unknown capture.backend %q (use %q or %q)", c.Capture.Backend, BackendPortal, BackendX11)
	}
	if c.Capture.BufferDepth < 1 || c.Capture.BufferDepth > 16 {
		return fmt.Errorf("capture.buffer_depth must be between 1 and 16, got %d", c.Capture.BufferDepth)
	}
	if c.Capture.SettleDelay < 0 || c.Capture.RetryDelay < 0 || c.Advisory.GraceDelay < 0 {
		return fmt.Errorf("delays must not be negative")
	}
	return nil
}
