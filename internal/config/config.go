package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all daemon configuration
type Config struct {
	// State locations
	PrefsDir    string `mapstructure:"prefs-dir"`
	WorkDir     string `mapstructure:"work-dir"`
	HistoryPath string `mapstructure:"history-db"`
	FSMDBPath   string `mapstructure:"fsm-db-path"`

	// Boot-slot controller (file-backed when no platform controller)
	BootctlState string `mapstructure:"bootctl-state"`
	DeviceDir    string `mapstructure:"device-dir"`
	CurrentSlot  int    `mapstructure:"current-slot"`

	// Transport
	S3Region    string        `mapstructure:"s3-region"`
	IdleTimeout time.Duration `mapstructure:"idle-timeout"`
	UserAgent   string        `mapstructure:"user-agent"`

	// Policy
	PostinstallTimeout time.Duration `mapstructure:"postinstall-timeout"`
	SecurityPatchLevel string        `mapstructure:"security-patch-level"`
	SystemVersion      string        `mapstructure:"system-version"`

	// Status broadcast throttle
	ThrottleInterval time.Duration `mapstructure:"throttle-interval"`
	ThrottleDelta    float64       `mapstructure:"throttle-delta"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	// Set defaults
	viper.SetDefault("prefs-dir", "/var/lib/otad/prefs")
	viper.SetDefault("work-dir", "/var/lib/otad/work")
	viper.SetDefault("history-db", "/var/lib/otad/history.db")
	viper.SetDefault("fsm-db-path", "/var/lib/otad/fsm.db")
	viper.SetDefault("bootctl-state", "/var/lib/otad/bootctl")
	viper.SetDefault("device-dir", "/dev/block/by-name")
	viper.SetDefault("current-slot", 0)
	viper.SetDefault("s3-region", "us-east-1")
	viper.SetDefault("idle-timeout", 30*time.Second)
	viper.SetDefault("postinstall-timeout", 10*time.Minute)
	viper.SetDefault("throttle-interval", 200*time.Millisecond)
	viper.SetDefault("throttle-delta", 0.005)

	// Environment variables (OTAD_PREFS_DIR, etc.)
	viper.SetEnvPrefix("OTAD")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("otad")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/etc/otad")
	viper.AddConfigPath(".")

	// Read config file (ignore if not found)
	_ = viper.ReadInConfig()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.PrefsDir == "" {
		return fmt.Errorf("prefs-dir cannot be empty")
	}
	if c.WorkDir == "" {
		return fmt.Errorf("work-dir cannot be empty")
	}
	if c.FSMDBPath == "" {
		return fmt.Errorf("fsm-db-path cannot be empty")
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("idle-timeout must be non-negative")
	}
	if c.PostinstallTimeout < 0 {
		return fmt.Errorf("postinstall-timeout must be non-negative")
	}
	if c.ThrottleDelta < 0 || c.ThrottleDelta > 1 {
		return fmt.Errorf("throttle-delta must be within [0,1]")
	}
	return nil
}
