// Package misc carries the process-level runtime configuration: where the
// capability snapshot lives and how the orchestrator is tuned.
package misc

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Config is the runtime configuration of one fabricflow process.
type Config struct {
	CapabilityPath string `toml:"capability_path"`
	WaitTimeoutMs  int    `toml:"wait_timeout_ms"`
	MaxResultBytes int    `toml:"max_result_bytes"`
	LogLevel       string `toml:"log_level"`
}

// DefaultConfig returns the configuration used when no config file is given.
func DefaultConfig() Config {
	return Config{
		WaitTimeoutMs:  2000,
		MaxResultBytes: 1 << 20,
		LogLevel:       "info",
	}
}

// LoadConfig reads a runtime configuration file, filling unset fields from
// the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "failed to decode config file %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the orchestrator cannot run with.
func (c Config) Validate() error {
	if c.WaitTimeoutMs <= 0 {
		return errors.New("wait_timeout_ms <= 0")
	}
	if c.MaxResultBytes <= 0 {
		return errors.New("max_result_bytes <= 0")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrapf(err, "log_level %q is not supported", c.LogLevel)
	}
	return nil
}

// WaitTimeout returns the per-channel wait bound as a duration.
func (c Config) WaitTimeout() time.Duration {
	return time.Duration(c.WaitTimeoutMs) * time.Millisecond
}

// Level returns the parsed log level. Validate must have accepted the
// config first.
func (c Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}
