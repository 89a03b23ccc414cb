package misc

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 2*time.Second, cfg.WaitTimeout())
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
capability_path = "/etc/fabricflow/capabilities.toml"
wait_timeout_ms = 500
log_level = "debug"
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/etc/fabricflow/capabilities.toml", cfg.CapabilityPath)
	assert.Equal(t, 500*time.Millisecond, cfg.WaitTimeout())
	assert.Equal(t, DefaultConfig().MaxResultBytes, cfg.MaxResultBytes)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero timeout", func(c *Config) { c.WaitTimeoutMs = 0 }},
		{"zero result window", func(c *Config) { c.MaxResultBytes = 0 }},
		{"bad log level", func(c *Config) { c.LogLevel = "chatty" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
