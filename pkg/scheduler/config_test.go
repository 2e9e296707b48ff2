// SPDX-License-Identifier: AGPL-3.0-only

package scheduler

import (
	"flag"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Defaults(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 3, cfg.RequestsPerSecond)
	assert.Equal(t, 3, cfg.BurstLimit)
	assert.Equal(t, 1200*time.Millisecond, cfg.RetryDelay)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 10*time.Second, cfg.Timeout)
	assert.Zero(t, cfg.MaxRetryRate)
	require.NoError(t, cfg.Validate())
}

func TestConfig_Flags(t *testing.T) {
	var cfg Config
	fs := flag.NewFlagSet("", flag.ContinueOnError)
	cfg.RegisterFlagsWithPrefix("upstream.", fs)

	require.NoError(t, fs.Parse([]string{
		"-upstream.requests-per-second=10",
		"-upstream.burst-limit=5",
		"-upstream.timeout=2s",
	}))
	assert.Equal(t, 10, cfg.RequestsPerSecond)
	assert.Equal(t, 5, cfg.BurstLimit)
	assert.Equal(t, 2*time.Second, cfg.Timeout)
}

func TestSerialConfig(t *testing.T) {
	cfg := SerialConfig()
	assert.Equal(t, 1, cfg.RequestsPerSecond)
	assert.Equal(t, 1, cfg.BurstLimit)
	assert.Equal(t, DefaultConfig().RetryDelay, cfg.RetryDelay)
	require.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := map[string]func(*Config){
		"zero rps":             func(cfg *Config) { cfg.RequestsPerSecond = 0 },
		"zero burst":           func(cfg *Config) { cfg.BurstLimit = 0 },
		"negative retry delay": func(cfg *Config) { cfg.RetryDelay = -time.Second },
		"negative max delay":   func(cfg *Config) { cfg.MaxRetryDelay = -time.Second },
		"negative max retries": func(cfg *Config) { cfg.MaxRetries = -1 },
		"zero timeout":         func(cfg *Config) { cfg.Timeout = 0 },
		"negative retry rate":  func(cfg *Config) { cfg.MaxRetryRate = -1 },
	}

	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
