package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Name:              "digest",
		MaxRetries:        3,
		RetryDelay:        time.Second,
		VisibilityTimeout: 30 * time.Second,
		BatchSize:         10,
		Concurrency:       4,
	}
}

func TestConfigValidateDefaults(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, defaultBackoffCeiling, cfg.BackoffCeiling)
	assert.Equal(t, defaultPollInterval, cfg.PollInterval)
	assert.Equal(t, defaultReclaimInterval, cfg.ReclaimInterval)
	assert.Equal(t, defaultShutdownGrace, cfg.ShutdownGrace)
}

func TestConfigValidateRejections(t *testing.T) {
	cases := map[string]func(*Config){
		"missing name":       func(c *Config) { c.Name = "" },
		"negative retries":   func(c *Config) { c.MaxRetries = -1 },
		"zero retry delay":   func(c *Config) { c.RetryDelay = 0 },
		"zero visibility":    func(c *Config) { c.VisibilityTimeout = 0 },
		"zero batch size":    func(c *Config) { c.BatchSize = 0 },
		"zero concurrency":   func(c *Config) { c.Concurrency = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	cfg := validConfig()
	cfg.RetryDelay = 2 * time.Second
	cfg.BackoffCeiling = 10 * time.Second
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 2*time.Second, cfg.backoff(1))
	assert.Equal(t, 4*time.Second, cfg.backoff(2))
	assert.Equal(t, 8*time.Second, cfg.backoff(3))
	assert.Equal(t, 10*time.Second, cfg.backoff(4), "capped at ceiling")
	assert.Equal(t, 10*time.Second, cfg.backoff(12), "no overflow past the cap")
	assert.Equal(t, 2*time.Second, cfg.backoff(0), "attempt floors at 1")
}
