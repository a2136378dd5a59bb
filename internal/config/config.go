package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/courier-mq/courier/internal/queue"
)

// Config is the top-level server configuration, loaded from a JSON file and
// overlaid with COURIER_* environment variables.
type Config struct {
	DataDir    string `json:"dataDir" env:"COURIER_DATA_DIR"`
	HTTPListen string `json:"httpListen" env:"COURIER_HTTP_LISTEN"`
	// Store selects the backing store: "pebble" (embedded) or "redis".
	Store     string `json:"store" env:"COURIER_STORE"`
	RedisAddr string `json:"redisAddr" env:"COURIER_REDIS_ADDR"`
	// Fsync is the Pebble WAL policy: "always", "interval", or "never".
	Fsync     string `json:"fsync" env:"COURIER_FSYNC"`
	LogLevel  string `json:"logLevel" env:"COURIER_LOG_LEVEL"`
	LogFormat string `json:"logFormat" env:"COURIER_LOG_FORMAT"`
	// AdminToken guards mutating admin endpoints when set.
	AdminToken    string `json:"adminToken" env:"COURIER_ADMIN_TOKEN"`
	EnableMetrics bool   `json:"enableMetrics" env:"COURIER_ENABLE_METRICS"`

	QueueDefaults QueueDefaults `json:"queueDefaults"`
	Queues        []QueueSpec   `json:"queues"`
	Schedules     []Schedule    `json:"schedules"`
}

// QueueDefaults are baseline knobs applied to every queue that does not
// override them.
type QueueDefaults struct {
	MaxRetries        int      `json:"maxRetries" env:"COURIER_QUEUE_MAX_RETRIES"`
	RetryDelay        Duration `json:"retryDelay" env:"COURIER_QUEUE_RETRY_DELAY"`
	VisibilityTimeout Duration `json:"visibilityTimeout" env:"COURIER_QUEUE_VISIBILITY_TIMEOUT"`
	BatchSize         int      `json:"batchSize" env:"COURIER_QUEUE_BATCH_SIZE"`
	Concurrency       int      `json:"concurrency" env:"COURIER_QUEUE_CONCURRENCY"`
	EnableDeadLetter  *bool    `json:"enableDeadLetter" env:"COURIER_QUEUE_ENABLE_DEAD_LETTER"`
}

// QueueSpec declares one named queue. Zero-valued fields inherit the
// defaults.
type QueueSpec struct {
	Name              string   `json:"name"`
	Type              string   `json:"type"`
	MaxRetries        *int     `json:"maxRetries"`
	RetryDelay        Duration `json:"retryDelay"`
	VisibilityTimeout Duration `json:"visibilityTimeout"`
	BatchSize         int      `json:"batchSize"`
	Concurrency       int      `json:"concurrency"`
	EnableDeadLetter  *bool    `json:"enableDeadLetter"`
}

// Schedule declares a recurring enqueue.
type Schedule struct {
	Name     string          `json:"name"`
	Every    Duration        `json:"every"`
	Queue    string          `json:"queue"`
	Type     string          `json:"type"`
	Priority string          `json:"priority"`
	Payload  json.RawMessage `json:"payload"`
}

// Default returns built-in defaults. DataDir is left empty; callers resolve
// it via DefaultDataDir when neither file nor flags set one.
func Default() Config {
	dlq := true
	return Config{
		HTTPListen: ":8080",
		Store:      "pebble",
		RedisAddr:  "localhost:6379",
		Fsync:      "interval",
		LogLevel:   "info",
		LogFormat:  "text",
		QueueDefaults: QueueDefaults{
			MaxRetries:        3,
			RetryDelay:        Duration(30 * time.Second),
			VisibilityTimeout: Duration(30 * time.Second),
			BatchSize:         10,
			Concurrency:       4,
			EnableDeadLetter:  &dlq,
		},
	}
}

// Load reads configuration from a JSON file over the defaults. An empty path
// returns defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// QueueConfig resolves one queue spec against the defaults into the
// runnable per-queue configuration.
func (c Config) QueueConfig(spec QueueSpec) queue.Config {
	d := c.QueueDefaults
	out := queue.Config{
		Name:              spec.Name,
		Type:              spec.Type,
		MaxRetries:        d.MaxRetries,
		RetryDelay:        time.Duration(d.RetryDelay),
		VisibilityTimeout: time.Duration(d.VisibilityTimeout),
		BatchSize:         d.BatchSize,
		Concurrency:       d.Concurrency,
		EnableMetrics:     c.EnableMetrics,
	}
	if d.EnableDeadLetter != nil {
		out.EnableDeadLetter = *d.EnableDeadLetter
	}
	if spec.MaxRetries != nil {
		out.MaxRetries = *spec.MaxRetries
	}
	if spec.RetryDelay > 0 {
		out.RetryDelay = time.Duration(spec.RetryDelay)
	}
	if spec.VisibilityTimeout > 0 {
		out.VisibilityTimeout = time.Duration(spec.VisibilityTimeout)
	}
	if spec.BatchSize > 0 {
		out.BatchSize = spec.BatchSize
	}
	if spec.Concurrency > 0 {
		out.Concurrency = spec.Concurrency
	}
	if spec.EnableDeadLetter != nil {
		out.EnableDeadLetter = *spec.EnableDeadLetter
	}
	return out
}
