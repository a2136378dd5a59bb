package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Store != "pebble" {
		t.Fatalf("default store should be pebble, got %s", cfg.Store)
	}
	if cfg.HTTPListen != ":8080" {
		t.Fatalf("default listen addr")
	}
	if cfg.QueueDefaults.MaxRetries != 3 {
		t.Fatalf("default max retries")
	}
	if cfg.QueueDefaults.EnableDeadLetter == nil || !*cfg.QueueDefaults.EnableDeadLetter {
		t.Fatalf("dead letter should default on")
	}
}

func TestLoadJSON(t *testing.T) {
	file := filepath.Join(t.TempDir(), "courier.json")
	data := []byte(`{
		"store": "redis",
		"redisAddr": "redis:6379",
		"queueDefaults": {"maxRetries": 5, "retryDelay": "2s"},
		"queues": [{"name": "digest", "visibilityTimeout": "45s"}],
		"schedules": [{"name": "nightly", "every": "24h", "queue": "digest", "type": "report", "payload": {"range": "1d"}}]
	}`)
	if err := os.WriteFile(file, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store != "redis" || cfg.RedisAddr != "redis:6379" {
		t.Fatalf("store override not applied")
	}
	if cfg.QueueDefaults.MaxRetries != 5 {
		t.Fatalf("expected maxRetries 5")
	}
	if time.Duration(cfg.QueueDefaults.RetryDelay) != 2*time.Second {
		t.Fatalf("expected 2s retry delay, got %s", cfg.QueueDefaults.RetryDelay)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("unset fields keep defaults")
	}
	if len(cfg.Queues) != 1 || cfg.Queues[0].Name != "digest" {
		t.Fatalf("queue spec not loaded")
	}
	if len(cfg.Schedules) != 1 || time.Duration(cfg.Schedules[0].Every) != 24*time.Hour {
		t.Fatalf("schedule not loaded")
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	file := filepath.Join(t.TempDir(), "courier.json")
	if err := os.WriteFile(file, []byte(`{"queueDefaults":{"retryDelay":"soon"}}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(file); err == nil {
		t.Fatalf("expected error for unparsable duration")
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("COURIER_STORE", "redis")
	t.Setenv("COURIER_LOG_LEVEL", "debug")
	t.Setenv("COURIER_QUEUE_MAX_RETRIES", "7")
	t.Setenv("COURIER_QUEUE_RETRY_DELAY", "250ms")

	cfg := Default()
	if err := FromEnv(&cfg); err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.Store != "redis" {
		t.Fatalf("env override store")
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("env override log level")
	}
	if cfg.QueueDefaults.MaxRetries != 7 {
		t.Fatalf("env override max retries")
	}
	if time.Duration(cfg.QueueDefaults.RetryDelay) != 250*time.Millisecond {
		t.Fatalf("env override retry delay, got %s", cfg.QueueDefaults.RetryDelay)
	}
	if cfg.HTTPListen != ":8080" {
		t.Fatalf("unset env must not clobber defaults")
	}
}

func TestQueueConfigMerge(t *testing.T) {
	cfg := Default()
	cfg.EnableMetrics = true
	noDLQ := false
	five := 5

	resolved := cfg.QueueConfig(QueueSpec{
		Name:             "digest",
		Type:             "email",
		MaxRetries:       &five,
		RetryDelay:       Duration(time.Second),
		EnableDeadLetter: &noDLQ,
	})
	if resolved.Name != "digest" || resolved.Type != "email" {
		t.Fatalf("identity fields")
	}
	if resolved.MaxRetries != 5 {
		t.Fatalf("spec override maxRetries")
	}
	if resolved.RetryDelay != time.Second {
		t.Fatalf("spec override retryDelay")
	}
	if resolved.VisibilityTimeout != 30*time.Second {
		t.Fatalf("defaults inherited, got %s", resolved.VisibilityTimeout)
	}
	if resolved.EnableDeadLetter {
		t.Fatalf("spec can disable dead letter")
	}
	if !resolved.EnableMetrics {
		t.Fatalf("metrics flag propagated")
	}

	inherited := cfg.QueueConfig(QueueSpec{Name: "webhooks"})
	if inherited.MaxRetries != 3 || !inherited.EnableDeadLetter {
		t.Fatalf("defaults applied to bare spec")
	}
}
