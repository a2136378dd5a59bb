package runtime

import (
	"context"
	"testing"
	"time"

	cfgpkg "github.com/courier-mq/courier/internal/config"
	"github.com/courier-mq/courier/internal/queue"
)

func testConfig(t *testing.T) cfgpkg.Config {
	t.Helper()
	cfg := cfgpkg.Default()
	cfg.DataDir = t.TempDir()
	cfg.Fsync = "never"
	return cfg
}

func TestOpenCloseHealth(t *testing.T) {
	rt, err := Open(Options{Config: testConfig(t)})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	defer rt.Close()
	if err := rt.CheckHealth(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
	if _, ok := rt.Queue("default"); !ok {
		t.Fatalf("default queue not opened")
	}
}

func TestOpenConfiguredQueues(t *testing.T) {
	cfg := testConfig(t)
	cfg.Queues = []cfgpkg.QueueSpec{{Name: "email"}, {Name: "reports"}}
	rt, err := Open(Options{Config: cfg})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()

	q, ok := rt.Queue("email")
	if !ok {
		t.Fatalf("email queue not opened")
	}
	if _, err := q.Enqueue(context.Background(), "email.send", []byte(`{"to":"a@b"}`), queue.EnqueueOptions{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, ok := rt.Queue("missing"); ok {
		t.Fatalf("unexpected queue")
	}
}

func TestOpenRejectsBadSchedule(t *testing.T) {
	cfg := testConfig(t)
	cfg.Schedules = []cfgpkg.Schedule{{
		Name:  "sweep",
		Every: cfgpkg.Duration(time.Minute),
		Queue: "nope",
		Type:  "sweep.run",
	}}
	if _, err := Open(Options{Config: cfg}); err == nil {
		t.Fatalf("expected error for schedule on unknown queue")
	}
}

func TestOpenRejectsUnknownStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store = "etcd"
	if _, err := Open(Options{Config: cfg}); err == nil {
		t.Fatalf("expected error for unknown store")
	}
}
