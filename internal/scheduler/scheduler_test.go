package scheduler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/courier-mq/courier/internal/queue"
	"github.com/courier-mq/courier/internal/store/pebbledb"
	pebblestore "github.com/courier-mq/courier/internal/storage/pebble"
	"github.com/courier-mq/courier/pkg/log"
)

func newTestRegistry(t *testing.T) *queue.Registry {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir: t.TempDir(),
		Fsync:   pebblestore.FsyncModeNever,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	reg := queue.NewRegistry(func(cfg queue.Config) (queue.Store, error) {
		return pebbledb.New(db, cfg.Name, log.NewNop()), nil
	}, log.NewNop(), nil)
	t.Cleanup(func() { _ = reg.Close() })

	_, err = reg.Open(queue.Config{
		Name:              "digest",
		MaxRetries:        1,
		RetryDelay:        time.Second,
		VisibilityTimeout: time.Minute,
		BatchSize:         10,
		Concurrency:       1,
	})
	require.NoError(t, err)
	return reg
}

func TestAddValidation(t *testing.T) {
	s := New(newTestRegistry(t), log.NewNop())

	valid := Job{Name: "nightly", Every: time.Hour, Queue: "digest", Type: "report"}
	require.NoError(t, s.Add(valid))

	cases := map[string]Job{
		"missing name":   {Every: time.Hour, Queue: "digest", Type: "report"},
		"short interval": {Name: "x", Every: 100 * time.Millisecond, Queue: "digest", Type: "report"},
		"missing queue":  {Name: "x", Every: time.Hour, Type: "report"},
		"missing type":   {Name: "x", Every: time.Hour, Queue: "digest"},
		"unknown queue":  {Name: "x", Every: time.Hour, Queue: "absent", Type: "report"},
	}
	for name, job := range cases {
		t.Run(name, func(t *testing.T) {
			require.Error(t, s.Add(job))
		})
	}

	s.Start()
	defer s.Stop()
	require.Error(t, s.Add(valid), "no additions after start")
}

func TestFireEnqueuesTemplatedMessage(t *testing.T) {
	reg := newTestRegistry(t)
	s := New(reg, log.NewNop())

	job := Job{
		Name:     "nightly",
		Every:    time.Hour,
		Queue:    "digest",
		Type:     "report",
		Priority: queue.PriorityLow,
		Payload:  json.RawMessage(`{"range":"24h"}`),
	}
	s.fire(job)
	s.fire(job)

	q, ok := reg.Get("digest")
	require.True(t, ok)
	leased, err := q.DequeueBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, leased, 2)
	require.Equal(t, "report", leased[0].Envelope.Type)
	require.Equal(t, queue.PriorityLow, leased[0].Envelope.Priority)
	require.JSONEq(t, `{"range":"24h"}`, string(leased[0].Envelope.Payload))
	require.NotEqual(t, leased[0].Envelope.ID, leased[1].Envelope.ID)
}

func TestStartStopIdempotent(t *testing.T) {
	s := New(newTestRegistry(t), log.NewNop())
	require.NoError(t, s.Add(Job{Name: "nightly", Every: time.Hour, Queue: "digest", Type: "report"}))

	s.Start()
	s.Start()
	s.Stop()
	s.Stop()
}
