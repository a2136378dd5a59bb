package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/courier-mq/courier/internal/queue"
	pebblestore "github.com/courier-mq/courier/internal/storage/pebble"
)

// Compile-time interface checks.
var (
	_ queue.Recorder          = (*Recorder)(nil)
	_ pebblestore.MetricsHook = (*Recorder)(nil)
)

func TestRecorderCounters(t *testing.T) {
	r := New()

	r.Enqueued("digest", "email")
	r.Enqueued("digest", "email")
	r.Acked("digest")
	r.Nacked("digest", false)
	r.Nacked("digest", true)
	r.Replayed("digest")
	r.Reclaimed("digest", 3)

	require.Equal(t, 2.0, testutil.ToFloat64(r.enqueued.WithLabelValues("digest", "email")))
	require.Equal(t, 1.0, testutil.ToFloat64(r.acked.WithLabelValues("digest")))
	require.Equal(t, 1.0, testutil.ToFloat64(r.nacked.WithLabelValues("digest", "false")))
	require.Equal(t, 1.0, testutil.ToFloat64(r.nacked.WithLabelValues("digest", "true")))
	require.Equal(t, 1.0, testutil.ToFloat64(r.replayed.WithLabelValues("digest")))
	require.Equal(t, 3.0, testutil.ToFloat64(r.reclaimed.WithLabelValues("digest")))
}

func TestRecorderHistogramsRegister(t *testing.T) {
	r := New()
	r.HandlerDuration("digest", "email", 20*time.Millisecond, "ack")
	r.ObserveWrite(time.Millisecond, 64)
	r.ObserveRead(time.Millisecond, 64)
	r.ObserveBatchCommit(time.Millisecond, 128)

	families, err := r.Registry().Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	require.True(t, names["courier_handler_duration_seconds"])
	require.True(t, names["courier_storage_write_seconds"])
	require.True(t, names["courier_storage_batch_commit_seconds"])
}
