package redisq

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courier-mq/courier/internal/queue"
	"github.com/courier-mq/courier/pkg/id"
	"github.com/courier-mq/courier/pkg/log"
)

func TestKeyNamespacing(t *testing.T) {
	s := New(nil, "digest", log.NewNop())

	assert.Equal(t, "cq:digest:msg", s.key("msg"))
	assert.Equal(t, "cq:digest:lease_exp", s.key("lease_exp"))
	assert.Equal(t, "cq:digest:ready:0", s.readyKey(queue.PriorityHigh.Rank()))
	assert.Equal(t, "cq:digest:ready:2", s.readyKey(queue.PriorityLow.Rank()))
	assert.Equal(t, []string{"cq:digest:ready:0", "cq:digest:ready:1", "cq:digest:ready:2"}, s.readyKeys())
}

func TestReadyScoreTracksCreationTime(t *testing.T) {
	gen := id.NewGenerator()
	first := gen.Next()
	time.Sleep(2 * time.Millisecond)
	second := gen.Next()

	s1 := readyScore(first.String())
	s2 := readyScore(second.String())
	require.LessOrEqual(t, s1, s2)
	require.Equal(t, float64(first.TimeMs()), s1)

	assert.Zero(t, readyScore("not-an-id"))
}

func TestCompletionErr(t *testing.T) {
	assert.NoError(t, completionErr(1))
	assert.NoError(t, completionErr(0))
	assert.ErrorIs(t, completionErr(-1), queue.ErrLeaseLost)
}

func TestBoolArg(t *testing.T) {
	assert.Equal(t, 1, boolArg(true))
	assert.Equal(t, 0, boolArg(false))
}

func TestSplitKeepsPayloadOutOfDeliveryState(t *testing.T) {
	// cjson cannot round-trip these payload shapes, so they must live only in
	// the body half, which scripts never re-encode.
	payload := json.RawMessage(`{"ids":[],"cursor":9007199254740993}`)
	env := &queue.Envelope{
		ID:        id.NewGenerator().Next().String(),
		Type:      "export",
		Payload:   payload,
		CreatedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Priority:  queue.PriorityHigh,
		Attempt:   2,
		LastError: "smtp timeout",
		Failures: []queue.FailureRecord{
			{Attempt: 1, Error: "smtp timeout", At: time.Date(2026, 8, 1, 12, 5, 0, 0, time.UTC)},
		},
	}

	body, state, err := splitEnvelope(env)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"payload":{"ids":[],"cursor":9007199254740993}`)
	assert.NotContains(t, string(body), "attempt")
	assert.NotContains(t, string(state), "payload")

	got, err := joinEnvelope(body, state)
	require.NoError(t, err)
	assert.Equal(t, env, got)
}

func TestJoinEnvelopeDefaultsDeliveryState(t *testing.T) {
	env := &queue.Envelope{
		ID:        id.NewGenerator().Next().String(),
		Type:      "email",
		Payload:   json.RawMessage(`[]`),
		CreatedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Priority:  queue.PriorityNormal,
	}
	body, _, err := splitEnvelope(env)
	require.NoError(t, err)

	// The lease script substitutes a zero state when none is stored.
	got, err := joinEnvelope(body, []byte(`{"attempt":0}`))
	require.NoError(t, err)
	assert.Equal(t, env, got)
	assert.Equal(t, json.RawMessage(`[]`), got.Payload)
}
