package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func filterEntry() *DeadLetterEntry {
	return &DeadLetterEntry{
		Envelope: Envelope{
			ID:        "0000000000000001aaaaaaaaaaaaaaaa",
			Type:      "email",
			Payload:   []byte(`{"to":"ops@example.com","retries":3}`),
			Priority:  PriorityNormal,
			Attempt:   4,
			LastError: "smtp timeout",
			Failures:  []FailureRecord{{Attempt: 4, Error: "smtp timeout", At: time.Now()}},
		},
		QueueName:      "digest",
		DeadLetteredAt: time.Now().UTC(),
	}
}

func TestFilterDisabledMatchesAll(t *testing.T) {
	f, err := NewFilter("   ")
	require.NoError(t, err)
	assert.False(t, f.Enabled())
	assert.True(t, f.Match(filterEntry()))
}

func TestFilterExpressions(t *testing.T) {
	entry := filterEntry()
	cases := map[string]bool{
		`type == "email"`:                          true,
		`type == "report"`:                         false,
		`attempt > 3`:                              true,
		`queue == "digest" && attempt >= 4`:        true,
		`last_error.contains("timeout")`:           true,
		`json.to == "ops@example.com"`:             true,
		`json.retries == 3`:                        true,
		`failures == 1`:                            true,
		`dead_lettered_ms <= now_ms`:               true,
		`id.startsWith("0000")`:                    true,
	}
	for expr, want := range cases {
		f, err := NewFilter(expr)
		require.NoError(t, err, expr)
		assert.Equal(t, want, f.Match(entry), expr)
	}
}

func TestFilterCompileError(t *testing.T) {
	_, err := NewFilter(`type ==`)
	require.Error(t, err)

	_, err = NewFilter(`unknown_var == 1`)
	require.Error(t, err)
}

func TestFilterEvalErrorIsNoMatch(t *testing.T) {
	f, err := NewFilter(`json.to == "x"`)
	require.NoError(t, err)

	entry := filterEntry()
	entry.Payload = []byte(`"just a string"`)
	assert.False(t, f.Match(entry), "field access on non-object payload")
}
