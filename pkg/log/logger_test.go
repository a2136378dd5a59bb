package log

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("WARN")
	require.NoError(t, err)
	require.Equal(t, WarnLevel, lvl)

	_, err = ParseLevel("loud")
	require.Error(t, err)
}

func TestLoggerLevelGate(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WithWriter(&buf), WithLevel(WarnLevel))

	l.Info("suppressed")
	l.Warn("emitted", F("queue", "digest"))

	out := buf.String()
	require.NotContains(t, out, "suppressed")
	require.Contains(t, out, "emitted")
	require.Contains(t, out, "queue=digest")
}

func TestLoggerJSONFormatAndWith(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WithWriter(&buf), WithFormat("json")).WithComponent("worker")

	l.Info("leased", F("count", 3))

	line := strings.TrimSpace(buf.String())
	require.True(t, strings.HasPrefix(line, "{"))
	require.Contains(t, line, `"component":"worker"`)
	require.Contains(t, line, `"count":3`)
}
