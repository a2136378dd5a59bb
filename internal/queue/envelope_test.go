package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameDetectsCorruption(t *testing.T) {
	body := []byte(`{"id":"abc"}`)
	frame := EncodeFrame(body)

	got, ok := DecodeFrame(frame)
	require.True(t, ok)
	assert.Equal(t, body, got)

	// Flip one payload byte; the checksum must catch it.
	frame[6] ^= 0xff
	_, ok = DecodeFrame(frame)
	assert.False(t, ok)

	_, ok = DecodeFrame(frame[:3])
	assert.False(t, ok, "truncated frame")
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, PriorityNormal, p)

	p, err = ParsePriority("high")
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, p)

	_, err = ParsePriority("urgent")
	assert.Error(t, err)

	assert.Less(t, PriorityHigh.Rank(), PriorityNormal.Rank())
	assert.Less(t, PriorityNormal.Rank(), PriorityLow.Rank())
}
