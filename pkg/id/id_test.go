package id

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGeneratorMonotonic(t *testing.T) {
	g := NewGenerator()
	prev := g.Next()
	for i := 0; i < 1000; i++ {
		next := g.Next()
		require.Equal(t, -1, compare(prev, next), "ids must strictly increase")
		prev = next
	}
}

func TestStringSortsLikeBytes(t *testing.T) {
	g := NewGenerator()
	a, b := g.Next(), g.Next()
	require.Less(t, a.String(), b.String())
}

func TestParseRoundTrip(t *testing.T) {
	g := NewGenerator()
	orig := g.Next()
	parsed, err := Parse(orig.String())
	require.NoError(t, err)
	require.Equal(t, orig, parsed)

	_, err = Parse("nope")
	require.Error(t, err)
}

func TestClockBackwards(t *testing.T) {
	saved := NowMs
	defer func() { NowMs = saved }()

	ms := int64(5000)
	NowMs = func() int64 { return ms }
	g := NewGenerator()
	a := g.Next()
	ms = 4000 // clock moved backwards
	b := g.Next()
	require.Equal(t, -1, compare(a, b))
}

func compare(a, b ID) int {
	for i := 0; i < 16; i++ {
		if a[i] < b[i] {
			return -1
		}
		if a[i] > b[i] {
			return 1
		}
	}
	return 0
}
