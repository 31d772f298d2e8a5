package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRandomInterval_StaysInBounds(t *testing.T) {
	t.Parallel()

	bounds := [][2]int{{10, 45}, {0, 1}, {3, 3}, {0, 0}, {1, 120}}
	for _, b := range bounds {
		for i := 0; i < 2000; i++ {
			got := RandomInterval(b[0], b[1])
			if got < b[0] || got > b[1] {
				t.Fatalf("RandomInterval(%d, %d) = %d, out of range", b[0], b[1], got)
			}
		}
	}
}

func TestRandomInterval_IsNotBiased(t *testing.T) {
	t.Parallel()

	const (
		lo      = 3
		hi      = 7
		samples = 50_000
	)
	counts := make(map[int]int)
	for i := 0; i < samples; i++ {
		counts[RandomInterval(lo, hi)]++
	}

	expected := samples / (hi - lo + 1)
	for v := lo; v <= hi; v++ {
		got := counts[v]
		if got < expected*8/10 || got > expected*12/10 {
			t.Fatalf("value %d drawn %d times, expected about %d (counts %v)", v, got, expected, counts)
		}
	}
}

func TestRandomInterval_NormalizesArguments(t *testing.T) {
	t.Parallel()

	for i := 0; i < 500; i++ {
		got := RandomInterval(9, 4)
		assert.GreaterOrEqual(t, got, 4)
		assert.LessOrEqual(t, got, 9)
	}
	for i := 0; i < 500; i++ {
		got := RandomInterval(-5, 2)
		assert.GreaterOrEqual(t, got, 0)
		assert.LessOrEqual(t, got, 2)
	}
	assert.Equal(t, 0, RandomInterval(-3, -1))
}

func TestFixedInterval(t *testing.T) {
	t.Parallel()

	f := FixedInterval(12)
	assert.Equal(t, 12, f(10, 45))
	assert.Equal(t, 12, f(0, 0))
}
