package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffDoublesToCap(t *testing.T) {
	b := &Backoff{Base: time.Second, Max: 60 * time.Second}

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}
	for i, expected := range want {
		require.Equal(t, expected, b.Next(), "delay %d", i)
	}
}

func TestBackoffNonDecreasing(t *testing.T) {
	b := &Backoff{Base: time.Second, Max: 60 * time.Second}

	prev := time.Duration(0)
	for i := 0; i < 10; i++ {
		d := b.Next()
		require.GreaterOrEqual(t, d, prev)
		prev = d
	}
}

func TestBackoffReset(t *testing.T) {
	b := &Backoff{Base: time.Second, Max: 60 * time.Second}

	for i := 0; i < 5; i++ {
		b.Next()
	}
	b.Reset()
	require.Equal(t, time.Second, b.Next())
}

func TestBackoffJitterBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		b := &Backoff{Base: time.Second, Max: 60 * time.Second, Jitter: 0.2}
		d := b.Next()
		require.GreaterOrEqual(t, d, 800*time.Millisecond)
		require.LessOrEqual(t, d, 1200*time.Millisecond)
	}
}
