package retry

import (
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"
)

func TestNextBackOffMonotonicBeforeCap(t *testing.T) {
	b := &JitteredBackoff{Base: time.Second, Max: 30 * time.Second, Jitter: 0, MaxAttempts: 6}

	var last time.Duration
	for i := 0; i < 5; i++ {
		d := b.NextBackOff()
		require.GreaterOrEqual(t, d, last)
		require.LessOrEqual(t, d, b.Max)
		last = d
	}
}

func TestNextBackOffStopsAfterMaxAttempts(t *testing.T) {
	// MaxAttempts=3 means 3 total operation calls: the initial call plus
	// only 2 retries, so NextBackOff must grant exactly 2 delays before
	// signaling Stop on the 3rd call.
	b := &JitteredBackoff{Base: time.Millisecond, Max: time.Second, MaxAttempts: 3}
	require.NotEqual(t, backoff.Stop, b.NextBackOff())
	require.NotEqual(t, backoff.Stop, b.NextBackOff())
	require.Equal(t, backoff.Stop, b.NextBackOff())
}

func TestResetRestartsAttemptCounter(t *testing.T) {
	b := &JitteredBackoff{Base: time.Millisecond, Max: time.Second, MaxAttempts: 1}
	b.NextBackOff()
	require.Equal(t, 1, b.Attempt())
	b.Reset()
	require.Equal(t, 0, b.Attempt())
}
