package ratelimiter

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAllowPermitsBurstThenThrottles(t *testing.T) {
	l := New(10, 3)
	defer l.Close()

	now := time.Unix(0, 0)
	l.timeNow = func() time.Time { return now }

	ip := netip.MustParseAddr("192.168.1.5")
	for i := 0; i < 3; i++ {
		require.True(t, l.Allow(ip), "burst connection %d should be allowed", i)
	}
	require.False(t, l.Allow(ip), "fourth immediate connection should be throttled")
}

func TestAllowRefillsTokensOverTime(t *testing.T) {
	l := New(10, 1)
	defer l.Close()

	now := time.Unix(0, 0)
	l.timeNow = func() time.Time { return now }

	ip := netip.MustParseAddr("10.0.0.7")
	require.True(t, l.Allow(ip))
	require.False(t, l.Allow(ip))

	now = now.Add(200 * time.Millisecond)
	require.True(t, l.Allow(ip))
}

func TestAllowTracksAddressesIndependently(t *testing.T) {
	l := New(10, 1)
	defer l.Close()

	now := time.Unix(0, 0)
	l.timeNow = func() time.Time { return now }

	a := netip.MustParseAddr("10.0.0.1")
	b := netip.MustParseAddr("10.0.0.2")
	require.True(t, l.Allow(a))
	require.True(t, l.Allow(b))
}
