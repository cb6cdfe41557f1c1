package ratelimit_test

import (
	"testing"

	"github.com/schuellerf/bufferbane/internal/ratelimit"
	"github.com/stretchr/testify/require"
)

func TestPerAddrLimiter_AllowsUpToBurstThenBlocks(t *testing.T) {
	l := ratelimit.NewPerAddrLimiter(1, 3)
	require.True(t, l.Allow("1.2.3.4:5000"))
	require.True(t, l.Allow("1.2.3.4:5000"))
	require.True(t, l.Allow("1.2.3.4:5000"))
	require.False(t, l.Allow("1.2.3.4:5000"))
}

func TestPerAddrLimiter_PerAddressIsolation(t *testing.T) {
	l := ratelimit.NewPerAddrLimiter(1, 1)
	require.True(t, l.Allow("1.2.3.4:5000"))
	require.False(t, l.Allow("1.2.3.4:5000"))
	require.True(t, l.Allow("5.6.7.8:9000"), "a different address must have its own bucket")
}

func TestPerAddrLimiter_DisabledWhenNonPositive(t *testing.T) {
	l := ratelimit.NewPerAddrLimiter(0, 0)
	for i := 0; i < 100; i++ {
		require.True(t, l.Allow("1.2.3.4:5000"))
	}
}
