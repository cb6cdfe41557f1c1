package prober

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRollingStdDev_ZeroForFewerThanTwoSamples(t *testing.T) {
	var r rollingStdDev
	require.Equal(t, 0.0, r.stddev())
	r.push(10)
	require.Equal(t, 0.0, r.stddev())
}

func TestRollingStdDev_ConstantSeriesHasZeroStdDev(t *testing.T) {
	var r rollingStdDev
	for i := 0; i < 5; i++ {
		r.push(42)
	}
	require.InDelta(t, 0.0, r.stddev(), 1e-9)
}

func TestRollingStdDev_EvictsOldestPastWindow(t *testing.T) {
	var r rollingStdDev
	for i := 0; i < jitterWindow; i++ {
		r.push(5)
	}
	// Pushing jitterWindow more wildly different values should fully
	// replace the original constant series.
	for i := 0; i < jitterWindow; i++ {
		r.push(5000)
	}
	require.InDelta(t, 0.0, r.stddev(), 1e-6)
}
