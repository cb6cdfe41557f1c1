package timesync_test

import (
	"testing"
	"time"

	"github.com/schuellerf/bufferbane/internal/timesync"
	"github.com/stretchr/testify/require"
)

// clean simulates one round trip with a fixed upload/download/offset and no
// jitter: t1=0, t2=upload+offset, t3=t2+processing, t4=t3+download-offset.
func cleanRoundTrip(t1 uint64, uploadNS, downloadNS, processingNS, offsetNS int64) (t2, t3, t4 uint64) {
	t2 = uint64(int64(t1) + uploadNS + offsetNS)
	t3 = t2 + uint64(processingNS)
	t4 = uint64(int64(t3) + downloadNS - offsetNS)
	return
}

func TestEstimator_ColdUntilFirstAdmittedSample(t *testing.T) {
	e := timesync.New()
	require.Equal(t, timesync.StateCold, e.State())
	require.False(t, e.IsSynced())
}

func TestEstimator_RejectsNonMonotonicRoundTrip(t *testing.T) {
	e := timesync.New()
	out := e.Observe(1000, 500, 600, 700, time.Now()) // t4 < t1: the reply "arrives" before the request left
	require.Equal(t, 0, e.Len())
	require.False(t, out.HasOneWay)
}

func TestEstimator_AdmitsPlausibleSample(t *testing.T) {
	e := timesync.New()
	t1 := uint64(1_000_000_000)
	t2, t3, t4 := cleanRoundTrip(t1, 10*int64(time.Millisecond), 10*int64(time.Millisecond), 1*int64(time.Millisecond), 0)

	out := e.Observe(t1, t2, t3, t4, time.Now())
	require.Equal(t, 1, e.Len())
	require.Equal(t, int64(21*time.Millisecond), out.RTTNS)
	require.Equal(t, int64(1*time.Millisecond), out.ProcessingNS)
}

func TestEstimator_RejectsImplausibleAsymmetry(t *testing.T) {
	e := timesync.New()
	t1 := uint64(1_000_000_000)
	// The server claims to have held the packet (T3-T2 = 10ms) longer than
	// the whole round trip took (T4-T1 = 5ms), so the derived upload and
	// download both come out negative.
	t2 := t1 + uint64(100*time.Millisecond)
	t3 := t2 + uint64(10*time.Millisecond)
	t4 := t1 + uint64(5*time.Millisecond)
	e.Observe(t1, t2, t3, t4, time.Now())
	require.Equal(t, 0, e.Len(), "a server hold time longer than the round trip must not be admitted")
}

func TestEstimator_BecomesSyncedAfterEightCleanSamples(t *testing.T) {
	e := timesync.New()
	now := time.Now()
	t1 := uint64(1_000_000_000)

	var lastOut timesync.Output
	for i := 0; i < 8; i++ {
		t2, t3, t4 := cleanRoundTrip(t1, 10*int64(time.Millisecond), 10*int64(time.Millisecond), 1*int64(time.Millisecond), 2*int64(time.Millisecond))
		lastOut = e.Observe(t1, t2, t3, t4, now)
		t1 += uint64(50 * time.Millisecond)
	}

	require.True(t, e.IsSynced())
	require.Equal(t, timesync.StateSynced, e.State())
	require.True(t, lastOut.HasOneWay)
	require.Equal(t, timesync.EventSyncEstablished, lastOut.Event)
	require.InDelta(t, 2*float64(time.Millisecond), float64(e.BestOffsetNS()), float64(time.Microsecond))
}

func TestEstimator_NotSyncedBelowMinSamplesEvenWithPerfectQuality(t *testing.T) {
	e := timesync.New()
	now := time.Now()
	t1 := uint64(1_000_000_000)

	for i := 0; i < 7; i++ {
		t2, t3, t4 := cleanRoundTrip(t1, 10*int64(time.Millisecond), 10*int64(time.Millisecond), 1*int64(time.Millisecond), 0)
		e.Observe(t1, t2, t3, t4, now)
		t1 += uint64(50 * time.Millisecond)
	}

	require.Equal(t, 7, e.Len())
	require.False(t, e.IsSynced(), "window below MinSyncSamples must never report synced")
}

func TestEstimator_EventDebounceSuppressesRapidReflips(t *testing.T) {
	e := timesync.New()
	now := time.Now()
	t1 := uint64(1_000_000_000)

	for i := 0; i < 8; i++ {
		t2, t3, t4 := cleanRoundTrip(t1, 10*int64(time.Millisecond), 10*int64(time.Millisecond), 1*int64(time.Millisecond), 0)
		out := e.Observe(t1, t2, t3, t4, now)
		if i == 7 {
			require.Equal(t, timesync.EventSyncEstablished, out.Event)
		}
		t1 += uint64(50 * time.Millisecond)
	}

	// One wildly skewed sample one second after sync_established is
	// admitted (its upload and download are both positive) and, having the
	// lowest RTT, dominates the lower half of the window: quality drops and
	// the gate flips to unsynced at once, but the sync_lost event for that
	// flip falls inside EventDebounce and is suppressed.
	badT2 := t1 + uint64(500*time.Millisecond)
	badT3 := badT2 + uint64(time.Millisecond)
	badT4 := t1 + uint64(2*time.Millisecond)
	out := e.Observe(t1, badT2, badT3, badT4, now.Add(time.Second))
	require.Equal(t, timesync.EventNone, out.Event)
	require.False(t, e.IsSynced())
}

func TestEstimator_WindowCapsAtSixteenSamples(t *testing.T) {
	e := timesync.New()
	now := time.Now()
	t1 := uint64(1_000_000_000)

	for i := 0; i < 20; i++ {
		t2, t3, t4 := cleanRoundTrip(t1, 10*int64(time.Millisecond), 10*int64(time.Millisecond), 1*int64(time.Millisecond), 0)
		e.Observe(t1, t2, t3, t4, now)
		t1 += uint64(50 * time.Millisecond)
	}

	require.Equal(t, timesync.WindowSize, e.Len())
}
