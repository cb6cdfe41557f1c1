package noncecache_test

import (
	"testing"
	"time"

	"github.com/schuellerf/bufferbane/internal/noncecache"
	"github.com/stretchr/testify/require"
)

func TestCache_FreshThenReplay(t *testing.T) {
	c := noncecache.New(120 * time.Second)

	require.True(t, c.CheckAndInsert(1000))
	require.False(t, c.CheckAndInsert(1000), "resending the same nonce must be detected as replay")
	require.True(t, c.CheckAndInsert(1001))
}

func TestCache_PerSessionIsolation(t *testing.T) {
	a := noncecache.New(120 * time.Second)
	b := noncecache.New(120 * time.Second)

	require.True(t, a.CheckAndInsert(42))
	// The same nonce in a different session's cache is not a replay.
	require.True(t, b.CheckAndInsert(42))
}

func TestCache_SweepEvictsOldEntries(t *testing.T) {
	c := noncecache.New(10 * time.Second)

	base := uint64(time.Hour)
	c.CheckAndInsert(base)
	c.CheckAndInsert(base + uint64(5*time.Second))
	c.CheckAndInsert(base + uint64(20*time.Second))
	require.Equal(t, 3, c.Len())

	evicted := c.Sweep(base + uint64(20*time.Second))
	require.Equal(t, 2, evicted)
	require.Equal(t, 1, c.Len())

	// The evicted nonce is no longer tracked, so replaying it now succeeds
	// as "fresh" — this is the accepted tradeoff of a bounded window.
	require.True(t, c.CheckAndInsert(base))
}
