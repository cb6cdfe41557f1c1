package session_test

import (
	"net"
	"testing"
	"time"

	"github.com/schuellerf/bufferbane/internal/session"
	"github.com/stretchr/testify/require"
)

func testAddr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port}
}

func TestTable_CreateLookupRefresh(t *testing.T) {
	seq := uint32(0)
	tbl := session.New(10, 120*time.Second, func() uint32 { seq++; return seq })

	now := time.Now()
	s, ok := tbl.CreateOrRefresh(1, testAddr(5000), now, time.Hour)
	require.True(t, ok)
	require.Equal(t, uint32(1), s.SessionID)

	found, ok := tbl.Lookup(1, testAddr(5000), now)
	require.True(t, ok)
	require.Same(t, s, found)

	// Same client_id from a different address is a different session.
	_, ok = tbl.Lookup(1, testAddr(5001), now)
	require.False(t, ok)

	// Refreshing extends validity and reuses the session.
	refreshed, ok := tbl.CreateOrRefresh(1, testAddr(5000), now.Add(time.Minute), time.Hour)
	require.True(t, ok)
	require.Same(t, s, refreshed)
}

func TestTable_OverflowDropsNewKnocks(t *testing.T) {
	tbl := session.New(1, 120*time.Second, func() uint32 { return 1 })
	now := time.Now()

	_, ok := tbl.CreateOrRefresh(1, testAddr(5000), now, time.Hour)
	require.True(t, ok)

	_, ok = tbl.CreateOrRefresh(2, testAddr(5001), now, time.Hour)
	require.False(t, ok, "table at capacity must silently drop new sessions")

	// Refreshing the existing session is still allowed at capacity.
	_, ok = tbl.CreateOrRefresh(1, testAddr(5000), now, time.Hour)
	require.True(t, ok)
}

func TestTable_LookupExpired(t *testing.T) {
	tbl := session.New(10, 120*time.Second, func() uint32 { return 1 })
	now := time.Now()

	_, ok := tbl.CreateOrRefresh(1, testAddr(5000), now, time.Second)
	require.True(t, ok)

	_, ok = tbl.Lookup(1, testAddr(5000), now.Add(2*time.Second))
	require.False(t, ok, "expired session must not be found")
}

func TestTable_SweepExpired(t *testing.T) {
	tbl := session.New(10, 120*time.Second, func() uint32 { return 1 })
	now := time.Now()

	tbl.CreateOrRefresh(1, testAddr(5000), now, time.Second)
	tbl.CreateOrRefresh(2, testAddr(5001), now, time.Hour)

	removed := tbl.SweepExpired(now.Add(2 * time.Second))
	require.Equal(t, 1, removed)
	require.Equal(t, 1, tbl.Len())
}

func TestTable_SweepNoncesEvictsStaleEntriesInLiveSessions(t *testing.T) {
	tbl := session.New(10, 10*time.Second, func() uint32 { return 1 })
	now := time.Now()

	s, ok := tbl.CreateOrRefresh(1, testAddr(5000), now, time.Hour)
	require.True(t, ok)

	require.True(t, s.Nonces.CheckAndInsert(uint64(now.UnixNano())))
	require.Equal(t, 1, s.Nonces.Len())

	tbl.SweepNonces(uint64(now.Add(time.Minute).UnixNano()))
	require.Equal(t, 0, s.Nonces.Len(), "nonce older than the replay window must be evicted")
}
