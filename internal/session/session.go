// Package session implements the echo server's per-client authentication
// state: created on a successful KNOCK, looked up on every ECHO_REQ, and
// swept away on expiry. Modeled on the concurrency discipline of
// server/src/session/mod.rs (RwLock<HashMap>) from the original
// implementation, translated to Go's sync.RWMutex + map idiom used
// throughout the teacher pack for read-heavy shared state.
package session

import (
	"net"
	"sync"
	"time"

	"github.com/schuellerf/bufferbane/internal/noncecache"
)

// Key identifies a session by the (remote_addr, client_id) pair the spec
// requires lookups to use — session_id itself is informational only.
type Key struct {
	Addr     string
	ClientID uint64
}

// Session is the server-side state bound to one authenticated client.
type Session struct {
	ClientID       uint64
	RemoteAddr     *net.UDPAddr
	SessionID      uint32
	ValidUntilUnix int64
	LastSeen       time.Time
	Nonces         *noncecache.Cache
}

// Table is the server's session store: keyed by (remote_addr, client_id),
// bounded by MaxSessions, swept by an expiry sweeper. Safe for concurrent
// use; it is written only by the packet-handling loop and the sweeper.
type Table struct {
	mu           sync.RWMutex
	sessions     map[Key]*Session
	maxSessions  int
	nonceWindow  time.Duration
	sessionIDGen func() uint32
}

// New creates an empty session table bounded at maxSessions entries.
// nonceWindow is passed through to each session's per-session nonce cache.
func New(maxSessions int, nonceWindow time.Duration, sessionIDGen func() uint32) *Table {
	return &Table{
		sessions:     make(map[Key]*Session),
		maxSessions:  maxSessions,
		nonceWindow:  nonceWindow,
		sessionIDGen: sessionIDGen,
	}
}

// CreateOrRefresh creates a new session for (addr, clientID) or refreshes
// an existing one's expiry, returning the session and true. If the table
// is at capacity and no session for this key already exists, the KNOCK is
// silently dropped: it returns (nil, false).
func (t *Table) CreateOrRefresh(clientID uint64, addr *net.UDPAddr, now time.Time, timeout time.Duration) (*Session, bool) {
	key := Key{Addr: addr.String(), ClientID: clientID}

	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.sessions[key]; ok {
		s.LastSeen = now
		s.ValidUntilUnix = now.Add(timeout).Unix()
		return s, true
	}

	if len(t.sessions) >= t.maxSessions {
		return nil, false
	}

	s := &Session{
		ClientID:       clientID,
		RemoteAddr:     addr,
		SessionID:      t.sessionIDGen(),
		ValidUntilUnix: now.Add(timeout).Unix(),
		LastSeen:       now,
		Nonces:         noncecache.New(t.nonceWindow),
	}
	t.sessions[key] = s
	return s, true
}

// Lookup returns the session for (clientID, addr) if it exists and has
// not expired as of now.
func (t *Table) Lookup(clientID uint64, addr *net.UDPAddr, now time.Time) (*Session, bool) {
	key := Key{Addr: addr.String(), ClientID: clientID}

	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.sessions[key]
	if !ok {
		return nil, false
	}
	if now.Unix() > s.ValidUntilUnix {
		return nil, false
	}
	return s, true
}

// SweepExpired removes sessions whose validity has lapsed as of now,
// returning the number removed.
func (t *Table) SweepExpired(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key, s := range t.sessions {
		if now.Unix() > s.ValidUntilUnix {
			delete(t.sessions, key)
			removed++
		}
	}
	return removed
}

// SweepNonces evicts stale entries from every live session's replay
// cache, keyed off each session's own monotonic-since-start clock isn't
// available here, so nowNanos must be the caller's wall-clock
// nanoseconds: nonce_ts_ns is itself wall-clock (see protocol.Header), so
// this is consistent with what CheckAndInsert was fed.
func (t *Table) SweepNonces(nowNanos uint64) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, s := range t.sessions {
		s.Nonces.Sweep(nowNanos)
	}
}

// Len returns the number of active sessions.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}
