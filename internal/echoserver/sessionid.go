package echoserver

import (
	"crypto/rand"
	"encoding/binary"
	"sync/atomic"
)

// newSessionIDGenerator returns a function producing session IDs that are
// unpredictable (session_id is informational only per the spec, but there
// is no reason to make it guessable) and collision-free in practice: a
// random 32-bit start point, incremented atomically thereafter.
func newSessionIDGenerator() func() uint32 {
	var seed [4]byte
	_, _ = rand.Read(seed[:])
	counter := atomic.Uint32{}
	counter.Store(binary.BigEndian.Uint32(seed[:]))

	return func() uint32 {
		return counter.Add(1)
	}
}
