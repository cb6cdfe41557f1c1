// Package protocol implements Bufferbane's UDP wire format: a 24-byte
// cleartext header followed by a ChaCha20-Poly1305 sealed payload.
package protocol

import "errors"

var (
	// ErrFormat is returned for structurally invalid packets: wrong magic,
	// unsupported version, or a truncated/oversized buffer. No crypto is
	// attempted once this is returned.
	ErrFormat = errors.New("protocol: malformed packet")

	// ErrDecrypt is returned when AEAD tag verification fails, i.e. the
	// header parsed fine but the ciphertext was tampered with or sealed
	// under a different key.
	ErrDecrypt = errors.New("protocol: AEAD open failed")
)
