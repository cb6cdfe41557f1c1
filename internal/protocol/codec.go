package protocol

import (
	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the size of the pre-shared secret.
const KeySize = chacha20poly1305.KeySize // 32

// Key is the 32-byte pre-shared secret used for both directions of the
// protocol. It is read-only after startup.
type Key [KeySize]byte

// Encode seals plaintext under key and prefixes it with a cleartext header
// built from packetType, clientID, and nonceTSNanos. The caller is
// responsible for choosing a nonceTSNanos that is strictly increasing for
// this client within the session; the prober and echo server use
// time.Now().UnixNano().
func Encode(packetType Type, clientID uint64, nonceTSNanos uint64, plaintext []byte, key Key) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}

	h := Header{
		Type:         packetType,
		ClientID:     clientID,
		NonceTSNanos: nonceTSNanos,
	}
	// CiphertextLen includes the 16-byte tag, so it must be known before
	// the header (the AEAD associated data) is finalized.
	h.CiphertextLen = uint16(len(plaintext) + aead.Overhead())

	headerBytes := h.Marshal()
	nonce := h.Nonce()

	out := make([]byte, 0, HeaderSize+int(h.CiphertextLen))
	out = append(out, headerBytes[:]...)
	out = aead.Seal(out, nonce[:], plaintext, headerBytes[:])
	return out, nil
}

// Decode parses the header and opens the AEAD-sealed payload. It returns
// ErrFormat for a structurally invalid packet (wrong magic, unsupported
// version, truncated, or a ciphertext_len that doesn't match the buffer)
// and ErrDecrypt when the authentication tag doesn't verify. Both failure
// modes are meant to be silently dropped by callers on the wire.
func Decode(buf []byte, key Key) (Header, []byte, error) {
	h, err := UnmarshalHeader(buf)
	if err != nil {
		return Header{}, nil, err
	}

	ciphertext := buf[HeaderSize:]
	if len(ciphertext) != int(h.CiphertextLen) {
		return Header{}, nil, ErrFormat
	}

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return Header{}, nil, err
	}

	nonce := h.Nonce()
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, buf[0:HeaderSize])
	if err != nil {
		return Header{}, nil, ErrDecrypt
	}

	return h, plaintext, nil
}
