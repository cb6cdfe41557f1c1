package protocol

import "encoding/binary"

// Magic identifies the Bufferbane protocol on the wire.
var Magic = [4]byte{'B', 'F', 'B', 'N'}

// Version is the only protocol version this implementation speaks.
const Version uint8 = 1

// HeaderSize is the size in bytes of the cleartext packet header.
const HeaderSize = 24

// NonceSize is the size of the AEAD nonce derived from the header.
const NonceSize = 12

// TagSize is the size of the Poly1305 authentication tag appended to
// every sealed payload.
const TagSize = 16

// Type identifies the kind of packet carried after the header.
type Type uint8

const (
	TypeKnock    Type = 0x01
	TypeKnockAck Type = 0x02
	TypeEchoReq  Type = 0x10
	TypeEchoRep  Type = 0x11
	TypeError    Type = 0xFF
)

// Header is the 24-byte cleartext prefix of every Bufferbane packet. It
// also doubles as the AEAD associated data for the packet it prefixes.
type Header struct {
	Type          Type
	CiphertextLen uint16
	ClientID      uint64
	NonceTSNanos  uint64
}

// Marshal writes the header to a 24-byte buffer.
func (h Header) Marshal() [HeaderSize]byte {
	var buf [HeaderSize]byte
	copy(buf[0:4], Magic[:])
	buf[4] = Version
	buf[5] = byte(h.Type)
	binary.BigEndian.PutUint16(buf[6:8], h.CiphertextLen)
	binary.BigEndian.PutUint64(buf[8:16], h.ClientID)
	binary.BigEndian.PutUint64(buf[16:24], h.NonceTSNanos)
	return buf
}

// UnmarshalHeader parses the cleartext header, rejecting wrong magic,
// unsupported version, or a truncated buffer.
func UnmarshalHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrFormat
	}
	if buf[0] != Magic[0] || buf[1] != Magic[1] || buf[2] != Magic[2] || buf[3] != Magic[3] {
		return Header{}, ErrFormat
	}
	if buf[4] != Version {
		return Header{}, ErrFormat
	}
	return Header{
		Type:          Type(buf[5]),
		CiphertextLen: binary.BigEndian.Uint16(buf[6:8]),
		ClientID:      binary.BigEndian.Uint64(buf[8:16]),
		NonceTSNanos:  binary.BigEndian.Uint64(buf[16:24]),
	}, nil
}

// Nonce derives the 12-byte AEAD nonce from the header: the first 4 bytes
// of the client ID concatenated with the full 8-byte nonce timestamp.
func (h Header) Nonce() [NonceSize]byte {
	var n [NonceSize]byte
	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], h.ClientID)
	copy(n[0:4], idBuf[0:4])
	binary.BigEndian.PutUint64(n[4:12], h.NonceTSNanos)
	return n
}
