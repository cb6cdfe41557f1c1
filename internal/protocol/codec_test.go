package protocol_test

import (
	"errors"
	"testing"

	"github.com/schuellerf/bufferbane/internal/protocol"
	"github.com/stretchr/testify/require"
)

func testKey() protocol.Key {
	var k protocol.Key
	for i := range k {
		k[i] = byte(i + 1)
	}
	return k
}

func TestCodec_RoundTrip(t *testing.T) {
	key := testKey()

	cases := []struct {
		name      string
		plaintext []byte
	}{
		{"empty", nil},
		{"knock", protocol.KnockPayload{UnixTS: 1700000000, Padding: []byte("pad")}.Marshal()},
		{"echo-req", protocol.EchoRequestPayload{Seq: 7, ClientSendNS: 123456789}.Marshal()},
		{"echo-rep", protocol.EchoReplyPayload{Seq: 7, ClientSendNS: 1, ServerRecvNS: 2, ServerSendNS: 3}.Marshal()},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			encoded, err := protocol.Encode(protocol.TypeEchoReq, 0xAABBCCDDEEFF0011, 99, tc.plaintext, key)
			require.NoError(t, err)

			hdr, plaintext, err := protocol.Decode(encoded, key)
			require.NoError(t, err)
			require.Equal(t, protocol.TypeEchoReq, hdr.Type)
			require.Equal(t, uint64(0xAABBCCDDEEFF0011), hdr.ClientID)
			require.Equal(t, uint64(99), hdr.NonceTSNanos)
			require.Equal(t, tc.plaintext, plaintext)
		})
	}
}

func TestCodec_MutationBreaksDecode(t *testing.T) {
	key := testKey()
	encoded, err := protocol.Encode(protocol.TypeEchoReq, 1, 1, []byte("hello"), key)
	require.NoError(t, err)

	for i := range encoded {
		mutated := append([]byte(nil), encoded...)
		mutated[i] ^= 0x01
		_, _, err := protocol.Decode(mutated, key)
		require.Error(t, err, "byte %d mutation should break decode", i)
	}
}

func TestCodec_WrongKeyFailsWithErrDecrypt(t *testing.T) {
	key := testKey()
	var other protocol.Key
	other[0] = 0xFF

	encoded, err := protocol.Encode(protocol.TypeEchoReq, 1, 1, []byte("hello"), key)
	require.NoError(t, err)

	_, _, err = protocol.Decode(encoded, other)
	require.ErrorIs(t, err, protocol.ErrDecrypt)
}

func TestCodec_TruncatedHeaderIsErrFormat(t *testing.T) {
	_, _, err := protocol.Decode(make([]byte, 10), testKey())
	require.ErrorIs(t, err, protocol.ErrFormat)
}

func TestCodec_BadMagicIsErrFormat(t *testing.T) {
	key := testKey()
	encoded, err := protocol.Encode(protocol.TypeEchoReq, 1, 1, []byte("x"), key)
	require.NoError(t, err)
	encoded[0] ^= 0xFF

	_, _, err = protocol.Decode(encoded, key)
	require.True(t, errors.Is(err, protocol.ErrFormat) || errors.Is(err, protocol.ErrDecrypt))
}

func TestCodec_UnsupportedVersionIsErrFormat(t *testing.T) {
	key := testKey()
	encoded, err := protocol.Encode(protocol.TypeEchoReq, 1, 1, []byte("x"), key)
	require.NoError(t, err)
	encoded[4] = 99

	_, _, err = protocol.Decode(encoded, key)
	require.ErrorIs(t, err, protocol.ErrFormat)
}

func TestCodec_MismatchedCiphertextLenIsErrFormat(t *testing.T) {
	key := testKey()
	encoded, err := protocol.Encode(protocol.TypeEchoReq, 1, 1, []byte("hello world"), key)
	require.NoError(t, err)

	truncated := encoded[:len(encoded)-1]
	_, _, err = protocol.Decode(truncated, key)
	require.ErrorIs(t, err, protocol.ErrFormat)
}

func TestHeader_NonceDerivation(t *testing.T) {
	h := protocol.Header{ClientID: 0x0102030405060708, NonceTSNanos: 0x1122334455667788}
	nonce := h.Nonce()
	require.Equal(t, [protocol.NonceSize]byte{0x01, 0x02, 0x03, 0x04, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88}, nonce)
}
