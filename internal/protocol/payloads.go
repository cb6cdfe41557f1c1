package protocol

import "encoding/binary"

// KnockPayload authenticates a new session and anchors the anti-replay
// window to wall-clock time. Apart from the header's nonce_ts_ns, which is
// also wall-clock, it is the protocol's only wall-clock field; neither is
// used for latency arithmetic.
type KnockPayload struct {
	UnixTS  uint64
	Padding []byte
}

func (p KnockPayload) Marshal() []byte {
	buf := make([]byte, 8+len(p.Padding))
	binary.BigEndian.PutUint64(buf[0:8], p.UnixTS)
	copy(buf[8:], p.Padding)
	return buf
}

func UnmarshalKnock(buf []byte) (KnockPayload, error) {
	if len(buf) < 8 {
		return KnockPayload{}, ErrFormat
	}
	return KnockPayload{
		UnixTS:  binary.BigEndian.Uint64(buf[0:8]),
		Padding: append([]byte(nil), buf[8:]...),
	}, nil
}

// KnockAckPayload replies to a successful KNOCK with a fresh session
// handle. SessionID is informational to the client; the server looks up
// sessions by (remote_addr, client_id), not by this value.
type KnockAckPayload struct {
	SessionID      uint32
	ValidUntilUnix uint32
}

func (p KnockAckPayload) Marshal() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], p.SessionID)
	binary.BigEndian.PutUint32(buf[4:8], p.ValidUntilUnix)
	return buf
}

func UnmarshalKnockAck(buf []byte) (KnockAckPayload, error) {
	if len(buf) != 8 {
		return KnockAckPayload{}, ErrFormat
	}
	return KnockAckPayload{
		SessionID:      binary.BigEndian.Uint32(buf[0:4]),
		ValidUntilUnix: binary.BigEndian.Uint32(buf[4:8]),
	}, nil
}

// EchoRequestPayload carries the client's monotonic send time, T1.
type EchoRequestPayload struct {
	Seq          uint32
	ClientSendNS uint64
}

func (p EchoRequestPayload) Marshal() []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], p.Seq)
	binary.BigEndian.PutUint64(buf[4:12], p.ClientSendNS)
	return buf
}

func UnmarshalEchoRequest(buf []byte) (EchoRequestPayload, error) {
	if len(buf) != 12 {
		return EchoRequestPayload{}, ErrFormat
	}
	return EchoRequestPayload{
		Seq:          binary.BigEndian.Uint32(buf[0:4]),
		ClientSendNS: binary.BigEndian.Uint64(buf[4:12]),
	}, nil
}

// EchoReplyPayload echoes T1 and carries the server's T2/T3 on the
// server's own monotonic clock.
type EchoReplyPayload struct {
	Seq          uint32
	ClientSendNS uint64 // T1, echoed
	ServerRecvNS uint64 // T2
	ServerSendNS uint64 // T3
}

func (p EchoReplyPayload) Marshal() []byte {
	buf := make([]byte, 28)
	binary.BigEndian.PutUint32(buf[0:4], p.Seq)
	binary.BigEndian.PutUint64(buf[4:12], p.ClientSendNS)
	binary.BigEndian.PutUint64(buf[12:20], p.ServerRecvNS)
	binary.BigEndian.PutUint64(buf[20:28], p.ServerSendNS)
	return buf
}

func UnmarshalEchoReply(buf []byte) (EchoReplyPayload, error) {
	if len(buf) != 28 {
		return EchoReplyPayload{}, ErrFormat
	}
	return EchoReplyPayload{
		Seq:          binary.BigEndian.Uint32(buf[0:4]),
		ClientSendNS: binary.BigEndian.Uint64(buf[4:12]),
		ServerRecvNS: binary.BigEndian.Uint64(buf[12:20]),
		ServerSendNS: binary.BigEndian.Uint64(buf[20:28]),
	}, nil
}

// ErrorPayload carries a server-side error code and human-readable detail.
type ErrorPayload struct {
	Code    uint8
	Message string
}

func (p ErrorPayload) Marshal() []byte {
	buf := make([]byte, 1+len(p.Message))
	buf[0] = p.Code
	copy(buf[1:], p.Message)
	return buf
}

func UnmarshalError(buf []byte) (ErrorPayload, error) {
	if len(buf) < 1 {
		return ErrorPayload{}, ErrFormat
	}
	return ErrorPayload{
		Code:    buf[0],
		Message: string(buf[1:]),
	}, nil
}
