package echoserver_test

import (
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/schuellerf/bufferbane/internal/echoserver"
	"github.com/schuellerf/bufferbane/internal/protocol"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, nil))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func startServer(t *testing.T, key protocol.Key) (*echoserver.Server, func()) {
	t.Helper()
	srv, err := echoserver.New(testLogger(), "127.0.0.1:0", key, echoserver.Config{
		MaxSessions:    10,
		NonceWindow:    120 * time.Second,
		SessionTimeout: time.Hour,
		PerIPRateLimit: 0,
		ReadTimeout:    50 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Run(ctx)
		close(done)
	}()

	return srv, func() {
		cancel()
		<-done
	}
}

func dialClient(t *testing.T, serverAddr *net.UDPAddr) *net.UDPConn {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, serverAddr)
	require.NoError(t, err)
	return conn
}

func TestEchoServer_KnockThenEchoRoundTrip(t *testing.T) {
	var key protocol.Key
	key[0] = 0x42

	srv, stop := startServer(t, key)
	defer stop()

	conn := dialClient(t, srv.LocalAddr())
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	clientID := uint64(7)

	knockPlain := protocol.KnockPayload{UnixTS: uint64(time.Now().Unix())}.Marshal()
	knockPkt, err := protocol.Encode(protocol.TypeKnock, clientID, uint64(time.Now().UnixNano()), knockPlain, key)
	require.NoError(t, err)
	_, err = conn.Write(knockPkt)
	require.NoError(t, err)

	respBuf := make([]byte, 1500)
	n, err := conn.Read(respBuf)
	require.NoError(t, err)

	_, ackPlain, err := protocol.Decode(respBuf[:n], key)
	require.NoError(t, err)
	ack, err := protocol.UnmarshalKnockAck(ackPlain)
	require.NoError(t, err)
	require.NotZero(t, ack.SessionID)

	echoPlain := protocol.EchoRequestPayload{Seq: 1, ClientSendNS: 123456}.Marshal()
	echoPkt, err := protocol.Encode(protocol.TypeEchoReq, clientID, uint64(time.Now().UnixNano()), echoPlain, key)
	require.NoError(t, err)
	_, err = conn.Write(echoPkt)
	require.NoError(t, err)

	n, err = conn.Read(respBuf)
	require.NoError(t, err)

	_, replyPlain, err := protocol.Decode(respBuf[:n], key)
	require.NoError(t, err)
	reply, err := protocol.UnmarshalEchoReply(replyPlain)
	require.NoError(t, err)

	require.Equal(t, uint32(1), reply.Seq)
	require.Equal(t, uint64(123456), reply.ClientSendNS)
	require.GreaterOrEqual(t, reply.ServerSendNS, reply.ServerRecvNS)
}

func TestEchoServer_EchoWithoutSessionIsDropped(t *testing.T) {
	var key protocol.Key
	key[0] = 0x42

	srv, stop := startServer(t, key)
	defer stop()

	conn := dialClient(t, srv.LocalAddr())
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(300 * time.Millisecond))

	echoPlain := protocol.EchoRequestPayload{Seq: 1, ClientSendNS: 1}.Marshal()
	echoPkt, err := protocol.Encode(protocol.TypeEchoReq, 99, uint64(time.Now().UnixNano()), echoPlain, key)
	require.NoError(t, err)
	_, err = conn.Write(echoPkt)
	require.NoError(t, err)

	buf := make([]byte, 1500)
	_, err = conn.Read(buf)
	require.Error(t, err, "an echo request with no prior session must be silently dropped")
}

func TestEchoServer_ReplayedNonceGetsNoSecondReply(t *testing.T) {
	var key protocol.Key
	key[0] = 0x42

	srv, stop := startServer(t, key)
	defer stop()

	conn := dialClient(t, srv.LocalAddr())
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	clientID := uint64(11)
	knockPlain := protocol.KnockPayload{UnixTS: uint64(time.Now().Unix())}.Marshal()
	knockPkt, _ := protocol.Encode(protocol.TypeKnock, clientID, uint64(time.Now().UnixNano()), knockPlain, key)
	conn.Write(knockPkt)

	buf := make([]byte, 1500)
	_, err := conn.Read(buf)
	require.NoError(t, err)

	nonce := uint64(time.Now().UnixNano())
	echoPlain := protocol.EchoRequestPayload{Seq: 1, ClientSendNS: 1}.Marshal()
	echoPkt, _ := protocol.Encode(protocol.TypeEchoReq, clientID, nonce, echoPlain, key)

	conn.Write(echoPkt)
	_, err = conn.Read(buf)
	require.NoError(t, err, "first echo must be answered")

	conn.SetDeadline(time.Now().Add(300 * time.Millisecond))
	conn.Write(echoPkt) // identical nonce: replay
	_, err = conn.Read(buf)
	require.Error(t, err, "a replayed ECHO_REQ must get no reply")
}
