// Package echoserver implements the authenticated UDP echo server: a
// single socket, a read-timeout event loop, and silent-drop-on-any-error
// semantics, modeled directly on
// tools/twamp/pkg/light/reflector_basic.go's BasicReflector (single
// goroutine, SetReadDeadline loop, context-driven shutdown via Close).
// The packet-handling branches (KNOCK / ECHO_REQ / drop) follow
// server/src/handlers/{knock,echo}.rs from the original implementation.
package echoserver

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/schuellerf/bufferbane/internal/apperrors"
	"github.com/schuellerf/bufferbane/internal/logging"
	"github.com/schuellerf/bufferbane/internal/metrics"
	"github.com/schuellerf/bufferbane/internal/protocol"
	"github.com/schuellerf/bufferbane/internal/ratelimit"
	"github.com/schuellerf/bufferbane/internal/session"
)

// WallClockSkew is the acceptance window for both the header's
// nonce_ts_ns and the KNOCK payload's unix_ts_s, per the ±60 s sanity
// check against the server's own wall clock.
const WallClockSkew = 60 * time.Second

// SessionTimeout is the default validity period a KNOCK grants.
const SessionTimeout = time.Hour

// Server is the Bufferbane echo server: single UDP socket, single
// read-dispatch goroutine. Not safe for concurrent use of Run/Close from
// multiple goroutines beyond the documented pattern (one Run, one Close).
type Server struct {
	log         *slog.Logger
	conn        *net.UDPConn
	key         protocol.Key
	sessions    *session.Table
	limiter     *ratelimit.PerAddrLimiter
	maxPacket   int
	readTimeout time.Duration
	startedAt   time.Time
	sessionTTL  time.Duration
	once        sync.Once
}

// Config bundles the knobs the CLI layer reads out of ServerConfig.
type Config struct {
	MaxSessions    int
	MaxPacketBytes int
	NonceWindow    time.Duration
	SessionTimeout time.Duration
	PerIPRateLimit int
	ReadTimeout    time.Duration
}

// New binds a UDP listener on addr and prepares the server's session
// table and rate limiter. It does not start serving; call Run.
func New(log *slog.Logger, addr string, key protocol.Key, cfg Config) (*Server, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, apperrors.NewNetwork("echoserver_bind", "failed to resolve bind address", err).WithContext("addr", addr)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, apperrors.NewNetwork("echoserver_bind", "failed to bind UDP socket", err).WithContext("addr", addr)
	}

	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = time.Second
	}
	if cfg.MaxPacketBytes == 0 {
		cfg.MaxPacketBytes = 1500
	}
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = SessionTimeout
	}

	sessionIDGen := newSessionIDGenerator()

	return &Server{
		log:         log,
		conn:        conn,
		key:         key,
		sessions:    session.New(cfg.MaxSessions, cfg.NonceWindow, sessionIDGen),
		limiter:     ratelimit.NewPerAddrLimiter(cfg.PerIPRateLimit, cfg.PerIPRateLimit),
		maxPacket:   cfg.MaxPacketBytes,
		readTimeout: cfg.ReadTimeout,
		startedAt:   time.Now(),
		sessionTTL:  cfg.SessionTimeout,
	}, nil
}

// Run serves until ctx is cancelled, then closes the socket. Every
// receive-side failure is a silent drop: no reply, no retry, just the
// loop continuing — per the spec's "appears-closed to scanners" policy.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("starting bufferbane echo server", "address", s.conn.LocalAddr())

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	sweepTicker := time.NewTicker(s.sessionTTL / 4)
	defer sweepTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sweepTicker.C:
				now := time.Now()
				s.sessions.SweepExpired(now)
				s.sessions.SweepNonces(uint64(now.UnixNano()))
			}
		}
	}()

	buf := make([]byte, s.maxPacket)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
			if isClosedErr(err) {
				return nil
			}
			return apperrors.NewNetwork("echoserver_run", "failed to set read deadline", err)
		}

		n, remote, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if isClosedErr(err) {
				return nil
			}
			s.log.Debug("read error", "error", err)
			continue
		}

		if !s.limiter.Allow(remote.String()) {
			continue
		}

		s.handlePacket(buf[:n], remote)
	}
}

// Close shuts down the listening socket exactly once.
func (s *Server) Close() error {
	var err error
	s.once.Do(func() {
		s.log.Debug("closing bufferbane echo server")
		err = s.conn.Close()
	})
	return err
}

// LocalAddr returns the bound address.
func (s *Server) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// handlePacket decodes and dispatches one datagram. Every failure path is
// a silent return: no error is sent back to the remote, matching the
// spec's no-information-leakage policy.
func (s *Server) handlePacket(buf []byte, remote *net.UDPAddr) {
	header, err := protocol.UnmarshalHeader(buf)
	if err != nil {
		return
	}

	now := time.Now()
	nonceTime := time.Unix(0, int64(header.NonceTSNanos))
	if skew := now.Sub(nonceTime); skew > WallClockSkew || skew < -WallClockSkew {
		s.log.Debug("packet dropped", "reason", apperrors.ErrClockSkewTooLarge.Error(), "remote", remote.String())
		return
	}

	_, plaintext, err := protocol.Decode(buf, s.key)
	if err != nil {
		return
	}

	switch header.Type {
	case protocol.TypeKnock:
		s.handleKnock(plaintext, header, remote, now)
	case protocol.TypeEchoReq:
		s.handleEchoRequest(plaintext, header, remote)
	default:
		return
	}
}

func (s *Server) handleKnock(plaintext []byte, header protocol.Header, remote *net.UDPAddr, now time.Time) {
	knock, err := protocol.UnmarshalKnock(plaintext)
	if err != nil {
		return
	}

	unixTS := time.Unix(int64(knock.UnixTS), 0)
	if skew := now.Sub(unixTS); skew > WallClockSkew || skew < -WallClockSkew {
		s.log.Debug("knock dropped", "reason", apperrors.ErrClockSkewTooLarge.Error(), "remote", remote.String())
		return
	}

	sess, ok := s.sessions.CreateOrRefresh(header.ClientID, remote, now, s.sessionTTL)
	if !ok {
		metrics.SessionsDroppedTotal.Inc()
		logging.Error("knock dropped", apperrors.ErrSessionTableFull.WithContext("client_id", header.ClientID))
		return
	}
	metrics.SessionsActive.Set(float64(s.sessions.Len()))

	ackPayload := protocol.KnockAckPayload{
		SessionID:      sess.SessionID,
		ValidUntilUnix: uint32(sess.ValidUntilUnix),
	}
	s.sendReply(protocol.TypeKnockAck, header.ClientID, remote, ackPayload.Marshal())

	s.log.Debug("session established", "client_id", header.ClientID, "remote", remote.String(), "session_id", sess.SessionID)
}

func (s *Server) handleEchoRequest(plaintext []byte, header protocol.Header, remote *net.UDPAddr) {
	req, err := protocol.UnmarshalEchoRequest(plaintext)
	if err != nil {
		return
	}

	now := time.Now()
	sess, ok := s.sessions.Lookup(header.ClientID, remote, now)
	if !ok {
		s.log.Debug("echo request dropped", "reason", apperrors.ErrEchoNoSession.Error(), "client_id", header.ClientID, "remote", remote.String())
		return
	}

	if fresh := sess.Nonces.CheckAndInsert(header.NonceTSNanos); !fresh {
		metrics.NonceReplaysTotal.WithLabelValues(remote.String()).Inc()
		s.log.Debug("echo request dropped", "reason", apperrors.ErrNonceReplay.Error(), "client_id", header.ClientID, "remote", remote.String())
		return
	}

	serverRecvNS := s.monotonicNS()
	serverSendNS := s.monotonicNS()

	reply := protocol.EchoReplyPayload{
		Seq:          req.Seq,
		ClientSendNS: req.ClientSendNS,
		ServerRecvNS: serverRecvNS,
		ServerSendNS: serverSendNS,
	}
	s.sendReply(protocol.TypeEchoRep, header.ClientID, remote, reply.Marshal())
}

// sendReply seals plaintext with a fresh wall-clock nonce timestamp and
// writes it to remote, mirroring PacketHeader::new's nonce generation in
// the original implementation (SystemTime::now(), not monotonic) — the
// client_id field on an outgoing packet is always the session's
// client_id, so the reply is tied to the session that solicited it.
func (s *Server) sendReply(pktType protocol.Type, clientID uint64, remote *net.UDPAddr, plaintext []byte) {
	nonceTSNanos := uint64(time.Now().UnixNano())
	encoded, err := protocol.Encode(pktType, clientID, nonceTSNanos, plaintext, s.key)
	if err != nil {
		s.log.Debug("failed to encode reply", "error", err)
		return
	}

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.readTimeout)); err != nil {
		return
	}
	if _, err := s.conn.WriteToUDP(encoded, remote); err != nil {
		s.log.Debug("failed to write reply", "remote", remote.String(), "error", err)
	}
}

// monotonicNS returns nanoseconds elapsed since the server started,
// backing server_recv_ns/server_send_ns — never wall clock, so these
// values are immune to NTP steps during the server's lifetime.
func (s *Server) monotonicNS() uint64 {
	return uint64(time.Since(s.startedAt).Nanoseconds())
}
