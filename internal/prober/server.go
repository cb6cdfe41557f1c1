package prober

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/schuellerf/bufferbane/internal/measurement"
	"github.com/schuellerf/bufferbane/internal/metrics"
	"github.com/schuellerf/bufferbane/internal/protocol"
	"github.com/schuellerf/bufferbane/internal/timesync"
)

// maxConsecutiveTimeouts is the spec's default K: after this many
// timeouts in a row, the session is assumed lost and the prober returns
// to the handshake phase, discarding its estimator state.
const maxConsecutiveTimeouts = 3

// knockBackoffMin/Max bound the exponential backoff between KNOCK
// retries while a session has not yet been established.
const (
	knockBackoffMin = 500 * time.Millisecond
	knockBackoffMax = 30 * time.Second
)

// newKnockBackOff builds the retry schedule for the KNOCK handshake:
// doubling from knockBackoffMin up to knockBackoffMax, deterministic
// (no jitter) and never giving up on its own — ctx cancellation is what
// stops the retry loop, matching DefaultListenFuncWithRetry's
// backoff.WithContext pattern but without its WithMaxElapsedTime cutoff,
// since a prober is meant to keep re-knocking for the life of the probe.
func newKnockBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(knockBackoffMin),
		backoff.WithMaxInterval(knockBackoffMax),
		backoff.WithMultiplier(2.0),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxElapsedTime(0),
	)
	return b
}

// ServerProber authenticates to one server target, then sends ECHO_REQ
// probes at Interval, feeding a timesync.Estimator and emitting
// Measurements. Grounded on tools/twamp/pkg/light/sender.go's
// ephemeral-socket + deadline + select pattern, generalized to the
// handshake/probe state machine client/src/probe.rs describes.
type ServerProber struct {
	Log            *slog.Logger
	Host           string
	Port           int
	ClientID       uint64
	Key            protocol.Key
	Interval       time.Duration
	Timeout        time.Duration
	Interface      string
	ConnectionType string
	Out            chan<- measurement.Measurement
	Events         chan<- measurement.Event

	sessionStart time.Time
	localAddr    *net.UDPAddr // local address the session's KNOCK was sent from
	estimator    *timesync.Estimator
	jitter       rollingStdDev
}

// Run drives the handshake-then-probe loop until ctx is cancelled.
func (p *ServerProber) Run(ctx context.Context) {
	knockBackOff := backoff.WithContext(newKnockBackOff(), ctx)
	for ctx.Err() == nil {
		if err := p.handshake(ctx); err != nil {
			p.Log.Warn("knock handshake failed", "target", p.target(), "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(knockBackOff.NextBackOff()):
			}
			continue
		}
		knockBackOff.Reset()

		lost := p.probeLoop(ctx)
		if !lost {
			return // ctx cancelled mid-loop
		}
		// Session lost: fall through and re-knock.
	}
}

func (p *ServerProber) target() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// handshake sends a KNOCK and waits for KNOCK_ACK, resetting the
// prober's session-relative monotonic clock and estimator on success.
func (p *ServerProber) handshake(ctx context.Context) error {
	remote, err := net.ResolveUDPAddr("udp", p.target())
	if err != nil {
		return err
	}
	conn, err := net.DialUDP("udp", nil, remote)
	if err != nil {
		return err
	}
	defer conn.Close()

	p.sessionStart = time.Now()

	knockPlain := protocol.KnockPayload{UnixTS: uint64(time.Now().Unix())}.Marshal()
	pkt, err := protocol.Encode(protocol.TypeKnock, p.ClientID, uint64(time.Now().UnixNano()), knockPlain, p.Key)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(p.Timeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return err
	}
	if _, err := conn.Write(pkt); err != nil {
		return err
	}

	buf := make([]byte, 1500)
	n, err := conn.Read(buf)
	if err != nil {
		return err
	}

	_, plaintext, err := protocol.Decode(buf[:n], p.Key)
	if err != nil {
		return err
	}
	if _, err := protocol.UnmarshalKnockAck(plaintext); err != nil {
		return err
	}

	p.localAddr = conn.LocalAddr().(*net.UDPAddr)
	p.estimator = timesync.New()
	return nil
}

// probeLoop sends ECHO_REQ at Interval over a fresh socket bound to the
// local address the KNOCK was sent from, so the server's
// (remote_addr, client_id) session lookup matches, returning true if the
// session was judged lost
// (K consecutive timeouts) so the caller should re-handshake, or false if
// ctx was cancelled.
func (p *ServerProber) probeLoop(ctx context.Context) (lost bool) {
	remote, err := net.ResolveUDPAddr("udp", p.target())
	if err != nil {
		return false
	}
	conn, err := net.DialUDP("udp", p.localAddr, remote)
	if err != nil {
		return false
	}
	defer conn.Close()

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	var seq uint32
	consecutiveTimeouts := 0

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			seq++
			ok := p.probeOnce(ctx, conn, seq)
			if ok {
				consecutiveTimeouts = 0
			} else {
				consecutiveTimeouts++
				if consecutiveTimeouts >= maxConsecutiveTimeouts {
					p.emitEvent(measurement.EventSyncLost, measurement.SeverityWarning)
					metrics.SyncLostTotal.WithLabelValues(p.target()).Inc()
					return true
				}
			}
		}
	}
}

func (p *ServerProber) probeOnce(ctx context.Context, conn *net.UDPConn, seq uint32) (ok bool) {
	t1 := uint64(time.Since(p.sessionStart).Nanoseconds())
	reqPlain := protocol.EchoRequestPayload{Seq: seq, ClientSendNS: t1}.Marshal()
	pkt, err := protocol.Encode(protocol.TypeEchoReq, p.ClientID, uint64(time.Now().UnixNano()), reqPlain, p.Key)
	if err != nil {
		p.emitTimeout()
		return false
	}

	deadline := time.Now().Add(p.Timeout)
	if err := conn.SetDeadline(deadline); err != nil {
		p.emitTimeout()
		return false
	}
	if _, err := conn.Write(pkt); err != nil {
		p.emitTimeout()
		return false
	}

	buf := make([]byte, 1500)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			p.emitTimeout()
			metrics.ProbesTotal.WithLabelValues(string(measurement.KindServerEcho), p.target(), string(measurement.StatusTimeout)).Inc()
			return false
		}

		_, plaintext, err := protocol.Decode(buf[:n], p.Key)
		if err != nil {
			continue // tampered/foreign reply: keep waiting until deadline
		}
		reply, err := protocol.UnmarshalEchoReply(plaintext)
		if err != nil || reply.Seq != seq {
			continue // stale or malformed reply: discard, keep waiting
		}

		t4 := uint64(time.Since(p.sessionStart).Nanoseconds())
		p.recordSuccess(reply, t1, t4)
		return true
	}
}

func (p *ServerProber) recordSuccess(reply protocol.EchoReplyPayload, t1, t4 uint64) {
	out := p.estimator.Observe(t1, reply.ServerRecvNS, reply.ServerSendNS, t4, time.Now())

	rttMS := float64(out.RTTNS) / 1e6
	p.jitter.push(rttMS)

	m := measurement.Measurement{
		TSUnixS:        time.Now().Unix(),
		TSMonotonicNS:  int64(t4),
		Interface:      p.Interface,
		ConnectionType: p.ConnectionType,
		Kind:           measurement.KindServerEcho,
		Target:         p.target(),
		ServerName:     measurement.Ptr(p.target()),
		RTTMS:          measurement.Ptr(rttMS),
		JitterMS:       measurement.Ptr(p.jitter.stddev()),
		Status:         measurement.StatusOK,
	}
	if out.HasOneWay {
		m.UploadMS = measurement.Ptr(float64(out.UploadNS) / 1e6)
		m.DownloadMS = measurement.Ptr(float64(out.DownloadNS) / 1e6)
		m.ServerProcessingUS = measurement.Ptr(float64(out.ProcessingNS) / 1e3)
	}

	p.send(m)
	metrics.SyncQuality.WithLabelValues(p.target()).Set(out.Quality)
	metrics.ProbesTotal.WithLabelValues(string(measurement.KindServerEcho), p.target(), string(measurement.StatusOK)).Inc()
	metrics.ProbeRTTSeconds.WithLabelValues(string(measurement.KindServerEcho), p.target()).Observe(rttMS / 1000.0)

	switch out.Event {
	case timesync.EventSyncEstablished:
		p.emitEvent(measurement.EventSyncEstablished, measurement.SeverityInfo)
		metrics.SyncEstablishedTotal.WithLabelValues(p.target()).Inc()
	case timesync.EventSyncLost:
		p.emitEvent(measurement.EventSyncLost, measurement.SeverityWarning)
		metrics.SyncLostTotal.WithLabelValues(p.target()).Inc()
	}
	p.send(m)
}

func (p *ServerProber) emitTimeout() {
	p.send(measurement.Measurement{
		TSUnixS:        time.Now().Unix(),
		Interface:      p.Interface,
		ConnectionType: p.ConnectionType,
		Kind:           measurement.KindServerEcho,
		Target:         p.target(),
		Status:         measurement.StatusTimeout,
	})
}

func (p *ServerProber) emitEvent(kind measurement.EventKind, severity measurement.Severity) {
	if p.Events == nil {
		return
	}
	ev := measurement.NewEvent(time.Now(), kind, severity, map[string]any{"target": p.target()})
	select {
	case p.Events <- ev:
	default:
		p.Log.Warn("event channel full, dropping event", "kind", kind, "target", p.target())
	}
}

func (p *ServerProber) send(m measurement.Measurement) {
	select {
	case p.Out <- m:
	default:
		p.Log.Warn("measurement channel full, dropping server-echo measurement", "target", p.target())
		metrics.StorageBackpressureTotal.Inc()
	}
}

