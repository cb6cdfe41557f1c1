// Package prober implements the client-side per-target tasks: an ICMP
// prober (thin pro-bing wrapper, grounded on
// client/doublezerod/internal/latency/ping.go's udpPing) and an
// authenticated server-echo prober (handshake + probe loop, grounded on
// tools/twamp/pkg/light/sender.go and the original implementation's
// client/src/probe.rs state machine).
package prober

import (
	"context"
	"log/slog"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"github.com/schuellerf/bufferbane/internal/measurement"
	"github.com/schuellerf/bufferbane/internal/metrics"
)

// ICMPProber sends one ping per Interval to Target, converting the result
// into a Measurement and pushing it to Out. It has no sync/offset work:
// RTT or timeout is all the spec asks of it.
type ICMPProber struct {
	Log            *slog.Logger
	Target         string
	Interface      string
	ConnectionType string
	Interval       time.Duration
	Timeout        time.Duration
	Out            chan<- measurement.Measurement

	jitter rollingStdDev
}

// Run sends pings at Interval until ctx is cancelled. Each delivered tick
// produces exactly one Measurement, ok, timeout or error. time.Ticker
// keeps at most one pending tick and drops the rest for a slow receiver,
// so a probe that overruns the interval is followed by one immediate
// probe, after which the regular cadence resumes; ticks dropped this way
// produce no Measurement.
func (p *ICMPProber) Run(ctx context.Context) {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeOnce(ctx)
		}
	}
}

func (p *ICMPProber) probeOnce(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	pinger, err := probing.NewPinger(p.Target)
	if err != nil {
		p.emit(measurement.Measurement{
			Status: measurement.StatusError,
			Error:  measurement.Ptr(err.Error()),
		})
		metrics.ProbesTotal.WithLabelValues(string(measurement.KindICMP), p.Target, string(measurement.StatusError)).Inc()
		return
	}
	pinger.SetPrivileged(true)
	pinger.Count = 1
	pinger.Timeout = p.Timeout

	done := make(chan struct{})
	go func() { _ = pinger.Run(); close(done) }()
	select {
	case <-probeCtx.Done():
		pinger.Stop()
		<-done
	case <-done:
	}

	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		p.emit(measurement.Measurement{Status: measurement.StatusTimeout})
		metrics.ProbesTotal.WithLabelValues(string(measurement.KindICMP), p.Target, string(measurement.StatusTimeout)).Inc()
		return
	}

	rttMS := float64(stats.AvgRtt.Microseconds()) / 1000.0
	p.jitter.push(rttMS)

	m := measurement.Measurement{
		RTTMS:    measurement.Ptr(rttMS),
		JitterMS: measurement.Ptr(p.jitter.stddev()),
		LossPct:  measurement.Ptr(stats.PacketLoss),
		Status:   measurement.StatusOK,
	}
	p.emit(m)
	metrics.ProbesTotal.WithLabelValues(string(measurement.KindICMP), p.Target, string(measurement.StatusOK)).Inc()
	metrics.ProbeRTTSeconds.WithLabelValues(string(measurement.KindICMP), p.Target).Observe(rttMS / 1000.0)
}

func (p *ICMPProber) emit(m measurement.Measurement) {
	m.TSUnixS = time.Now().Unix()
	m.TSMonotonicNS = time.Now().UnixNano()
	m.Interface = p.Interface
	m.ConnectionType = p.ConnectionType
	m.Kind = measurement.KindICMP
	m.Target = p.Target

	select {
	case p.Out <- m:
	default:
		p.Log.Warn("measurement channel full, dropping ICMP measurement", "target", p.Target)
		metrics.StorageBackpressureTotal.Inc()
	}
}
