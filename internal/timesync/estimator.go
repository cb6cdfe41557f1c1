// Package timesync implements the client-side one-way-latency estimator:
// a rolling window of round-trip offset samples, a quality score derived
// from the spread of the best half of those samples, and a synced/unsynced
// gate on reporting upload/download latency. All timestamps are monotonic
// (session-start-relative on the client, server-start-relative on the
// server) — the estimator is deliberately immune to wall-clock steps.
//
// There is no equivalent in the teacher pack (its TWAMP tools report raw
// RTT only); this is built directly from spec.md §4.5's formulas, using
// the teacher's bounded-ring-buffer idiom (see exporter.PartitionBuffer
// in the pack) for the fixed-size sample window.
package timesync

import (
	"math"
	"sort"
	"time"
)

// WindowSize is the number of most recent admitted samples kept.
const WindowSize = 16

// MinSyncSamples is the minimum window population required for is_synced.
const MinSyncSamples = 8

// QualityThreshold is the minimum quality score required for is_synced.
const QualityThreshold = 80.0

// admissionEpsilon accommodates rounding in the admission inequality.
const admissionEpsilon = int64(time.Millisecond)

// EventDebounce bounds how often sync_established/sync_lost transitions
// are reported; flips within this window of the last reported transition
// are suppressed, though the synced/unsynced gate itself is never
// debounced — it always reflects the current window.
const EventDebounce = 5 * time.Second

// State is a coarse, human-readable summary of estimator progress. It is
// derived from (and never drives) the quality/window-size gate.
type State int

const (
	StateCold State = iota
	StateWarming
	StateSynced
)

func (s State) String() string {
	switch s {
	case StateCold:
		return "cold"
	case StateWarming:
		return "warming"
	case StateSynced:
		return "synced"
	default:
		return "unknown"
	}
}

// EventKind distinguishes the two transitions the estimator can report.
type EventKind int

const (
	EventNone EventKind = iota
	EventSyncEstablished
	EventSyncLost
)

// Sample is one admitted round-trip's derived quantities, all in
// nanoseconds.
type Sample struct {
	RTTNS        int64
	RawOffsetNS  int64
	UploadNS     int64
	DownloadNS   int64
	ProcessingNS int64
}

// Output is what a round trip contributes to a Measurement: the
// always-available RTT/processing time, and the gated one-way latencies.
type Output struct {
	RTTNS        int64
	ProcessingNS int64
	HasOneWay    bool
	UploadNS     int64
	DownloadNS   int64
	IsSynced     bool
	Quality      float64
	Event        EventKind
}

// Estimator holds one server target's rolling offset-sample window. It is
// owned exclusively by that target's prober task: no sharing, no locking.
type Estimator struct {
	window       []Sample // ring, oldest first, capped at WindowSize
	bestOffsetNS int64
	quality      float64
	isSynced     bool
	state        State

	lastEventAt      time.Time
	lastEventEmitted bool // whether lastEventAt corresponds to a real emission yet
	lastReported     bool // direction of the last emitted event
}

// New creates an estimator in the Cold state.
func New() *Estimator {
	return &Estimator{state: StateCold}
}

// Observe feeds one round trip's four monotonic timestamps (client T1/T4,
// server T2/T3) through the admission filter, the quality re-estimation,
// and the per-measurement one-way-latency gate. now is used only to
// debounce sync_established/sync_lost event emission.
func (e *Estimator) Observe(t1, t2, t3, t4 uint64, now time.Time) Output {
	it1, it2, it3, it4 := int64(t1), int64(t2), int64(t3), int64(t4)

	rtt := it4 - it1
	processing := it3 - it2
	rawOffset := ((it2 - it1) + (it3 - it4)) / 2
	upload := (it2 - it1) - rawOffset
	download := (it4 - it3) + rawOffset

	// Invariant: reject any sample for which T4 < T1 or T3 < T2.
	monotonicOK := it4 >= it1 && it3 >= it2

	admitted := monotonicOK && upload > 0 && download > 0 &&
		upload+download+processing <= rtt+admissionEpsilon

	if admitted {
		e.push(Sample{
			RTTNS:        rtt,
			RawOffsetNS:  rawOffset,
			UploadNS:     upload,
			DownloadNS:   download,
			ProcessingNS: processing,
		})
		e.recompute()
	}

	out := Output{
		RTTNS:        rtt,
		ProcessingNS: processing,
		IsSynced:     e.isSynced,
		Quality:      e.quality,
	}

	if e.isSynced {
		gatedUpload := (it2 - it1) - e.bestOffsetNS
		gatedDownload := (it4 - it3) + e.bestOffsetNS
		if gatedUpload >= 0 && gatedDownload >= 0 {
			out.HasOneWay = true
			out.UploadNS = gatedUpload
			out.DownloadNS = gatedDownload
		}
	}

	out.Event = e.transition(now)
	return out
}

// push appends a sample to the ring, evicting the oldest once at capacity.
func (e *Estimator) push(s Sample) {
	if len(e.window) >= WindowSize {
		e.window = e.window[1:]
	}
	e.window = append(e.window, s)
}

// recompute re-derives bestOffsetNS, quality, and isSynced from the
// current window: sort by RTT ascending, take the lower half, use its
// median offset and its offset stddev.
func (e *Estimator) recompute() {
	n := len(e.window)
	sorted := make([]Sample, n)
	copy(sorted, e.window)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RTTNS < sorted[j].RTTNS })

	lowerN := (n + 1) / 2
	if lowerN < 1 {
		lowerN = 1
	}
	lower := sorted[:lowerN]

	offsets := make([]float64, len(lower))
	for i, s := range lower {
		offsets[i] = float64(s.RawOffsetNS)
	}

	e.bestOffsetNS = int64(median(offsets))
	stdDevMS := stddev(offsets) / 1e6
	e.quality = clamp(0, 100, 100*(1-math.Min(stdDevMS/10, 1)))
	e.isSynced = e.quality >= QualityThreshold && n >= MinSyncSamples

	switch {
	case e.isSynced:
		e.state = StateSynced
	case n > 0:
		e.state = StateWarming
	default:
		e.state = StateCold
	}
}

// transition reports a debounced sync_established/sync_lost event if
// e.isSynced has flipped relative to the last emitted direction and the
// debounce window has elapsed.
func (e *Estimator) transition(now time.Time) EventKind {
	if !e.lastEventEmitted {
		// Nothing has flipped yet; only emit on the very first crossing.
		if e.isSynced {
			e.lastEventEmitted = true
			e.lastReported = true
			e.lastEventAt = now
			return EventSyncEstablished
		}
		return EventNone
	}

	if e.isSynced == e.lastReported {
		return EventNone
	}
	if now.Sub(e.lastEventAt) < EventDebounce {
		return EventNone
	}

	e.lastReported = e.isSynced
	e.lastEventAt = now
	if e.isSynced {
		return EventSyncEstablished
	}
	return EventSyncLost
}

// State returns the estimator's coarse progress state.
func (e *Estimator) State() State { return e.state }

// IsSynced reports the current synced/unsynced gate.
func (e *Estimator) IsSynced() bool { return e.isSynced }

// Quality returns the current 0-100 quality score.
func (e *Estimator) Quality() float64 { return e.quality }

// BestOffsetNS returns the current best estimate of server-minus-client
// clock offset, in nanoseconds.
func (e *Estimator) BestOffsetNS() int64 { return e.bestOffsetNS }

// Len returns the number of samples currently admitted into the window.
func (e *Estimator) Len() int { return len(e.window) }

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := make([]float64, len(xs))
	copy(sorted, xs)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func stddev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	mean := 0.0
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))

	var sumSq float64
	for _, x := range xs {
		d := x - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(xs)))
}

func clamp(lo, hi, v float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
