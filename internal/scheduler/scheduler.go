// Package scheduler spawns one prober task per (target × kind), fans
// their measurements into a single writer task that batches inserts into
// the storage sink, and owns the shutdown broadcast. Grounded on
// controlplane/internet-latency-collector/internal/collector/run.go's
// WaitGroup + cancel-on-first-error pattern, generalized from "N named
// collectors" to "N probers of two kinds" and with a writer task added
// for the fan-in storage contract the collector itself delegates to its
// exporter instead.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/schuellerf/bufferbane/internal/measurement"
	"github.com/schuellerf/bufferbane/internal/metrics"
	"github.com/schuellerf/bufferbane/internal/storage"
)

// ChannelCapacity is the bound on buffered measurements awaiting a
// storage write, per spec.md §4.8's "up to N (e.g. 10 000)".
const ChannelCapacity = 10000

// BatchSize and BatchInterval are the writer task's commit triggers:
// whichever is reached first flushes the pending batch.
const (
	BatchSize     = 10
	BatchInterval = 10 * time.Second
)

// writerDrainTimeout bounds how long Run waits for the writer task to
// drain its buffer after all probers have closed, per spec.md §5's
// "bounded wait, e.g. 5 s".
const writerDrainTimeout = 5 * time.Second

// Prober is anything the scheduler can run to completion against a
// cancellable context — ICMPProber and ServerProber both satisfy it.
type Prober interface {
	Run(ctx context.Context)
}

// Scheduler owns a set of probers, a shared measurement/event fan-in, and
// the single writer task that drains them into Store.
type Scheduler struct {
	Log     *slog.Logger
	Store   storage.Sink
	Probers []Prober

	measurements chan measurement.Measurement
	events       chan measurement.Event
}

// New builds a Scheduler with freshly sized fan-in channels. Callers
// should assign the returned Measurements()/Events() channels to each
// prober's Out/Events fields before calling Run.
func New(log *slog.Logger, store storage.Sink, probers []Prober) *Scheduler {
	return &Scheduler{
		Log:          log,
		Store:        store,
		Probers:      probers,
		measurements: make(chan measurement.Measurement, ChannelCapacity),
		events:       make(chan measurement.Event, ChannelCapacity),
	}
}

// Measurements returns the channel probers should be wired to send
// Measurements on.
func (s *Scheduler) Measurements() chan<- measurement.Measurement { return s.measurements }

// Events returns the channel probers should be wired to send Events on.
func (s *Scheduler) Events() chan<- measurement.Event { return s.events }

// Run starts every prober and the writer task, blocking until ctx is
// cancelled, then waits (bounded) for the writer to drain.
func (s *Scheduler) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, p := range s.Probers {
		wg.Add(1)
		go func(p Prober) {
			defer wg.Done()
			p.Run(ctx)
		}(p)
	}

	writerDone := make(chan struct{})
	go func() {
		// The writer outlives ctx: it still has to commit what the probers
		// sent before shutdown.
		s.writerLoop(context.WithoutCancel(ctx))
		close(writerDone)
	}()

	wg.Wait() // all probers have exited: no more sends on measurements/events
	close(s.measurements)
	close(s.events)

	select {
	case <-writerDone:
	case <-time.After(writerDrainTimeout):
		s.Log.Warn("writer task did not drain before timeout", "timeout", writerDrainTimeout)
	}

	return nil
}

// writerLoop drains s.measurements and s.events, batching measurement
// inserts up to BatchSize or BatchInterval, whichever comes first. It
// exits once both channels are closed and drained.
func (s *Scheduler) writerLoop(ctx context.Context) {
	batch := make([]measurement.Measurement, 0, BatchSize)
	ticker := time.NewTicker(BatchInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.Store.InsertMeasurements(ctx, batch); err != nil {
			s.Log.Error("batch insert failed", "count", len(batch), "error", err)
			metrics.StorageWritesTotal.WithLabelValues("error").Inc()
		} else {
			metrics.StorageWritesTotal.WithLabelValues("ok").Inc()
		}
		batch = batch[:0]
	}

	measurementsOpen, eventsOpen := true, true
	for measurementsOpen || eventsOpen {
		metrics.MeasurementChannelDepth.Set(float64(len(s.measurements)))

		select {
		case m, ok := <-s.measurements:
			if !ok {
				measurementsOpen = false
				s.measurements = nil // nil channel blocks forever in select, letting events drain alone
				continue
			}
			batch = append(batch, m)
			if len(batch) >= BatchSize {
				flush()
			}
		case ev, ok := <-s.events:
			if !ok {
				eventsOpen = false
				s.events = nil
				continue
			}
			if err := s.Store.InsertEvent(ctx, ev); err != nil {
				s.Log.Error("event insert failed", "kind", ev.Kind, "error", err)
			}
		case <-ticker.C:
			flush()
		}
	}
	flush()
}
