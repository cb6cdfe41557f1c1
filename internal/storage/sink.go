// Package storage implements the append-only storage sink contract and
// its sqlite-backed realization. The Sink interface is grounded on
// spec.md §4.9's four operations; the concrete store follows the
// database/sql + transaction-scoped-connection idiom of
// lake/pkg/indexer/dz/telemetry/latency/store.go, adapted from DuckDB's
// bulk-CSV loader to modernc.org/sqlite's plain prepared statements
// since Bufferbane's writes are small, frequent batches rather than bulk
// imports.
package storage

import (
	"context"
	"time"

	"github.com/schuellerf/bufferbane/internal/measurement"
)

// RangeFilter narrows a query_range call to a target/kind/time window.
type RangeFilter struct {
	From   time.Time
	To     time.Time
	Target string // empty matches all
	Kind   measurement.Kind
}

// HourlyAggregate is one row of the persisted hourly aggregate, unique by
// (hour_start_unix_s, interface, kind, target, server_name).
type HourlyAggregate struct {
	HourStartUnixS int64
	Interface      string
	Kind           measurement.Kind
	Target         string
	ServerName     string
	Count          int64
	MinRTTMS       float64
	MaxRTTMS       float64
	AvgRTTMS       float64
	P50RTTMS       float64
	P95RTTMS       float64
	P99RTTMS       float64
	MinJitterMS    float64
	MaxJitterMS    float64
	AvgJitterMS    float64
	LossPct        float64
	AvgUploadMS    float64
	AvgDownloadMS  float64
}

// Sink is the storage contract every scheduler writer task is built
// against: insert, query, and the daily retention/aggregation sweep.
type Sink interface {
	InsertMeasurements(ctx context.Context, batch []measurement.Measurement) error
	InsertEvent(ctx context.Context, ev measurement.Event) error
	QueryRange(ctx context.Context, filter RangeFilter) ([]measurement.Measurement, error)
	AggregateAndPrune(ctx context.Context, now time.Time, retention Retention) error
	Close() error
}

// Retention mirrors config.Retention without importing the config
// package, so storage has no dependency on the CLI/config layer.
type Retention struct {
	MeasurementsDays int
	AggregationsDays int // 0 = keep forever
	EventsDays       int // 0 = keep forever
}
