package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/schuellerf/bufferbane/internal/apperrors"
	"github.com/schuellerf/bufferbane/internal/measurement"
)

const schema = `
CREATE TABLE IF NOT EXISTS measurements (
	ts_unix_s            INTEGER NOT NULL,
	ts_monotonic_ns      INTEGER NOT NULL,
	interface            TEXT NOT NULL,
	connection_type      TEXT NOT NULL,
	kind                 TEXT NOT NULL,
	target               TEXT NOT NULL,
	server_name          TEXT,
	rtt_ms               REAL,
	jitter_ms            REAL,
	loss_pct             REAL,
	upload_ms            REAL,
	download_ms          REAL,
	server_processing_us REAL,
	status               TEXT NOT NULL,
	error                TEXT
);
CREATE INDEX IF NOT EXISTS idx_measurements_ts_target ON measurements (ts_unix_s, target);

CREATE TABLE IF NOT EXISTS events (
	ts_unix_s INTEGER NOT NULL,
	kind      TEXT NOT NULL,
	severity  TEXT NOT NULL,
	details   TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events (ts_unix_s);

CREATE TABLE IF NOT EXISTS hourly_aggregates (
	hour_start_unix_s INTEGER NOT NULL,
	interface         TEXT NOT NULL,
	kind              TEXT NOT NULL,
	target            TEXT NOT NULL,
	server_name       TEXT NOT NULL DEFAULT '',
	count             INTEGER NOT NULL,
	min_rtt_ms        REAL,
	max_rtt_ms        REAL,
	avg_rtt_ms        REAL,
	p50_rtt_ms        REAL,
	p95_rtt_ms        REAL,
	p99_rtt_ms        REAL,
	min_jitter_ms     REAL,
	max_jitter_ms     REAL,
	avg_jitter_ms     REAL,
	loss_pct          REAL,
	avg_upload_ms     REAL,
	avg_download_ms  REAL,
	PRIMARY KEY (hour_start_unix_s, interface, kind, target, server_name)
);
`

// StoreConfig mirrors the teacher pack's StoreConfig{Logger, DB} shape
// (lake/pkg/indexer/dz/telemetry/latency/store.go), substituting a
// database file Path for duck.DB since the backend here is
// modernc.org/sqlite rather than DuckDB; NewStore opens the *sql.DB itself.
type StoreConfig struct {
	Logger *slog.Logger
	Path   string
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Path == "" {
		return errors.New("path is required")
	}
	return nil
}

// Store is the sqlite-backed Sink.
type Store struct {
	log *slog.Logger
	db  *sql.DB
}

// NewStore opens (creating if absent) the sqlite database at cfg.Path and
// ensures the schema exists.
func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, apperrors.NewStorage("new_store", err.Error(), err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, apperrors.NewStorage("new_store", "failed to open database", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite has no internal connection pool story worth fighting

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, apperrors.NewStorage("new_store", "failed to apply schema", err)
	}

	return &Store{log: cfg.Logger, db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// InsertMeasurements writes a batch inside a single transaction, the way
// the scheduler's writer task always calls it: already batched upstream.
func (s *Store) InsertMeasurements(ctx context.Context, batch []measurement.Measurement) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.NewStorage("insert_measurements", "failed to begin transaction", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO measurements (
		ts_unix_s, ts_monotonic_ns, interface, connection_type, kind, target,
		server_name, rtt_ms, jitter_ms, loss_pct, upload_ms, download_ms,
		server_processing_us, status, error
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return apperrors.NewStorage("insert_measurements", "failed to prepare statement", err)
	}
	defer stmt.Close()

	for _, m := range batch {
		if _, err := stmt.ExecContext(ctx,
			m.TSUnixS, m.TSMonotonicNS, m.Interface, m.ConnectionType, string(m.Kind), m.Target,
			m.ServerName, m.RTTMS, m.JitterMS, m.LossPct, m.UploadMS, m.DownloadMS,
			m.ServerProcessingUS, string(m.Status), m.Error,
		); err != nil {
			return apperrors.NewStorage("insert_measurements", "failed to insert row", err).
				WithContext("target", m.Target)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.NewStorage("insert_measurements", "failed to commit transaction", err)
	}
	return nil
}

// InsertEvent writes a single event row, JSON-encoding Details.
func (s *Store) InsertEvent(ctx context.Context, ev measurement.Event) error {
	var detailsJSON []byte
	if ev.Details != nil {
		var err error
		detailsJSON, err = json.Marshal(ev.Details)
		if err != nil {
			return apperrors.NewStorage("insert_event", "failed to encode details", err)
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (ts_unix_s, kind, severity, details) VALUES (?, ?, ?, ?)`,
		ev.TSUnixS, string(ev.Kind), string(ev.Severity), string(detailsJSON),
	)
	if err != nil {
		return apperrors.NewStorage("insert_event", "failed to insert row", err)
	}
	return nil
}

// QueryRange returns raw measurements in [From, To), optionally narrowed
// by Target/Kind, ordered by ts_unix_s. It does not consult
// hourly_aggregates: callers needing long-range summaries should read
// AggregateAndPrune's output table directly.
func (s *Store) QueryRange(ctx context.Context, filter RangeFilter) ([]measurement.Measurement, error) {
	var b strings.Builder
	b.WriteString(`SELECT ts_unix_s, ts_monotonic_ns, interface, connection_type, kind, target,
		server_name, rtt_ms, jitter_ms, loss_pct, upload_ms, download_ms,
		server_processing_us, status, error FROM measurements WHERE ts_unix_s >= ? AND ts_unix_s < ?`)
	args := []any{filter.From.Unix(), filter.To.Unix()}

	if filter.Target != "" {
		b.WriteString(" AND target = ?")
		args = append(args, filter.Target)
	}
	if filter.Kind != "" {
		b.WriteString(" AND kind = ?")
		args = append(args, string(filter.Kind))
	}
	b.WriteString(" ORDER BY ts_unix_s ASC")

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, apperrors.NewStorage("query_range", "query failed", err)
	}
	defer rows.Close()

	var out []measurement.Measurement
	for rows.Next() {
		var m measurement.Measurement
		var kind, status string
		if err := rows.Scan(
			&m.TSUnixS, &m.TSMonotonicNS, &m.Interface, &m.ConnectionType, &kind, &m.Target,
			&m.ServerName, &m.RTTMS, &m.JitterMS, &m.LossPct, &m.UploadMS, &m.DownloadMS,
			&m.ServerProcessingUS, &status, &m.Error,
		); err != nil {
			return nil, apperrors.NewStorage("query_range", "row scan failed", err)
		}
		m.Kind = measurement.Kind(kind)
		m.Status = measurement.Status(status)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewStorage("query_range", "row iteration failed", err)
	}
	return out, nil
}

// AggregateAndPrune rolls raw measurements with status 'ok' older than
// retention.MeasurementsDays into hourly_aggregates, then deletes every raw
// row older than that cutoff; timeout and error rows are deleted without
// being counted in any aggregate. It also prunes hourly_aggregates older than
// retention.AggregationsDays and events older than retention.EventsDays,
// each only when the corresponding retention value is positive.
func (s *Store) AggregateAndPrune(ctx context.Context, now time.Time, retention Retention) error {
	if retention.MeasurementsDays > 0 {
		cutoff := now.AddDate(0, 0, -retention.MeasurementsDays).Unix()
		if err := s.rollUpOlderThan(ctx, cutoff); err != nil {
			return err
		}
	}

	if retention.AggregationsDays > 0 {
		cutoff := now.AddDate(0, 0, -retention.AggregationsDays).Unix()
		if _, err := s.db.ExecContext(ctx, `DELETE FROM hourly_aggregates WHERE hour_start_unix_s < ?`, cutoff); err != nil {
			return apperrors.NewStorage("aggregate_and_prune", "failed to prune hourly_aggregates", err)
		}
	}

	if retention.EventsDays > 0 {
		cutoff := now.AddDate(0, 0, -retention.EventsDays).Unix()
		if _, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE ts_unix_s < ?`, cutoff); err != nil {
			return apperrors.NewStorage("aggregate_and_prune", "failed to prune events", err)
		}
	}

	return nil
}

// rollUpOlderThan groups every raw measurement with status 'ok' and
// ts_unix_s < cutoff by (hour, interface, kind, target, server_name),
// computes the hourly aggregate in Go (sqlite's built-in aggregates have
// no percentile function), upserts it, and deletes all raw rows older than
// cutoff, whatever their status.
func (s *Store) rollUpOlderThan(ctx context.Context, cutoff int64) error {
	rows, err := s.db.QueryContext(ctx, `SELECT ts_unix_s, interface, kind, target, server_name,
		rtt_ms, jitter_ms, loss_pct, upload_ms, download_ms
		FROM measurements WHERE ts_unix_s < ? AND status = 'ok'`, cutoff)
	if err != nil {
		return apperrors.NewStorage("aggregate_and_prune", "failed to select rows for rollup", err)
	}

	type key struct {
		hour       int64
		iface      string
		kind       string
		target     string
		serverName string
	}
	groups := make(map[key][]measurement.Measurement)

	for rows.Next() {
		var m measurement.Measurement
		var kind string
		var serverName sql.NullString
		if err := rows.Scan(&m.TSUnixS, &m.Interface, &kind, &m.Target, &serverName,
			&m.RTTMS, &m.JitterMS, &m.LossPct, &m.UploadMS, &m.DownloadMS); err != nil {
			rows.Close()
			return apperrors.NewStorage("aggregate_and_prune", "row scan failed during rollup", err)
		}
		m.Kind = measurement.Kind(kind)
		k := key{
			hour:       m.TSUnixS - (m.TSUnixS % 3600),
			iface:      m.Interface,
			kind:       kind,
			target:     m.Target,
			serverName: serverName.String,
		}
		groups[k] = append(groups[k], m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return apperrors.NewStorage("aggregate_and_prune", "row iteration failed during rollup", err)
	}
	rows.Close()

	if len(groups) == 0 {
		// Nothing matched status='ok' in range, but error/timeout rows
		// older than cutoff still need pruning below.
		_, err := s.db.ExecContext(ctx, `DELETE FROM measurements WHERE ts_unix_s < ?`, cutoff)
		if err != nil {
			return apperrors.NewStorage("aggregate_and_prune", "failed to delete rolled-up rows", err)
		}
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.NewStorage("aggregate_and_prune", "failed to begin transaction", err)
	}
	defer tx.Rollback()

	upsert, err := tx.PrepareContext(ctx, `INSERT INTO hourly_aggregates (
		hour_start_unix_s, interface, kind, target, server_name, count,
		min_rtt_ms, max_rtt_ms, avg_rtt_ms, p50_rtt_ms, p95_rtt_ms, p99_rtt_ms,
		min_jitter_ms, max_jitter_ms, avg_jitter_ms, loss_pct, avg_upload_ms, avg_download_ms
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (hour_start_unix_s, interface, kind, target, server_name) DO UPDATE SET
		count = excluded.count,
		min_rtt_ms = excluded.min_rtt_ms, max_rtt_ms = excluded.max_rtt_ms, avg_rtt_ms = excluded.avg_rtt_ms,
		p50_rtt_ms = excluded.p50_rtt_ms, p95_rtt_ms = excluded.p95_rtt_ms, p99_rtt_ms = excluded.p99_rtt_ms,
		min_jitter_ms = excluded.min_jitter_ms, max_jitter_ms = excluded.max_jitter_ms, avg_jitter_ms = excluded.avg_jitter_ms,
		loss_pct = excluded.loss_pct, avg_upload_ms = excluded.avg_upload_ms, avg_download_ms = excluded.avg_download_ms`)
	if err != nil {
		return apperrors.NewStorage("aggregate_and_prune", "failed to prepare upsert", err)
	}
	defer upsert.Close()

	for k, ms := range groups {
		agg := computeAggregate(k.hour, k.iface, measurement.Kind(k.kind), k.target, k.serverName, ms)
		if _, err := upsert.ExecContext(ctx,
			agg.HourStartUnixS, agg.Interface, string(agg.Kind), agg.Target, agg.ServerName, agg.Count,
			agg.MinRTTMS, agg.MaxRTTMS, agg.AvgRTTMS, agg.P50RTTMS, agg.P95RTTMS, agg.P99RTTMS,
			agg.MinJitterMS, agg.MaxJitterMS, agg.AvgJitterMS, agg.LossPct, agg.AvgUploadMS, agg.AvgDownloadMS,
		); err != nil {
			return apperrors.NewStorage("aggregate_and_prune", "failed to upsert hourly aggregate", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM measurements WHERE ts_unix_s < ?`, cutoff); err != nil {
		return apperrors.NewStorage("aggregate_and_prune", "failed to delete rolled-up rows", err)
	}

	if err := tx.Commit(); err != nil {
		return apperrors.NewStorage("aggregate_and_prune", "failed to commit rollup", err)
	}
	return nil
}

func computeAggregate(hour int64, iface string, kind measurement.Kind, target, serverName string, ms []measurement.Measurement) HourlyAggregate {
	rtts := collectFloats(ms, func(m measurement.Measurement) *float64 { return m.RTTMS })
	jitters := collectFloats(ms, func(m measurement.Measurement) *float64 { return m.JitterMS })
	uploads := collectFloats(ms, func(m measurement.Measurement) *float64 { return m.UploadMS })
	downloads := collectFloats(ms, func(m measurement.Measurement) *float64 { return m.DownloadMS })
	losses := collectFloats(ms, func(m measurement.Measurement) *float64 { return m.LossPct })

	sort.Float64s(rtts)

	return HourlyAggregate{
		HourStartUnixS: hour,
		Interface:      iface,
		Kind:           kind,
		Target:         target,
		ServerName:     serverName,
		Count:          int64(len(ms)),
		MinRTTMS:       minFloat(rtts),
		MaxRTTMS:       maxFloat(rtts),
		AvgRTTMS:       avgFloat(rtts),
		P50RTTMS:       percentile(rtts, 0.50),
		P95RTTMS:       percentile(rtts, 0.95),
		P99RTTMS:       percentile(rtts, 0.99),
		MinJitterMS:    minFloat(jitters),
		MaxJitterMS:    maxFloat(jitters),
		AvgJitterMS:    avgFloat(jitters),
		LossPct:        avgFloat(losses),
		AvgUploadMS:    avgFloat(uploads),
		AvgDownloadMS:  avgFloat(downloads),
	}
}

func collectFloats(ms []measurement.Measurement, get func(measurement.Measurement) *float64) []float64 {
	out := make([]float64, 0, len(ms))
	for _, m := range ms {
		if v := get(m); v != nil {
			out = append(out, *v)
		}
	}
	return out
}

func minFloat(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := math.Inf(1)
	for _, x := range xs {
		if x < m {
			m = x
		}
	}
	return m
}

func maxFloat(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := math.Inf(-1)
	for _, x := range xs {
		if x > m {
			m = x
		}
	}
	return m
}

func avgFloat(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// percentile assumes xs is already sorted ascending.
func percentile(xs []float64, p float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	if len(xs) == 1 {
		return xs[0]
	}
	idx := int(math.Ceil(p*float64(len(xs)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(xs) {
		idx = len(xs) - 1
	}
	return xs[idx]
}
