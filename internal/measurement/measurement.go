// Package measurement defines the write-out records every prober
// produces and the sink consumes: Measurement (one probe outcome) and
// Event (a state transition or alert). Field names mirror the storage
// contract's column set so the sqlite implementation can map them
// without translation, the way exporter.Record does in
// controlplane/internet-latency-collector/internal/exporter/record.go.
package measurement

import "time"

// Kind identifies what produced a Measurement.
type Kind string

const (
	KindICMP       Kind = "icmp"
	KindServerEcho Kind = "server_echo"
)

// Status is the outcome of a single probe attempt.
type Status string

const (
	StatusOK      Status = "ok"
	StatusTimeout Status = "timeout"
	StatusError   Status = "error"
)

// Measurement is one probe's result. Optional fields use pointers so a
// nil value round-trips to SQL NULL; in JSON a nil optional field is
// omitted.
type Measurement struct {
	TSUnixS            int64    `db:"ts_unix_s" json:"ts_unix_s"`
	TSMonotonicNS      int64    `db:"ts_monotonic_ns" json:"ts_monotonic_ns"`
	Interface          string   `db:"interface" json:"interface"`
	ConnectionType     string   `db:"connection_type" json:"connection_type"`
	Kind               Kind     `db:"kind" json:"kind"`
	Target             string   `db:"target" json:"target"`
	ServerName         *string  `db:"server_name" json:"server_name,omitempty"`
	RTTMS              *float64 `db:"rtt_ms" json:"rtt_ms,omitempty"`
	UploadMS           *float64 `db:"upload_ms" json:"upload_ms,omitempty"`
	DownloadMS         *float64 `db:"download_ms" json:"download_ms,omitempty"`
	ServerProcessingUS *float64 `db:"server_processing_us" json:"server_processing_us,omitempty"`
	JitterMS           *float64 `db:"jitter_ms" json:"jitter_ms,omitempty"`
	LossPct            *float64 `db:"loss_pct" json:"loss_pct,omitempty"`
	Status             Status   `db:"status" json:"status"`
	Error              *string  `db:"error" json:"error,omitempty"`
}

// EventKind enumerates the state transitions and alerts the system can
// surface, beyond the sync estimator's own sync_established/sync_lost.
type EventKind string

const (
	EventSyncEstablished     EventKind = "sync_established"
	EventSyncLost            EventKind = "sync_lost"
	EventThresholdAlert      EventKind = "threshold_alert"
	EventMicroOutage         EventKind = "micro_outage"
	EventStorageBackpressure EventKind = "storage_backpressure"
	EventNonceReplay         EventKind = "nonce_replay"
)

// Severity is a coarse ranking used for alerting and log filtering.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is a point-in-time occurrence worth recording alongside
// measurements: a sync transition, a threshold breach, a backpressure
// drop.
type Event struct {
	TSUnixS  int64          `db:"ts_unix_s" json:"ts_unix_s"`
	Kind     EventKind      `db:"kind" json:"kind"`
	Severity Severity       `db:"severity" json:"severity"`
	Details  map[string]any `db:"details" json:"details,omitempty"`
}

// NewEvent stamps ts_unix_s from now, matching how probers and the
// scheduler emit events inline rather than threading a clock through.
func NewEvent(now time.Time, kind EventKind, severity Severity, details map[string]any) Event {
	return Event{
		TSUnixS:  now.Unix(),
		Kind:     kind,
		Severity: severity,
		Details:  details,
	}
}

// Ptr is a small helper for building optional Measurement fields inline,
// e.g. measurement.Ptr(rttMS), mirroring the *float64-heavy exporter
// records in the teacher pack.
func Ptr[T any](v T) *T { return &v }
