// Package export renders query_range results to CSV and JSON, the two
// output formats the export subcommand supports. Grounded on the
// CSV-writer idiom ripeatlas.ExportMeasurementResults uses
// (controlplane/internet-latency-collector/internal/ripeatlas), adapted
// from that package's per-measurement-file layout to a single
// stream/writer argument since Bufferbane exports one time range at a
// time rather than one file per upstream measurement ID.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/schuellerf/bufferbane/internal/measurement"
)

var csvHeader = []string{
	"ts_unix_s", "interface", "connection_type", "kind", "target", "server_name",
	"rtt_ms", "jitter_ms", "loss_pct", "upload_ms", "download_ms", "server_processing_us",
	"status", "error",
}

// WriteCSV writes rows as a header followed by one line per Measurement,
// optional fields rendered as empty strings when nil.
func WriteCSV(w io.Writer, rows []measurement.Measurement) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, m := range rows {
		record := []string{
			strconv.FormatInt(m.TSUnixS, 10),
			m.Interface,
			m.ConnectionType,
			string(m.Kind),
			m.Target,
			derefString(m.ServerName),
			floatOrEmpty(m.RTTMS),
			floatOrEmpty(m.JitterMS),
			floatOrEmpty(m.LossPct),
			floatOrEmpty(m.UploadMS),
			floatOrEmpty(m.DownloadMS),
			floatOrEmpty(m.ServerProcessingUS),
			string(m.Status),
			derefString(m.Error),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteJSON writes rows as a JSON array, one Measurement object per entry.
func WriteJSON(w io.Writer, rows []measurement.Measurement) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rows)
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func floatOrEmpty(f *float64) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(*f, 'f', -1, 64)
}
