package storage_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/schuellerf/bufferbane/internal/measurement"
	"github.com/schuellerf/bufferbane/internal/storage"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "bufferbane.sqlite")
	s, err := storage.NewStore(storage.StoreConfig{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Path:   dbPath,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleMeasurement(ts int64, target string, rtt float64) measurement.Measurement {
	return measurement.Measurement{
		TSUnixS:        ts,
		TSMonotonicNS:  ts * int64(time.Second),
		Interface:      "eth0",
		ConnectionType: "wired",
		Kind:           measurement.KindICMP,
		Target:         target,
		RTTMS:          measurement.Ptr(rtt),
		JitterMS:       measurement.Ptr(0.5),
		LossPct:        measurement.Ptr(0.0),
		Status:         measurement.StatusOK,
	}
}

func TestStore_InsertAndQueryRangeRoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	batch := []measurement.Measurement{
		sampleMeasurement(base.Unix(), "1.1.1.1", 10.0),
		sampleMeasurement(base.Add(time.Minute).Unix(), "1.1.1.1", 12.0),
		sampleMeasurement(base.Add(2*time.Minute).Unix(), "8.8.8.8", 20.0),
	}
	require.NoError(t, s.InsertMeasurements(ctx, batch))

	got, err := s.QueryRange(ctx, storage.RangeFilter{
		From:   base.Add(-time.Hour),
		To:     base.Add(time.Hour),
		Target: "1.1.1.1",
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, 10.0, *got[0].RTTMS)
	require.Equal(t, 12.0, *got[1].RTTMS)
}

func TestStore_InsertMeasurementsEmptyBatchIsNoop(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertMeasurements(context.Background(), nil))
}

func TestStore_InsertEventSucceeds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev := measurement.NewEvent(time.Unix(1700000000, 0), measurement.EventSyncEstablished, measurement.SeverityInfo,
		map[string]any{"target": "vpn.example.com"})
	require.NoError(t, s.InsertEvent(ctx, ev))
}

func TestStore_AggregateAndPruneRollsUpOldRawRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	old := now.AddDate(0, 0, -40)

	var batch []measurement.Measurement
	for i := 0; i < 5; i++ {
		batch = append(batch, sampleMeasurement(old.Unix()+int64(i), "1.1.1.1", 10.0+float64(i)))
	}
	require.NoError(t, s.InsertMeasurements(ctx, batch))

	require.NoError(t, s.AggregateAndPrune(ctx, now, storage.Retention{MeasurementsDays: 30}))

	remaining, err := s.QueryRange(ctx, storage.RangeFilter{
		From: old.Add(-time.Hour),
		To:   old.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Empty(t, remaining, "rolled-up raw rows must be deleted")
}

func TestStore_AggregateAndPruneLeavesRecentRawRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-time.Hour)

	require.NoError(t, s.InsertMeasurements(ctx, []measurement.Measurement{
		sampleMeasurement(recent.Unix(), "1.1.1.1", 10.0),
	}))

	require.NoError(t, s.AggregateAndPrune(ctx, now, storage.Retention{MeasurementsDays: 30}))

	remaining, err := s.QueryRange(ctx, storage.RangeFilter{
		From: recent.Add(-time.Minute),
		To:   recent.Add(time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
}
