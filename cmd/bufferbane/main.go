// Command bufferbane is the client-side monitor: it runs the ICMP and
// server-echo probers against configured targets, persists measurements
// to SQLite, and offers export/chart/cleanup utilities over the stored
// data. Structured as a single-file cobra command tree, the way
// cmd/collector/main.go lays out doublezero-internet-latency-collector's
// root/run/atlas/wheresitup command groups.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/schuellerf/bufferbane/internal/config"
	"github.com/schuellerf/bufferbane/internal/export"
	"github.com/schuellerf/bufferbane/internal/logging"
	"github.com/schuellerf/bufferbane/internal/measurement"
	"github.com/schuellerf/bufferbane/internal/metrics"
	"github.com/schuellerf/bufferbane/internal/prober"
	"github.com/schuellerf/bufferbane/internal/protocol"
	"github.com/schuellerf/bufferbane/internal/scheduler"
	"github.com/schuellerf/bufferbane/internal/storage"
)

var (
	configPath string

	exportFrom   string
	exportTo     string
	exportTarget string
	exportKind   string
	exportFormat string
	exportOut    string

	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "bufferbane",
	Short: "Bufferbane network-quality monitor",
	Long:  `Bufferbane continuously probes ICMP and authenticated server-echo targets, recording latency, jitter, loss, and one-way time-sync measurements to SQLite.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("bufferbane %s (commit: %s, built: %s)\n", version, commit, date)
	},
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Run continuous probing and storage (service mode)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadClientConfig(configPath)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		logging.Init(logging.Level(cfg.LogLevel))
		log := logging.Get()
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

		store, err := storage.NewStore(storage.StoreConfig{Logger: log, Path: cfg.DatabasePath})
		if err != nil {
			return err
		}
		defer store.Close()

		probers, err := buildProbers(cfg)
		if err != nil {
			return err
		}

		sched := scheduler.New(log, store, probers)
		for _, p := range probers {
			switch pr := p.(type) {
			case *prober.ICMPProber:
				pr.Out = sched.Measurements()
			case *prober.ServerProber:
				pr.Out = sched.Measurements()
				pr.Events = sched.Events()
			}
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if cfg.MetricsAddr != "" {
			go serveMetrics(log, cfg.MetricsAddr)
		}

		go runRetentionLoop(ctx, log, store, cfg)

		log.Info("starting bufferbane monitor", "targets", cfg.Targets, "database_path", cfg.DatabasePath)
		return sched.Run(ctx)
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export stored measurements as CSV or JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadClientConfig(configPath)
		if err != nil {
			return err
		}

		store, err := storage.NewStore(storage.StoreConfig{Logger: logging.Get(), Path: cfg.DatabasePath})
		if err != nil {
			return err
		}
		defer store.Close()

		filter, err := buildRangeFilter()
		if err != nil {
			return err
		}

		rows, err := store.QueryRange(context.Background(), filter)
		if err != nil {
			return err
		}

		w := os.Stdout
		if exportOut != "" {
			f, err := os.Create(exportOut)
			if err != nil {
				return fmt.Errorf("open output file: %w", err)
			}
			defer f.Close()
			w = f
		}

		switch exportFormat {
		case "json":
			return export.WriteJSON(w, rows)
		default:
			return export.WriteCSV(w, rows)
		}
	},
}

var chartCmd = &cobra.Command{
	Use:   "chart",
	Short: "Print a summary table of stored measurements over a time range",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadClientConfig(configPath)
		if err != nil {
			return err
		}

		store, err := storage.NewStore(storage.StoreConfig{Logger: logging.Get(), Path: cfg.DatabasePath})
		if err != nil {
			return err
		}
		defer store.Close()

		filter, err := buildRangeFilter()
		if err != nil {
			return err
		}

		rows, err := store.QueryRange(context.Background(), filter)
		if err != nil {
			return err
		}

		printSummaryTable(rows)
		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Run the retention sweep once: aggregate old raw rows and prune expired data",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadClientConfig(configPath)
		if err != nil {
			return err
		}

		store, err := storage.NewStore(storage.StoreConfig{Logger: logging.Get(), Path: cfg.DatabasePath})
		if err != nil {
			return err
		}
		defer store.Close()

		return store.AggregateAndPrune(context.Background(), time.Now(), storage.Retention{
			MeasurementsDays: cfg.Retention.MeasurementsDays,
			AggregationsDays: cfg.Retention.AggregationsDays,
			EventsDays:       cfg.Retention.EventsDays,
		})
	},
}

func buildProbers(cfg *config.ClientConfig) ([]scheduler.Prober, error) {
	interval := time.Duration(cfg.TestIntervalMS) * time.Millisecond

	var probers []scheduler.Prober
	for _, target := range cfg.Targets {
		probers = append(probers, &prober.ICMPProber{
			Log:            logging.Get(),
			Target:         target,
			Interface:      cfg.Interface,
			ConnectionType: cfg.ConnectionType,
			Interval:       interval,
			Timeout:        interval,
		})
	}

	if cfg.Server != nil && cfg.Server.Enabled {
		key, err := parseKey(cfg.Server.SharedSecretHex)
		if err != nil {
			return nil, err
		}
		probers = append(probers, &prober.ServerProber{
			Log:            logging.Get(),
			Host:           cfg.Server.Host,
			Port:           cfg.Server.Port,
			ClientID:       cfg.Server.ClientID,
			Key:            key,
			Interval:       interval,
			Timeout:        3 * time.Second,
			Interface:      cfg.Interface,
			ConnectionType: cfg.ConnectionType,
		})
	}

	return probers, nil
}

func runRetentionLoop(ctx context.Context, log *slog.Logger, store *storage.Store, cfg *config.ClientConfig) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	lastRun := ""
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.Format("15:04") != cfg.Retention.AggregationTime {
				continue
			}
			today := now.Format("2006-01-02")
			if today == lastRun {
				continue
			}
			lastRun = today

			retention := storage.Retention{
				MeasurementsDays: cfg.Retention.MeasurementsDays,
				AggregationsDays: cfg.Retention.AggregationsDays,
				EventsDays:       cfg.Retention.EventsDays,
			}
			if err := store.AggregateAndPrune(ctx, now, retention); err != nil {
				log.Error("scheduled retention sweep failed", "error", err)
			}
		}
	}
}

func serveMetrics(log *slog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics server error", "error", err)
	}
}

func parseKey(hexSecret string) (protocol.Key, error) {
	var key protocol.Key
	raw, err := hex.DecodeString(hexSecret)
	if err != nil {
		return key, fmt.Errorf("decode shared_secret_hex: %w", err)
	}
	if len(raw) != protocol.KeySize {
		return key, fmt.Errorf("shared_secret_hex must decode to %d bytes, got %d", protocol.KeySize, len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

func buildRangeFilter() (storage.RangeFilter, error) {
	from, err := parseTimeFlag(exportFrom, time.Now().AddDate(0, 0, -7))
	if err != nil {
		return storage.RangeFilter{}, fmt.Errorf("--from: %w", err)
	}
	to, err := parseTimeFlag(exportTo, time.Now())
	if err != nil {
		return storage.RangeFilter{}, fmt.Errorf("--to: %w", err)
	}
	return storage.RangeFilter{
		From:   from,
		To:     to,
		Target: exportTarget,
		Kind:   measurement.Kind(exportKind),
	}, nil
}

func parseTimeFlag(v string, fallback time.Time) (time.Time, error) {
	if v == "" {
		return fallback, nil
	}
	return time.Parse(time.RFC3339, v)
}

func printSummaryTable(rows []measurement.Measurement) {
	type stats struct {
		count, rttCount  int
		sumRTT, maxRTT   float64
		timeouts, errors int
	}
	byTarget := make(map[string]*stats)

	for _, m := range rows {
		s, ok := byTarget[m.Target]
		if !ok {
			s = &stats{}
			byTarget[m.Target] = s
		}
		s.count++
		switch m.Status {
		case measurement.StatusTimeout:
			s.timeouts++
		case measurement.StatusError:
			s.errors++
		}
		if m.RTTMS != nil {
			s.rttCount++
			s.sumRTT += *m.RTTMS
			if *m.RTTMS > s.maxRTT {
				s.maxRTT = *m.RTTMS
			}
		}
	}

	fmt.Printf("%-32s %8s %10s %10s %10s %10s\n", "target", "count", "avg_rtt_ms", "max_rtt_ms", "timeouts", "errors")
	for target, s := range byTarget {
		avg := 0.0
		if s.rttCount > 0 {
			avg = s.sumRTT / float64(s.rttCount)
		}
		fmt.Printf("%-32s %8d %10.2f %10.2f %10d %10d\n", target, s.count, avg, s.maxRTT, s.timeouts, s.errors)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to TOML configuration file")

	exportCmd.Flags().StringVar(&exportFrom, "from", "", "range start, RFC3339 (default: 7 days ago)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "range end, RFC3339 (default: now)")
	exportCmd.Flags().StringVar(&exportTarget, "target", "", "filter to a single target (default: all)")
	exportCmd.Flags().StringVar(&exportKind, "kind", "", "filter to icmp or server_echo (default: all)")
	exportCmd.Flags().StringVar(&exportFormat, "format", "csv", "csv or json")
	exportCmd.Flags().StringVar(&exportOut, "out", "", "output file (default: stdout)")

	chartCmd.Flags().StringVar(&exportFrom, "from", "", "range start, RFC3339 (default: 7 days ago)")
	chartCmd.Flags().StringVar(&exportTo, "to", "", "range end, RFC3339 (default: now)")
	chartCmd.Flags().StringVar(&exportTarget, "target", "", "filter to a single target (default: all)")
	chartCmd.Flags().StringVar(&exportKind, "kind", "", "filter to icmp or server_echo (default: all)")

	rootCmd.AddCommand(monitorCmd, exportCmd, chartCmd, cleanupCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
