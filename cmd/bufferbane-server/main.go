// Command bufferbane-server is the authenticated UDP echo server clients
// probe against once they've completed a KNOCK/KNOCK_ACK handshake.
// Structured the same way cmd/bufferbane does: a cobra root command plus
// a metrics HTTP endpoint started alongside the main server loop, per
// internal/collector/run.go's promhttp.Handler wiring.
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
	"github.com/schuellerf/bufferbane/internal/echoserver"
	"github.com/schuellerf/bufferbane/internal/logging"
	"github.com/schuellerf/bufferbane/internal/metrics"
	"github.com/schuellerf/bufferbane/internal/protocol"
)

var (
	configPath string

	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "bufferbane-server",
	Short: "Bufferbane authenticated UDP echo server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadServerConfig(configPath)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		logging.Init(logging.Level(cfg.LogLevel))
		log := logging.Get()
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

		key, err := parseKey(cfg.SharedSecretHex)
		if err != nil {
			return err
		}

		addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.BindPort)
		srv, err := echoserver.New(log, addr, key, echoserver.Config{
			MaxSessions:    cfg.MaxSessions,
			MaxPacketBytes: cfg.MaxPacketBytes,
			NonceWindow:    time.Duration(cfg.NonceWindowS) * time.Second,
			SessionTimeout: time.Duration(cfg.SessionTimeoutS) * time.Second,
			PerIPRateLimit: cfg.PerIPRateLimit,
		})
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if cfg.MetricsAddr != "" {
			go serveMetrics(log, cfg.MetricsAddr)
		}

		return srv.Run(ctx)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("bufferbane-server %s (commit: %s, built: %s)\n", version, commit, date)
	},
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

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to TOML configuration file")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
