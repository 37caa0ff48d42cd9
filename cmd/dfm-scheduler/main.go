// Command dfm-scheduler runs the Scheduler service (spec.md §4.7): ingest
// of not-yet-ready Jobs into the deadline sorted set, and periodic
// promotion of ready Jobs onto the execute channel.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dfm-io/dfm/internal/bus"
	"github.com/dfm-io/dfm/internal/config"
	"github.com/dfm-io/dfm/internal/metrics"
	"github.com/dfm-io/dfm/internal/scheduler"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type cliConfig struct {
	consumerID  string
	metricsAddr string
	logLevel    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &cliConfig{}

	root := &cobra.Command{
		Use:   "dfm-scheduler",
		Short: "dfm-scheduler — the deadline-queue ingest/promote service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.consumerID, "consumer-id", config.EnvOrDefault("DFM_CONSUMER_ID", defaultConsumerID()), "Consumer group member id for this instance")
	root.PersistentFlags().StringVar(&cfg.metricsAddr, "metrics-addr", config.EnvOrDefault("DFM_METRICS_ADDR", ":9090"), "Listen address for /metrics and /healthz")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", config.EnvOrDefault("DFM_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dfm-scheduler %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *cliConfig) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	redisCfg := config.FromEnv()
	rdb, closeRedis, err := redisCfg.NewClient()
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer closeRedis()

	b := bus.New(rdb, logger)
	m := metrics.New()

	svc, err := scheduler.New(ctx, b, logger, m, cfg.consumerID)
	if err != nil {
		return fmt.Errorf("failed to construct scheduler service: %w", err)
	}

	metricsSrv := buildSidecarServer(cfg.metricsAddr, m, b)
	go func() {
		logger.Info("dfm-scheduler metrics listening", zap.String("addr", cfg.metricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	logger.Info("dfm-scheduler starting", zap.String("consumer_id", cfg.consumerID))
	svc.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	logger.Info("dfm-scheduler stopped")
	return nil
}

// buildSidecarServer mounts /metrics and /healthz the way arkeep's db.Ping
// backs its own readiness check — every DFM worker exposes the same pair
// regardless of whether it also serves a client-facing API.
func buildSidecarServer(addr string, m *metrics.Registry, b *bus.Bus) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := b.Ping(r.Context()); err != nil {
			http.Error(w, "store unreachable: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"OK"}`))
	})
	return &http.Server{Addr: addr, Handler: mux}
}

func defaultConsumerID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func buildLogger(level string) (*zap.Logger, error) {
	var zcfg zap.Config
	switch level {
	case "debug":
		zcfg = zap.NewDevelopmentConfig()
	default:
		zcfg = zap.NewProductionConfig()
	}
	switch level {
	case "debug":
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		zcfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zcfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zcfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return zcfg.Build()
}
