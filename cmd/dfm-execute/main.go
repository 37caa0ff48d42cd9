// Command dfm-execute runs the Execute service (spec.md §4.8): job
// claiming, dependency-ordered adapter compilation and streaming, discovery
// traversal, and cross-site relay.
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

	// Registering builtin also makes its provider_class resolvable by a
	// SITE_CONFIG document through site.Providers, not just the fallback
	// path below.
	"github.com/dfm-io/dfm/internal/builtin"
	"github.com/dfm-io/dfm/internal/bus"
	"github.com/dfm-io/dfm/internal/cache"
	"github.com/dfm-io/dfm/internal/config"
	"github.com/dfm-io/dfm/internal/execute"
	"github.com/dfm-io/dfm/internal/metrics"
	"github.com/dfm-io/dfm/internal/site"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type cliConfig struct {
	consumerID  string
	siteConfig  string
	cacheDir    string
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
		Use:   "dfm-execute",
		Short: "dfm-execute — the Execute service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.consumerID, "consumer-id", config.EnvOrDefault("DFM_CONSUMER_ID", defaultConsumerID()), "Consumer group member id for this instance")
	root.PersistentFlags().StringVar(&cfg.siteConfig, "site-config", config.EnvOrDefault("SITE_CONFIG", ""), "Path to a SITE_CONFIG document; empty registers only the demonstration provider")
	root.PersistentFlags().StringVar(&cfg.cacheDir, "cache-dir", config.EnvOrDefault("DFM_CACHE_DIR", "./dfm-cache"), "Artifact cache root directory")
	root.PersistentFlags().StringVar(&cfg.metricsAddr, "metrics-addr", config.EnvOrDefault("DFM_METRICS_ADDR", ":9091"), "Listen address for /metrics and /healthz")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", config.EnvOrDefault("DFM_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dfm-execute %s (commit: %s, built: %s)\n", version, commit, date)
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

	cacheStore, err := cache.NewStore(cfg.cacheDir, logger)
	if err != nil {
		return fmt.Errorf("failed to construct cache store: %w", err)
	}

	s, err := buildSite(redisCfg.SiteName, cfg.siteConfig, cacheStore, logger)
	if err != nil {
		return fmt.Errorf("failed to configure site: %w", err)
	}

	svc, err := execute.New(ctx, b, s, cacheStore, logger, m, cfg.consumerID, redisCfg.SiteName)
	if err != nil {
		return fmt.Errorf("failed to construct execute service: %w", err)
	}

	metricsSrv := buildSidecarServer(cfg.metricsAddr, m, b)
	go func() {
		logger.Info("dfm-execute metrics listening", zap.String("addr", cfg.metricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	logger.Info("dfm-execute starting",
		zap.String("consumer_id", cfg.consumerID),
		zap.String("site", redisCfg.SiteName),
	)
	svc.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	logger.Info("dfm-execute stopped")
	return nil
}

// buildSite configures a Site either from a SITE_CONFIG document (spec.md
// §6) or, absent one, by registering the demonstration provider directly
// under the tag "builtin" — enough to exercise the service without an
// operator having to hand-author a config file first.
func buildSite(siteName, configPath string, cacheStore *cache.Store, logger *zap.Logger) (*site.Site, error) {
	s := site.New(siteName, 15*time.Second, logger)
	bctx := site.BuildContext{CacheStore: cacheStore}

	if configPath == "" {
		spec, err := (&builtin.ProviderConfig{ProviderClass: builtin.ProviderClass}).BuildProviderSpec("builtin", bctx)
		if err != nil {
			return nil, err
		}
		s.Configure("builtin", spec)
		return s, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read site config: %w", err)
	}
	cfg, err := site.LoadConfig(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Apply(s, bctx); err != nil {
		return nil, err
	}
	return s, nil
}

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
