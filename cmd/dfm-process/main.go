// Command dfm-process runs the Process front-end HTTP service (spec.md
// §4.6): request ingest, dispatch onto the execute or scheduler channel,
// and paginated response polling.
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

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dfm-io/dfm/internal/bus"
	"github.com/dfm-io/dfm/internal/config"
	"github.com/dfm-io/dfm/internal/metrics"
	"github.com/dfm-io/dfm/internal/processsvc"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type cliConfig struct {
	httpAddr   string
	authMethod string
	authHeader string
	authToken  string
	jwtSecret  string
	logLevel   string
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
		Use:   "dfm-process",
		Short: "dfm-process — the Process front-end HTTP service",
		Long: `dfm-process exposes the HTTP surface clients submit Process documents to
and poll for responses against: POST /process, GET /request/responses/{id},
GET /status, GET /version, GET /healthz, GET /metrics.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", config.EnvOrDefault("DFM_HTTP_ADDR", ":8080"), "HTTP listen address")
	root.PersistentFlags().StringVar(&cfg.authMethod, "auth-method", config.EnvOrDefault("AUTH_METHOD", "none"), "Auth method: none, header, or bearer-jwt")
	root.PersistentFlags().StringVar(&cfg.authHeader, "auth-header", config.EnvOrDefault("DFM_AUTH_HEADER", "X-DFM-Auth"), "Header name for the \"header\" auth method")
	root.PersistentFlags().StringVar(&cfg.authToken, "auth-token", config.EnvOrDefault("DFM_AUTH_TOKEN", ""), "Shared credential for the \"header\" auth method")
	root.PersistentFlags().StringVar(&cfg.jwtSecret, "jwt-secret", config.EnvOrDefault("DFM_JWT_SECRET", ""), "HMAC secret for the \"bearer-jwt\" auth method")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", config.EnvOrDefault("DFM_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dfm-process %s (commit: %s, built: %s)\n", version, commit, date)
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

	auth, err := buildAuth(cfg)
	if err != nil {
		return err
	}

	svc, err := processsvc.New(ctx, b, logger, m, redisCfg.SiteName, version, auth)
	if err != nil {
		return fmt.Errorf("failed to construct process service: %w", err)
	}

	httpSrv := &http.Server{
		Addr:         cfg.httpAddr,
		Handler:      svc.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("dfm-process listening", zap.String("addr", cfg.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down dfm-process")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("dfm-process stopped")
	return nil
}

func buildAuth(cfg *cliConfig) (processsvc.AuthConfig, error) {
	switch cfg.authMethod {
	case "", "none":
		return processsvc.AuthConfig{Method: "none"}, nil
	case "header":
		return processsvc.AuthConfig{Method: "header", HeaderName: cfg.authHeader, Token: cfg.authToken}, nil
	case "bearer-jwt":
		return processsvc.AuthConfig{Method: "bearer-jwt", JWTSecret: []byte(cfg.jwtSecret)}, nil
	default:
		return processsvc.AuthConfig{}, fmt.Errorf("unknown auth method %q", cfg.authMethod)
	}
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
