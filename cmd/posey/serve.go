package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/poseylabs/posey/internal/auth"
	"github.com/poseylabs/posey/internal/config"
	"github.com/poseylabs/posey/internal/gateway"
	"github.com/poseylabs/posey/internal/gateway/httpapi"
	"github.com/poseylabs/posey/internal/gateway/ws"
	"github.com/poseylabs/posey/internal/maintenance"
	"github.com/poseylabs/posey/internal/ratelimit"
)

const shutdownGrace = 15 * time.Second

var (
	configPath string
	listenAddr string
	logLevel   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API (and WebSocket gateway when enabled)",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `posey --config path` and `posey serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&listenAddr, "addr", "", "override HTTP listen address (e.g. :8080)")
		cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file")
}

// loadConfig resolves the config path from POSEY_CONFIG or --config.
func loadConfig() (*config.Config, error) {
	return config.Load(goutils.Env("POSEY_CONFIG", configPath))
}

func parseLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(goutils.Env("POSEY_LOG_LEVEL", logLevel)),
	}))

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Server.ListenAddr = listenAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	comp, err := initComponents(ctx, cfg, logger)
	defer comp.Cleanup()
	if err != nil {
		return err
	}

	authn := auth.New(cfg.Server.Auth)
	if !authn.Enabled() {
		logger.Warn("authentication disabled, all requests run as the anonymous user",
			slog.String("user_id", cfg.Server.Auth.Anonymous()),
		)
	}
	limiter := ratelimit.New(cfg.Server.RateLimit)

	var registry *prometheus.Registry
	if comp.Obs.Metrics != nil {
		registry = comp.Obs.Metrics.Registry
	}
	api := httpapi.NewGateway(httpapi.Config{
		ListenAddr:      cfg.Server.Addr(),
		EnableDocs:      cfg.Server.EnableDocs,
		Version:         version,
		MaxRequestSize:  cfg.Server.MaxRequestSizeBytes,
		RequestTimeout:  cfg.Server.RequestTimeout(),
		ImageCost:       cfg.Server.RateLimit.ImageTokenCost(),
		MetricsRegistry: registry,
		HealthChecker:   comp.Obs.Health,
		Metrics:         comp.Obs.Metrics,
		Tracer:          comp.Obs.Tracer,
	}, comp.Orchestrator, authn, limiter, logger).
		WithMemory(comp.Memory).
		WithImages(comp.Images, comp.Store.Runs()).
		WithAbilities(comp.Abilities)

	if cfg.Server.WebSocket {
		wsServer := ws.NewServer(comp.Orchestrator, authn, limiter, logger,
			ws.WithTimeout(cfg.Server.RequestTimeout()),
		)
		api.WithHandler("/ws", wsServer.Handler())
		logger.Debug("websocket gateway mounted", slog.String("path", "/ws"))
	}

	// Maintenance jobs.
	if cfg.Maintenance != nil {
		sched := maintenance.New(comp.Obs.Metrics, logger)
		for _, job := range maintenance.Jobs(cfg.Maintenance, comp.Memory, comp.Orchestrator) {
			if err := sched.Add(job); err != nil {
				return err
			}
		}
		stopScheduler := sched.Start(ctx)
		defer stopScheduler()
	}

	gateways := []gateway.Gateway{api}
	errs := make(chan error, len(gateways))
	for _, g := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(g)
	}
	logger.Info("posey started",
		slog.String("addr", cfg.Server.Addr()),
		slog.String("version", version),
		slog.Bool("websocket", cfg.Server.WebSocket),
	)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			runErr = fmt.Errorf("gateway failed: %w", err)
			logger.Error("gateway failed", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("gateway shutdown", slog.String("error", err.Error()))
		}
	}
	logger.Info("posey stopped")
	return runErr
}
