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

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dCache/dcache-sub081/internal/config"
	"github.com/dCache/dcache-sub081/internal/logging/audit"
	"github.com/dCache/dcache-sub081/internal/logging/loki"
	"github.com/dCache/dcache-sub081/internal/metrics"
	"github.com/dCache/dcache-sub081/internal/pool/datastore"
	"github.com/dCache/dcache-sub081/internal/pool/repository"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Recover the pool and serve it until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigChan)
			go func() {
				select {
				case sig := <-sigChan:
					log.Info().Str("signal", sig.String()).Msg("Shutting down")
					cancel()
				case <-ctx.Done():
				}
			}()

			err := runPool(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

// runPool recovers the pool, starts the metrics endpoint and the periodic
// health check, and blocks until ctx is done.
func runPool(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.LokiURL != "" {
		stop := shipLogs(cfg)
		defer stop()
	}

	var pm *metrics.PoolMetrics
	var sink repository.Metrics
	if cfg.MetricsListen != "" {
		pm = metrics.InitPoolMetrics(cfg.Name, Version)
		sink = pm
	}

	p, err := openPool(cfg, sink)
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Close(); err != nil {
			log.Warn().Err(err).Msg("Error closing pool")
		}
	}()

	auditLog := audit.NewLogger(p.logger)
	p.dir.AddListener(auditLog)

	checkVolume(cfg)

	if err := p.dir.RunRecovery(); err != nil {
		auditLog.LogRecovery("failed", p.dir.SpaceRecord(), err.Error())
		return fmt.Errorf("recovery: %w", err)
	}
	auditLog.LogRecovery("ok", p.dir.SpaceRecord(), "")

	if pm != nil {
		srv := &http.Server{
			Addr:              cfg.MetricsListen,
			Handler:           newMux(p.dir),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info().Str("listen", cfg.MetricsListen).Msg("Metrics endpoint started")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Metrics server stopped")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		collector := metrics.NewCollector(pm, metrics.CollectorConfig{
			Pool:     p.dir,
			DataDir:  repository.DataDir(cfg.BaseDir),
			OnHealth: auditLog.LogHealth,
		}, p.logger)
		go collector.Run(ctx, cfg.HealthIntervalDuration())
	} else {
		go runHealthLoop(ctx, p.dir, auditLog, cfg.HealthIntervalDuration())
	}

	log.Info().
		Str("pool", cfg.Name).
		Int("replicas", len(p.dir.ListIDs())).
		Msg("Pool ready")

	<-ctx.Done()
	return ctx.Err()
}

// shipLogs tees the global logger into Loki until the returned func is
// called.
func shipLogs(cfg *config.PoolConfig) func() {
	lokiWriter := loki.NewWriter(loki.Config{
		URL: cfg.LokiURL,
		Labels: map[string]string{
			"pool":    cfg.Name,
			"version": Version,
		},
	})
	lokiWriter.Start()

	prev := log.Logger
	log.Logger = log.Output(zerolog.MultiLevelWriter(console, lokiWriter))
	log.Info().Str("url", cfg.LokiURL).Msg("Loki log shipping enabled")

	return func() {
		log.Logger = prev
		lokiWriter.Stop()
	}
}

// newMux serves /metrics and a /health endpoint backed by the health check.
func newMux(d *repository.Directory) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if !d.IsHealthy() {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

// runHealthLoop checks health periodically when no metrics collector runs.
func runHealthLoop(ctx context.Context, d *repository.Directory, auditLog *audit.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ok := d.IsHealthy(); ok != last {
				auditLog.LogHealth(ok)
				last = ok
			}
		}
	}
}

// checkVolume warns when the configured capacity exceeds the filesystem.
func checkVolume(cfg *config.PoolConfig) {
	st, err := datastore.Volume(repository.DataDir(cfg.BaseDir))
	if err != nil {
		log.Debug().Err(err).Msg("Cannot read volume statistics")
		return
	}
	if cfg.TotalSpace.Bytes() > st.Total {
		log.Warn().
			Str("total_space", cfg.TotalSpace.String()).
			Str("volume", config.Size(st.Total).String()).
			Msg("Configured pool size exceeds the volume")
	}
}
