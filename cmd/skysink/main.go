// Command skysink ingests the Bluesky Jetstream firehose into PostgreSQL.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/skysink/skysink/internal/ingest"
	"github.com/skysink/skysink/internal/jetstream"
	"github.com/skysink/skysink/internal/store"
	"github.com/skysink/skysink/pkg/config"
	"github.com/skysink/skysink/pkg/logger"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "skysink",
		Short: "Bluesky firehose ingestion service",
		Long: `skysink consumes the Bluesky Jetstream firehose and upserts typed
records (users, posts, likes, follows, and more) into PostgreSQL in
deduplicated batches, with backpressure and circuit breaking around the
store.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(runCmd(), versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("skysink %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the ingestion service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := logger.Init(logger.Config{
		Level:    cfg.Observability.LogLevel,
		Encoding: cfg.Observability.LogEncoding,
	}); err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	log := logger.Get()
	defer logger.Sync()

	log.Info("skysink starting",
		zap.String("version", version),
		zap.String("endpoint", cfg.Jetstream.Endpoint))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pg, err := store.New(ctx, cfg.Store, log)
	if err != nil {
		return fmt.Errorf("connecting to store: %w", err)
	}
	defer pg.Close()

	if err := pg.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensuring schema: %w", err)
	}

	pipeline, err := ingest.NewPipeline(cfg, pg, nil, log)
	if err != nil {
		return fmt.Errorf("building pipeline: %w", err)
	}
	pipeline.Start(ctx)

	var httpSrv *http.Server
	if cfg.Observability.ListenAddr != "" {
		httpSrv = serveHTTP(cfg.Observability.ListenAddr, pipeline, log)
	}

	consumer := jetstream.NewClient(cfg.Jetstream, pipeline.Ingest, log)
	consumerDone := make(chan error, 1)
	go func() {
		consumerDone <- consumer.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-consumerDone:
		if err != nil {
			log.Error("jetstream consumer failed", zap.Error(err))
		}
	}
	stop()

	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}

	pipeline.Stop()
	log.Info("skysink stopped")
	return nil
}

// serveHTTP exposes Prometheus metrics and a JSON health snapshot.
func serveHTTP(addr string, pipeline *ingest.Pipeline, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		health := pipeline.Health()
		w.Header().Set("Content-Type", "application/json")
		if !health.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(health); err != nil {
			log.Warn("failed to write health response", zap.Error(err))
		}
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		log.Info("http listener started", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http listener failed", zap.Error(err))
		}
	}()
	return srv
}
