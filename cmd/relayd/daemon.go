package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaymq/relay/internal/logging"
	"github.com/relaymq/relay/internal/metrics"
	"github.com/relaymq/relay/internal/observability"
)

func daemonCmd() *cobra.Command {
	var (
		pgDSN    string
		httpAddr string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the Relay broker daemon",
		Long:  "Run Relay as a long-lived broker process: the dequeue/ack/reaper/producer cores plus the HTTP metrics surface.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}

			if cmd.Flags().Changed("pg-dsn") {
				cfg.Postgres.WriteDSN = pgDSN
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
			}

			logging.SetLevelFromString(cfg.Daemon.LogLevel)
			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    cfg.Observability.Tracing.Exporter,
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: cfg.Observability.Tracing.ServiceName,
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Observability.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, nil)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			rel, closeRelay, err := buildRelay(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer closeRelay()

			var httpServer *http.Server
			if httpAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.PrometheusHandler())
				mux.Handle("/stats", metrics.Global().JSONHandler())
				mux.Handle("/stats/timeseries", metrics.Global().TimeSeriesHandler())
				mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
					if err := rel.Health(r.Context()); err != nil {
						w.WriteHeader(http.StatusServiceUnavailable)
						fmt.Fprintf(w, "unhealthy: %v", err)
						return
					}
					w.WriteHeader(http.StatusOK)
					w.Write([]byte("ok"))
				})
				httpServer = &http.Server{Addr: httpAddr, Handler: mux}
				go func() {
					logging.Op().Info("relayd http listening", "addr", httpAddr)
					if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logging.Op().Error("http server failed", "error", err)
					}
				}()
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()

			logging.Op().Info("relayd daemon started")
			for {
				select {
				case <-sigCh:
					logging.Op().Info("shutdown signal received")
					if httpServer != nil {
						shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
						httpServer.Shutdown(shutdownCtx)
						shutdownCancel()
					}
					return nil
				case <-ticker.C:
					queues, err := rel.ListQueues(context.Background())
					if err != nil {
						logging.Op().Error("error listing queues", "error", err)
						continue
					}
					for _, q := range queues {
						metrics.SetQueueDepth(q.Name, "queued", int(q.MessageCount))
						metrics.SetQueueDepth(q.Name, "processing", int(q.ProcessingCount))
						metrics.SetQueueDepth(q.Name, "dead", int(q.DeadCount))
					}
				}
			}
		},
	}

	cmd.Flags().StringVar(&pgDSN, "pg-dsn", "", "Postgres write DSN (overrides config)")
	cmd.Flags().StringVar(&httpAddr, "http", ":8090", "HTTP address for /metrics, /stats, /healthz")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (overrides config)")

	return cmd
}
