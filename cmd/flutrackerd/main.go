// Command flutrackerd runs the surveillance daemon: scheduled ingest runs
// for every configured source, periodic anomaly scans with optional Kafka
// alerting, and the operational HTTP endpoints.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fluwatch/flutracker/internal/adapter/alert"
	"github.com/fluwatch/flutracker/internal/adapter/httpapi"
	"github.com/fluwatch/flutracker/internal/analytics"
	"github.com/fluwatch/flutracker/internal/config"
	"github.com/fluwatch/flutracker/internal/domain"
	"github.com/fluwatch/flutracker/internal/ingest"
	"github.com/fluwatch/flutracker/internal/observability"
	"github.com/fluwatch/flutracker/internal/source"
	"github.com/fluwatch/flutracker/internal/store"
)

const (
	// anomalyLookback bounds the series window each scan inspects.
	anomalyLookback = 26 * 7 * 24 * time.Hour

	// staleRunAge is how long a run may sit in the running state before
	// reconciliation declares its process dead.
	staleRunAge = 6 * time.Hour
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	countries, err := config.LoadCountries(cfg.CountriesFile)
	if err != nil {
		logger.Error("failed to load country registry", "error", err)
		os.Exit(1)
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	connectors := make([]source.Connector, 0, len(cfg.Sources))
	for _, name := range cfg.Sources {
		conn, err := source.New(name, logger, cfg.HTTPTimeout)
		if err != nil {
			logger.Error("failed to build connector", "source", name, "error", err)
			os.Exit(1)
		}
		connectors = append(connectors, conn)
	}

	coordinator := ingest.New(db, metrics, logger)
	detector := analytics.NewDetector(db, countries, metrics, logger)

	var publisher *alert.Publisher
	if cfg.AlertsEnabled {
		publisher = alert.NewPublisher(cfg, logger)
		logger.Info("anomaly alerting enabled", "topic", cfg.KafkaAlertTopic)
	} else {
		logger.Info("anomaly alerting disabled")
	}

	srv := httpapi.NewServer(cfg.HTTPAddr, coordinator, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := coordinator.Reconcile(ctx, staleRunAge); err != nil {
		logger.Error("startup reconcile failed", "error", err)
		os.Exit(1)
	}

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	// One ingest loop per source; sources run concurrently with each
	// other, never with themselves. A failed run is logged and retried on
	// the next tick rather than taking the daemon down.
	g, gctx := errgroup.WithContext(ctx)
	for _, conn := range connectors {
		conn := conn
		g.Go(func() error {
			return ingestLoop(gctx, coordinator, conn, cfg.ScrapeInterval, logger)
		})
	}
	g.Go(func() error {
		return scanLoop(gctx, detector, publisher, cfg.ScanInterval, logger)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("daemon loop error", "error", err)
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Error("alert publisher close error", "error", err)
		}
	}

	logger.Info("shutdown complete")
}

// ingestLoop runs the source immediately and then on every tick until the
// context ends.
func ingestLoop(ctx context.Context, coordinator *ingest.Coordinator, conn source.Connector, interval time.Duration, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := coordinator.Reconcile(ctx, staleRunAge); err != nil {
			logger.Error("reconcile failed", "source", conn.Name(), "error", err)
		}
		if _, err := coordinator.Run(ctx, conn, nil); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, domain.ErrRunInProgress) {
				logger.Warn("ingest trigger skipped, run in progress", "source", conn.Name())
			}
			// Run failures are already logged and recorded by the
			// coordinator; the loop just waits for the next tick.
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// scanLoop periodically scans for anomalies and publishes what it finds.
func scanLoop(ctx context.Context, detector *analytics.Detector, publisher *alert.Publisher, interval time.Duration, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		found, err := detector.Scan(ctx, anomalyLookback)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("anomaly scan failed", "error", err)
			continue
		}
		if publisher == nil || len(found) == 0 {
			continue
		}
		if err := publisher.Publish(ctx, found); err != nil {
			logger.Error("anomaly alert publish failed", "error", err)
		}
	}
}
