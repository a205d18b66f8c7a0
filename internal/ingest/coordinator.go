// Package ingest coordinates connector pulls into the store with
// idempotency guarantees: re-running a source over the same period never
// duplicates observations, and each run is recorded in the run log.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fluwatch/flutracker/internal/domain"
	"github.com/fluwatch/flutracker/internal/observability"
	"github.com/fluwatch/flutracker/internal/source"
)

// Store is the persistence surface the coordinator needs.
type Store interface {
	CreateRun(ctx context.Context, source string) (domain.RunRecord, error)
	FinalizeRun(ctx context.Context, rec domain.RunRecord) error
	LastSuccessfulRun(ctx context.Context, source string) (time.Time, bool, error)
	ExistingKeys(ctx context.Context, source string, from, to time.Time) (map[domain.DedupKey]struct{}, error)
	InsertObservations(ctx context.Context, obs []domain.Observation) (int, error)
	UpsertAuxSignals(ctx context.Context, signals []domain.AuxSignal) error
	ReconcileDanglingRuns(ctx context.Context, olderThan time.Duration) (int, error)
}

// Coordinator runs connectors and persists their output exactly once.
// At most one run per source may be in flight; concurrent triggers for the
// same source are rejected with domain.ErrRunInProgress rather than queued,
// so a slow upstream cannot pile up redundant pulls behind itself.
type Coordinator struct {
	store   Store
	metrics *observability.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	inFlight map[string]bool

	ready atomic.Bool
}

// New creates a Coordinator.
func New(store Store, metrics *observability.Metrics, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:    store,
		metrics:  metrics,
		logger:   logger,
		inFlight: make(map[string]bool),
	}
}

// Ready reports whether at least one run has completed since startup.
func (c *Coordinator) Ready() bool { return c.ready.Load() }

// Reconcile finalizes run-log entries left in the running state by a
// previous process that died mid-run. Call it before scheduling new runs.
func (c *Coordinator) Reconcile(ctx context.Context, olderThan time.Duration) error {
	n, err := c.store.ReconcileDanglingRuns(ctx, olderThan)
	if err != nil {
		return fmt.Errorf("reconcile dangling runs: %w", err)
	}
	if n > 0 {
		c.logger.Warn("reconciled dangling runs", "count", n)
	}
	return nil
}

// Run executes one ingest run for the connector: fetch, dedup against the
// store, insert what is novel, and finalize the run record. since bounds
// the pull; nil means "since the last successful run of this source", or
// the connector's own default lookback when there is none.
//
// A second Run for the same source while one is in flight returns
// domain.ErrRunInProgress without touching the run log.
func (c *Coordinator) Run(ctx context.Context, conn source.Connector, since *time.Time) (domain.RunRecord, error) {
	name := conn.Name()

	c.mu.Lock()
	if c.inFlight[name] {
		c.mu.Unlock()
		c.metrics.RunsTotal.WithLabelValues(name, "rejected").Inc()
		return domain.RunRecord{}, fmt.Errorf("source %s: %w", name, domain.ErrRunInProgress)
	}
	c.inFlight[name] = true
	c.mu.Unlock()

	c.metrics.IngestInFlight.WithLabelValues(name).Set(1)
	defer func() {
		c.mu.Lock()
		delete(c.inFlight, name)
		c.mu.Unlock()
		c.metrics.IngestInFlight.WithLabelValues(name).Set(0)
	}()

	if since == nil {
		last, ok, err := c.store.LastSuccessfulRun(ctx, name)
		if err != nil {
			return domain.RunRecord{}, fmt.Errorf("last successful run: %w", err)
		}
		if ok {
			since = &last
		}
	}

	rec, err := c.store.CreateRun(ctx, name)
	if err != nil {
		return domain.RunRecord{}, fmt.Errorf("create run: %w", err)
	}
	c.logger.Info("ingest run started", "source", name, "run_id", rec.ID)

	fetchStart := time.Now()
	batch, err := conn.Fetch(ctx, since)
	c.metrics.FetchDuration.WithLabelValues(name).Observe(time.Since(fetchStart).Seconds())
	if err != nil {
		return c.finalizeError(ctx, rec, err)
	}

	rec.RecordsFetched = len(batch.Observations)
	rec.RecordsSkipped = batch.Skipped
	c.metrics.RecordsFetched.WithLabelValues(name).Add(float64(len(batch.Observations)))
	c.metrics.RecordsSkipped.WithLabelValues(name).Add(float64(batch.Skipped))

	novel, err := c.dedup(ctx, name, batch.Observations)
	if err != nil {
		return c.finalizeError(ctx, rec, err)
	}

	inserted := 0
	if len(novel) > 0 {
		inserted, err = c.store.InsertObservations(ctx, novel)
		if err != nil {
			return c.finalizeError(ctx, rec, err)
		}
	}
	if len(batch.AuxSignals) > 0 {
		if err := c.store.UpsertAuxSignals(ctx, batch.AuxSignals); err != nil {
			return c.finalizeError(ctx, rec, err)
		}
	}

	rec.Status = domain.RunSuccess
	rec.FinishedAt = domain.Now()
	rec.RecordsInserted = inserted
	if err := c.store.FinalizeRun(ctx, rec); err != nil {
		return domain.RunRecord{}, fmt.Errorf("finalize run: %w", err)
	}

	c.metrics.RunsTotal.WithLabelValues(name, "success").Inc()
	c.metrics.RecordsInserted.WithLabelValues(name).Add(float64(inserted))
	c.ready.Store(true)

	c.logger.Info("ingest run complete",
		"source", name,
		"run_id", rec.ID,
		"fetched", rec.RecordsFetched,
		"inserted", rec.RecordsInserted,
		"skipped", rec.RecordsSkipped,
	)
	return rec, nil
}

// dedup drops observations whose key already exists in the store, and
// collapses duplicate keys within the batch itself (first one wins, same
// rule the store applies).
func (c *Coordinator) dedup(ctx context.Context, name string, obs []domain.Observation) ([]domain.Observation, error) {
	if len(obs) == 0 {
		return nil, nil
	}

	from, to := obs[0].Time, obs[0].Time
	for _, o := range obs[1:] {
		if o.Time.Before(from) {
			from = o.Time
		}
		if o.Time.After(to) {
			to = o.Time
		}
	}

	existing, err := c.store.ExistingKeys(ctx, name, from, to)
	if err != nil {
		return nil, fmt.Errorf("existing keys: %w", err)
	}

	novel := make([]domain.Observation, 0, len(obs))
	seen := make(map[domain.DedupKey]struct{}, len(obs))
	for _, o := range obs {
		key := o.Key()
		if _, ok := existing[key]; ok {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		novel = append(novel, o)
	}
	return novel, nil
}

func (c *Coordinator) finalizeError(ctx context.Context, rec domain.RunRecord, runErr error) (domain.RunRecord, error) {
	rec.Status = domain.RunError
	rec.FinishedAt = domain.Now()
	rec.ErrorMessage = runErr.Error()

	if err := c.store.FinalizeRun(ctx, rec); err != nil {
		c.logger.Error("finalize failed run record", "run_id", rec.ID, "error", err)
	}
	c.metrics.RunsTotal.WithLabelValues(rec.Source, "error").Inc()
	c.logger.Error("ingest run failed", "source", rec.Source, "run_id", rec.ID, "error", runErr)
	return rec, runErr
}
