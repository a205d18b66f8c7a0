// Package store persists observations, run records, anomalies, and
// auxiliary signals in an embedded SQLite database.
//
// The unique index on the observation dedup key is the durable backstop for
// at-most-once ingestion: the coordinator filters duplicates with a bulk
// key read, and INSERT OR IGNORE guarantees the invariant even if two
// processes race.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fluwatch/flutracker/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS observations (
	time         INTEGER NOT NULL,
	country_code TEXT    NOT NULL,
	region       TEXT    NOT NULL DEFAULT '',
	city         TEXT    NOT NULL DEFAULT '',
	cases        INTEGER NOT NULL CHECK (cases >= 0),
	subtype      TEXT    NOT NULL DEFAULT '',
	source       TEXT    NOT NULL,
	ingested_at  INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_observations_dedup
	ON observations (time, country_code, region, source, subtype);
CREATE INDEX IF NOT EXISTS idx_observations_country_time
	ON observations (country_code, time);
CREATE INDEX IF NOT EXISTS idx_observations_source_time
	ON observations (source, time);

CREATE TABLE IF NOT EXISTS run_log (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	source           TEXT    NOT NULL,
	started_at       INTEGER NOT NULL,
	finished_at      INTEGER,
	status           TEXT    NOT NULL CHECK (status IN ('running', 'success', 'error')),
	records_fetched  INTEGER NOT NULL DEFAULT 0,
	records_inserted INTEGER NOT NULL DEFAULT 0,
	records_skipped  INTEGER NOT NULL DEFAULT 0,
	error_message    TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_run_log_source ON run_log (source, started_at);

CREATE TABLE IF NOT EXISTS anomalies (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	detected_at  INTEGER NOT NULL,
	country_code TEXT    NOT NULL,
	region       TEXT    NOT NULL DEFAULT '',
	metric       TEXT    NOT NULL,
	z_score      REAL    NOT NULL,
	severity     TEXT    NOT NULL CHECK (severity IN ('low', 'medium', 'high', 'critical')),
	description  TEXT    NOT NULL DEFAULT '',
	window_start INTEGER NOT NULL,
	window_end   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_anomalies_country ON anomalies (country_code, detected_at);

CREATE TABLE IF NOT EXISTS aux_signals (
	country_code  TEXT    NOT NULL,
	week          INTEGER NOT NULL,
	positivity    REAL,
	hosp_per_100k REAL,
	PRIMARY KEY (country_code, week)
);
`

// DB wraps the SQLite connection behind the operations the coordinator and
// the analytics components consume.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
// Use ":memory:" for an ephemeral database in tests.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Bulk inserts and read-only analytics run concurrently; WAL keeps
	// readers unblocked during the coordinator's insert transaction.
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA foreign_keys = ON;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &DB{db: db}, nil
}

// Close releases the underlying connection.
func (s *DB) Close() error {
	return s.db.Close()
}

// InsertObservations bulk-inserts observations in one transaction and
// returns the number of rows actually written. Rows colliding with the
// dedup index are ignored, not updated.
func (s *DB) InsertObservations(ctx context.Context, obs []domain.Observation) (int, error) {
	if len(obs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO observations
			(time, country_code, region, city, cases, subtype, source, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	now := domain.Now().Unix()
	inserted := 0
	for _, o := range obs {
		res, err := stmt.ExecContext(ctx,
			o.Time.UTC().Unix(), o.CountryCode, o.Region, o.City,
			o.Cases, o.Subtype, o.Source, now)
		if err != nil {
			return 0, fmt.Errorf("insert observation: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("insert observation: %w", err)
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit insert: %w", err)
	}
	return inserted, nil
}

// ExistingKeys returns the dedup keys already stored for the source within
// [from, to], in a single bulk read.
func (s *DB) ExistingKeys(ctx context.Context, source string, from, to time.Time) (map[domain.DedupKey]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT time, country_code, region, subtype
		FROM observations
		WHERE source = ? AND time >= ? AND time <= ?`,
		source, from.UTC().Unix(), to.UTC().Unix())
	if err != nil {
		return nil, fmt.Errorf("query existing keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[domain.DedupKey]struct{})
	for rows.Next() {
		key := domain.DedupKey{Source: source}
		if err := rows.Scan(&key.Unix, &key.CountryCode, &key.Region, &key.Subtype); err != nil {
			return nil, fmt.Errorf("scan existing key: %w", err)
		}
		keys[key] = struct{}{}
	}
	return keys, rows.Err()
}

// WeeklySeries returns the weekly case totals for a country since the given
// time, ordered by week. An empty region aggregates the whole country; a
// non-empty region restricts to that sub-national series. A non-empty
// sources list restricts which feeds contribute.
func (s *DB) WeeklySeries(ctx context.Context, country, region string, since time.Time, sources []string) ([]domain.WeeklyCount, error) {
	query := `SELECT time, cases FROM observations WHERE country_code = ? AND time >= ?`
	args := []any{country, since.UTC().Unix()}
	if region != "" {
		query += ` AND region = ?`
		args = append(args, region)
	}
	if len(sources) > 0 {
		query += ` AND source IN (` + placeholders(len(sources)) + `)`
		for _, src := range sources {
			args = append(args, src)
		}
	}
	query += ` ORDER BY time`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query weekly series: %w", err)
	}
	defer rows.Close()

	var out []domain.WeeklyCount
	for rows.Next() {
		var unix int64
		var cases int
		if err := rows.Scan(&unix, &cases); err != nil {
			return nil, fmt.Errorf("scan weekly series: %w", err)
		}
		week := domain.WeekStartUTC(time.Unix(unix, 0))
		if n := len(out); n > 0 && out[n-1].WeekStart.Equal(week) {
			out[n-1].Cases += float64(cases)
		} else {
			out = append(out, domain.WeeklyCount{WeekStart: week, Cases: float64(cases)})
		}
	}
	return out, rows.Err()
}

// SeriesRefs enumerates the detectable series with data since the given
// time: every country, plus every (country, region) pair with regional data.
func (s *DB) SeriesRefs(ctx context.Context, since time.Time) ([]domain.SeriesRef, error) {
	unix := since.UTC().Unix()

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT country_code FROM observations WHERE time >= ? ORDER BY country_code`, unix)
	if err != nil {
		return nil, fmt.Errorf("query series countries: %w", err)
	}
	defer rows.Close()

	var refs []domain.SeriesRef
	for rows.Next() {
		var ref domain.SeriesRef
		if err := rows.Scan(&ref.CountryCode); err != nil {
			return nil, fmt.Errorf("scan series country: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	regionRows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT country_code, region FROM observations
		WHERE time >= ? AND region != '' ORDER BY country_code, region`, unix)
	if err != nil {
		return nil, fmt.Errorf("query series regions: %w", err)
	}
	defer regionRows.Close()

	for regionRows.Next() {
		var ref domain.SeriesRef
		if err := regionRows.Scan(&ref.CountryCode, &ref.Region); err != nil {
			return nil, fmt.Errorf("scan series region: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, regionRows.Err()
}

// CasesBetween sums case counts for a country in [from, to). A non-empty
// sources list restricts which feeds contribute.
func (s *DB) CasesBetween(ctx context.Context, country string, from, to time.Time, sources []string) (int64, error) {
	query := `SELECT COALESCE(SUM(cases), 0) FROM observations
		WHERE country_code = ? AND time >= ? AND time < ?`
	args := []any{country, from.UTC().Unix(), to.UTC().Unix()}
	if len(sources) > 0 {
		query += ` AND source IN (` + placeholders(len(sources)) + `)`
		for _, src := range sources {
			args = append(args, src)
		}
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("query cases between: %w", err)
	}
	return total, nil
}

// MaxObservationTime returns the latest observation timestamp, or the zero
// time when the store is empty. Analytics anchor their windows here rather
// than at wall-clock now, so stale data does not read as zero activity.
func (s *DB) MaxObservationTime(ctx context.Context) (time.Time, error) {
	var unix sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(time) FROM observations`).Scan(&unix); err != nil {
		return time.Time{}, fmt.Errorf("query max observation time: %w", err)
	}
	if !unix.Valid {
		return time.Time{}, nil
	}
	return time.Unix(unix.Int64, 0).UTC(), nil
}

// Freshness returns the latest ingestion timestamp, used as a cache key for
// derived artifacts. Zero time when the store is empty.
func (s *DB) Freshness(ctx context.Context) (time.Time, error) {
	var unix sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(ingested_at) FROM observations`).Scan(&unix); err != nil {
		return time.Time{}, fmt.Errorf("query freshness: %w", err)
	}
	if !unix.Valid {
		return time.Time{}, nil
	}
	return time.Unix(unix.Int64, 0).UTC(), nil
}

// CreateRun inserts a run record in the running state.
func (s *DB) CreateRun(ctx context.Context, source string) (domain.RunRecord, error) {
	rec := domain.RunRecord{
		Source:    source,
		StartedAt: domain.Now(),
		Status:    domain.RunRunning,
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO run_log (source, started_at, status) VALUES (?, ?, ?)`,
		rec.Source, rec.StartedAt.Unix(), rec.Status)
	if err != nil {
		return domain.RunRecord{}, fmt.Errorf("create run record: %w", err)
	}
	rec.ID, err = res.LastInsertId()
	if err != nil {
		return domain.RunRecord{}, fmt.Errorf("create run record: %w", err)
	}
	return rec, nil
}

// FinalizeRun transitions a running record to success or error exactly once.
// Finalizing an already-finalized record is an error.
func (s *DB) FinalizeRun(ctx context.Context, rec domain.RunRecord) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE run_log
		SET finished_at = ?, status = ?, records_fetched = ?,
		    records_inserted = ?, records_skipped = ?, error_message = ?
		WHERE id = ? AND status = 'running'`,
		rec.FinishedAt.Unix(), rec.Status, rec.RecordsFetched,
		rec.RecordsInserted, rec.RecordsSkipped, rec.ErrorMessage, rec.ID)
	if err != nil {
		return fmt.Errorf("finalize run record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize run record: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("finalize run record %d: not in running state", rec.ID)
	}
	return nil
}

// GetRun reads one run record by ID.
func (s *DB) GetRun(ctx context.Context, id int64) (domain.RunRecord, error) {
	var rec domain.RunRecord
	var started, finished sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, source, started_at, finished_at, status,
		       records_fetched, records_inserted, records_skipped, error_message
		FROM run_log WHERE id = ?`, id).Scan(
		&rec.ID, &rec.Source, &started, &finished, &rec.Status,
		&rec.RecordsFetched, &rec.RecordsInserted, &rec.RecordsSkipped, &rec.ErrorMessage)
	if err != nil {
		return domain.RunRecord{}, fmt.Errorf("get run record: %w", err)
	}
	if started.Valid {
		rec.StartedAt = time.Unix(started.Int64, 0).UTC()
	}
	if finished.Valid {
		rec.FinishedAt = time.Unix(finished.Int64, 0).UTC()
	}
	return rec, nil
}

// LastSuccessfulRun returns the start time of the source's most recent
// successful run, or false when it has never succeeded.
func (s *DB) LastSuccessfulRun(ctx context.Context, source string) (time.Time, bool, error) {
	var unix sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(started_at) FROM run_log WHERE source = ? AND status = 'success'`,
		source).Scan(&unix)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query last successful run: %w", err)
	}
	if !unix.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(unix.Int64, 0).UTC(), true, nil
}

// ReconcileDanglingRuns marks running records older than the cutoff as
// failed. A run abandoned by process termination leaves a dangling running
// record; the scheduler calls this each pass.
func (s *DB) ReconcileDanglingRuns(ctx context.Context, olderThan time.Duration) (int, error) {
	now := domain.Now()
	cutoff := now.Add(-olderThan).Unix()
	res, err := s.db.ExecContext(ctx, `
		UPDATE run_log
		SET status = 'error', finished_at = ?, error_message = 'abandoned: process terminated mid-run'
		WHERE status = 'running' AND started_at < ?`,
		now.Unix(), cutoff)
	if err != nil {
		return 0, fmt.Errorf("reconcile dangling runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reconcile dangling runs: %w", err)
	}
	return int(n), nil
}

// InsertAnomalies appends detection results. Prior rows are never touched.
func (s *DB) InsertAnomalies(ctx context.Context, anomalies []domain.Anomaly) error {
	if len(anomalies) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin anomaly insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO anomalies
			(detected_at, country_code, region, metric, z_score, severity, description, window_start, window_end)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare anomaly insert: %w", err)
	}
	defer stmt.Close()

	for _, a := range anomalies {
		if _, err := stmt.ExecContext(ctx,
			a.DetectedAt.UTC().Unix(), a.CountryCode, a.Region, a.Metric,
			a.ZScore, a.Severity, a.Description,
			a.WindowStart.UTC().Unix(), a.WindowEnd.UTC().Unix()); err != nil {
			return fmt.Errorf("insert anomaly: %w", err)
		}
	}
	return tx.Commit()
}

// ListAnomalies returns detections within the lookback window, most recent
// first.
func (s *DB) ListAnomalies(ctx context.Context, lookback time.Duration) ([]domain.Anomaly, error) {
	since := domain.Now().Add(-lookback).Unix()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, detected_at, country_code, region, metric, z_score, severity, description, window_start, window_end
		FROM anomalies WHERE detected_at >= ?
		ORDER BY detected_at DESC, z_score DESC`, since)
	if err != nil {
		return nil, fmt.Errorf("query anomalies: %w", err)
	}
	defer rows.Close()

	var out []domain.Anomaly
	for rows.Next() {
		var a domain.Anomaly
		var detected, wStart, wEnd int64
		if err := rows.Scan(&a.ID, &detected, &a.CountryCode, &a.Region, &a.Metric,
			&a.ZScore, &a.Severity, &a.Description, &wStart, &wEnd); err != nil {
			return nil, fmt.Errorf("scan anomaly: %w", err)
		}
		a.DetectedAt = time.Unix(detected, 0).UTC()
		a.WindowStart = time.Unix(wStart, 0).UTC()
		a.WindowEnd = time.Unix(wEnd, 0).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpsertAuxSignals merges auxiliary clinical signals per (country, week),
// keeping existing values for fields the new row does not carry.
func (s *DB) UpsertAuxSignals(ctx context.Context, signals []domain.AuxSignal) error {
	if len(signals) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin aux upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO aux_signals (country_code, week, positivity, hosp_per_100k)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (country_code, week) DO UPDATE SET
			positivity = COALESCE(excluded.positivity, aux_signals.positivity),
			hosp_per_100k = COALESCE(excluded.hosp_per_100k, aux_signals.hosp_per_100k)`)
	if err != nil {
		return fmt.Errorf("prepare aux upsert: %w", err)
	}
	defer stmt.Close()

	for _, sig := range signals {
		week := domain.WeekStartUTC(sig.Week).Unix()
		if _, err := stmt.ExecContext(ctx, sig.CountryCode, week, sig.Positivity, sig.HospPer100k); err != nil {
			return fmt.Errorf("upsert aux signal: %w", err)
		}
	}
	return tx.Commit()
}

// LatestAuxSignal returns the most recent auxiliary signals for a country,
// or nil when none are stored.
func (s *DB) LatestAuxSignal(ctx context.Context, country string) (*domain.AuxSignal, error) {
	var sig domain.AuxSignal
	var week int64
	err := s.db.QueryRowContext(ctx, `
		SELECT country_code, week, positivity, hosp_per_100k
		FROM aux_signals WHERE country_code = ?
		ORDER BY week DESC LIMIT 1`, country).Scan(
		&sig.CountryCode, &week, &sig.Positivity, &sig.HospPer100k)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query aux signal: %w", err)
	}
	sig.Week = time.Unix(week, 0).UTC()
	return &sig, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
