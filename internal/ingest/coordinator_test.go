package ingest_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluwatch/flutracker/internal/domain"
	"github.com/fluwatch/flutracker/internal/ingest"
	"github.com/fluwatch/flutracker/internal/observability"
	"github.com/fluwatch/flutracker/internal/source"
	"github.com/fluwatch/flutracker/internal/store"
)

type stubConnector struct {
	name    string
	batches []source.Batch
	err     error
	calls   int
	since   []*time.Time
	block   chan struct{} // when set, Fetch blocks until closed
	started chan struct{} // when set, closed once Fetch begins
}

func (s *stubConnector) Name() string { return s.name }

func (s *stubConnector) Fetch(ctx context.Context, since *time.Time) (source.Batch, error) {
	s.since = append(s.since, since)
	if s.started != nil {
		close(s.started)
		s.started = nil
	}
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return source.Batch{}, ctx.Err()
		}
	}
	if s.err != nil {
		return source.Batch{}, s.err
	}
	batch := s.batches[min(s.calls, len(s.batches)-1)]
	s.calls++
	return batch, nil
}

func newTestCoordinator(t *testing.T) (*ingest.Coordinator, *store.DB) {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return ingest.New(db, observability.NewMetricsForTesting(), logger), db
}

func weeklyObs(week time.Time, country string, cases int) domain.Observation {
	return domain.Observation{
		Time:        week,
		CountryCode: country,
		Cases:       cases,
		Subtype:     "H3N2",
		Source:      "test_feed",
	}
}

func TestRunIsIdempotent(t *testing.T) {
	coord, db := newTestCoordinator(t)
	week := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)

	conn := &stubConnector{name: "test_feed", batches: []source.Batch{{
		Observations: []domain.Observation{
			weeklyObs(week, "US", 100),
			weeklyObs(week, "FR", 50),
		},
	}}}

	first, err := coord.Run(context.Background(), conn, &week)
	require.NoError(t, err)
	assert.Equal(t, domain.RunSuccess, first.Status)
	assert.Equal(t, 2, first.RecordsInserted)

	stored, err := db.GetRun(context.Background(), first.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(first, stored, cmpopts.EquateApproxTime(time.Second)); diff != "" {
		t.Errorf("persisted run record mismatch (-want +got):\n%s", diff)
	}

	second, err := coord.Run(context.Background(), conn, &week)
	require.NoError(t, err)
	assert.Equal(t, domain.RunSuccess, second.Status)
	assert.Equal(t, 2, second.RecordsFetched)
	assert.Equal(t, 0, second.RecordsInserted, "identical re-run inserts nothing")
}

func TestRunInsertsOnlyNovelRecords(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	big := make([]domain.Observation, 0, 1005)
	for i := 0; i < 1000; i++ {
		big = append(big, weeklyObs(start.AddDate(0, 0, 7*(i%52)), "US", i))
	}
	// 1000 observations across 52 distinct weeks collapse in-batch to 52
	// keys; the first observation per key wins.
	firstBatch := source.Batch{Observations: big}

	withNovel := source.Batch{Observations: append(append([]domain.Observation{}, big...),
		weeklyObs(start.AddDate(0, 0, 7*52), "US", 1),
		weeklyObs(start.AddDate(0, 0, 7*53), "US", 2),
		weeklyObs(start.AddDate(0, 0, 7*54), "US", 3),
		weeklyObs(start.AddDate(0, 0, 7*55), "US", 4),
		weeklyObs(start.AddDate(0, 0, 7*56), "US", 5),
	)}

	conn := &stubConnector{name: "test_feed", batches: []source.Batch{firstBatch, withNovel}}

	first, err := coord.Run(context.Background(), conn, &start)
	require.NoError(t, err)
	assert.Equal(t, 52, first.RecordsInserted)

	second, err := coord.Run(context.Background(), conn, &start)
	require.NoError(t, err)
	assert.Equal(t, 5, second.RecordsInserted, "only the genuinely new weeks insert")
}

func TestRunRejectsConcurrentSameSource(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	week := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)

	block := make(chan struct{})
	started := make(chan struct{})
	slow := &stubConnector{
		name:    "test_feed",
		batches: []source.Batch{{Observations: []domain.Observation{weeklyObs(week, "US", 1)}}},
		block:   block,
		started: started,
	}

	done := make(chan error, 1)
	go func() {
		_, err := coord.Run(context.Background(), slow, &week)
		done <- err
	}()

	<-started
	_, err := coord.Run(context.Background(), slow, &week)
	require.ErrorIs(t, err, domain.ErrRunInProgress)

	close(block)
	require.NoError(t, <-done)

	// A different source is not blocked by test_feed being in flight, and
	// once test_feed finishes it can run again.
	other := &stubConnector{name: "other_feed", batches: []source.Batch{{}}}
	_, err = coord.Run(context.Background(), other, &week)
	require.NoError(t, err)
}

func TestRunFinalizesErrorOnFetchFailure(t *testing.T) {
	coord, db := newTestCoordinator(t)
	week := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)

	conn := &stubConnector{name: "test_feed", err: errors.New("upstream down")}
	rec, err := coord.Run(context.Background(), conn, &week)
	require.Error(t, err)
	assert.Equal(t, domain.RunError, rec.Status)
	assert.Contains(t, rec.ErrorMessage, "upstream down")

	stored, err := db.GetRun(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunError, stored.Status)
	assert.False(t, coord.Ready(), "a failed run does not mark the service ready")
}

func TestRunDefaultsSinceToLastSuccess(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	week := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)

	conn := &stubConnector{name: "test_feed", batches: []source.Batch{{
		Observations: []domain.Observation{weeklyObs(week, "US", 1)},
	}}}

	_, err := coord.Run(context.Background(), conn, nil)
	require.NoError(t, err)
	require.Len(t, conn.since, 1)
	assert.Nil(t, conn.since[0], "no prior success: connector uses its own lookback")

	_, err = coord.Run(context.Background(), conn, nil)
	require.NoError(t, err)
	require.Len(t, conn.since, 2)
	require.NotNil(t, conn.since[1], "second run is bounded by the first run's start")
}

func TestRunRecordsAuxSignals(t *testing.T) {
	coord, db := newTestCoordinator(t)
	week := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)
	positivity := 0.18

	conn := &stubConnector{name: "test_feed", batches: []source.Batch{{
		Observations: []domain.Observation{weeklyObs(week, "GB", 10)},
		AuxSignals: []domain.AuxSignal{{
			CountryCode: "GB", Week: week, Positivity: &positivity,
		}},
	}}}

	_, err := coord.Run(context.Background(), conn, &week)
	require.NoError(t, err)

	sig, err := db.LatestAuxSignal(context.Background(), "GB")
	require.NoError(t, err)
	require.NotNil(t, sig)
	require.NotNil(t, sig.Positivity)
	assert.InDelta(t, 0.18, *sig.Positivity, 1e-9)
}

func TestReadyAfterFirstSuccessfulRun(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	week := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)

	assert.False(t, coord.Ready())
	conn := &stubConnector{name: "test_feed", batches: []source.Batch{{}}}
	_, err := coord.Run(context.Background(), conn, &week)
	require.NoError(t, err)
	assert.True(t, coord.Ready())
}
