package analytics

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluwatch/flutracker/internal/config"
	"github.com/fluwatch/flutracker/internal/domain"
	"github.com/fluwatch/flutracker/internal/observability"
	"github.com/fluwatch/flutracker/internal/store"
)

func testRegistry(t *testing.T, yaml string) *config.Registry {
	t.Helper()
	reg, err := config.ParseCountries([]byte(yaml))
	require.NoError(t, err)
	return reg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func freezeTime(t *testing.T, at time.Time) {
	t.Helper()
	domain.SetClock(clockwork.NewFakeClockAt(at))
	t.Cleanup(func() { domain.SetClock(nil) })
}

func seedWeekly(t *testing.T, db *store.DB, country string, firstWeek time.Time, counts []int) {
	t.Helper()
	obs := make([]domain.Observation, len(counts))
	for i, c := range counts {
		obs[i] = domain.Observation{
			Time:        firstWeek.AddDate(0, 0, 7*i),
			CountryCode: country,
			Cases:       c,
			Source:      "test_feed",
		}
	}
	_, err := db.InsertObservations(context.Background(), obs)
	require.NoError(t, err)
}

func TestScanFlagsSpikeAndIgnoresFlatWeeks(t *testing.T) {
	freezeTime(t, time.Date(2025, 3, 31, 12, 0, 0, 0, time.UTC))
	db := openTestStore(t)

	firstWeek := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC) // Monday
	seedWeekly(t, db, "ZZ", firstWeek, []int{10, 11, 9, 10, 12, 11, 60, 65, 58, 12, 11, 10})

	reg := testRegistry(t, `
countries:
  - code: US
    name: United States
    population: 334000000
    hemisphere: north
`)
	d := NewDetector(db, reg, observability.NewMetricsForTesting(), testLogger())

	found, err := d.Scan(context.Background(), 26*7*24*time.Hour)
	require.NoError(t, err)
	require.Len(t, found, 1, "one anomaly per series per scan")

	a := found[0]
	assert.Equal(t, "ZZ", a.CountryCode)
	assert.Equal(t, "weekly_cases", a.Metric)
	assert.GreaterOrEqual(t, domain.SeverityRank(a.Severity), domain.SeverityRank(domain.SeverityHigh))

	// The flagged window must cover the week containing the 60-count spike.
	spikeWeek := firstWeek.AddDate(0, 0, 7*6)
	assert.False(t, a.WindowStart.After(spikeWeek))
	assert.True(t, a.WindowEnd.After(spikeWeek))

	// Detections persist.
	stored, err := db.ListAnomalies(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.InDelta(t, a.ZScore, stored[0].ZScore, 1e-9)
}

func TestScanIgnoresFlatSeries(t *testing.T) {
	freezeTime(t, time.Date(2025, 3, 31, 12, 0, 0, 0, time.UTC))
	db := openTestStore(t)

	firstWeek := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)
	seedWeekly(t, db, "FR", firstWeek, []int{10, 11, 9, 10, 12, 11, 10, 9, 11, 10, 12, 11})

	reg := testRegistry(t, "countries: []")
	d := NewDetector(db, reg, observability.NewMetricsForTesting(), testLogger())

	found, err := d.Scan(context.Background(), 26*7*24*time.Hour)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestScanSkipsShortSeries(t *testing.T) {
	freezeTime(t, time.Date(2025, 3, 31, 12, 0, 0, 0, time.UTC))
	db := openTestStore(t)

	firstWeek := time.Date(2025, 2, 3, 0, 0, 0, 0, time.UTC)
	seedWeekly(t, db, "DE", firstWeek, []int{10, 10, 500, 600})

	reg := testRegistry(t, "countries: []")
	d := NewDetector(db, reg, observability.NewMetricsForTesting(), testLogger())

	found, err := d.Scan(context.Background(), 26*7*24*time.Hour)
	require.NoError(t, err)
	assert.Empty(t, found, "too few weeks for a baseline")
}

func TestDetectSeriesRegionRequiresHighSeverity(t *testing.T) {
	reg := testRegistry(t, "countries: []")
	d := NewDetector(nil, reg, observability.NewMetricsForTesting(), testLogger())

	week := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)
	counts := []int{10, 10, 10, 14, 15, 16, 15, 16}
	series := make([]domain.WeeklyCount, len(counts))
	for i, c := range counts {
		series[i] = domain.WeeklyCount{WeekStart: week.AddDate(0, 0, 7*i), Cases: float64(c)}
	}

	country, ok := d.detectSeries(domain.SeriesRef{CountryCode: "US"}, series)
	require.True(t, ok)
	assert.Equal(t, domain.SeverityMedium, country.Severity)

	_, ok = d.detectSeries(domain.SeriesRef{CountryCode: "US", Region: "Texas"}, series)
	assert.False(t, ok, "medium-severity spikes are suppressed at region level")
}

func TestDetectSeriesNoiseFloorWithKnownPopulation(t *testing.T) {
	series := make([]domain.WeeklyCount, 0, 12)
	week := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)
	for i, c := range []int{10, 11, 9, 10, 12, 11, 60, 65, 58, 12, 11, 10} {
		series = append(series, domain.WeeklyCount{WeekStart: week.AddDate(0, 0, 7*i), Cases: float64(c)})
	}

	// 60-ish weekly cases in a country of 10M is 0.6 per 100k: noise.
	bigPop := testRegistry(t, `
countries:
  - code: BB
    name: Bigland
    population: 10000000
    hemisphere: north
`)
	d := NewDetector(nil, bigPop, observability.NewMetricsForTesting(), testLogger())
	_, ok := d.detectSeries(domain.SeriesRef{CountryCode: "BB"}, series)
	assert.False(t, ok)

	// Unknown population: no noise floor, the spike stands.
	noPop := testRegistry(t, "countries: []")
	d = NewDetector(nil, noPop, observability.NewMetricsForTesting(), testLogger())
	_, ok = d.detectSeries(domain.SeriesRef{CountryCode: "BB"}, series)
	assert.True(t, ok)
}

func TestZScoreMonotonicInCurrentMean(t *testing.T) {
	prev := ZScore(10, 10, 2)
	for mean := 10.5; mean < 50; mean += 0.5 {
		z := ZScore(mean, 10, 2)
		assert.Greater(t, z, prev)
		prev = z
	}
}
