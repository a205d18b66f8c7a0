package analytics

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluwatch/flutracker/internal/domain"
	"github.com/fluwatch/flutracker/internal/observability"
)

func TestFitGaussianRecoversParameters(t *testing.T) {
	const (
		amp   = 800.0
		mean  = 10.0
		sigma = 3.0
	)
	xs := make([]float64, 20)
	ys := make([]float64, 20)
	for i := range xs {
		xs[i] = float64(i)
		ys[i] = gaussian(xs[i], amp, mean, sigma)
	}

	a, m, s, err := fitGaussian(xs, ys)
	require.NoError(t, err)
	assert.InDelta(t, amp, a, 1)
	assert.InDelta(t, mean, m, 0.05)
	assert.InDelta(t, sigma, s, 0.05)
}

func TestFitGaussianRejectsAllZeros(t *testing.T) {
	xs := []float64{0, 1, 2, 3, 4, 5}
	ys := []float64{0, 0, 0, 0, 0, 0}

	_, _, _, err := fitGaussian(xs, ys)
	var ff *domain.FitFailure
	require.ErrorAs(t, err, &ff)
}

func TestForecastProjectsSeasonCurve(t *testing.T) {
	freezeTime(t, time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC))
	db := openTestStore(t)

	// Rising half of a Gaussian wave peaking at week 16 of the 2024-25
	// northern season.
	seasonStart := time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC)
	firstWeek := domain.WeekStartUTC(seasonStart).AddDate(0, 0, 7)
	counts := make([]int, 14)
	for i := range counts {
		x := firstWeek.AddDate(0, 0, 7*i).Sub(seasonStart).Hours() / (24 * 7)
		counts[i] = int(math.Round(gaussian(x, 5000, 16, 4)))
	}
	seedWeekly(t, db, "US", firstWeek, counts)

	reg := testRegistry(t, `
countries:
  - code: US
    name: United States
    population: 334000000
    hemisphere: north
`)
	f := NewForecaster(db, reg, observability.NewMetricsForTesting(), testLogger())

	result, err := f.Forecast(context.Background(), "US", 4)
	require.NoError(t, err)
	require.Len(t, result.Points, 4)

	assert.Equal(t, "US", result.CountryCode)
	assert.InDelta(t, 5000, result.PeakMagnitude, 250)

	wantPeak := seasonStart.AddDate(0, 0, 16*7)
	assert.WithinDuration(t, wantPeak, result.PeakWeek, 8*24*time.Hour)

	lastWeek := firstWeek.AddDate(0, 0, 7*13)
	for i, p := range result.Points {
		assert.True(t, p.Date.Equal(lastWeek.AddDate(0, 0, 7*(i+1))))
		assert.LessOrEqual(t, p.Lower95, p.Lower80)
		assert.LessOrEqual(t, p.Lower80, p.PredictedCases)
		assert.LessOrEqual(t, p.PredictedCases, p.Upper80)
		assert.LessOrEqual(t, p.Upper80, p.Upper95)
		assert.GreaterOrEqual(t, p.Lower95, 0.0)
	}

	// Bands widen with projection distance.
	assert.Greater(t,
		result.Points[3].Upper95-result.Points[3].Lower95,
		result.Points[0].Upper95-result.Points[0].Lower95)
}

func TestForecastInsufficientData(t *testing.T) {
	freezeTime(t, time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC))
	db := openTestStore(t)

	firstWeek := time.Date(2024, 12, 2, 0, 0, 0, 0, time.UTC)
	seedWeekly(t, db, "US", firstWeek, []int{100, 200, 300})

	reg := testRegistry(t, "countries: []")
	f := NewForecaster(db, reg, observability.NewMetricsForTesting(), testLogger())

	_, err := f.Forecast(context.Background(), "US", 4)
	require.ErrorIs(t, err, domain.ErrInsufficientData)
}

func TestForecastFitFailureIsNotMasked(t *testing.T) {
	freezeTime(t, time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC))
	db := openTestStore(t)

	firstWeek := time.Date(2024, 12, 2, 0, 0, 0, 0, time.UTC)
	seedWeekly(t, db, "US", firstWeek, []int{0, 0, 0, 0, 0, 0})

	reg := testRegistry(t, "countries: []")
	f := NewForecaster(db, reg, observability.NewMetricsForTesting(), testLogger())

	_, err := f.Forecast(context.Background(), "US", 4)
	var ff *domain.FitFailure
	require.ErrorAs(t, err, &ff, "a degenerate series is a fit failure, not a forecast")
}

func TestForecastUsesSouthernSeasonWindow(t *testing.T) {
	freezeTime(t, time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC))
	db := openTestStore(t)

	// Data from the previous northern-style winter: outside Australia's
	// Apr-Mar season window it must not count toward the fit.
	staleWeek := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)
	seedWeekly(t, db, "AU", staleWeek, []int{500, 600, 700, 800, 900, 1000})

	reg := testRegistry(t, `
countries:
  - code: AU
    name: Australia
    population: 26000000
    hemisphere: south
`)
	f := NewForecaster(db, reg, observability.NewMetricsForTesting(), testLogger())

	_, err := f.Forecast(context.Background(), "AU", 4)
	require.ErrorIs(t, err, domain.ErrInsufficientData,
		"pre-season weeks are excluded, leaving no points to fit")
}
