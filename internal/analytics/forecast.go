package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/fluwatch/flutracker/internal/config"
	"github.com/fluwatch/flutracker/internal/domain"
	"github.com/fluwatch/flutracker/internal/observability"
)

const (
	// forecastMinPoints is the minimum observed weeks in the current season
	// before a fit is attempted.
	forecastMinPoints = 4

	// minSigma rejects degenerate fits: a flu wave narrower than half a
	// week is a numerical artifact, not a season.
	minSigma = 0.5

	// Band widening per projected week, reflecting growing extrapolation
	// uncertainty.
	bandWidening = 0.3

	z80 = 1.28
	z95 = 1.96
)

// ForecastStore is the read surface the forecaster needs.
type ForecastStore interface {
	WeeklySeries(ctx context.Context, country, region string, since time.Time, sources []string) ([]domain.WeeklyCount, error)
}

// Forecaster fits a Gaussian curve to the current season's weekly series
// and projects it forward with 80% and 95% interval bands.
type Forecaster struct {
	store     ForecastStore
	countries *config.Registry
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// NewForecaster creates a Forecaster.
func NewForecaster(store ForecastStore, countries *config.Registry, metrics *observability.Metrics, logger *slog.Logger) *Forecaster {
	return &Forecaster{store: store, countries: countries, metrics: metrics, logger: logger}
}

// Forecast projects the country's current season weeksAhead weeks past the
// last observed week. Fewer than 4 observed weeks in the season returns
// domain.ErrInsufficientData; a fit that does not converge or collapses to
// a degenerate curve returns domain.FitFailure. There is no fallback model:
// a caller that gets a forecast got a real fit.
func (f *Forecaster) Forecast(ctx context.Context, country string, weeksAhead int) (domain.ForecastResult, error) {
	country = domain.NormalizeCountryCode(country)
	season, _ := Align(domain.Now(), f.countries.Hemisphere(country))

	var sources []string
	if c, ok := f.countries.Get(country); ok {
		sources = c.Sources
	}
	series, err := f.store.WeeklySeries(ctx, country, "", season.Start, sources)
	if err != nil {
		return domain.ForecastResult{}, fmt.Errorf("season series for %s: %w", country, err)
	}
	if len(series) < forecastMinPoints {
		f.metrics.ForecastsServed.WithLabelValues("insufficient_data").Inc()
		return domain.ForecastResult{}, fmt.Errorf("country %s season %s: %d observed weeks: %w",
			country, season.Label, len(series), domain.ErrInsufficientData)
	}

	// Fit in week-of-season coordinates so the peak parameter reads
	// directly as a week index.
	xs := make([]float64, len(series))
	ys := make([]float64, len(series))
	for i, w := range series {
		xs[i] = w.WeekStart.Sub(season.Start).Hours() / (24 * 7)
		ys[i] = w.Cases
	}

	amp, peak, sigma, err := fitGaussian(xs, ys)
	if err != nil {
		f.metrics.ForecastsServed.WithLabelValues("fit_failure").Inc()
		f.logger.Warn("forecast fit failed", "country", country, "season", season.Label, "error", err)
		return domain.ForecastResult{}, err
	}

	rmse := fitRMSE(xs, ys, amp, peak, sigma)
	lastWeek := series[len(series)-1].WeekStart
	lastX := xs[len(xs)-1]

	points := make([]domain.ForecastPoint, 0, weeksAhead)
	for i := 1; i <= weeksAhead; i++ {
		pred := gaussian(lastX+float64(i), amp, peak, sigma)
		spread := rmse * (1 + bandWidening*float64(i))
		points = append(points, domain.ForecastPoint{
			Date:           lastWeek.AddDate(0, 0, 7*i),
			PredictedCases: pred,
			Lower80:        math.Max(0, pred-z80*spread),
			Upper80:        pred + z80*spread,
			Lower95:        math.Max(0, pred-z95*spread),
			Upper95:        pred + z95*spread,
		})
	}

	f.metrics.ForecastsServed.WithLabelValues("ok").Inc()
	return domain.ForecastResult{
		CountryCode:   country,
		Points:        points,
		PeakWeek:      season.Start.AddDate(0, 0, int(math.Round(peak))*7),
		PeakMagnitude: amp,
	}, nil
}

func gaussian(x, amp, mean, sigma float64) float64 {
	d := x - mean
	return amp * math.Exp(-d*d/(2*sigma*sigma))
}

func fitRMSE(xs, ys []float64, amp, mean, sigma float64) float64 {
	var sse float64
	for i := range xs {
		r := ys[i] - gaussian(xs[i], amp, mean, sigma)
		sse += r * r
	}
	return math.Sqrt(sse / float64(len(xs)))
}

// fitGaussian least-squares fits amp*exp(-(x-mean)^2/(2*sigma^2)) with a
// damped Gauss-Newton iteration. Initial guesses: the observed maximum, its
// position, and a quarter of the observed span.
func fitGaussian(xs, ys []float64) (amp, mean, sigma float64, err error) {
	amp, mean = ys[0], xs[0]
	for i := range ys {
		if ys[i] > amp {
			amp, mean = ys[i], xs[i]
		}
	}
	sigma = (xs[len(xs)-1] - xs[0]) / 4
	if sigma < 1 {
		sigma = 1
	}
	if amp <= 0 {
		return 0, 0, 0, &domain.FitFailure{Reason: "no positive observations to fit"}
	}

	sse := func(a, m, s float64) float64 {
		var total float64
		for i := range xs {
			r := ys[i] - gaussian(xs[i], a, m, s)
			total += r * r
		}
		return total
	}

	lambda := 1e-3
	current := sse(amp, mean, sigma)

	for iter := 0; iter < 200; iter++ {
		// Normal equations J^T J + lambda*diag(J^T J), J^T r for the three
		// parameters.
		var jtj [3][3]float64
		var jtr [3]float64
		for i := range xs {
			d := xs[i] - mean
			e := math.Exp(-d * d / (2 * sigma * sigma))
			r := ys[i] - amp*e

			// Partials with respect to amp, mean, sigma.
			j := [3]float64{
				e,
				amp * e * d / (sigma * sigma),
				amp * e * d * d / (sigma * sigma * sigma),
			}
			for a := 0; a < 3; a++ {
				for b := 0; b < 3; b++ {
					jtj[a][b] += j[a] * j[b]
				}
				jtr[a] += j[a] * r
			}
		}
		for a := 0; a < 3; a++ {
			jtj[a][a] *= 1 + lambda
		}

		step, ok := solve3(jtj, jtr)
		if !ok {
			lambda *= 10
			if lambda > 1e12 {
				return 0, 0, 0, &domain.FitFailure{Reason: "normal equations singular"}
			}
			continue
		}

		na, nm, ns := amp+step[0], mean+step[1], sigma+step[2]
		next := sse(na, nm, ns)
		if math.IsNaN(next) || math.IsInf(next, 0) || next >= current {
			lambda *= 10
			if lambda > 1e12 {
				return 0, 0, 0, &domain.FitFailure{Reason: "did not converge"}
			}
			continue
		}

		converged := current-next < 1e-10*(current+1e-10)
		amp, mean, sigma, current = na, nm, ns, next
		lambda /= 10
		if converged {
			break
		}
	}

	sigma = math.Abs(sigma)
	switch {
	case math.IsNaN(amp) || math.IsNaN(mean) || math.IsNaN(sigma):
		return 0, 0, 0, &domain.FitFailure{Reason: "non-finite parameters"}
	case amp <= 0:
		return 0, 0, 0, &domain.FitFailure{Reason: "non-positive amplitude"}
	case sigma <= minSigma:
		return 0, 0, 0, &domain.FitFailure{Reason: fmt.Sprintf("degenerate width %.3f weeks", sigma)}
	}
	return amp, mean, sigma, nil
}

// solve3 solves a 3x3 linear system by Gaussian elimination with partial
// pivoting. Returns false when the system is singular.
func solve3(m [3][3]float64, v [3]float64) ([3]float64, bool) {
	for col := 0; col < 3; col++ {
		pivot := col
		for row := col + 1; row < 3; row++ {
			if math.Abs(m[row][col]) > math.Abs(m[pivot][col]) {
				pivot = row
			}
		}
		if math.Abs(m[pivot][col]) < 1e-12 {
			return [3]float64{}, false
		}
		m[col], m[pivot] = m[pivot], m[col]
		v[col], v[pivot] = v[pivot], v[col]

		for row := col + 1; row < 3; row++ {
			f := m[row][col] / m[col][col]
			for k := col; k < 3; k++ {
				m[row][k] -= f * m[col][k]
			}
			v[row] -= f * v[col]
		}
	}

	var out [3]float64
	for row := 2; row >= 0; row-- {
		sum := v[row]
		for k := row + 1; k < 3; k++ {
			sum -= m[row][k] * out[k]
		}
		out[row] = sum / m[row][row]
	}
	return out, true
}
