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
	// anomalyWindow is the current-window width in weeks; the baseline is
	// the up-to-12 weeks immediately preceding it.
	anomalyWindow      = 4
	anomalyBaselineMax = 12
	anomalyBaselineMin = 4

	// zThreshold is the minimum z-score that produces an anomaly at all.
	zThreshold = 2.0

	// Spikes below this incidence are reporting noise in small countries,
	// not outbreaks. Only applied when the population is known.
	noiseFloorPer100k = 1.0
)

// SeriesStore is the read/append surface the detector needs.
type SeriesStore interface {
	SeriesRefs(ctx context.Context, since time.Time) ([]domain.SeriesRef, error)
	WeeklySeries(ctx context.Context, country, region string, since time.Time, sources []string) ([]domain.WeeklyCount, error)
	InsertAnomalies(ctx context.Context, anomalies []domain.Anomaly) error
}

// Detector scans every persisted weekly series for spikes: a sliding
// current window whose mean sits far above the mean of the trailing
// baseline window, measured in baseline standard deviations.
type Detector struct {
	store     SeriesStore
	countries *config.Registry
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// NewDetector creates a Detector.
func NewDetector(store SeriesStore, countries *config.Registry, metrics *observability.Metrics, logger *slog.Logger) *Detector {
	return &Detector{store: store, countries: countries, metrics: metrics, logger: logger}
}

// Scan detects spikes across all series with data inside the lookback
// window, persists them, and returns what it found. Each scan emits at most
// one anomaly per series: the qualifying window with the highest z-score.
// Detections append to history; earlier scans' results are never rewritten.
func (d *Detector) Scan(ctx context.Context, lookback time.Duration) ([]domain.Anomaly, error) {
	start := time.Now()
	defer func() {
		d.metrics.ScanDuration.Observe(time.Since(start).Seconds())
	}()

	since := domain.Now().Add(-lookback)
	refs, err := d.store.SeriesRefs(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("enumerate series: %w", err)
	}

	var found []domain.Anomaly
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var sources []string
		if c, ok := d.countries.Get(ref.CountryCode); ok {
			sources = c.Sources
		}
		series, err := d.store.WeeklySeries(ctx, ref.CountryCode, ref.Region, since, sources)
		if err != nil {
			return nil, fmt.Errorf("series %s/%s: %w", ref.CountryCode, ref.Region, err)
		}

		a, ok := d.detectSeries(ref, series)
		if !ok {
			continue
		}
		found = append(found, a)
		d.metrics.AnomaliesDetected.WithLabelValues(a.Severity).Inc()
		d.logger.Info("anomaly detected",
			"country", a.CountryCode,
			"region", a.Region,
			"z_score", a.ZScore,
			"severity", a.Severity,
		)
	}

	if len(found) > 0 {
		if err := d.store.InsertAnomalies(ctx, found); err != nil {
			return nil, fmt.Errorf("persist anomalies: %w", err)
		}
	}
	return found, nil
}

// detectSeries slides the current window across the series and keeps the
// qualifying position with the highest z-score.
func (d *Detector) detectSeries(ref domain.SeriesRef, series []domain.WeeklyCount) (domain.Anomaly, bool) {
	population := d.countries.Population(ref.CountryCode)

	var best domain.Anomaly
	bestZ := 0.0

	for i := anomalyBaselineMin; i+anomalyWindow <= len(series); i++ {
		baseStart := i - anomalyBaselineMax
		if baseStart < 0 {
			baseStart = 0
		}
		baseMean, baseStd := meanStd(series[baseStart:i])
		if baseStd == 0 {
			continue
		}

		curMean, _ := meanStd(series[i : i+anomalyWindow])
		z := ZScore(curMean, baseMean, baseStd)
		if z < zThreshold || z <= bestZ {
			continue
		}

		// Region series are noisy; only the strong signals are worth an
		// alert at sub-national granularity.
		severity := domain.ClassifySeverity(z)
		if ref.Region != "" && domain.SeverityRank(severity) < domain.SeverityRank(domain.SeverityHigh) {
			continue
		}
		if population > 0 && curMean/float64(population)*100_000 < noiseFloorPer100k {
			continue
		}

		bestZ = z
		best = domain.Anomaly{
			DetectedAt:  domain.Now(),
			CountryCode: ref.CountryCode,
			Region:      ref.Region,
			Metric:      "weekly_cases",
			ZScore:      z,
			Severity:    severity,
			Description: fmt.Sprintf("weekly cases averaged %.1f over %d weeks against a baseline of %.1f (z=%.2f)",
				curMean, anomalyWindow, baseMean, z),
			WindowStart: series[i].WeekStart,
			WindowEnd:   series[i+anomalyWindow-1].WeekStart.AddDate(0, 0, 7),
		}
	}

	return best, bestZ >= zThreshold
}

// ZScore measures how far the current window mean sits above the baseline,
// in baseline standard deviations. Increasing the current mean with the
// baseline held fixed can only increase it.
func ZScore(currentMean, baselineMean, baselineStd float64) float64 {
	return (currentMean - baselineMean) / baselineStd
}

// meanStd returns the mean and population standard deviation of the counts.
func meanStd(counts []domain.WeeklyCount) (mean, std float64) {
	if len(counts) == 0 {
		return 0, 0
	}
	for _, c := range counts {
		mean += c.Cases
	}
	mean /= float64(len(counts))

	var variance float64
	for _, c := range counts {
		d := c.Cases - mean
		variance += d * d
	}
	variance /= float64(len(counts))
	return mean, math.Sqrt(variance)
}
