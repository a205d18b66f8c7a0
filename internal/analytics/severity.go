package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fluwatch/flutracker/internal/config"
	"github.com/fluwatch/flutracker/internal/domain"
	"github.com/fluwatch/flutracker/internal/observability"
)

// Component weights and normalization anchors for the composite index.
// The anchor is the value at which a component saturates at 100.
const (
	caseRateWeight = 0.40
	caseRateAnchor = 50.0 // weekly cases per 100k

	growthWeight = 0.30

	positivityWeight = 0.20
	positivityAnchor = 0.30 // 30% of tests positive

	hospitalWeight = 0.10
	hospitalAnchor = 10.0 // weekly admissions per 100k
)

// SeverityStore is the read surface the scorer needs.
type SeverityStore interface {
	MaxObservationTime(ctx context.Context) (time.Time, error)
	Freshness(ctx context.Context) (time.Time, error)
	CasesBetween(ctx context.Context, country string, from, to time.Time, sources []string) (int64, error)
	LatestAuxSignal(ctx context.Context, country string) (*domain.AuxSignal, error)
}

// Scorer computes the composite 0-100 severity index for a country from
// the latest week of observations, week-over-week growth, and whatever
// auxiliary clinical signals exist. Missing signals redistribute their
// weight; they never fail the score.
type Scorer struct {
	store     SeverityStore
	countries *config.Registry
	metrics   *observability.Metrics
	logger    *slog.Logger
	cache     *scoreCache
}

// NewScorer creates a Scorer with a result cache of the given size.
func NewScorer(store SeverityStore, countries *config.Registry, metrics *observability.Metrics, logger *slog.Logger, cacheSize int) *Scorer {
	return &Scorer{
		store:     store,
		countries: countries,
		metrics:   metrics,
		logger:    logger,
		cache:     newScoreCache(cacheSize),
	}
}

// Score computes the severity index for the country. Results are cached
// against the store's freshness watermark, so a score is recomputed only
// after new data lands.
func (s *Scorer) Score(ctx context.Context, country string) (domain.SeverityScore, error) {
	country = domain.NormalizeCountryCode(country)

	freshness, err := s.store.Freshness(ctx)
	if err != nil {
		return domain.SeverityScore{}, fmt.Errorf("freshness watermark: %w", err)
	}
	key := scoreKey{country: country, freshness: freshness.Unix()}
	if cached, ok := s.cache.get(key); ok {
		s.metrics.SeverityCacheHits.WithLabelValues("hit").Inc()
		return cached, nil
	}
	s.metrics.SeverityCacheHits.WithLabelValues("miss").Inc()

	anchor, err := s.store.MaxObservationTime(ctx)
	if err != nil {
		return domain.SeverityScore{}, fmt.Errorf("latest observation time: %w", err)
	}
	if anchor.IsZero() {
		return domain.SeverityScore{}, fmt.Errorf("country %s: %w", country, domain.ErrInsufficientData)
	}

	var sources []string
	if c, ok := s.countries.Get(country); ok {
		sources = c.Sources
	}

	// Current week is the one starting at the newest observation's week;
	// growth compares it to the week before.
	weekStart := domain.WeekStartUTC(anchor)
	current, err := s.store.CasesBetween(ctx, country, weekStart, weekStart.AddDate(0, 0, 7), sources)
	if err != nil {
		return domain.SeverityScore{}, fmt.Errorf("current week cases: %w", err)
	}
	previous, err := s.store.CasesBetween(ctx, country, weekStart.AddDate(0, 0, -7), weekStart, sources)
	if err != nil {
		return domain.SeverityScore{}, fmt.Errorf("previous week cases: %w", err)
	}

	aux, err := s.store.LatestAuxSignal(ctx, country)
	if err != nil {
		return domain.SeverityScore{}, fmt.Errorf("aux signals: %w", err)
	}

	score := s.compose(country, current, previous, aux)
	s.cache.put(key, score)
	return score, nil
}

func (s *Scorer) compose(country string, current, previous int64, aux *domain.AuxSignal) domain.SeverityScore {
	comp := domain.SeverityComponents{}

	// Base weights of the components that are actually available; the
	// final weights are these renormalized to sum to 1.
	weights := make([]float64, 0, 4)
	scores := make([]float64, 0, 4)
	assign := make([]*float64, 0, 4)

	if pop := s.countries.Population(country); pop > 0 {
		comp.CasesPer100k = float64(current) / float64(pop) * 100_000
		comp.CaseRateScore = clampScore(comp.CasesPer100k / caseRateAnchor * 100)
		weights = append(weights, caseRateWeight)
		scores = append(scores, comp.CaseRateScore)
		assign = append(assign, &comp.CaseRateWeight)
	}

	// Growth is neutral (50) when there is no previous week to compare
	// against, rather than pretending explosive growth from zero.
	comp.GrowthScore = 50
	if previous > 0 {
		growth := float64(current-previous) / float64(previous)
		comp.GrowthPct = growth * 100
		comp.GrowthScore = clampScore(growth*50 + 50)
	}
	weights = append(weights, growthWeight)
	scores = append(scores, comp.GrowthScore)
	assign = append(assign, &comp.GrowthWeight)

	if aux != nil && aux.Positivity != nil {
		comp.PositivityScore = clampScore(*aux.Positivity / positivityAnchor * 100)
		weights = append(weights, positivityWeight)
		scores = append(scores, comp.PositivityScore)
		assign = append(assign, &comp.PositivityWeight)
	}
	if aux != nil && aux.HospPer100k != nil {
		comp.HospitalScore = clampScore(*aux.HospPer100k / hospitalAnchor * 100)
		weights = append(weights, hospitalWeight)
		scores = append(scores, comp.HospitalScore)
		assign = append(assign, &comp.HospitalWeight)
	}

	var totalWeight float64
	for _, w := range weights {
		totalWeight += w
	}

	var total float64
	for i := range weights {
		effective := weights[i] / totalWeight
		*assign[i] = effective
		total += scores[i] * effective
	}

	return domain.SeverityScore{
		CountryCode: country,
		Score:       total,
		Level:       domain.LevelForScore(total),
		Components:  comp,
	}
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
