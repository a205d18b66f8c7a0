package domain

import "time"

// Observation is one normalized case-count record for a place, time, and source.
type Observation struct {
	Time        time.Time `json:"time"`
	CountryCode string    `json:"country_code"`
	Region      string    `json:"region,omitempty"`
	City        string    `json:"city,omitempty"`
	Cases       int       `json:"cases"`
	Subtype     string    `json:"subtype,omitempty"`
	Source      string    `json:"source"`
}

// DedupKey identifies "the same fact" across pulls. Two observations sharing
// a key are duplicates; at most one is ever persisted.
type DedupKey struct {
	Unix        int64
	CountryCode string
	Region      string
	Source      string
	Subtype     string
}

// Key returns the observation's dedup key. Time is reduced to UTC unix
// seconds so keys compare by instant, not by location or monotonic reading.
func (o Observation) Key() DedupKey {
	return DedupKey{
		Unix:        o.Time.UTC().Unix(),
		CountryCode: o.CountryCode,
		Region:      o.Region,
		Source:      o.Source,
		Subtype:     o.Subtype,
	}
}

// Run statuses. A run record is created running and finalized exactly once.
const (
	RunRunning = "running"
	RunSuccess = "success"
	RunError   = "error"
)

// RunRecord captures one connector invocation for operational visibility.
type RunRecord struct {
	ID              int64     `json:"id"`
	Source          string    `json:"source"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at,omitzero"`
	Status          string    `json:"status"`
	RecordsFetched  int       `json:"records_fetched"`
	RecordsInserted int       `json:"records_inserted"`
	RecordsSkipped  int       `json:"records_skipped"`
	ErrorMessage    string    `json:"error_message,omitempty"`
}

// Severity levels shared by anomaly detection and the composite score.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// ClassifySeverity maps a spike z-score to a severity band. Callers only
// pass z >= 2.0; smaller values are not anomalies and produce no row.
func ClassifySeverity(z float64) string {
	switch {
	case z >= 3.5:
		return SeverityCritical
	case z >= 3.0:
		return SeverityHigh
	case z >= 2.5:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// SeverityRank orders severity levels for threshold comparisons.
func SeverityRank(severity string) int {
	switch severity {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// LevelForScore maps a 0-100 composite score to a severity level. The bands
// mirror the anomaly classifier's names for UI consistency but are computed
// from the score, not a z-score.
func LevelForScore(score float64) string {
	switch {
	case score >= 80:
		return SeverityCritical
	case score >= 60:
		return SeverityHigh
	case score >= 40:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Anomaly is one detection result. Scans append; prior detections are never
// rewritten, since the rolling windows behind them are themselves
// time-dependent.
type Anomaly struct {
	ID          int64     `json:"id"`
	DetectedAt  time.Time `json:"detected_at"`
	CountryCode string    `json:"country_code"`
	Region      string    `json:"region,omitempty"`
	Metric      string    `json:"metric"`
	ZScore      float64   `json:"z_score"`
	Severity    string    `json:"severity"`
	Description string    `json:"description"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}

// ForecastPoint is one projected week with 80% and 95% interval bounds.
// Ephemeral: produced on demand, never persisted.
type ForecastPoint struct {
	Date           time.Time `json:"date"`
	PredictedCases float64   `json:"predicted_cases"`
	Lower80        float64   `json:"lower_80"`
	Upper80        float64   `json:"upper_80"`
	Lower95        float64   `json:"lower_95"`
	Upper95        float64   `json:"upper_95"`
}

// ForecastResult is a fitted seasonal projection for one country.
type ForecastResult struct {
	CountryCode   string          `json:"country_code"`
	Points        []ForecastPoint `json:"points"`
	PeakWeek      time.Time       `json:"peak_week"`
	PeakMagnitude float64         `json:"peak_magnitude"`
}

// SeverityComponents are the normalized 0-100 inputs to the composite score,
// with the effective weight applied to each. Weights of unavailable
// components are zero; effective weights always sum to 1.
type SeverityComponents struct {
	CasesPer100k     float64 `json:"cases_per_100k"`
	CaseRateScore    float64 `json:"case_rate_score"`
	CaseRateWeight   float64 `json:"case_rate_weight"`
	GrowthPct        float64 `json:"growth_pct"`
	GrowthScore      float64 `json:"growth_score"`
	GrowthWeight     float64 `json:"growth_weight"`
	PositivityScore  float64 `json:"positivity_score,omitempty"`
	PositivityWeight float64 `json:"positivity_weight,omitempty"`
	HospitalScore    float64 `json:"hospital_score,omitempty"`
	HospitalWeight   float64 `json:"hospital_weight,omitempty"`
}

// SeverityScore is the composite 0-100 index for one country. Ephemeral;
// if cached, the cache is keyed by the observation set's freshness.
type SeverityScore struct {
	CountryCode string             `json:"country_code"`
	Score       float64            `json:"score"`
	Level       string             `json:"level"`
	Components  SeverityComponents `json:"components"`
}

// AuxSignal carries optional clinical signals for one country and week:
// test positivity (0-1) and hospital admission rate per 100k. Either field
// may be absent; the severity scorer reweights around missing signals.
type AuxSignal struct {
	CountryCode string    `json:"country_code"`
	Week        time.Time `json:"week"`
	Positivity  *float64  `json:"positivity,omitempty"`
	HospPer100k *float64  `json:"hosp_per_100k,omitempty"`
}

// Hemispheres for season alignment.
const (
	HemisphereNorth = "north"
	HemisphereSouth = "south"
)

// WeeklyCount is one aggregated week of a (country, region) series.
type WeeklyCount struct {
	WeekStart time.Time
	Cases     float64
}

// SeriesRef names one detectable series: a whole country, or a sub-national
// region when Region is non-empty.
type SeriesRef struct {
	CountryCode string
	Region      string
}
