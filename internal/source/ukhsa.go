package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fluwatch/flutracker/internal/domain"
)

const (
	ukhsaSource = "uk_ukhsa"

	ukhsaAPIBase = "https://api.ukhsa-dashboard.data.gov.uk"

	// England population for converting admission rates per 100k to
	// estimated case counts. The dashboard covers England only; Scotland,
	// Wales, and NI run separate systems.
	englandPopulation = 56_500_000

	// Page size cap documented by the dashboard API.
	ukhsaPageSize = 365

	// The API is aggressively rate-limited; pause between page requests.
	ukhsaRequestDelay = 10 * time.Second
)

const (
	ukhsaAdmissionsMetric = "influenza_healthcare_hospitalAdmissionRateByWeek"
	ukhsaPositivityMetric = "influenza_testing_positivityByWeek"
)

// UKHSA pulls weekly influenza hospital admission rates and test positivity
// for England from the UKHSA dashboard API. Admission rates become
// estimated case-count observations; both metrics also feed the auxiliary
// signals consumed by the severity scorer.
type UKHSA struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
	delay   time.Duration
}

// NewUKHSA creates the UKHSA connector.
func NewUKHSA(client *http.Client, logger *slog.Logger) *UKHSA {
	return &UKHSA{
		baseURL: ukhsaAPIBase,
		client:  client,
		logger:  logger,
		delay:   ukhsaRequestDelay,
	}
}

func (u *UKHSA) Name() string { return ukhsaSource }

// Fetch pulls the admissions and positivity metrics, following pagination.
// since scopes the pull to that year onward; the API filters by calendar
// year, so the batch may start earlier than since and dedup trims the rest.
func (u *UKHSA) Fetch(ctx context.Context, since *time.Time) (Batch, error) {
	sinceYear := 0
	if since != nil {
		sinceYear = since.UTC().Year()
	}

	var batch Batch

	admissions, err := u.fetchMetric(ctx, ukhsaAdmissionsMetric, sinceYear)
	if err != nil {
		return Batch{}, err
	}
	for _, entry := range admissions {
		week, rate, ok := parseUKHSAEntry(entry)
		if !ok {
			batch.Skipped++
			continue
		}
		obs := domain.Observation{
			Time:        week,
			CountryCode: "GB",
			Cases:       int(math.Round(rate * englandPopulation / 100_000)),
			Source:      ukhsaSource,
		}
		if err := obs.Validate(); err != nil {
			batch.Skipped++
			continue
		}
		hosp := rate
		batch.Observations = append(batch.Observations, obs)
		batch.AuxSignals = append(batch.AuxSignals, domain.AuxSignal{
			CountryCode: "GB",
			Week:        week,
			HospPer100k: &hosp,
		})
	}

	if len(admissions) > 0 && len(batch.Observations) == 0 {
		return Batch{}, fmt.Errorf("ukhsa: all %d admission entries unparseable", len(admissions))
	}

	// Positivity is auxiliary only; its absence never fails the pull.
	positivity, err := u.fetchMetric(ctx, ukhsaPositivityMetric, sinceYear)
	if err != nil {
		u.logger.Warn("ukhsa positivity fetch failed, continuing without it", "error", err)
	} else {
		for _, entry := range positivity {
			week, pct, ok := parseUKHSAEntry(entry)
			if !ok || pct < 0 || pct > 100 {
				continue
			}
			frac := pct / 100
			batch.AuxSignals = append(batch.AuxSignals, domain.AuxSignal{
				CountryCode: "GB",
				Week:        week,
				Positivity:  &frac,
			})
		}
	}

	u.logger.Info("ukhsa fetch complete",
		"observations", len(batch.Observations),
		"aux_signals", len(batch.AuxSignals),
		"skipped", batch.Skipped)
	return batch, nil
}

type ukhsaEntry struct {
	Date        string   `json:"date"`
	MetricValue *float64 `json:"metric_value"`
}

// fetchMetric pages through one metric for England at nation level.
func (u *UKHSA) fetchMetric(ctx context.Context, metric string, sinceYear int) ([]ukhsaEntry, error) {
	metricURL := fmt.Sprintf(
		"%s/themes/infectious_disease/sub_themes/respiratory/topics/Influenza/geography_types/Nation/geographies/England/metrics/%s",
		u.baseURL, metric)

	var entries []ukhsaEntry
	for page := 1; ; page++ {
		params := url.Values{
			"page_size": {fmt.Sprint(ukhsaPageSize)},
			"page":      {fmt.Sprint(page)},
			"age":       {"all"},
		}
		if sinceYear > 0 {
			params.Set("year", fmt.Sprint(sinceYear))
		}

		u.logger.Info("ukhsa page request", "metric", metric, "page", page)
		results, next, err := u.fetchPage(ctx, metricURL+"?"+params.Encode())
		if err != nil {
			return nil, err
		}
		entries = append(entries, results...)

		if next == "" || len(results) == 0 {
			return entries, nil
		}
		if !sleepWithContext(ctx, u.delay) {
			return nil, ctx.Err()
		}
	}
}

func (u *UKHSA) fetchPage(ctx context.Context, pageURL string) ([]ukhsaEntry, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("ukhsa request: %w", err)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("ukhsa request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, "", fmt.Errorf("ukhsa API error: status %d: %s", resp.StatusCode, body)
	}

	var doc struct {
		Next    *string      `json:"next"`
		Results []ukhsaEntry `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, "", fmt.Errorf("ukhsa decode: %w", err)
	}

	next := ""
	if doc.Next != nil {
		next = *doc.Next
	}
	return doc.Results, next, nil
}

func parseUKHSAEntry(e ukhsaEntry) (week time.Time, value float64, ok bool) {
	if e.MetricValue == nil || len(e.Date) < 10 {
		return time.Time{}, 0, false
	}
	d, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(e.Date)[:10], time.UTC)
	if err != nil {
		return time.Time{}, 0, false
	}
	return d, *e.MetricValue, true
}
