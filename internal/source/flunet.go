package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/fluwatch/flutracker/internal/domain"
)

const (
	flunetSource = "who_flunet"

	// WHO xMart public OData API for FluNet.
	flunetAPI = "https://xmart-api-public.who.int/FLUMART/VIW_FNT"

	// Upper bound per page; the API paginates beyond this via @odata.nextLink.
	flunetPageSize = 120000

	// Default lookback when no lower bound is given: FluNet updates weekly
	// with a 1-2 week reporting lag.
	flunetDefaultLookback = 4 * 7 * 24 * time.Hour
)

// Subtype field names in reporting priority order. Specific subtypes come
// first; aggregates only count when no specific subtype reported, so the
// same positives are never counted twice.
var (
	flunetSpecificFields  = []string{"AH1N12009", "AH3", "AH5", "AH7N9", "BYAM", "BVIC"}
	flunetAggregateFields = []string{"INF_A", "INF_B"}
)

// FluNet pulls weekly country-level influenza positives from WHO FluNet.
type FluNet struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewFluNet creates the WHO FluNet connector.
func NewFluNet(client *http.Client, logger *slog.Logger) *FluNet {
	return &FluNet{baseURL: flunetAPI, client: client, logger: logger}
}

func (f *FluNet) Name() string { return flunetSource }

// Fetch pulls FluNet entries for the ISO week range [since, now], following
// OData pagination and streaming each page so large pulls stay bounded in
// memory.
func (f *FluNet) Fetch(ctx context.Context, since *time.Time) (Batch, error) {
	end := domain.Now()
	start := end.Add(-flunetDefaultLookback)
	if since != nil {
		start = since.UTC()
	}

	sy, sw := start.ISOWeek()
	ey, ew := end.ISOWeek()
	filter := fmt.Sprintf("ISOYW ge %d and ISOYW le %d", sy*100+sw, ey*100+ew)

	params := url.Values{
		"$filter": {filter},
		"$top":    {fmt.Sprint(flunetPageSize)},
	}
	next := f.baseURL + "?" + params.Encode()

	aggregated := make(map[domain.DedupKey]*domain.Observation)
	entries, skipped := 0, 0

	for next != "" {
		f.logger.Info("flunet page request", "url", next)
		pageEntries, pageSkipped, nextLink, err := f.fetchPage(ctx, next, aggregated)
		if err != nil {
			return Batch{}, err
		}
		entries += pageEntries
		skipped += pageSkipped
		next = nextLink
	}

	if entries > 0 && len(aggregated) == 0 {
		// Every entry failed normalization: the upstream format has likely
		// changed incompatibly. Fail fast rather than report an empty pull.
		return Batch{}, fmt.Errorf("flunet: all %d entries unparseable", entries)
	}

	batch := Batch{Observations: make([]domain.Observation, 0, len(aggregated)), Skipped: skipped}
	for _, o := range aggregated {
		batch.Observations = append(batch.Observations, *o)
	}
	sort.Slice(batch.Observations, func(i, j int) bool {
		a, b := batch.Observations[i], batch.Observations[j]
		if !a.Time.Equal(b.Time) {
			return a.Time.Before(b.Time)
		}
		if a.CountryCode != b.CountryCode {
			return a.CountryCode < b.CountryCode
		}
		return a.Subtype < b.Subtype
	})

	f.logger.Info("flunet fetch complete",
		"entries", entries, "observations", len(batch.Observations), "skipped", skipped)
	return batch, nil
}

// flunetEntry is one row of the VIW_FNT fact table. Counts are pointers:
// FluNet reports null, not zero, for unmeasured subtypes.
type flunetEntry struct {
	ISO2    string `json:"ISO2"`
	ISOYear *int   `json:"ISO_YEAR"`
	ISOWeek *int   `json:"ISO_WEEK"`

	AH1N12009 *int `json:"AH1N12009"`
	AH3       *int `json:"AH3"`
	AH5       *int `json:"AH5"`
	AH7N9     *int `json:"AH7N9"`
	BYAM      *int `json:"BYAM"`
	BVIC      *int `json:"BVIC"`
	INFA      *int `json:"INF_A"`
	INFB      *int `json:"INF_B"`
	INFAll    *int `json:"INF_ALL"`
	AllInf    *int `json:"ALL_INF"`
}

func (e *flunetEntry) count(field string) *int {
	switch field {
	case "AH1N12009":
		return e.AH1N12009
	case "AH3":
		return e.AH3
	case "AH5":
		return e.AH5
	case "AH7N9":
		return e.AH7N9
	case "BYAM":
		return e.BYAM
	case "BVIC":
		return e.BVIC
	case "INF_A":
		return e.INFA
	case "INF_B":
		return e.INFB
	}
	return nil
}

// fetchPage streams one OData page, folding parsed entries into the
// aggregation map. It returns the entry count, skip count, and the
// @odata.nextLink when the result set continues.
func (f *FluNet) fetchPage(ctx context.Context, pageURL string, aggregated map[domain.DedupKey]*domain.Observation) (entries, skipped int, nextLink string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return 0, 0, "", fmt.Errorf("flunet request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, 0, "", fmt.Errorf("flunet request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, 0, "", fmt.Errorf("flunet API error: status %d: %s", resp.StatusCode, body)
	}

	// Stream the response token by token: the value array can be six
	// figures of rows, and materializing the whole page defeats the point
	// of pagination.
	dec := json.NewDecoder(resp.Body)
	if _, err := dec.Token(); err != nil { // opening {
		return 0, 0, "", fmt.Errorf("flunet decode: %w", err)
	}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return 0, 0, "", fmt.Errorf("flunet decode: %w", err)
		}
		key, _ := keyTok.(string)

		switch key {
		case "value":
			if _, err := dec.Token(); err != nil { // opening [
				return 0, 0, "", fmt.Errorf("flunet decode value: %w", err)
			}
			for dec.More() {
				var e flunetEntry
				if err := dec.Decode(&e); err != nil {
					return 0, 0, "", fmt.Errorf("flunet decode entry: %w", err)
				}
				entries++
				if !f.foldEntry(&e, aggregated) {
					skipped++
				}
			}
			if _, err := dec.Token(); err != nil { // closing ]
				return 0, 0, "", fmt.Errorf("flunet decode value: %w", err)
			}
		case "@odata.nextLink":
			if err := dec.Decode(&nextLink); err != nil {
				return 0, 0, "", fmt.Errorf("flunet decode nextLink: %w", err)
			}
		default:
			var discard json.RawMessage
			if err := dec.Decode(&discard); err != nil {
				return 0, 0, "", fmt.Errorf("flunet decode: %w", err)
			}
		}
	}
	return entries, skipped, nextLink, nil
}

// foldEntry normalizes one FluNet row into zero or more observations,
// summing into the aggregation map. Folding UK constituent entities into GB
// means multiple rows can share a dedup key within one pull; their counts
// add. Returns false when the entry could not be normalized at all.
func (f *FluNet) foldEntry(e *flunetEntry, aggregated map[domain.DedupKey]*domain.Observation) bool {
	country := domain.NormalizeCountryCode(e.ISO2)
	if country == "" || e.ISOYear == nil || e.ISOWeek == nil {
		return false
	}
	if *e.ISOWeek < 1 || *e.ISOWeek > 53 {
		return false
	}
	week := domain.ISOWeekStart(*e.ISOYear, *e.ISOWeek)

	add := func(subtype string, cases int) {
		o := domain.Observation{
			Time:        week,
			CountryCode: country,
			Cases:       cases,
			Subtype:     subtype,
			Source:      flunetSource,
		}
		if o.Validate() != nil {
			return
		}
		if existing, ok := aggregated[o.Key()]; ok {
			existing.Cases += cases
		} else {
			aggregated[o.Key()] = &o
		}
	}

	emitted := false
	for _, field := range flunetSpecificFields {
		if c := e.count(field); c != nil && *c > 0 {
			add(domain.CanonicalSubtype(field), *c)
			emitted = true
		}
	}
	if !emitted {
		for _, field := range flunetAggregateFields {
			if c := e.count(field); c != nil && *c > 0 {
				add(domain.CanonicalSubtype(field), *c)
				emitted = true
			}
		}
	}
	if !emitted {
		// Last resort: the total positive count under either field name.
		total := e.INFAll
		if total == nil {
			total = e.AllInf
		}
		if total != nil && *total > 0 {
			add("unknown", *total)
		}
	}

	// A row with no positives is a legitimate zero week, not a skip.
	return true
}
