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
	infoGripeSource = "brazil_svs"

	// Fiocruz InfoGripe API exposing the SIVEP-Gripe SARI surveillance
	// system, queried per state and calendar year.
	infoGripeAPIBase = "https://info.gripe.fiocruz.br/data/detailed/1/1"
)

// brazilStates maps UF codes, which key the API path, to the state names
// used as the observation region.
var brazilStates = map[string]string{
	"AC": "Acre", "AL": "Alagoas", "AP": "Amapá", "AM": "Amazonas",
	"BA": "Bahia", "CE": "Ceará", "DF": "Distrito Federal",
	"ES": "Espírito Santo", "GO": "Goiás", "MA": "Maranhão",
	"MT": "Mato Grosso", "MS": "Mato Grosso do Sul", "MG": "Minas Gerais",
	"PA": "Pará", "PB": "Paraíba", "PR": "Paraná", "PE": "Pernambuco",
	"PI": "Piauí", "RJ": "Rio de Janeiro", "RN": "Rio Grande do Norte",
	"RS": "Rio Grande do Sul", "RO": "Rondônia", "RR": "Roraima",
	"SC": "Santa Catarina", "SP": "São Paulo", "SE": "Sergipe",
	"TO": "Tocantins",
}

// InfoGripe pulls state-level SARI (severe acute respiratory infection)
// counts with flu subtype breakdown from Fiocruz's InfoGripe API. The only
// southern-hemisphere feed; Brazil's seasons run Apr-Mar.
type InfoGripe struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewInfoGripe creates the Brazil SVS connector.
func NewInfoGripe(client *http.Client, logger *slog.Logger) *InfoGripe {
	return &InfoGripe{baseURL: infoGripeAPIBase, client: client, logger: logger}
}

func (b *InfoGripe) Name() string { return infoGripeSource }

// Fetch pulls the current calendar year for every state. The API is scoped
// by year, not by week, so since only trims the parsed result. A failing
// state is logged and skipped; the pull fails only when every state does.
func (b *InfoGripe) Fetch(ctx context.Context, since *time.Time) (Batch, error) {
	year := domain.Now().Year()

	var start time.Time
	if since != nil {
		start = domain.WeekStartUTC(*since)
	}

	codes := make([]string, 0, len(brazilStates))
	for code := range brazilStates {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	var batch Batch
	entries, failedStates := 0, 0
	for _, code := range codes {
		if err := ctx.Err(); err != nil {
			return Batch{}, err
		}
		stateEntries, err := b.fetchState(ctx, code, year)
		if err != nil {
			b.logger.Warn("infogripe state fetch failed", "state", code, "error", err)
			failedStates++
			continue
		}
		entries += len(stateEntries)
		for _, e := range stateEntries {
			obs, ok := parseInfoGripeEntry(brazilStates[code], e, start)
			if !ok {
				batch.Skipped++
				continue
			}
			batch.Observations = append(batch.Observations, obs...)
		}
	}

	if failedStates == len(brazilStates) {
		return Batch{}, fmt.Errorf("infogripe: all %d state requests failed", failedStates)
	}
	if entries > 0 && batch.Skipped == entries {
		return Batch{}, fmt.Errorf("infogripe: all %d entries unparseable", entries)
	}

	b.logger.Info("infogripe fetch complete",
		"year", year,
		"observations", len(batch.Observations),
		"skipped", batch.Skipped,
		"failed_states", failedStates)
	return batch, nil
}

// infoGripeEntry is one weekly row of a state's series. Counts are
// pointers: the API reports null for unmeasured fields, and field names
// vary by dataset vintage, so most carry an alternate spelling.
type infoGripeEntry struct {
	EpiWeek *int `json:"epiweek"`
	SE      *int `json:"SE"`
	EpiYear *int `json:"epiyear"`
	Ano     *int `json:"ano"`

	FluCases  *int `json:"casos_influenza"`
	SARICases *int `json:"casos"`
	SRAG      *int `json:"srag"`

	AH1N1     *int `json:"influenza_a_h1n1_pdm09"`
	AH1N1Alt  *int `json:"flu_a_h1n1"`
	AH3N2     *int `json:"influenza_a_h3n2"`
	AH3N2Alt  *int `json:"flu_a_h3n2"`
	ANoSub    *int `json:"influenza_a_ns"`
	ANoSubAlt *int `json:"flu_a_ns"`
	B         *int `json:"influenza_b"`
	BAlt      *int `json:"flu_b"`
}

// firstCount returns the first non-nil, non-zero count, or 0.
func firstCount(counts ...*int) int {
	for _, c := range counts {
		if c != nil && *c != 0 {
			return *c
		}
	}
	return 0
}

func (b *InfoGripe) fetchState(ctx context.Context, code string, year int) ([]infoGripeEntry, error) {
	params := url.Values{"year": {fmt.Sprint(year)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/"+code+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("infogripe request: %w", err)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("infogripe request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("infogripe API error: status %d: %s", resp.StatusCode, body)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("infogripe read body: %w", err)
	}

	// The payload is either a bare entry array or wrapped as {"data": [...]}.
	var entries []infoGripeEntry
	if err := json.Unmarshal(body, &entries); err == nil {
		return entries, nil
	}
	var doc struct {
		Data []infoGripeEntry `json:"data"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("infogripe decode: %w", err)
	}
	return doc.Data, nil
}

// parseInfoGripeEntry normalizes one weekly state row into zero or more
// observations: one per reported subtype, falling back to the influenza
// total, and finally to the SARI total as a proxy when the row carries no
// influenza-specific count at all. Returns false when the row has no usable
// epidemiological week.
func parseInfoGripeEntry(state string, e infoGripeEntry, start time.Time) ([]domain.Observation, bool) {
	week := firstCount(e.EpiWeek, e.SE)
	year := firstCount(e.EpiYear, e.Ano)
	if week < 1 || week > 53 || year == 0 {
		return nil, false
	}
	weekStart := domain.ISOWeekStart(year, week)
	if !start.IsZero() && weekStart.Before(start) {
		return nil, true
	}

	var out []domain.Observation
	add := func(subtype string, cases int) {
		o := domain.Observation{
			Time:        weekStart,
			CountryCode: "BR",
			Region:      state,
			Cases:       cases,
			Subtype:     subtype,
			Source:      infoGripeSource,
		}
		if o.Validate() != nil {
			return
		}
		out = append(out, o)
	}

	subtyped := false
	for _, st := range []struct {
		label string
		count int
	}{
		{"H1N1", firstCount(e.AH1N1, e.AH1N1Alt)},
		{"H3N2", firstCount(e.AH3N2, e.AH3N2Alt)},
		{"A (unsubtyped)", firstCount(e.ANoSub, e.ANoSubAlt)},
		{"B (lineage unknown)", firstCount(e.B, e.BAlt)},
	} {
		if st.count > 0 {
			add(st.label, st.count)
			subtyped = true
		}
	}
	if !subtyped {
		if flu := firstCount(e.FluCases); flu > 0 {
			add("unknown", flu)
		} else if sari := firstCount(e.SARICases, e.SRAG); sari > 0 {
			add("unknown", sari)
		}
	}

	// A row with no positives is a legitimate zero week, not a skip.
	return out, true
}
