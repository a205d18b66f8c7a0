package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fluwatch/flutracker/internal/domain"
)

const (
	fluviewSource = "usa_cdc"

	// CDC FluView Phase 1 API endpoints.
	fluviewInitAPI     = "https://gis.cdc.gov/grasp/fluView1/Phase1IniP"
	fluviewDownloadAPI = "https://gis.cdc.gov/grasp/fluView1/Phase1DownloadDataP/%d"

	// Seasons to download per pull: the two most recent, to capture data
	// near season boundaries.
	fluviewSeasons = 2
)

// activityLevelCaseEstimate maps the CDC ILI activity level (0-13) to an
// estimated weekly case count per state. Level 0 means insufficient data.
// CDC bands: 1-3 minimal, 4-5 low, 6-7 moderate, 8-10 high, 11-13 very high.
var activityLevelCaseEstimate = map[int]int{
	1: 50, 2: 100, 3: 200,
	4: 400, 5: 600,
	6: 1000, 7: 1500,
	8: 2500, 9: 3500,
	10: 5000, 11: 7000,
	12: 9000, 13: 12000,
}

// xmlStringRe extracts the payload of an XML <string> wrapper.
var xmlStringRe = regexp.MustCompile(`(?s)>(.+)<`)

// FluView pulls state-level ILI activity from the CDC FluView Phase 1 API.
//
// The download endpoint always returns full seasons regardless of any lower
// bound, so Fetch ignores since entirely; the coordinator's dedup step is
// the sole safety net against re-ingesting history.
type FluView struct {
	initURL     string
	downloadURL string // format string taking the season id
	client      *http.Client
	logger      *slog.Logger
}

// NewFluView creates the CDC FluView connector.
func NewFluView(client *http.Client, logger *slog.Logger) *FluView {
	return &FluView{
		initURL:     fluviewInitAPI,
		downloadURL: fluviewDownloadAPI,
		client:      client,
		logger:      logger,
	}
}

func (f *FluView) Name() string { return fluviewSource }

// Fetch discovers available seasons from the init endpoint and downloads
// the most recent ones.
func (f *FluView) Fetch(ctx context.Context, _ *time.Time) (Batch, error) {
	seasons, err := f.fetchSeasons(ctx)
	if err != nil {
		return Batch{}, err
	}
	if len(seasons) == 0 {
		return Batch{}, fmt.Errorf("fluview: init endpoint returned no seasons")
	}

	sort.Slice(seasons, func(i, j int) bool { return seasons[i].SeasonID > seasons[j].SeasonID })
	if len(seasons) > fluviewSeasons {
		seasons = seasons[:fluviewSeasons]
	}

	var batch Batch
	entries := 0
	for _, season := range seasons {
		f.logger.Info("fluview downloading season", "season", season.Label, "season_id", season.SeasonID)
		seasonEntries, err := f.fetchSeasonData(ctx, season.SeasonID)
		if err != nil {
			return Batch{}, fmt.Errorf("fluview season %s: %w", season.Label, err)
		}
		for _, e := range seasonEntries {
			entries++
			obs, ok, malformed := parseFluViewEntry(e)
			if !ok {
				if malformed {
					batch.Skipped++
				}
				continue
			}
			batch.Observations = append(batch.Observations, obs)
		}
	}

	if entries > 0 && batch.Skipped == entries {
		return Batch{}, fmt.Errorf("fluview: all %d entries unparseable", entries)
	}

	f.logger.Info("fluview fetch complete",
		"observations", len(batch.Observations), "skipped", batch.Skipped)
	return batch, nil
}

type fluviewSeason struct {
	SeasonID int    `json:"seasonid"`
	Label    string `json:"label"`
}

type fluviewEntry struct {
	StateName     string `json:"statename"`
	ActivityLevel string `json:"activity_level"`
	WeekEnd       string `json:"weekend"`
}

func (f *FluView) fetchSeasons(ctx context.Context) ([]fluviewSeason, error) {
	payload, err := f.get(ctx, f.initURL)
	if err != nil {
		return nil, err
	}

	// The init payload keys the season list as "Seasons" or "seasons"
	// depending on API vintage.
	var doc struct {
		Seasons      []fluviewSeason `json:"Seasons"`
		SeasonsLower []fluviewSeason `json:"seasons"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("fluview parse seasons: %w", err)
	}
	if len(doc.Seasons) > 0 {
		return doc.Seasons, nil
	}
	return doc.SeasonsLower, nil
}

func (f *FluView) fetchSeasonData(ctx context.Context, seasonID int) ([]fluviewEntry, error) {
	payload, err := f.get(ctx, fmt.Sprintf(f.downloadURL, seasonID))
	if err != nil {
		return nil, err
	}

	var doc struct {
		DataDownload []fluviewEntry `json:"datadownload"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("parse download: %w", err)
	}
	return doc.DataDownload, nil
}

func (f *FluView) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("fluview request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fluview request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fluview API error: status %d: %s", resp.StatusCode, body)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fluview read body: %w", err)
	}
	return unwrapCDCJSON(body)
}

// unwrapCDCJSON normalizes the Phase 1 endpoints' response flavors:
// XML-<string>-wrapped JSON, double-encoded JSON strings, or plain JSON.
func unwrapCDCJSON(body []byte) ([]byte, error) {
	text := strings.TrimSpace(string(body))

	if strings.HasPrefix(text, "<") {
		if i := strings.Index(text, "?>"); strings.HasPrefix(text, "<?") && i >= 0 {
			text = strings.TrimSpace(text[i+2:])
		}
		m := xmlStringRe.FindStringSubmatch(text)
		if m == nil {
			return nil, fmt.Errorf("fluview: XML wrapper without payload")
		}
		text = m[1]
	}

	// A double-encoded payload is a JSON string containing JSON.
	if strings.HasPrefix(text, `"`) {
		var inner string
		if err := json.Unmarshal([]byte(text), &inner); err != nil {
			return nil, fmt.Errorf("fluview: unwrap double-encoded payload: %w", err)
		}
		text = inner
	}
	return []byte(text), nil
}

// parseFluViewEntry converts one activity row into an estimated-count
// observation. Level 0 (insufficient data) rows carry no observation but
// are not malformed; only malformed rows count as normalization failures.
func parseFluViewEntry(e fluviewEntry) (obs domain.Observation, ok, malformed bool) {
	state := strings.TrimSpace(e.StateName)
	if state == "" || e.WeekEnd == "" {
		return domain.Observation{}, false, true
	}

	level, err := strconv.Atoi(strings.TrimSpace(e.ActivityLevel))
	if err != nil || level < 0 {
		return domain.Observation{}, false, true
	}
	estimate, known := activityLevelCaseEstimate[level]
	if !known {
		return domain.Observation{}, false, level != 0
	}

	// Week-ending dates look like "Dec-27-2025".
	weekEnd, err := time.ParseInLocation("Jan-02-2006", e.WeekEnd, time.UTC)
	if err != nil {
		return domain.Observation{}, false, true
	}

	obs = domain.Observation{
		Time:        weekEnd,
		CountryCode: "US",
		Region:      state,
		Cases:       estimate,
		Source:      fluviewSource,
	}
	if err := obs.Validate(); err != nil {
		return domain.Observation{}, false, true
	}
	return obs, true, false
}
