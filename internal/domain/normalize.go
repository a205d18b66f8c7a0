package domain

import (
	"strings"
	"time"
)

// Canonical subtype labels, keyed by the upstream field names that report
// them. Specific subtypes are preferred; aggregates are a fallback so the
// same positives are never counted twice.
var (
	specificSubtypes = map[string]string{
		"AH1N12009": "H1N1",
		"AH3":       "H3N2",
		"AH5":       "H5N1",
		"AH7N9":     "H7N9",
		"BYAM":      "B/Yamagata",
		"BVIC":      "B/Victoria",
	}

	aggregateSubtypes = map[string]string{
		"INF_A": "A (unsubtyped)",
		"INF_B": "B (lineage unknown)",
	}

	// FluNet publishes UK constituent entities separately; fold them into GB.
	ukComponentCodes = map[string]bool{
		"XE": true, "XI": true, "XS": true, "XW": true,
	}
)

// CanonicalSubtype maps an upstream subtype field name to its canonical
// label, or "" when the field is not a known subtype.
func CanonicalSubtype(field string) string {
	if label, ok := specificSubtypes[field]; ok {
		return label
	}
	return aggregateSubtypes[field]
}

// IsSpecificSubtype reports whether the upstream field names a specific
// strain rather than an A/B aggregate.
func IsSpecificSubtype(field string) bool {
	_, ok := specificSubtypes[field]
	return ok
}

// NormalizeCountryCode upper-cases an ISO 3166-1 alpha-2 code and folds UK
// constituent entities into GB. Returns "" for codes that are not two
// letters after trimming.
func NormalizeCountryCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if ukComponentCodes[code] {
		return "GB"
	}
	if len(code) != 2 {
		return ""
	}
	return code
}

// Validate checks an observation against the canonical schema. Connectors
// call this per record; a failing record is skipped and counted, not fatal.
func (o Observation) Validate() error {
	if o.Time.IsZero() {
		return &NormalizationError{Source: o.Source, Field: "time", Reason: "missing timestamp"}
	}
	if len(o.CountryCode) != 2 || o.CountryCode != strings.ToUpper(o.CountryCode) {
		return &NormalizationError{Source: o.Source, Field: "country_code", Reason: "not ISO 3166-1 alpha-2"}
	}
	if o.Cases < 0 {
		return &NormalizationError{Source: o.Source, Field: "cases", Reason: "negative case count"}
	}
	if o.Source == "" {
		return &NormalizationError{Source: o.Source, Field: "source", Reason: "missing source id"}
	}
	return nil
}

// WeekStartUTC truncates a time to the Monday 00:00 UTC that starts its ISO
// week. All weekly bucketing goes through here so series from day-granular
// and week-granular sources line up.
func WeekStartUTC(t time.Time) time.Time {
	t = t.UTC()
	days := (int(t.Weekday()) + 6) % 7 // Monday=0 ... Sunday=6
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -days)
}

// ISOWeekStart returns the Monday 00:00 UTC of the given ISO year and week.
func ISOWeekStart(year, week int) time.Time {
	// Jan 4 is always in ISO week 1.
	jan4 := time.Date(year, time.January, 4, 0, 0, 0, 0, time.UTC)
	return WeekStartUTC(jan4).AddDate(0, 0, (week-1)*7)
}
