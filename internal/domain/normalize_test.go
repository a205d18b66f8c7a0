package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeCountryCode(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"us", "US"},
		{" gb ", "GB"},
		{"XE", "GB"}, // England reported separately by FluNet
		{"XI", "GB"},
		{"XS", "GB"},
		{"XW", "GB"},
		{"", ""},
		{"USA", ""},
		{"D", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeCountryCode(tt.in), "input %q", tt.in)
	}
}

func TestCanonicalSubtype(t *testing.T) {
	assert.Equal(t, "H1N1", CanonicalSubtype("AH1N12009"))
	assert.Equal(t, "H3N2", CanonicalSubtype("AH3"))
	assert.Equal(t, "B/Victoria", CanonicalSubtype("BVIC"))
	assert.Equal(t, "B/Yamagata", CanonicalSubtype("BYAM"))
	assert.Equal(t, "A (unsubtyped)", CanonicalSubtype("INF_A"))
	assert.Equal(t, "B (lineage unknown)", CanonicalSubtype("INF_B"))
	assert.Equal(t, "", CanonicalSubtype("SARS_COV_2"))

	assert.True(t, IsSpecificSubtype("AH3"))
	assert.False(t, IsSpecificSubtype("INF_A"))
}

func TestObservationValidate(t *testing.T) {
	valid := Observation{
		Time:        time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC),
		CountryCode: "US",
		Cases:       120,
		Source:      "usa_cdc",
	}
	require.NoError(t, valid.Validate())

	t.Run("missing time", func(t *testing.T) {
		o := valid
		o.Time = time.Time{}
		var nerr *NormalizationError
		require.ErrorAs(t, o.Validate(), &nerr)
		assert.Equal(t, "time", nerr.Field)
	})

	t.Run("bad country", func(t *testing.T) {
		o := valid
		o.CountryCode = "usa"
		var nerr *NormalizationError
		require.ErrorAs(t, o.Validate(), &nerr)
		assert.Equal(t, "country_code", nerr.Field)
	})

	t.Run("negative cases", func(t *testing.T) {
		o := valid
		o.Cases = -1
		require.Error(t, o.Validate())
	})

	t.Run("missing source", func(t *testing.T) {
		o := valid
		o.Source = ""
		require.Error(t, o.Validate())
	})
}

func TestDedupKey(t *testing.T) {
	base := Observation{
		Time:        time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC),
		CountryCode: "FR",
		Region:      "Île-de-France",
		Cases:       10,
		Subtype:     "H3N2",
		Source:      "who_flunet",
	}

	same := base
	same.Cases = 999 // case count is not part of the identity
	assert.Equal(t, base.Key(), same.Key())

	shifted := base
	shifted.Time = base.Time.In(time.FixedZone("CET", 3600))
	assert.Equal(t, base.Key(), shifted.Key(), "keys compare by instant, not location")

	other := base
	other.Subtype = "H1N1"
	assert.NotEqual(t, base.Key(), other.Key())
}

func TestWeekStartUTC(t *testing.T) {
	// 2025-01-08 is a Wednesday; its week starts Monday 2025-01-06.
	wed := time.Date(2025, 1, 8, 15, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC), WeekStartUTC(wed))

	mon := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, mon, WeekStartUTC(mon))

	sun := time.Date(2025, 1, 12, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, mon, WeekStartUTC(sun))
}

func TestISOWeekStart(t *testing.T) {
	tests := []struct {
		year, week int
		want       time.Time
	}{
		{2025, 1, time.Date(2024, 12, 30, 0, 0, 0, 0, time.UTC)},
		{2025, 2, time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)},
		{2024, 52, time.Date(2024, 12, 23, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got := ISOWeekStart(tt.year, tt.week)
		assert.Equal(t, tt.want, got, "%d-W%02d", tt.year, tt.week)

		y, w := got.ISOWeek()
		assert.Equal(t, tt.year, y)
		assert.Equal(t, tt.week, w)
	}
}

func TestClassifySeverity(t *testing.T) {
	assert.Equal(t, SeverityCritical, ClassifySeverity(3.5))
	assert.Equal(t, SeverityHigh, ClassifySeverity(3.2))
	assert.Equal(t, SeverityMedium, ClassifySeverity(2.7))
	assert.Equal(t, SeverityLow, ClassifySeverity(2.0))
}

func TestLevelForScore(t *testing.T) {
	assert.Equal(t, SeverityCritical, LevelForScore(85))
	assert.Equal(t, SeverityHigh, LevelForScore(60))
	assert.Equal(t, SeverityMedium, LevelForScore(47.5))
	assert.Equal(t, SeverityLow, LevelForScore(12))
}
