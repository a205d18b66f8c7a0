// Package analytics derives anomalies, forecasts, and severity scores from
// the persisted observation series. Everything here is read-only over the
// store except anomaly persistence, which appends.
package analytics

import (
	"fmt"
	"time"

	"github.com/fluwatch/flutracker/internal/domain"
)

// Season is one hemisphere-aligned 12-month flu season. Start is inclusive,
// End exclusive; both are UTC midnights.
type Season struct {
	Label string
	Start time.Time
	End   time.Time
}

// Align maps a date onto its flu season for the hemisphere and returns the
// day offset within that season. Northern seasons run Oct 1 through Sep 30,
// southern Apr 1 through Mar 31. All boundary arithmetic is UTC; the input
// is converted first so a timestamp near midnight in another zone cannot
// land in the wrong season.
func Align(date time.Time, hemisphere string) (Season, int) {
	d := date.UTC()

	startMonth := time.October
	if hemisphere == domain.HemisphereSouth {
		startMonth = time.April
	}

	startYear := d.Year()
	if d.Month() < startMonth {
		startYear--
	}
	start := time.Date(startYear, startMonth, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(1, 0, 0)

	season := Season{
		Label: fmt.Sprintf("%d-%02d", startYear, (startYear+1)%100),
		Start: start,
		End:   end,
	}

	day := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	offset := int(day.Sub(start).Hours() / 24)
	return season, offset
}

// WeekOfSeason returns the zero-based week index of the date within its
// season, for cross-year historical comparisons.
func WeekOfSeason(date time.Time, hemisphere string) int {
	_, offset := Align(date, hemisphere)
	return offset / 7
}
