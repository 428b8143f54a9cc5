// Package calc holds the pure money and calendar helpers used by the schedule generator.
package calc

import (
	"fmt"
	"time"

	"github.com/mcclellann/opledger/pkg/models"
	"github.com/shopspring/decimal"
)

// Round2 rounds an amount to cents.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// AddDays advances t by n calendar days.
func AddDays(t time.Time, n int) time.Time {
	return t.AddDate(0, 0, n)
}

// AddMonths advances t by n calendar months. When the day of t does not exist in the
// target month the result is clipped to that month's last day (Jan 31 + 1 -> Feb 28/29).
func AddMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	if last := DaysIn(first.Year(), first.Month()); d > last {
		d = last
	}
	return first.AddDate(0, 0, d-1)
}

// DaysIn returns the number of days in the given month.
func DaysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// AdvanceDate returns start advanced by n periods of the given frequency.
// Each date is computed from start, never chained, so month clipping does not accumulate.
func AdvanceDate(start time.Time, freq models.Frequency, n int) (time.Time, error) {
	switch freq {
	case models.FrequencyWeekly:
		return AddDays(start, 7*n), nil
	case models.FrequencyBiweekly:
		return AddDays(start, 14*n), nil
	case models.FrequencyMonthly:
		return AddMonths(start, n), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported frequency: %q", freq)
	}
}
