package core

import (
	"fmt"
	"time"
)

// Month identifies one ledger period. Month is 1-12.
type Month struct {
	Year  int
	Month int
}

func NewMonth(year, month int) Month {
	return Month{Year: year, Month: month}
}

func (m Month) Validate() error {
	if m.Month < 1 || m.Month > 12 {
		return ErrInvalidMonth
	}
	if m.Year < 1 {
		return fmt.Errorf("invalid year %d", m.Year)
	}
	return nil
}

// Prev returns the previous period, wrapping December of the prior year.
func (m Month) Prev() Month {
	if m.Month == 1 {
		return Month{Year: m.Year - 1, Month: 12}
	}
	return Month{Year: m.Year, Month: m.Month - 1}
}

// Next returns the following period, wrapping January of the next year.
func (m Month) Next() Month {
	if m.Month == 12 {
		return Month{Year: m.Year + 1, Month: 1}
	}
	return Month{Year: m.Year, Month: m.Month + 1}
}

// Key returns the canonical document key, e.g. "2026-02".
func (m Month) Key() string {
	return fmt.Sprintf("%04d-%02d", m.Year, m.Month)
}

func (m Month) String() string {
	return m.Key()
}

// Date formats a day within this period as "YYYY-MM-DD". Days beyond the
// calendar length of the month are clamped to the last day.
func (m Month) Date(day int) string {
	last := daysIn(m.Year, m.Month)
	if day > last {
		day = last
	}
	if day < 1 {
		day = 1
	}
	return fmt.Sprintf("%04d-%02d-%02d", m.Year, m.Month, day)
}

// Before reports whether m is strictly earlier than other.
func (m Month) Before(other Month) bool {
	if m.Year != other.Year {
		return m.Year < other.Year
	}
	return m.Month < other.Month
}

// ParseMonthKey parses a "YYYY-MM" document key.
func ParseMonthKey(key string) (Month, error) {
	var m Month
	if _, err := fmt.Sscanf(key, "%4d-%2d", &m.Year, &m.Month); err != nil {
		return Month{}, fmt.Errorf("parse month key %q: %w", key, err)
	}
	if err := m.Validate(); err != nil {
		return Month{}, fmt.Errorf("parse month key %q: %w", key, err)
	}
	// Only the canonical "YYYY-MM" form is a valid document key.
	if m.Key() != key {
		return Month{}, fmt.Errorf("parse month key %q: %w", key, ErrInvalidMonth)
	}
	return m, nil
}

func daysIn(year, month int) int {
	return time.Date(year, time.Month(month)+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
