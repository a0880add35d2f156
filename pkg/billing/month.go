package billing

import (
	"fmt"
	"time"
)

// BillingMonth identifies a calendar month in UTC
type BillingMonth struct {
	Year  int
	Month time.Month
}

// MonthOf returns the billing month containing t
func MonthOf(t time.Time) BillingMonth {
	t = t.UTC()
	return BillingMonth{Year: t.Year(), Month: t.Month()}
}

// ParseBillingMonth parses the YYYY-MM form
func ParseBillingMonth(s string) (BillingMonth, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return BillingMonth{}, fmt.Errorf("invalid billing month %q: %w", s, err)
	}
	return BillingMonth{Year: t.Year(), Month: t.Month()}, nil
}

// String returns the YYYY-MM form
func (m BillingMonth) String() string {
	return fmt.Sprintf("%04d-%02d", m.Year, int(m.Month))
}

// Compact returns the YYYYMM form used in document numbers
func (m BillingMonth) Compact() string {
	return fmt.Sprintf("%04d%02d", m.Year, int(m.Month))
}

// Start returns the first instant of the month
func (m BillingMonth) Start() time.Time {
	return time.Date(m.Year, m.Month, 1, 0, 0, 0, 0, time.UTC)
}

// End returns the first instant of the following month
func (m BillingMonth) End() time.Time {
	return m.Start().AddDate(0, 1, 0)
}

// Next returns the month after m
func (m BillingMonth) Next() BillingMonth {
	return MonthOf(m.End())
}

// Previous returns the month before m
func (m BillingMonth) Previous() BillingMonth {
	return MonthOf(m.Start().AddDate(0, -1, 0))
}

// IsZero reports whether m is unset
func (m BillingMonth) IsZero() bool {
	return m.Year == 0
}

// MarshalText implements encoding.TextMarshaler
func (m BillingMonth) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (m *BillingMonth) UnmarshalText(text []byte) error {
	parsed, err := ParseBillingMonth(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
