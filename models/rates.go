package models

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"
)

// DateLayout is the ISO calendar date format used for every table key.
const DateLayout = "2006-01-02"

// DefaultBase is the quote currency used when none is requested.
const DefaultBase = "USD"

var (
	ErrInvalidDate     = errors.New("invalid date key")
	ErrInvalidCurrency = errors.New("invalid currency code")
)

var currencyCodeRegexp = regexp.MustCompile(`^[A-Z]{3,4}$`)

/////////////////////////////////////////////////////////////////////////////
//////////////////////////////// RATE TABLE /////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// RateTable holds exchange rates keyed by ISO date and then by currency code,
// all quoted against Base. Tables are built through NewRateTable so every key
// and value has already been validated when consumers see it.
type RateTable struct {
	Base  string                        `json:"base"`
	Rates map[string]map[string]float64 `json:"rates"`
}

// NewRateTable validates raw provider data and returns a RateTable. Date keys
// must parse as calendar dates and currency codes must be 3-4 uppercase
// letters. Non-finite or negative values are dropped as missing observations.
func NewRateTable(base string, raw map[string]map[string]float64) (*RateTable, error) {
	base = strings.ToUpper(strings.TrimSpace(base))
	if base == "" {
		base = DefaultBase
	}
	if !IsCurrencyCode(base) {
		return nil, fmt.Errorf("%w: base %q", ErrInvalidCurrency, base)
	}

	table := &RateTable{Base: base, Rates: make(map[string]map[string]float64, len(raw))}
	for date, day := range raw {
		if !IsDate(date) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidDate, date)
		}
		row := make(map[string]float64, len(day))
		for code, value := range day {
			if !IsCurrencyCode(code) {
				return nil, fmt.Errorf("%w: %q on %s", ErrInvalidCurrency, code, date)
			}
			if !IsObservation(value) {
				continue
			}
			row[code] = value
		}
		table.Rates[date] = row
	}
	return table, nil
}

// Dates returns the table's date keys in ascending order.
func (t *RateTable) Dates() []string {
	if t == nil {
		return nil
	}
	dates := make([]string, 0, len(t.Rates))
	for date := range t.Rates {
		dates = append(dates, date)
	}
	sort.Strings(dates)
	return dates
}

// Rate returns the observation for currency on date.
func (t *RateTable) Rate(date, currency string) (float64, bool) {
	if t == nil {
		return 0, false
	}
	day, ok := t.Rates[date]
	if !ok {
		return 0, false
	}
	v, ok := day[currency]
	if !ok || !IsObservation(v) {
		return 0, false
	}
	return v, true
}

// Currencies lists every currency with at least one observation, sorted.
func (t *RateTable) Currencies() []string {
	if t == nil {
		return nil
	}
	seen := make(map[string]struct{})
	for _, day := range t.Rates {
		for code := range day {
			seen[code] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for code := range seen {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// Observations counts usable values across all dates.
func (t *RateTable) Observations() int {
	if t == nil {
		return 0
	}
	n := 0
	for _, day := range t.Rates {
		n += len(day)
	}
	return n
}

// IsDate reports whether s is an ISO calendar date.
func IsDate(s string) bool {
	if len(s) != len(DateLayout) {
		return false
	}
	_, err := time.Parse(DateLayout, s)
	return err == nil
}

// IsCurrencyCode reports whether s is a 3-4 letter uppercase code.
func IsCurrencyCode(s string) bool {
	return currencyCodeRegexp.MatchString(s)
}

// IsObservation reports whether v can be used as a rate.
func IsObservation(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}
