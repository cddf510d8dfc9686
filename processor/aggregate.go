package processor

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"ratedash/models"
)

// ParsePeriod maps a user supplied period name to a models.Period.
func ParsePeriod(s string) (models.Period, error) {
	switch models.Period(strings.ToLower(strings.TrimSpace(s))) {
	case "", models.PeriodDay:
		return models.PeriodDay, nil
	case models.PeriodWeek:
		return models.PeriodWeek, nil
	case models.PeriodMonth:
		return models.PeriodMonth, nil
	default:
		return "", fmt.Errorf("unsupported period %q", s)
	}
}

// AggregateByPeriod buckets s by ISO week (keyed by Monday) or calendar month
// (keyed by the first day) and averages each bucket. PeriodDay returns a copy.
func AggregateByPeriod(s models.Series, period models.Period) models.Series {
	if period != models.PeriodWeek && period != models.PeriodMonth {
		out := s.Clone()
		if out == nil {
			out = models.Series{}
		}
		return out
	}

	type bucket struct {
		sum   float64
		count int
	}
	buckets := make(map[string]*bucket)
	for _, p := range s {
		key, ok := periodKey(p.Date, period)
		if !ok {
			continue
		}
		b, exists := buckets[key]
		if !exists {
			b = &bucket{}
			buckets[key] = b
		}
		b.sum += p.Value
		b.count++
	}

	keys := make([]string, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(models.Series, 0, len(keys))
	for _, k := range keys {
		b := buckets[k]
		out = append(out, models.Point{Date: k, Value: b.sum / float64(b.count)})
	}
	return out
}

func periodKey(date string, period models.Period) (string, bool) {
	d, err := time.Parse(models.DateLayout, date)
	if err != nil {
		return "", false
	}
	switch period {
	case models.PeriodWeek:
		offset := (int(d.Weekday()) + 6) % 7
		return d.AddDate(0, 0, -offset).Format(models.DateLayout), true
	case models.PeriodMonth:
		return time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC).Format(models.DateLayout), true
	default:
		return date, true
	}
}
