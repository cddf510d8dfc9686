package processor

import (
	"math"
	"sort"

	"ratedash/models"
)

// DefaultTopMovers is the number of currencies TopMovers returns by default.
const DefaultTopMovers = 8

// Mover is a currency and its percent change over the table's range.
type Mover struct {
	Currency string  `json:"currency"`
	Change   float64 `json:"change"`
}

// IndexRow holds every currency's normalized value on one date. A nil value
// means the currency has no observation on that date.
type IndexRow struct {
	Date   string              `json:"date"`
	Values map[string]*float64 `json:"values"`
}

// SummaryOptions tunes Summarize.
type SummaryOptions struct {
	Window int
	Period models.Period
}

// Summary bundles the derived views for a single currency.
type Summary struct {
	Currency       string                  `json:"currency"`
	Series         models.Series           `json:"series"`
	MovingAverage  models.Series           `json:"moving_average"`
	Window         int                     `json:"window"`
	Period         models.Period           `json:"period"`
	Aggregated     models.Series           `json:"aggregated"`
	PercentChange  *float64                `json:"percent_change"`
	Direction      models.DirectionalShare `json:"direction"`
	Normalized     models.Series           `json:"normalized,omitempty"`
	NormalizeError string                  `json:"normalize_error,omitempty"`
}

// TopMovers ranks currencies by absolute percent change, largest first.
// Currencies whose change is undefined are skipped.
func TopMovers(table *models.RateTable, currencies []string, n int) []Mover {
	if n <= 0 {
		n = DefaultTopMovers
	}
	movers := make([]Mover, 0, len(currencies))
	for _, code := range currencies {
		change, err := PercentChange(BuildSeries(table, code))
		if err != nil {
			continue
		}
		movers = append(movers, Mover{Currency: code, Change: change})
	}
	sort.SliceStable(movers, func(i, j int) bool {
		ai, aj := math.Abs(movers[i].Change), math.Abs(movers[j].Change)
		if ai != aj {
			return ai > aj
		}
		return movers[i].Currency < movers[j].Currency
	})
	if len(movers) > n {
		movers = movers[:n]
	}
	return movers
}

// NormalizedIndex rebases every currency to 100 on its first observation and
// lines the results up by table date.
func NormalizedIndex(table *models.RateTable, currencies []string) []IndexRow {
	normalized := make(map[string]map[string]float64, len(currencies))
	for _, code := range currencies {
		series, err := Normalize100(BuildSeries(table, code))
		if err != nil {
			continue
		}
		byDate := make(map[string]float64, len(series))
		for _, p := range series {
			byDate[p.Date] = p.Value
		}
		normalized[code] = byDate
	}

	dates := table.Dates()
	rows := make([]IndexRow, 0, len(dates))
	for _, date := range dates {
		row := IndexRow{Date: date, Values: make(map[string]*float64, len(currencies))}
		for _, code := range currencies {
			if v, ok := normalized[code][date]; ok {
				value := v
				row.Values[code] = &value
				continue
			}
			row.Values[code] = nil
		}
		rows = append(rows, row)
	}
	return rows
}

// Summarize computes the per-currency dashboard views.
func Summarize(table *models.RateTable, currency string, opts SummaryOptions) Summary {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Period == "" {
		opts.Period = models.PeriodDay
	}

	series := BuildSeries(table, currency)
	summary := Summary{
		Currency:      currency,
		Series:        series,
		MovingAverage: MovingAverage(series, opts.Window),
		Window:        opts.Window,
		Period:        opts.Period,
		Aggregated:    AggregateByPeriod(series, opts.Period),
		Direction:     DirectionalShare(series),
	}

	if change, err := PercentChange(series); err == nil {
		summary.PercentChange = &change
	}
	if normalized, err := Normalize100(series); err != nil {
		summary.NormalizeError = err.Error()
	} else {
		summary.Normalized = normalized
	}
	return summary
}
