package processor

import (
	"ratedash/models"
)

// BuildSeries extracts the observations for currency from table in ascending
// date order. Dates without a usable observation are dropped, never filled.
func BuildSeries(table *models.RateTable, currency string) models.Series {
	series := make(models.Series, 0)
	if table == nil {
		return series
	}
	for _, date := range table.Dates() {
		v, ok := table.Rate(date, currency)
		if !ok {
			continue
		}
		series = append(series, models.Point{Date: date, Value: v})
	}
	return series
}

// BuildAll builds one series per currency.
func BuildAll(table *models.RateTable, currencies []string) map[string]models.Series {
	out := make(map[string]models.Series, len(currencies))
	for _, code := range currencies {
		out[code] = BuildSeries(table, code)
	}
	return out
}
