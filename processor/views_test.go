package processor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ratedash/models"
)

func moversTable(t *testing.T) *models.RateTable {
	return mustTable(t, map[string]map[string]float64{
		"2024-01-01": {"EUR": 1, "MXN": 20, "JPY": 100, "ZAR": 0},
		"2024-01-02": {"EUR": 1.1, "MXN": 18, "JPY": 150, "ZAR": 1},
	})
}

func TestTopMovers(t *testing.T) {
	got := TopMovers(moversTable(t), []string{"EUR", "MXN", "JPY", "ZAR"}, 2)
	require.Len(t, got, 2)
	assert.Equal(t, "JPY", got[0].Currency)
	assert.InDelta(t, 50, got[0].Change, 1e-9)
	assert.Equal(t, "EUR", got[1].Currency)

	all := TopMovers(moversTable(t), []string{"EUR", "MXN", "JPY", "ZAR"}, 0)
	assert.Len(t, all, 3, "zero-based currency should be skipped")
}

func TestNormalizedIndex(t *testing.T) {
	table := mustTable(t, map[string]map[string]float64{
		"2024-01-01": {"EUR": 2},
		"2024-01-02": {"EUR": 3, "MXN": 10},
		"2024-01-03": {"MXN": 5},
	})
	rows := NormalizedIndex(table, []string{"EUR", "MXN"})
	require.Len(t, rows, 3)

	assert.Equal(t, "2024-01-01", rows[0].Date)
	require.NotNil(t, rows[0].Values["EUR"])
	assert.Equal(t, 100.0, *rows[0].Values["EUR"])
	assert.Nil(t, rows[0].Values["MXN"])

	require.NotNil(t, rows[1].Values["MXN"])
	assert.Equal(t, 100.0, *rows[1].Values["MXN"])
	assert.Equal(t, 150.0, *rows[1].Values["EUR"])

	assert.Nil(t, rows[2].Values["EUR"])
	assert.Equal(t, 50.0, *rows[2].Values["MXN"])
}

func TestSummarize(t *testing.T) {
	summary := Summarize(moversTable(t), "JPY", SummaryOptions{Period: models.PeriodWeek})
	assert.Equal(t, DefaultWindow, summary.Window)
	assert.Len(t, summary.Series, 2)
	assert.Len(t, summary.MovingAverage, 2)
	assert.Len(t, summary.Aggregated, 1)
	require.NotNil(t, summary.PercentChange)
	assert.InDelta(t, 50, *summary.PercentChange, 1e-9)
	assert.Equal(t, 1.0, summary.Direction.Up)
	assert.Empty(t, summary.NormalizeError)

	zero := Summarize(moversTable(t), "ZAR", SummaryOptions{})
	assert.Nil(t, zero.PercentChange)
	assert.NotEmpty(t, zero.NormalizeError)
	assert.Equal(t, models.PeriodDay, zero.Period)
}
