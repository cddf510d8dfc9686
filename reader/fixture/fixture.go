package fixture

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"ratedash/config"
	"ratedash/models"
)

// anchors are the starting levels the synthetic curves drift around.
var anchors = map[string]float64{
	"MXN": 18,
	"EUR": 0.92,
	"JPY": 155,
	"GBP": 0.78,
	"CAD": 1.36,
	"BRL": 5.1,
	"CLP": 920,
	"ARS": 950,
	"COP": 4200,
}

// DefaultCurrencies is the currency list served when none is configured.
var DefaultCurrencies = []string{"MXN", "EUR", "JPY", "GBP", "CAD", "BRL", "CLP", "ARS", "COP"}

// DefaultDays is the trailing window length; today is added on top.
const DefaultDays = 60

const decimals = 4

var errNoCurrencies = errors.New("fixture has no currencies")

// Response is the raw fixture document served by the mock endpoint.
type Response struct {
	Base    string                        `json:"base"`
	Rates   map[string]map[string]float64 `json:"rates"`
	Success bool                          `json:"success"`
}

// Generator produces a synthetic rate table that is stable for a given UTC day.
type Generator struct {
	days       int
	currencies []string
	now        func() time.Time
}

// NewGenerator sizes the generator from the fallback settings in cfg.
func NewGenerator(cfg *config.Config) *Generator {
	g := &Generator{days: DefaultDays, currencies: DefaultCurrencies, now: time.Now}
	if cfg != nil {
		if cfg.Fallback.Days > 0 {
			g.days = cfg.Fallback.Days
		}
		if len(cfg.Fallback.Currencies) > 0 {
			g.currencies = cfg.Fallback.Currencies
		}
	}
	return g
}

// Generate returns the fixture for the current day as a validated table. It
// is computed in memory and succeeds even when ctx is already done.
func (g *Generator) Generate(ctx context.Context) (*models.RateTable, error) {
	resp, err := g.Response()
	if err != nil {
		return nil, err
	}
	return models.NewRateTable(resp.Base, resp.Rates)
}

// Response builds the raw fixture document for the current day.
func (g *Generator) Response() (Response, error) {
	if len(g.currencies) == 0 {
		return Response{}, errNoCurrencies
	}
	today := g.now().UTC()
	half := float64(g.days) / 2

	rates := make(map[string]map[string]float64, g.days+1)
	for i := g.days; i >= 0; i-- {
		date := today.AddDate(0, 0, -i).Format(models.DateLayout)
		row := make(map[string]float64, len(g.currencies))
		for idx, cur := range g.currencies {
			start, ok := anchors[cur]
			if !ok {
				start = 1
			}
			seed := math.Sin(float64(i)*(1+float64(idx)/10)) * 0.02
			value := start * (1 + seed) * (1 + (float64(i)-half)/5000)
			row[cur] = decimal.NewFromFloat(value).Round(decimals).InexactFloat64()
		}
		rates[date] = row
	}
	return Response{Base: models.DefaultBase, Rates: rates, Success: true}, nil
}
