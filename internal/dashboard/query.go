package dashboard

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"ratedash/config"
	"ratedash/internal/proxy"
	"ratedash/models"
)

var errStartAfterEnd = errors.New("start must not be after end")

// ratesQuery is the query string shared by every rates endpoint. symbols is
// accepted as an alias of currencies.
type ratesQuery struct {
	Start      string `form:"start" binding:"omitempty,isodate"`
	End        string `form:"end" binding:"omitempty,isodate"`
	Currencies string `form:"currencies" binding:"omitempty,currencylist"`
	Symbols    string `form:"symbols" binding:"omitempty,currencylist"`
}

type seriesQuery struct {
	ratesQuery
	Symbol string `form:"symbol" binding:"omitempty,currencycode"`
	Window int    `form:"window" binding:"omitempty,min=1,max=365"`
	Period string `form:"period" binding:"omitempty,oneof=day week month"`
}

type overviewQuery struct {
	ratesQuery
	Top int `form:"top" binding:"omitempty,min=1,max=50"`
}

var (
	registerOnce sync.Once
	registerErr  error
)

// registerValidators installs the custom rules on gin's validator.
func registerValidators() error {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			registerErr = fmt.Errorf("unexpected validator engine %T", binding.Validator.Engine())
			return
		}
		rules := map[string]validator.Func{
			"isodate": func(fl validator.FieldLevel) bool {
				return models.IsDate(fl.Field().String())
			},
			"currencycode": func(fl validator.FieldLevel) bool {
				return models.IsCurrencyCode(strings.ToUpper(strings.TrimSpace(fl.Field().String())))
			},
			"currencylist": func(fl validator.FieldLevel) bool {
				_, err := parseCurrencyList(fl.Field().String())
				return err == nil
			},
		}
		for tag, fn := range rules {
			if err := v.RegisterValidation(tag, fn); err != nil {
				registerErr = fmt.Errorf("register %s: %w", tag, err)
				return
			}
		}
	})
	return registerErr
}

// parseCurrencyList splits a comma separated list into upper-case codes,
// dropping blanks and duplicates.
func parseCurrencyList(raw string) ([]string, error) {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		code := strings.ToUpper(strings.TrimSpace(part))
		if code == "" {
			continue
		}
		if !models.IsCurrencyCode(code) {
			return nil, fmt.Errorf("%w: %q", models.ErrInvalidCurrency, part)
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		out = append(out, code)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty list", models.ErrInvalidCurrency)
	}
	return out, nil
}

// resolve fills in defaults relative to now and checks the date order.
func (q ratesQuery) resolve(now time.Time, defaults config.QueryConfig) (proxy.Query, error) {
	today := now.UTC()
	days := defaults.DefaultDays
	if days <= 0 {
		days = 30
	}

	out := proxy.Query{
		Start: q.Start,
		End:   q.End,
	}
	if out.Start == "" {
		out.Start = today.AddDate(0, 0, -days).Format(models.DateLayout)
	}
	if out.End == "" {
		out.End = today.Format(models.DateLayout)
	}
	// ISO dates order lexically
	if out.Start > out.End {
		return proxy.Query{}, errStartAfterEnd
	}

	raw := q.Currencies
	if raw == "" {
		raw = q.Symbols
	}
	if raw == "" {
		raw = strings.Join(defaults.DefaultCurrencies, ",")
	}
	currencies, err := parseCurrencyList(raw)
	if err != nil {
		return proxy.Query{}, err
	}
	out.Currencies = currencies
	return out, nil
}

type metricsQuery struct {
	Component  string `form:"component"`
	Name       string `form:"name"`
	Provenance string `form:"provenance" binding:"omitempty,oneof=live synthetic"`
}

type logsQuery struct {
	Level     string `form:"level" binding:"omitempty,oneof=panic fatal error warn warning info debug trace"`
	Component string `form:"component"`
	TraceID   string `form:"trace_id"`
}
