package exchangerate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"ratedash/config"
	"ratedash/logger"
	"ratedash/models"
)

var (
	// ErrSourceUnavailable covers transport failures and non-2xx replies.
	ErrSourceUnavailable = errors.New("rate source unavailable")
	// ErrMalformedResponse covers bodies that do not decode into a usable table.
	ErrMalformedResponse = errors.New("malformed rate response")
)

// maxBodySize caps how much of an upstream reply is read.
const maxBodySize = 8 << 20

// Request describes one timeseries lookup.
type Request struct {
	Start      string
	End        string
	Currencies []string
	Token      string
}

// Symbols returns the comma separated currency list sent upstream.
func (r Request) Symbols() string {
	return strings.Join(r.Currencies, ",")
}

// Result describes the outbound attempt regardless of its outcome.
type Result struct {
	Method       string
	URLBase      string
	Status       *int
	Duration     time.Duration
	TokenPresent bool
	Query        models.TraceQuery
}

type timeseriesResponse struct {
	Base  string                                `json:"base"`
	Rates map[string]map[string]json.RawMessage `json:"rates"`
}

// Gateway fetches historical rates from the upstream timeseries endpoint.
// traceURL is baseURL without query, fragment or credentials.
type Gateway struct {
	baseURL  string
	traceURL string
	base     string
	client   *http.Client
	limiter  *rate.Limiter
	log      *logger.Log
}

// NewGateway builds a gateway with a pooled transport and an outbound rate
// limiter sized from cfg.
func NewGateway(cfg *config.Config) *Gateway {
	log := logger.GetLogger()
	up := cfg.Upstream

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        up.ConnectionPool.MaxIdleConns,
		MaxIdleConnsPerHost: up.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:     up.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:     up.ConnectionPool.IdleConnTimeout,
	}

	base := strings.ToUpper(up.Base)
	if base == "" {
		base = models.DefaultBase
	}

	g := &Gateway{
		baseURL:  up.URL,
		traceURL: stripURL(up.URL),
		base:     base,
		client:   &http.Client{Transport: transport, Timeout: up.Timeout},
		limiter:  rate.NewLimiter(rate.Limit(up.RequestsPerSecond), up.Burst),
		log:      log,
	}

	log.WithComponent("gateway").WithFields(logger.Fields{
		"url":                 g.traceURL,
		"base":                base,
		"timeout":             up.Timeout,
		"requests_per_second": up.RequestsPerSecond,
		"max_idle_conns":      up.ConnectionPool.MaxIdleConns,
	}).Info("rate gateway initialized")

	return g
}

// FetchRates performs exactly one outbound request. The returned Result is
// always populated, including on error.
func (g *Gateway) FetchRates(ctx context.Context, req Request) (*models.RateTable, Result, error) {
	res := Result{
		Method:       http.MethodGet,
		URLBase:      g.traceURL,
		TokenPresent: req.Token != "",
		Query:        models.TraceQuery{Start: req.Start, End: req.End, Symbols: req.Symbols()},
	}

	log := g.log.WithComponent("gateway").WithFields(logger.Fields{
		"start":   req.Start,
		"end":     req.End,
		"symbols": res.Query.Symbols,
	})

	started := time.Now()

	if err := g.limiter.Wait(ctx); err != nil {
		res.Duration = time.Since(started)
		return nil, res, fmt.Errorf("%w: rate limiter: %v", ErrSourceUnavailable, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, g.requestURL(req), nil)
	if err != nil {
		res.Duration = time.Since(started)
		return nil, res, fmt.Errorf("%w: build request: %v", ErrSourceUnavailable, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Token)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		res.Duration = time.Since(started)
		log.WithError(err).Warn("upstream request failed")
		return nil, res, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	status := resp.StatusCode
	res.Status = &status

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	res.Duration = time.Since(started)
	if err != nil {
		return nil, res, fmt.Errorf("%w: read body: %v", ErrSourceUnavailable, err)
	}
	if status < 200 || status > 299 {
		log.WithFields(logger.Fields{"status": status}).Warn("upstream returned non-2xx status")
		return nil, res, fmt.Errorf("%w: status %d", ErrSourceUnavailable, status)
	}

	table, err := decodeTable(body, g.base)
	if err != nil {
		log.WithError(err).Warn("upstream response rejected")
		return nil, res, err
	}

	log.WithFields(logger.Fields{
		"status":       status,
		"dates":        len(table.Rates),
		"observations": table.Observations(),
		"duration_ms":  res.Duration.Milliseconds(),
	}).Debug("upstream rates fetched")
	return table, res, nil
}

func (g *Gateway) requestURL(req Request) string {
	u, err := url.Parse(g.baseURL)
	if err != nil {
		u = &url.URL{Path: g.baseURL}
	}
	q := u.Query()
	q.Set("base", g.base)
	q.Set("start_date", req.Start)
	q.Set("end_date", req.End)
	q.Set("symbols", req.Symbols())
	u.RawQuery = q.Encode()
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

// stripURL drops everything from raw that may carry credentials, so it can be
// recorded in traces.
func stripURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		if i := strings.IndexAny(raw, "?#"); i >= 0 {
			return raw[:i]
		}
		return raw
	}
	u.User = nil
	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

// decodeTable validates an upstream body into a RateTable. Values that are
// not numbers are treated as missing observations.
func decodeTable(body []byte, fallbackBase string) (*models.RateTable, error) {
	var payload timeseriesResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if len(payload.Rates) == 0 {
		return nil, fmt.Errorf("%w: rates missing or empty", ErrMalformedResponse)
	}

	raw := make(map[string]map[string]float64, len(payload.Rates))
	for date, row := range payload.Rates {
		values := make(map[string]float64, len(row))
		for cur, v := range row {
			var f *float64
			if err := json.Unmarshal(v, &f); err != nil || f == nil {
				continue
			}
			values[cur] = *f
		}
		raw[date] = values
	}

	base := payload.Base
	if base == "" {
		base = fallbackBase
	}
	table, err := models.NewRateTable(base, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if table.Observations() == 0 {
		return nil, fmt.Errorf("%w: no usable observations", ErrMalformedResponse)
	}
	return table, nil
}
