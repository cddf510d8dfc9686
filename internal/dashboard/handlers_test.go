package dashboard

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"ratedash/internal/metrics"
	"ratedash/internal/proxy"
	"ratedash/logger"
	"ratedash/models"
)

func ratesTable(t *testing.T) *models.RateTable {
	t.Helper()
	table, err := models.NewRateTable("USD", map[string]map[string]float64{
		"2024-03-25": {"EUR": 0.90, "MXN": 17.0, "JPY": 150},
		"2024-03-26": {"EUR": 0.91, "MXN": 17.5, "JPY": 150},
		"2024-03-27": {"EUR": 0.93, "MXN": 16.0, "JPY": 151},
	})
	if err != nil {
		t.Fatalf("NewRateTable: %v", err)
	}
	return table
}

func serve(ts testServer, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	res := httptest.NewRecorder()
	ts.router.ServeHTTP(res, req)
	return res
}

func TestTimeseriesLive(t *testing.T) {
	rates := &fakeRates{table: ratesTable(t), provenance: models.ProvenanceLive}
	ts := newTestServer(t, rates)

	res := serve(ts, http.MethodGet, "/api/timeseries?start=2024-03-25&end=2024-03-27&currencies=eur,mxn", "")
	if res.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", res.Code, res.Body.String())
	}
	if got := res.Header().Get("X-Data-Source"); got != "live" {
		t.Fatalf("X-Data-Source = %q", got)
	}
	if res.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing request id header")
	}

	var table models.RateTable
	if err := json.Unmarshal(res.Body.Bytes(), &table); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if table.Base != "USD" || len(table.Rates) != 3 {
		t.Fatalf("unexpected table: %+v", table)
	}

	q := rates.last(t)
	want := proxy.Query{Start: "2024-03-25", End: "2024-03-27", Currencies: []string{"EUR", "MXN"}}
	if !reflect.DeepEqual(q, want) {
		t.Fatalf("query = %+v, want %+v", q, want)
	}
}

func TestTimeseriesDefaultsAndAlias(t *testing.T) {
	rates := &fakeRates{table: ratesTable(t), provenance: models.ProvenanceSynthetic}
	ts := newTestServer(t, rates)

	res := serve(ts, http.MethodGet, "/api/timeseries", "")
	if res.Code != http.StatusOK {
		t.Fatalf("status = %d", res.Code)
	}
	if got := res.Header().Get("X-Data-Source"); got != "synthetic" {
		t.Fatalf("X-Data-Source = %q", got)
	}
	want := proxy.Query{Start: "2024-03-01", End: "2024-03-31", Currencies: []string{"MXN", "EUR", "JPY", "GBP"}}
	if q := rates.last(t); !reflect.DeepEqual(q, want) {
		t.Fatalf("default query = %+v, want %+v", q, want)
	}

	serve(ts, http.MethodGet, "/api/timeseries?symbols=JPY,jpy,%20CAD", "")
	if q := rates.last(t); !reflect.DeepEqual(q.Currencies, []string{"JPY", "CAD"}) {
		t.Fatalf("alias currencies = %v", q.Currencies)
	}
}

func TestTimeseriesRejectsInvalidParams(t *testing.T) {
	rates := &fakeRates{table: ratesTable(t), provenance: models.ProvenanceLive}
	ts := newTestServer(t, rates)

	for _, target := range []string{
		"/api/timeseries?start=2024-13-01",
		"/api/timeseries?end=31/03/2024",
		"/api/timeseries?start=2024-03-10&end=2024-03-01",
		"/api/timeseries?currencies=EU1",
		"/api/timeseries?currencies=,,",
	} {
		res := serve(ts, http.MethodGet, target, "")
		if res.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400", target, res.Code)
		}
	}
	if len(rates.queries) != 0 {
		t.Fatalf("invalid requests must not reach the proxy")
	}
}

func TestTimeseriesProxyError(t *testing.T) {
	ts := newTestServer(t, &fakeRates{err: proxy.ErrProxy})

	res := serve(ts, http.MethodGet, "/api/timeseries", "")
	if res.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", res.Code)
	}
	if strings.TrimSpace(res.Body.String()) != `{"error":"Proxy error"}` {
		t.Fatalf("body = %s", res.Body.String())
	}
}

func TestSeriesSummary(t *testing.T) {
	rates := &fakeRates{table: ratesTable(t), provenance: models.ProvenanceLive}
	ts := newTestServer(t, rates)

	res := serve(ts, http.MethodGet, "/api/series?symbol=jpy&currencies=EUR&window=2&period=week", "")
	if res.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", res.Code, res.Body.String())
	}
	var body struct {
		Provenance string `json:"provenance"`
		Summary    struct {
			Currency string         `json:"currency"`
			Window   int            `json:"window"`
			Period   string         `json:"period"`
			Series   []models.Point `json:"series"`
		} `json:"summary"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Provenance != "live" || body.Summary.Currency != "JPY" || body.Summary.Window != 2 || body.Summary.Period != "week" {
		t.Fatalf("unexpected summary: %+v", body)
	}
	if len(body.Summary.Series) != 3 {
		t.Fatalf("series length = %d", len(body.Summary.Series))
	}
	if q := rates.last(t); !reflect.DeepEqual(q.Currencies, []string{"EUR", "JPY"}) {
		t.Fatalf("symbol should be added to the fetched currencies, got %v", q.Currencies)
	}

	if res := serve(ts, http.MethodGet, "/api/series?period=year", ""); res.Code != http.StatusBadRequest {
		t.Fatalf("unsupported period: status = %d", res.Code)
	}
	if res := serve(ts, http.MethodGet, "/api/series?window=0", ""); res.Code != http.StatusOK {
		t.Fatalf("window=0 falls back to the default: status = %d", res.Code)
	}
}

func TestOverview(t *testing.T) {
	rates := &fakeRates{table: ratesTable(t), provenance: models.ProvenanceLive}
	ts := newTestServer(t, rates)

	res := serve(ts, http.MethodGet, "/api/overview?currencies=EUR,MXN,JPY&top=2", "")
	if res.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", res.Code, res.Body.String())
	}
	var body struct {
		Index     []map[string]interface{} `json:"index"`
		TopMovers []struct {
			Currency string  `json:"currency"`
			Change   float64 `json:"change"`
		} `json:"top_movers"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Index) != 3 {
		t.Fatalf("index rows = %d", len(body.Index))
	}
	// MXN -5.88%, EUR +3.33%, JPY +0.67%
	if len(body.TopMovers) != 2 || body.TopMovers[0].Currency != "MXN" || body.TopMovers[1].Currency != "EUR" {
		t.Fatalf("unexpected movers: %+v", body.TopMovers)
	}
}

func TestTraceEndpointServesRawLog(t *testing.T) {
	ts := newTestServer(t, &fakeRates{})

	res := serve(ts, http.MethodGet, "/api/trace", "")
	if res.Code != http.StatusOK || res.Body.Len() != 0 {
		t.Fatalf("empty trace: status = %d, body %q", res.Code, res.Body.String())
	}
	if ct := res.Header().Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Fatalf("content type = %q", ct)
	}

	if err := ts.traces.Append(models.FailureRecord{Error: "boom"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	res = serve(ts, http.MethodGet, "/api/trace", "")
	if !strings.Contains(res.Body.String(), `"error":"boom"`) || !strings.HasSuffix(res.Body.String(), "\n") {
		t.Fatalf("trace body = %q", res.Body.String())
	}
}

func TestWebhookReceiver(t *testing.T) {
	ts := newTestServer(t, &fakeRates{})

	res := serve(ts, http.MethodPost, "/api/webhook", `{"type":"trace","status":200}`)
	if res.Code != http.StatusOK || strings.TrimSpace(res.Body.String()) != `{"ok":true}` {
		t.Fatalf("POST: status = %d, body %s", res.Code, res.Body.String())
	}
	res = serve(ts, http.MethodPost, "/api/webhook", `not json`)
	if res.Code != http.StatusOK {
		t.Fatalf("POST invalid body: status = %d", res.Code)
	}

	res = serve(ts, http.MethodGet, "/api/webhook", "")
	lines := strings.Split(strings.TrimSpace(res.Body.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 webhook records, got %q", res.Body.String())
	}
	var first map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first["ts"] != "2024-03-31T15:04:05.000Z" || first["type"] != "trace" || first["status"] != float64(200) {
		t.Fatalf("unexpected record: %v", first)
	}
	if strings.TrimSpace(lines[1]) != `{"ts":"2024-03-31T15:04:05.000Z"}` {
		t.Fatalf("invalid body should be recorded as empty, got %s", lines[1])
	}
}

type failingLog struct{}

func (failingLog) Append(interface{}) error { return errors.New("read-only filesystem") }
func (failingLog) ReadAll() ([]byte, error) { return nil, errors.New("read-only filesystem") }

func TestWebhookReceiverWriteFailure(t *testing.T) {
	ts := newTestServer(t, &fakeRates{})
	ts.srv.deps.Webhooks = failingLog{}
	router, err := ts.srv.buildRouter()
	if err != nil {
		t.Fatalf("buildRouter: %v", err)
	}
	ts.router = router

	res := serve(ts, http.MethodPost, "/api/webhook", `{"type":"error"}`)
	if res.Code != http.StatusInternalServerError || !strings.Contains(res.Body.String(), `"ok":false`) {
		t.Fatalf("status = %d, body %s", res.Code, res.Body.String())
	}
	res = serve(ts, http.MethodGet, "/api/webhook", "")
	if res.Code != http.StatusOK || res.Body.Len() != 0 {
		t.Fatalf("unreadable log should serve empty: %d %q", res.Code, res.Body.String())
	}
}

func TestMockEndpoint(t *testing.T) {
	ts := newTestServer(t, &fakeRates{})

	res := serve(ts, http.MethodGet, "/api/mock", "")
	if res.Code != http.StatusOK {
		t.Fatalf("status = %d", res.Code)
	}
	var body struct {
		Base    string                        `json:"base"`
		Rates   map[string]map[string]float64 `json:"rates"`
		Success bool                          `json:"success"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Base != "USD" || !body.Success || len(body.Rates) != 61 {
		t.Fatalf("unexpected fixture: base=%s success=%v dates=%d", body.Base, body.Success, len(body.Rates))
	}
}

func TestHealthAndPrometheus(t *testing.T) {
	ts := newTestServer(t, &fakeRates{})

	if res := serve(ts, http.MethodGet, "/healthz", ""); res.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", res.Code)
	}
	res := serve(ts, http.MethodGet, "/metrics", "")
	if res.Code != http.StatusOK || !strings.Contains(res.Body.String(), "ratedash_upstream_duration_seconds") {
		t.Fatalf("prometheus exposition missing collectors: %d", res.Code)
	}
}

func TestMetricsEndpointFiltersByProvenance(t *testing.T) {
	ts := newTestServer(t, &fakeRates{})

	metrics.RecordFetch(logger.Logger(), string(models.ProvenanceLive), 40*time.Millisecond)
	metrics.RecordFetch(logger.Logger(), string(models.ProvenanceSynthetic), 0)
	metrics.RecordUpstreamFailure(logger.Logger(), "unavailable")

	res := serve(ts, http.MethodGet, "/api/metrics?provenance=synthetic", "")
	if res.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", res.Code)
	}
	var body struct {
		Metrics []struct {
			Name   string                 `json:"name"`
			Fields map[string]interface{} `json:"fields"`
		} `json:"metrics"`
		Outcomes outcomeTotals `json:"outcomes"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Metrics) != 1 || body.Metrics[0].Name != metrics.MetricRatesReturned || body.Metrics[0].Fields["provenance"] != "synthetic" {
		t.Fatalf("unexpected filtered metrics: %+v", body.Metrics)
	}
	if body.Outcomes.Live != 1 || body.Outcomes.Synthetic != 1 || body.Outcomes.UpstreamFailures["unavailable"] != 1 {
		t.Fatalf("unexpected outcomes: %+v", body.Outcomes)
	}

	if res := serve(ts, http.MethodGet, "/api/metrics?provenance=cached", ""); res.Code != http.StatusBadRequest {
		t.Fatalf("unknown provenance status = %d, want 400", res.Code)
	}
}

func TestLogsEndpointFiltersByTrace(t *testing.T) {
	ts := newTestServer(t, &fakeRates{})
	ts.srv.log.SetOutput(io.Discard)
	ts.srv.log.WithComponent("proxy").WithTrace("t-1").Warn("upstream failed, serving synthetic rates")
	ts.srv.log.WithComponent("proxy").WithTrace("t-2").Warn("upstream failed, serving synthetic rates")

	res := serve(ts, http.MethodGet, "/api/logs?trace_id=t-2&level=warn", "")
	if res.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", res.Code)
	}
	var body struct {
		Logs []logRecord `json:"logs"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Logs) != 1 || body.Logs[0].TraceID != "t-2" || body.Logs[0].Component != "proxy" {
		t.Fatalf("unexpected logs: %+v", body.Logs)
	}

	if res := serve(ts, http.MethodGet, "/api/logs?level=loud", ""); res.Code != http.StatusBadRequest {
		t.Fatalf("unknown level status = %d, want 400", res.Code)
	}
}

func TestRateLimitRejectsExcessRequests(t *testing.T) {
	ts := newTestServer(t, &fakeRates{})
	rate, err := limiter.NewRateFromFormatted("2-M")
	if err != nil {
		t.Fatalf("rate: %v", err)
	}
	ts.srv.limiter = limiter.New(memory.NewStore(), rate)
	if ts.router, err = ts.srv.buildRouter(); err != nil {
		t.Fatalf("buildRouter: %v", err)
	}

	codes := []int{}
	for i := 0; i < 3; i++ {
		codes = append(codes, serve(ts, http.MethodGet, "/api/mock", "").Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("unexpected status codes: %v", codes)
	}
	if res := serve(ts, http.MethodGet, "/healthz", ""); res.Code != http.StatusOK {
		t.Fatalf("health checks are not rate limited: %d", res.Code)
	}
}

func TestRateLimitKeysOnForwardedClientFromTrustedProxy(t *testing.T) {
	ts := newTestServer(t, &fakeRates{})
	rate, err := limiter.NewRateFromFormatted("1-M")
	if err != nil {
		t.Fatalf("rate: %v", err)
	}
	ts.srv.limiter = limiter.New(memory.NewStore(), rate)
	ts.srv.cfg.TrustedProxies = []string{"192.0.2.1"}
	if ts.router, err = ts.srv.buildRouter(); err != nil {
		t.Fatalf("buildRouter: %v", err)
	}

	call := func(peer, forwarded string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/mock", nil)
		req.RemoteAddr = peer + ":4000"
		req.Header.Set("X-Forwarded-For", forwarded)
		res := httptest.NewRecorder()
		ts.router.ServeHTTP(res, req)
		return res.Code
	}

	// behind the trusted balancer each forwarded client has its own bucket
	if code := call("192.0.2.1", "203.0.113.5"); code != http.StatusOK {
		t.Fatalf("first client status = %d", code)
	}
	if code := call("192.0.2.1", "203.0.113.6"); code != http.StatusOK {
		t.Fatalf("second client shares the balancer bucket: %d", code)
	}
	if code := call("192.0.2.1", "203.0.113.5"); code != http.StatusTooManyRequests {
		t.Fatalf("repeat client status = %d, want 429", code)
	}

	// an untrusted peer cannot pick its bucket through the header
	if code := call("198.51.100.7", "203.0.113.9"); code != http.StatusOK {
		t.Fatalf("untrusted peer status = %d", code)
	}
	if code := call("198.51.100.7", "203.0.113.10"); code != http.StatusTooManyRequests {
		t.Fatalf("spoofed header should not reset the bucket: %d", code)
	}
}
