package dashboard

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"ratedash/logger"
	"ratedash/processor"
)

const (
	plainText = "text/plain; charset=utf-8"
	// webhookTimeLayout is ISO-8601 UTC with milliseconds.
	webhookTimeLayout = "2006-01-02T15:04:05.000Z"
	maxWebhookBody    = 1 << 20
)

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query", "details": err.Error()})
}

func proxyError(c *gin.Context) {
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Proxy error"})
}

// handleTimeseries returns the rate table and reports its provenance in the
// X-Data-Source header.
func (s *Server) handleTimeseries(c *gin.Context) {
	var raw ratesQuery
	if err := c.ShouldBindQuery(&raw); err != nil {
		badRequest(c, err)
		return
	}
	q, err := raw.resolve(s.now(), s.query)
	if err != nil {
		badRequest(c, err)
		return
	}

	out, err := s.deps.Rates.GetRates(c.Request.Context(), q)
	if err != nil {
		requestLog(c, s.log).WithError(err).Error("rates unavailable")
		proxyError(c)
		return
	}
	c.Header(dataSourceHeader, string(out.Provenance))
	c.JSON(http.StatusOK, out.Table)
}

// handleSeries returns the single-currency views.
func (s *Server) handleSeries(c *gin.Context) {
	var raw seriesQuery
	if err := c.ShouldBindQuery(&raw); err != nil {
		badRequest(c, err)
		return
	}
	q, err := raw.resolve(s.now(), s.query)
	if err != nil {
		badRequest(c, err)
		return
	}
	period, err := processor.ParsePeriod(raw.Period)
	if err != nil {
		badRequest(c, err)
		return
	}

	symbol := q.Currencies[0]
	if raw.Symbol != "" {
		list, err := parseCurrencyList(raw.Symbol)
		if err != nil {
			badRequest(c, err)
			return
		}
		symbol = list[0]
		if !contains(q.Currencies, symbol) {
			q.Currencies = append(q.Currencies, symbol)
		}
	}

	out, err := s.deps.Rates.GetRates(c.Request.Context(), q)
	if err != nil {
		requestLog(c, s.log).WithError(err).Error("rates unavailable")
		proxyError(c)
		return
	}

	summary := processor.Summarize(out.Table, symbol, processor.SummaryOptions{Window: raw.Window, Period: period})
	c.Header(dataSourceHeader, string(out.Provenance))
	c.JSON(http.StatusOK, gin.H{
		"provenance": out.Provenance,
		"base":       out.Table.Base,
		"summary":    summary,
	})
}

// handleOverview returns the normalized index and the top movers across the
// requested currencies.
func (s *Server) handleOverview(c *gin.Context) {
	var raw overviewQuery
	if err := c.ShouldBindQuery(&raw); err != nil {
		badRequest(c, err)
		return
	}
	q, err := raw.resolve(s.now(), s.query)
	if err != nil {
		badRequest(c, err)
		return
	}

	out, err := s.deps.Rates.GetRates(c.Request.Context(), q)
	if err != nil {
		requestLog(c, s.log).WithError(err).Error("rates unavailable")
		proxyError(c)
		return
	}

	top := raw.Top
	if top <= 0 {
		top = processor.DefaultTopMovers
	}
	c.Header(dataSourceHeader, string(out.Provenance))
	c.JSON(http.StatusOK, gin.H{
		"provenance": out.Provenance,
		"base":       out.Table.Base,
		"currencies": q.Currencies,
		"index":      processor.NormalizedIndex(out.Table, q.Currencies),
		"top_movers": processor.TopMovers(out.Table, q.Currencies, top),
	})
}

func (s *Server) handleMock(c *gin.Context) {
	resp, err := s.deps.Fixture.Response()
	if err != nil {
		requestLog(c, s.log).WithError(err).Error("fixture generation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// rawLog serves a JSON lines log verbatim. Read failures serve an empty body.
func (s *Server) rawLog(l AuditLog) gin.HandlerFunc {
	return func(c *gin.Context) {
		data, err := l.ReadAll()
		if err != nil {
			requestLog(c, s.log).WithError(err).Warn("failed to read log")
			data = nil
		}
		c.Data(http.StatusOK, plainText, data)
	}
}

// handleWebhook is a local observer endpoint: it records whatever JSON object
// it receives with a receive timestamp.
func (s *Server) handleWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return
	}

	payload := map[string]interface{}{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil || payload == nil {
			// non-object bodies are recorded as empty
			payload = map[string]interface{}{}
		}
	}

	entry := make(map[string]interface{}, len(payload)+1)
	entry["ts"] = s.now().UTC().Format(webhookTimeLayout)
	for k, v := range payload {
		entry[k] = v
	}

	if err := s.deps.Webhooks.Append(entry); err != nil {
		requestLog(c, s.log).WithError(err).Error("failed to record webhook")
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return
	}
	requestLog(c, s.log).WithFields(logger.Fields{"type": payload["type"]}).Debug("webhook recorded")
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// handleMetrics serves recent metric events, optionally filtered, with the
// running fetch outcome totals.
func (s *Server) handleMetrics(c *gin.Context) {
	var q metricsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}

	recent := s.metricStore.snapshot(metricFilter{Component: q.Component, Name: q.Name, Provenance: q.Provenance})
	payload := make([]gin.H, 0, len(recent))
	for _, m := range recent {
		payload = append(payload, gin.H{
			"timestamp": m.Timestamp.Format(time.RFC3339Nano),
			"component": m.Component,
			"name":      m.Name,
			"value":     m.Value,
			"type":      m.Type,
			"fields":    m.Fields,
		})
	}
	c.JSON(http.StatusOK, gin.H{"metrics": payload, "outcomes": s.metricStore.outcomes()})
}

// handleLogs serves recent log records at or above the requested level.
func (s *Server) handleLogs(c *gin.Context) {
	var q logsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}

	f := logFilter{MinLevel: logrus.TraceLevel, Component: q.Component, TraceID: q.TraceID}
	if q.Level != "" {
		lvl, err := logrus.ParseLevel(q.Level)
		if err != nil {
			badRequest(c, err)
			return
		}
		f.MinLevel = lvl
	}
	c.JSON(http.StatusOK, gin.H{"logs": s.logStore.snapshot(f)})
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
