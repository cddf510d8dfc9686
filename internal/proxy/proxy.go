// Package proxy serves rate tables from the upstream gateway, falling back to
// the synthetic fixture when the upstream cannot answer. Every upstream
// attempt is audited and reported to observers.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ratedash/internal/metrics"
	"ratedash/internal/notify"
	"ratedash/logger"
	"ratedash/models"
	"ratedash/reader/exchangerate"
)

// ErrProxy is returned when neither live nor synthetic data can be served.
var ErrProxy = errors.New("proxy error")

// RateSource performs one upstream lookup.
type RateSource interface {
	FetchRates(ctx context.Context, req exchangerate.Request) (*models.RateTable, exchangerate.Result, error)
}

// Fallback produces the synthetic table.
type Fallback interface {
	Generate(ctx context.Context) (*models.RateTable, error)
}

// LogSink is an append-only audit sink.
type LogSink interface {
	Append(record interface{}) error
}

// Observer receives notifications without blocking the caller.
type Observer interface {
	Go(ctx context.Context, n notify.Notification)
}

// Config carries the per-process settings of a Proxy. Observer may be nil.
type Config struct {
	Token    string
	LogSink  LogSink
	Observer Observer
}

// Query is one dashboard request for rates.
type Query struct {
	Start      string
	End        string
	Currencies []string
}

// Outcome is a served table and where it came from.
type Outcome struct {
	Table      *models.RateTable
	Provenance models.Provenance
	Trace      models.TraceEvent
}

type Proxy struct {
	config   Config
	source   RateSource
	fallback Fallback
	log      *logger.Log
	now      func() time.Time
	newID    func() string
}

// New wires a proxy. The log sink, source and fallback are required.
func New(cfg Config, source RateSource, fallback Fallback) (*Proxy, error) {
	if cfg.LogSink == nil {
		return nil, fmt.Errorf("proxy: log sink is required")
	}
	if source == nil || fallback == nil {
		return nil, fmt.Errorf("proxy: rate source and fallback are required")
	}
	return &Proxy{
		config:   cfg,
		source:   source,
		fallback: fallback,
		log:      logger.GetLogger(),
		now:      time.Now,
		newID:    uuid.NewString,
	}, nil
}

// GetRates makes exactly one upstream attempt and returns live data when it
// succeeds, synthetic data otherwise. ErrProxy is returned only when the
// attempt failed and it could not be audited, or the fallback failed.
func (p *Proxy) GetRates(ctx context.Context, q Query) (Outcome, error) {
	log := p.log.WithComponent("proxy").WithFields(logger.Fields{
		"start":      q.Start,
		"end":        q.End,
		"currencies": q.Currencies,
	})

	table, res, err := p.source.FetchRates(ctx, exchangerate.Request{
		Start:      q.Start,
		End:        q.End,
		Currencies: q.Currencies,
		Token:      p.config.Token,
	})
	ev := p.traceEvent(res)

	if err == nil {
		ev.Provenance = models.ProvenanceLive
		if aerr := p.config.LogSink.Append(ev); aerr != nil {
			log.WithError(aerr).Error("failed to write trace record")
			metrics.RecordAuditFailure(p.log)
			p.notify(ctx, notify.ErrorNotification("trace write failed: "+aerr.Error(), &ev))
		} else {
			p.notify(ctx, notify.TraceNotification(ev))
		}
		metrics.RecordFetch(p.log, string(models.ProvenanceLive), res.Duration)
		logger.LogPerformanceEntry(log.WithTrace(ev.ID), "proxy", "fetch_rates", res.Duration, nil)
		return Outcome{Table: table, Provenance: models.ProvenanceLive, Trace: ev}, nil
	}

	metrics.RecordUpstreamFailure(p.log, failureReason(err))
	ev.Error = err.Error()
	ev.Provenance = models.ProvenanceSynthetic
	log = log.WithTrace(ev.ID)
	log.WithError(err).Warn("upstream failed, serving synthetic rates")

	if aerr := p.config.LogSink.Append(ev); aerr != nil {
		metrics.RecordAuditFailure(p.log)
		msg := fmt.Sprintf("%v; trace write failed: %v", err, aerr)
		p.reportFailure(ctx, msg)
		return Outcome{Trace: ev}, fmt.Errorf("%w: %v", ErrProxy, aerr)
	}
	p.notify(ctx, notify.ErrorNotification(err.Error(), &ev))

	// the caller's deadline may be what failed the upstream call
	synthetic, ferr := p.fallback.Generate(context.WithoutCancel(ctx))
	if ferr != nil {
		p.reportFailure(ctx, "fallback failed: "+ferr.Error())
		return Outcome{Trace: ev}, fmt.Errorf("%w: fallback: %v", ErrProxy, ferr)
	}
	metrics.RecordFetch(p.log, string(models.ProvenanceSynthetic), res.Duration)
	return Outcome{Table: synthetic, Provenance: models.ProvenanceSynthetic, Trace: ev}, nil
}

// reportFailure writes a minimal failure record, best effort, and tells the
// observers.
func (p *Proxy) reportFailure(ctx context.Context, msg string) {
	log := p.log.WithComponent("proxy")
	if err := p.config.LogSink.Append(models.FailureRecord{Timestamp: p.now().UTC(), Error: msg}); err != nil {
		log.WithError(err).Error("failed to write failure record")
	}
	log.WithFields(logger.Fields{"reason": msg}).Error("request failed")
	p.notify(ctx, notify.ErrorNotification(msg, nil))
}

func (p *Proxy) notify(ctx context.Context, n notify.Notification) {
	if p.config.Observer == nil {
		return
	}
	p.config.Observer.Go(ctx, n)
}

func (p *Proxy) traceEvent(res exchangerate.Result) models.TraceEvent {
	auth := models.AuthMissing
	if res.TokenPresent {
		auth = models.AuthSet
	}
	return models.TraceEvent{
		ID:         p.newID(),
		Timestamp:  p.now().UTC(),
		Method:     res.Method,
		URLBase:    res.URLBase,
		Status:     res.Status,
		DurationMs: res.Duration.Milliseconds(),
		Headers:    map[string]string{models.AuthHeaderKey: auth},
		Query:      res.Query,
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, exchangerate.ErrMalformedResponse):
		return "malformed"
	case errors.Is(err, exchangerate.ErrSourceUnavailable):
		return "unavailable"
	default:
		return "unknown"
	}
}
