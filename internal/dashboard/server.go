package dashboard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"ratedash/config"
	"ratedash/internal/metrics"
	"ratedash/internal/proxy"
	"ratedash/logger"
	"ratedash/reader/fixture"
)

// RatesProvider serves rate tables with their provenance.
type RatesProvider interface {
	GetRates(ctx context.Context, q proxy.Query) (proxy.Outcome, error)
}

// FixtureSource produces the raw synthetic document.
type FixtureSource interface {
	Response() (fixture.Response, error)
}

// AuditLog is an append-only JSON lines log that can be read back raw.
type AuditLog interface {
	Append(record interface{}) error
	ReadAll() ([]byte, error)
}

// Deps are the collaborators behind the HTTP routes.
type Deps struct {
	Rates    RatesProvider
	Traces   AuditLog
	Webhooks AuditLog
	Fixture  FixtureSource
}

// Server hosts the rate dashboard API.
type Server struct {
	cfg           config.ServerConfig
	query         config.QueryConfig
	release       bool
	log           *logger.Log
	deps          Deps
	limiter       *limiter.Limiter
	metricStore   *metricStore
	logStore      *logStore
	metricHandler metrics.MetricHandlerID
	httpServer    *http.Server
	now           func() time.Time
}

// NewServer builds the dashboard server for cfg. Every dependency is required.
func NewServer(cfg *config.Config, log *logger.Log, deps Deps) (*Server, error) {
	if deps.Rates == nil || deps.Traces == nil || deps.Webhooks == nil || deps.Fixture == nil {
		return nil, errors.New("dashboard: rates, traces, webhooks and fixture are required")
	}

	srvCfg := cfg.Server
	srvCfg.Address = normalizeAddress(srvCfg.Address)
	if srvCfg.LogHistory <= 0 {
		srvCfg.LogHistory = 200
	}
	if srvCfg.MetricsHistory <= 0 {
		srvCfg.MetricsHistory = 200
	}
	if srvCfg.RateLimit == "" {
		srvCfg.RateLimit = "120-M"
	}
	if srvCfg.ShutdownGrace <= 0 {
		srvCfg.ShutdownGrace = 5 * time.Second
	}

	rate, err := limiter.NewRateFromFormatted(srvCfg.RateLimit)
	if err != nil {
		return nil, fmt.Errorf("dashboard: invalid rate limit %q: %w", srvCfg.RateLimit, err)
	}

	metricStore := newMetricStore(srvCfg.MetricsHistory)
	handlerID := metrics.RegisterMetricHandler(metricStore.handle)

	logStore := newLogStore(srvCfg.LogHistory)
	log.AddHook(logStore)

	return &Server{
		cfg:           srvCfg,
		query:         cfg.Query,
		release:       config.IsProductionLike(config.AppEnvironment()),
		log:           log,
		deps:          deps,
		limiter:       limiter.New(memory.NewStore(), rate),
		metricStore:   metricStore,
		logStore:      logStore,
		metricHandler: handlerID,
		now:           time.Now,
	}, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or the server
// exits with an error.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}

	defer s.cleanup()

	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.WithComponent("dashboard").WithFields(logger.Fields{
		"address":    s.cfg.Address,
		"rate_limit": s.cfg.RateLimit,
	}).Info("dashboard server listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err == nil {
			return nil
		}
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	if s.logStore != nil {
		s.logStore.close()
	}
}

// Address reports the network address the server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	if s.release {
		gin.SetMode(gin.ReleaseMode)
	}
	if err := registerValidators(); err != nil {
		return nil, err
	}

	router := gin.New()
	router.Use(gin.Recovery())
	// ClientIP keys the rate limiter; forwarded headers count only from the
	// configured proxies. An empty list trusts none.
	if err := router.SetTrustedProxies(s.cfg.TrustedProxies); err != nil {
		return nil, err
	}
	router.Use(requestLogger(s.log), corsMiddleware(s.cfg.AllowedOrigins))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := router.Group("/api")
	api.Use(rateLimit(s.limiter, s.log))

	api.GET("/timeseries", s.handleTimeseries)
	api.GET("/series", s.handleSeries)
	api.GET("/overview", s.handleOverview)
	api.GET("/mock", s.handleMock)
	api.GET("/trace", s.rawLog(s.deps.Traces))
	api.GET("/webhook", s.rawLog(s.deps.Webhooks))
	api.POST("/webhook", s.handleWebhook)

	api.GET("/metrics", s.handleMetrics)
	api.GET("/logs", s.handleLogs)

	return router, nil
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}

	return addr
}
