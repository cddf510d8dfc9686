package dashboard

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ulule/limiter/v3"

	"ratedash/logger"
)

const (
	requestIDHeader  = "X-Request-ID"
	dataSourceHeader = "X-Data-Source"
	requestLogKey    = "request_log"
)

// requestLogger tags every request with an id and logs its completion.
func requestLogger(log *logger.Log) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := uuid.NewString()

		entry := log.WithComponent("dashboard").WithFields(logger.Fields{
			"request_id": requestID,
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
		})
		c.Header(requestIDHeader, requestID)
		c.Set(requestLogKey, entry)

		c.Next()

		entry.WithFields(logger.Fields{
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
			"client_ip":  c.ClientIP(),
		}).Info("request completed")
	}
}

func requestLog(c *gin.Context, fallback *logger.Log) *logger.Entry {
	if v, ok := c.Get(requestLogKey); ok {
		if entry, ok := v.(*logger.Entry); ok {
			return entry
		}
	}
	return fallback.WithComponent("dashboard")
}

// corsMiddleware allows browser dashboards on other origins to read the
// provenance and request id headers. No origins means any origin.
func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{dataSourceHeader, requestIDHeader},
		MaxAge:        12 * time.Hour,
	}
	allowAll := len(origins) == 0
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
	}
	if allowAll {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

// rateLimit applies the per-IP limiter to the routes it wraps.
func rateLimit(l *limiter.Limiter, log *logger.Log) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()

		lctx, err := l.Get(c.Request.Context(), ip)
		if err != nil {
			requestLog(c, log).WithError(err).WithFields(logger.Fields{"ip": ip}).Error("failed to get rate limit context")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal server error during rate limit check"})
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			requestLog(c, log).WithFields(logger.Fields{"ip": ip, "limit": lctx.Limit}).Warn("rate limit exceeded")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests. Please try again later."})
			return
		}
		c.Next()
	}
}
