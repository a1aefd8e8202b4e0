package middleware

import (
	"context"
	"net/http"
	"time"

	domrepo "AirCast/internal/domain/repository"
	"AirCast/internal/service/ratelimit"
	xhttp "AirCast/pkg/http"

	"github.com/labstack/echo/v4"
)

// RateLimit throttles API requests per client IP with token buckets.
type RateLimit struct {
	limiter *ratelimit.Limiter
	metrics domrepo.Metrics
	skip    map[string]bool
}

type RateLimitOption func(*RateLimit)

// WithSkipPaths exempts exact request paths, such as health probes.
func WithSkipPaths(paths ...string) RateLimitOption {
	return func(r *RateLimit) {
		for _, p := range paths {
			r.skip[p] = true
		}
	}
}

// NewRateLimit allows rps requests per second per client with the given burst.
func NewRateLimit(rps float64, burst int, metrics domrepo.Metrics, opts ...RateLimitOption) *RateLimit {
	r := &RateLimit{
		limiter: ratelimit.New(rps, burst, 10*time.Minute),
		metrics: metrics,
		skip:    map[string]bool{"/ping": true, "/healthz": true, "/metrics": true},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RateLimit) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if r.skip[c.Request().URL.Path] {
				return next(c)
			}
			if !r.limiter.Allow(c.RealIP()) {
				if r.metrics != nil {
					r.metrics.RecordError("rate_limited")
				}
				c.Response().Header().Set("Retry-After", "1")
				return xhttp.DataResponse(c, http.StatusTooManyRequests,
					[]*xhttp.AppError{xhttp.TooManyRequestsError("too many requests")})
			}
			return next(c)
		}
	}
}

// Sweep drops idle client buckets every interval until ctx is done.
func (r *RateLimit) Sweep(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.limiter.Sweep()
		}
	}
}
