package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	apperrors "eventbus/pkg/errors"
	"eventbus/pkg/metrics"
)

type RateLimitConfig struct {
	RPS             float64
	Burst           int
	CleanupInterval time.Duration
	MaxAge          time.Duration
	// KeyFunc picks the bucket for a request. Defaults to the client IP.
	KeyFunc func(c *gin.Context) string
}

func DefaultConfig() RateLimitConfig {
	return RateLimitConfig{
		RPS:             10.0,
		Burst:           20,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

func clientKey(c *gin.Context) string {
	if ip := c.ClientIP(); ip != "" {
		return ip
	}
	return c.RemoteIP()
}

// RateLimitMiddleware limits admin API callers, one token bucket per key.
func RateLimitMiddleware(config RateLimitConfig) gin.HandlerFunc {
	limiters := NewKeyedLimiter(config.CleanupInterval, config.MaxAge)
	limit := rate.Limit(config.RPS)
	keyOf := config.KeyFunc
	if keyOf == nil {
		keyOf = clientKey
	}
	retryAfter := "1"
	if config.RPS > 0 && config.RPS < 1 {
		retryAfter = strconv.Itoa(int(1/config.RPS + 0.5))
	}

	return func(c *gin.Context) {
		key := keyOf(c)
		c.Header("X-RateLimit-Limit", strconv.FormatFloat(config.RPS, 'f', -1, 64))

		if !limiters.Allow(key, limit, config.Burst) {
			metrics.IncRateLimit("admin_api", false)
			c.Header("X-RateLimit-Remaining", "0")
			c.Header("Retry-After", retryAfter)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, apperrors.ToErrorResponse(
				apperrors.ErrRateLimited.WithMessage("too many admin API requests"),
			))
			return
		}

		metrics.IncRateLimit("admin_api", true)
		c.Header("X-RateLimit-Remaining", strconv.Itoa(limiters.Remaining(key, config.Burst)))
		c.Next()
	}
}
