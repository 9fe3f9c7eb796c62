package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"waflow/internal/constants"
	"waflow/pkg/errors"
	"waflow/pkg/metrics"
)

type Limiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	mu       sync.Mutex
}

type Config struct {
	Window          time.Duration
	MaxRequests     int
	CleanupInterval time.Duration
	MaxAge          time.Duration
}

func DefaultConfig() Config {
	return Config{
		Window:          constants.RateLimitWindow,
		MaxRequests:     constants.RateLimitMaxRequests,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

// ClientKey builds the throttling key for a webhook request. The broker may
// fan one logical sender out across tenants, so the key includes the tenant
// and refresh headers alongside the client address.
func ClientKey(c *gin.Context) string {
	clientIP := c.ClientIP()
	if clientIP == "" {
		clientIP = c.RemoteIP()
	}
	parts := []string{
		clientIP,
		c.GetHeader(constants.HeaderTenant),
		c.GetHeader(constants.HeaderRefresh),
	}
	return strings.Join(parts, "|")
}

// Middleware enforces a windowed request budget per client key. Budget is
// modeled as a token bucket refilling at MaxRequests per Window with burst
// MaxRequests, which bounds any Window-sized interval to 2x MaxRequests and
// steady-state traffic to MaxRequests.
func Middleware(cfg Config) gin.HandlerFunc {
	if cfg.Window <= 0 {
		cfg.Window = constants.RateLimitWindow
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = constants.RateLimitMaxRequests
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 10 * time.Minute
	}

	limiters := make(map[string]*Limiter)
	var mu sync.RWMutex

	go func() {
		ticker := time.NewTicker(cfg.CleanupInterval)
		defer ticker.Stop()
		for range ticker.C {
			mu.Lock()
			now := time.Now()
			for key, limiter := range limiters {
				limiter.mu.Lock()
				lastSeen := limiter.lastSeen
				limiter.mu.Unlock()
				if now.Sub(lastSeen) > cfg.MaxAge {
					delete(limiters, key)
				}
			}
			mu.Unlock()
		}
	}()

	perSecond := rate.Limit(float64(cfg.MaxRequests) / cfg.Window.Seconds())

	return func(c *gin.Context) {
		key := ClientKey(c)

		mu.RLock()
		limiter, exists := limiters[key]
		mu.RUnlock()

		if !exists {
			mu.Lock()
			limiter, exists = limiters[key]
			if !exists {
				limiter = &Limiter{
					limiter:  rate.NewLimiter(perSecond, cfg.MaxRequests),
					lastSeen: time.Now(),
				}
				limiters[key] = limiter
			}
			mu.Unlock()
		}

		limiter.mu.Lock()
		limiter.lastSeen = time.Now()
		limiter.mu.Unlock()

		if !limiter.limiter.Allow() {
			metrics.RateLimitRequestsTotal.WithLabelValues("limited").Inc()
			metrics.WebhookRequestsRejectedTotal.WithLabelValues("rate_limited").Inc()
			c.Header("X-RateLimit-Limit", strconv.Itoa(cfg.MaxRequests))
			c.Header("X-RateLimit-Remaining", "0")
			c.Header("Retry-After", strconv.Itoa(int(cfg.Window.Seconds())))
			c.JSON(http.StatusTooManyRequests, errors.ToErrorResponse(errors.ErrRateLimited))
			c.Abort()
			return
		}

		metrics.RateLimitRequestsTotal.WithLabelValues("allowed").Inc()

		c.Header("X-RateLimit-Limit", strconv.Itoa(cfg.MaxRequests))
		remaining := int(limiter.limiter.Tokens())
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))

		c.Next()
	}
}
