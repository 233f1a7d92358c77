package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

const (
	DefaultRequestsPerHour = 100
	DefaultBurst           = 20

	// idle clients are forgotten after this long
	clientIdleTTL = 2 * time.Hour
	sweepEvery    = 10 * time.Minute
)

var rateLimited = promauto.NewCounter(prometheus.CounterOpts{
	Name: "update_catalog_api_rate_limited_total",
	Help: "Requests rejected by the per-client rate limiter",
})

type clientEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ClientLimiter keeps one token bucket per client IP.
type ClientLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu        sync.Mutex
	clients   map[string]*clientEntry
	lastSweep time.Time
}

func NewClientLimiter(perHour, burst int) *ClientLimiter {
	if perHour <= 0 {
		perHour = DefaultRequestsPerHour
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	return &ClientLimiter{
		limit:   rate.Every(time.Hour / time.Duration(perHour)),
		burst:   burst,
		now:     time.Now,
		clients: make(map[string]*clientEntry),
	}
}

// Allow reports whether client may make a request now.
func (l *ClientLimiter) Allow(client string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= sweepEvery {
		for k, e := range l.clients {
			if now.Sub(e.lastSeen) > clientIdleTTL {
				delete(l.clients, k)
			}
		}
		l.lastSweep = now
	}

	e, ok := l.clients[client]
	if !ok {
		e = &clientEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[client] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

func (l *ClientLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(c.ClientIP()) {
			rateLimited.Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{Error: "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
