package middleware

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// KeyedLimiter holds one token bucket per key. A zero rate disables
// limiting.
type KeyedLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewKeyedLimiter(perSecond float64, burst int) *KeyedLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &KeyedLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Len reports how many buckets the limiter holds.
func (l *KeyedLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *KeyedLimiter) Allow(key string) bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// RateLimit rejects requests with 429 once the bucket selected by key is
// empty.
func RateLimit(l *KeyedLimiter, key func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(key(c)) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"ok": false, "error": "rate limited"})
			return
		}
		c.Next()
	}
}

// ByQuery keys a limiter on a query parameter, e.g. pc_id.
func ByQuery(name string) func(*gin.Context) string {
	return func(c *gin.Context) string { return c.Query(name) }
}

// unknownKey is the single bucket shared by every unrecognised key.
const unknownKey = "\x00unknown"

// KnownOnly passes key through when known accepts it and maps everything
// else onto one shared bucket, so unauthenticated callers cannot grow the
// limiter map.
func KnownOnly(key func(*gin.Context) string, known func(string) bool) func(*gin.Context) string {
	return func(c *gin.Context) string {
		k := key(c)
		if !known(k) {
			return unknownKey
		}
		return k
	}
}

// ByHeader keys a limiter on a request header.
func ByHeader(name string) func(*gin.Context) string {
	return func(c *gin.Context) string { return c.GetHeader(name) }
}
