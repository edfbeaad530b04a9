package ratelimit

import (
	"strings"
	"sync"

	ratelib "golang.org/x/time/rate"

	"github.com/fabian4/dynaproxy/internal/model"
)

// Limiter keeps one token bucket per service route.
type Limiter struct {
	mu       sync.RWMutex
	limiters map[string]*ratelib.Limiter
}

func NewLimiter() *Limiter {
	return &Limiter{limiters: make(map[string]*ratelib.Limiter)}
}

// Key identifies the bucket of one route of one service.
func Key(serviceID, route string) string {
	return serviceID + "/" + route
}

// Allow consumes a token from the bucket for key. A nil limiter, or a nil or non-positive rule, always allows.
// A changed rule is applied to the existing bucket so an update keeps its tokens.
func (l *Limiter) Allow(key string, rule *model.RateLimit) bool {
	if l == nil || rule == nil || rule.RequestsPerSecond <= 0 {
		return true
	}
	burst := rule.Burst
	if burst <= 0 {
		burst = 1
	}
	limit := ratelib.Limit(rule.RequestsPerSecond)

	l.mu.RLock()
	lim, ok := l.limiters[key]
	l.mu.RUnlock()
	if !ok {
		l.mu.Lock()
		if lim, ok = l.limiters[key]; !ok {
			lim = ratelib.NewLimiter(limit, burst)
			l.limiters[key] = lim
		}
		l.mu.Unlock()
	}

	if lim.Limit() != limit {
		lim.SetLimit(limit)
	}
	if lim.Burst() != burst {
		lim.SetBurst(burst)
	}
	return lim.Allow()
}

// Forget drops every bucket of the service.
func (l *Limiter) Forget(serviceID string) {
	if l == nil {
		return
	}
	prefix := serviceID + "/"
	l.mu.Lock()
	defer l.mu.Unlock()
	for k := range l.limiters {
		if strings.HasPrefix(k, prefix) {
			delete(l.limiters, k)
		}
	}
}

func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.limiters)
}
