package server

import (
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"
)

// userLimiter holds one token bucket per username.
type userLimiter struct {
	limit    rate.Limit
	burst    int
	limiters *xsync.MapOf[string, *rate.Limiter]
}

// newUserLimiter creates a limiter allowing perSecond requests per user
// with the given burst. A zero rate disables limiting.
func newUserLimiter(perSecond float64, burst int) *userLimiter {
	return &userLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: xsync.NewMapOf[string, *rate.Limiter](),
	}
}

// Allow reports whether username may make another request now.
func (l *userLimiter) Allow(username string) bool {
	if l.limit <= 0 {
		return true
	}

	limiter, _ := l.limiters.LoadOrCompute(username, func() *rate.Limiter {
		return rate.NewLimiter(l.limit, l.burst)
	})

	return limiter.Allow()
}

// Len returns the number of users seen so far.
func (l *userLimiter) Len() int {
	return l.limiters.Size()
}
