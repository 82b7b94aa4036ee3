package middleware

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/d60-Lab/im-server/pkg/response"
)

// RateLimiter 按调用方分桶的令牌桶；空闲超过 idle 的桶在下次清理时回收
type RateLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket
	lastGC  time.Time
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		idle:    10 * time.Minute,
		buckets: make(map[string]*bucket),
		lastGC:  time.Now(),
	}
}

// Allow 判断 key 是否还有配额
func (l *RateLimiter) Allow(key string) bool {
	now := time.Now()
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now
	if now.Sub(l.lastGC) > l.idle {
		for k, v := range l.buckets {
			if now.Sub(v.seen) > l.idle {
				delete(l.buckets, k)
			}
		}
		l.lastGC = now
	}
	l.mu.Unlock()
	return b.lim.AllowN(now, 1)
}

// Middleware 以 UserRef 为 key，未认证时退化为客户端 IP
func (l *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := UserRef(c)
		if key == "" {
			key = "ip:" + c.ClientIP()
		}
		if !l.Allow(key) {
			response.TooManyRequests(c, "rate limit exceeded")
			return
		}
		c.Next()
	}
}
