package limiter

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/itstheanurag/sessionbox/internal/metrics"
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type RateLimiter struct {
	globalLimiter *rate.Limiter
	clientRate    rate.Limit
	clientBurst   int
	maxConcurrent int64

	mu          sync.Mutex
	clients     map[string]*clientLimiter
	currentConc int64
}

func NewRateLimiter(globalRPS float64, perClientRPS float64, perClientBurst int, maxConcurrent int) *RateLimiter {
	burst := int(globalRPS) * 2
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		globalLimiter: rate.NewLimiter(rate.Limit(globalRPS), burst),
		clientRate:    rate.Limit(perClientRPS),
		clientBurst:   perClientBurst,
		maxConcurrent: int64(maxConcurrent),
		clients:       make(map[string]*clientLimiter),
	}
}

// Allow admits a request from client and reserves a concurrency slot. Every
// successful Allow must be paired with Done.
func (rl *RateLimiter) Allow(client string) bool {
	if !rl.globalLimiter.Allow() {
		metrics.RateLimitHits.Inc()
		return false
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	c, ok := rl.clients[client]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rl.clientRate, rl.clientBurst)}
		rl.clients[client] = c
	}
	c.lastSeen = time.Now()
	if !c.limiter.Allow() {
		metrics.RateLimitHits.Inc()
		return false
	}

	if rl.currentConc >= rl.maxConcurrent {
		metrics.RateLimitHits.Inc()
		return false
	}
	rl.currentConc++
	return true
}

func (rl *RateLimiter) Done() {
	rl.mu.Lock()
	if rl.currentConc > 0 {
		rl.currentConc--
	}
	rl.mu.Unlock()
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientKey(r)) {
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
		defer rl.Done()

		next.ServeHTTP(w, r)
	})
}

// Prune drops client limiters not seen for maxIdle.
func (rl *RateLimiter) Prune(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	n := 0
	for key, c := range rl.clients {
		if c.lastSeen.Before(cutoff) {
			delete(rl.clients, key)
			n++
		}
	}
	return n
}

// StartCleanup prunes idle client limiters every interval until ctx is done.
func (rl *RateLimiter) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.Prune(interval)
			}
		}
	}()
}

// clientKey is the remote host without port. X-Forwarded-For is resolved
// upstream by the router.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
