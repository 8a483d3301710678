package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// LimiterPool keeps one token bucket per key.
type LimiterPool struct {
	mu    sync.Mutex
	m     map[string]*limiterEntry
	rps   rate.Limit
	burst int
	now   func() time.Time
}

// NewLimiterPool creates a pool, rps <= 0 disables limiting.
func NewLimiterPool(rps float64, burst int) *LimiterPool {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 10
	}
	return &LimiterPool{
		m:     make(map[string]*limiterEntry),
		rps:   limit,
		burst: burst,
		now:   time.Now,
	}
}

func (p *LimiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if e, ok := p.m[key]; ok {
		e.lastUsed = now
		return e.limiter
	}
	l := rate.NewLimiter(p.rps, p.burst)
	p.m[key] = &limiterEntry{limiter: l, lastUsed: now}
	return l
}

func (p *LimiterPool) Allow(key string) bool {
	return p.get(key).AllowN(p.now(), 1)
}

// Evict drops limiters not used for idle, returns the number dropped.
func (p *LimiterPool) Evict(idle time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	var n int
	for k, e := range p.m {
		if now.Sub(e.lastUsed) > idle {
			delete(p.m, k)
			n++
		}
	}
	return n
}

func (p *LimiterPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}
