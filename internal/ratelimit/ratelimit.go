package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultRPS   = 50
	defaultBurst = 100
	idleTTL      = 3 * time.Minute
	cleanupEvery = 10 * time.Second
)

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimit keeps one token bucket per client key.
type RateLimit struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*entry

	stopCh  chan struct{}
	stopped bool
}

func New(rps float64, burst int) *RateLimit {
	if rps <= 0 {
		rps = defaultRPS
	}

	if burst <= 0 {
		burst = defaultBurst
	}

	return &RateLimit{
		rps:     rate.Limit(rps),
		burst:   burst,
		buckets: make(map[string]*entry),
		stopCh:  make(chan struct{}),
	}
}

func (rl *RateLimit) Start() {
	go func() {
		ticker := time.NewTicker(cleanupEvery)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				rl.cleanup(time.Now())
			case <-rl.stopCh:
				return
			}
		}
	}()
}

func (rl *RateLimit) Stop() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.stopped {
		return
	}

	close(rl.stopCh)
	rl.stopped = true
}

func (rl *RateLimit) Allow(key string) bool {
	rl.mu.Lock()

	now := time.Now()

	ent, ok := rl.buckets[key]
	if !ok {
		ent = &entry{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.buckets[key] = ent
	}

	ent.lastSeen = now
	rl.mu.Unlock()

	return ent.limiter.AllowN(now, 1)
}

func (rl *RateLimit) cleanup(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for key, ent := range rl.buckets {
		if now.Sub(ent.lastSeen) > idleTTL {
			delete(rl.buckets, key)
		}
	}
}
