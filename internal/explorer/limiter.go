package explorer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter enforces a per-key budget plus a global budget across all keys.
// Acquire blocks until both grant a token or the wait bound expires.
type Limiter struct {
	global    *rate.Limiter
	perKey    rate.Limit
	burst     int
	waitBound time.Duration

	mu   sync.Mutex
	keys map[string]*rate.Limiter
}

// NewLimiter builds a limiter allowing perKeyRPS per API key and globalRPS in
// total. Zero disables the respective budget.
func NewLimiter(perKeyRPS, globalRPS float64, burst int, waitBound time.Duration) *Limiter {
	if burst <= 0 {
		burst = 1
	}
	if waitBound <= 0 {
		waitBound = 10 * time.Second
	}
	l := &Limiter{
		perKey:    rate.Limit(perKeyRPS),
		burst:     burst,
		waitBound: waitBound,
		keys:      make(map[string]*rate.Limiter),
	}
	if globalRPS > 0 {
		l.global = rate.NewLimiter(rate.Limit(globalRPS), burst)
	}
	return l
}

func (l *Limiter) limiterFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.keys[key]
	if !ok {
		lim = rate.NewLimiter(l.perKey, l.burst)
		l.keys[key] = lim
	}
	return lim
}

// Acquire blocks until key may make a request.
func (l *Limiter) Acquire(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, l.waitBound)
	defer cancel()
	if l.global != nil {
		if err := l.global.Wait(ctx); err != nil {
			return fmt.Errorf("global rate budget: %w", err)
		}
	}
	if l.perKey > 0 {
		if err := l.limiterFor(key).Wait(ctx); err != nil {
			return fmt.Errorf("key rate budget: %w", err)
		}
	}
	return nil
}
