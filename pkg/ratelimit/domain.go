package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Policy is the per-domain ceiling consumed by the limiter. Both values come
// from the Domain row's rate_limit_policy.
type Policy struct {
	MaxConcurrent int           `json:"max_concurrent"`
	MinInterval   time.Duration `json:"min_interval"`
}

const HealthBlocked = "blocked"

type domainEntry struct {
	limiter    *rate.Limiter
	inFlight   int
	lastAccess time.Time
}

// DomainLimiter enforces a per-host concurrency ceiling plus a minimum
// inter-request spacing. Acquire is non-blocking: the dispatcher leaves a task
// queued and moves on instead of parking a worker on a saturated domain.
type DomainLimiter struct {
	mu      sync.Mutex
	domains map[string]*domainEntry
}

var Module = fx.Module("ratelimit", fx.Provide(NewDomainLimiter))

func NewDomainLimiter() *DomainLimiter {
	return &DomainLimiter{
		domains: make(map[string]*domainEntry),
	}
}

func (l *DomainLimiter) entry(host string, pol Policy) *domainEntry {
	if e, ok := l.domains[host]; ok {
		e.lastAccess = time.Now()
		return e
	}

	spacing := rate.Inf
	if pol.MinInterval > 0 {
		spacing = rate.Every(pol.MinInterval)
	}
	e := &domainEntry{
		limiter:    rate.NewLimiter(spacing, 1),
		lastAccess: time.Now(),
	}
	l.domains[host] = e
	return e
}

// TryAcquire grants a permit for one execution against host. It refuses when
// the host is health-blocked, at its concurrency ceiling, or inside the
// minimum spacing window.
func (l *DomainLimiter) TryAcquire(host string, pol Policy, health string) bool {
	if health == HealthBlocked {
		return false
	}

	maxConcurrent := pol.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.entry(host, pol)
	if e.inFlight >= maxConcurrent {
		return false
	}
	if !e.limiter.Allow() {
		return false
	}

	e.inFlight++
	return true
}

// Release returns a permit. Called unconditionally when an execution reaches
// any terminal or retry-pending state.
func (l *DomainLimiter) Release(host string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.domains[host]; ok && e.inFlight > 0 {
		e.inFlight--
	}
}

// InFlight reports the number of permits currently held for host.
func (l *DomainLimiter) InFlight(host string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.domains[host]; ok {
		return e.inFlight
	}
	return 0
}

// StartCleanupExpired drops idle per-domain entries so the map does not grow
// with every host ever seen.
func (l *DomainLimiter) StartCleanupExpired(ctx context.Context, interval, expiry time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				zap.L().Info("domain limiter cleanup stopped")
				return
			case <-ticker.C:
				l.mu.Lock()
				now := time.Now()
				for host, e := range l.domains {
					if e.inFlight == 0 && now.Sub(e.lastAccess) > expiry {
						delete(l.domains, host)
					}
				}
				l.mu.Unlock()
			}
		}
	}()
}
