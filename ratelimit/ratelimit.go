// Package ratelimit throttles dispatches per tenant with token buckets.
//
// Each tenant gets its own bucket on first use, sized by the default
// capacity or by a per-tenant override:
//
//	limiter := ratelimit.New(ratelimit.Capacity{Rate: 5, Burst: 10})
//	limiter.SetCapacity("tenant-big", ratelimit.Capacity{Rate: 50, Burst: 100})
//
//	if !limiter.Allow(tenantID) {
//	    // reject with RATE_LIMITED
//	}
//
// Buckets of tenants that have been idle for IdleTTL are dropped, so the
// limiter's memory follows the active tenant set. A nil *Limiter allows
// everything.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultIdleTTL is how long an unused bucket is kept.
const DefaultIdleTTL = 10 * time.Minute

// Capacity is a bucket size. Rate is tokens per second; Burst is the bucket
// depth. A Rate of zero or less means unlimited.
type Capacity struct {
	Rate  float64 `json:"rate"`
	Burst int     `json:"burst"`
}

func (c Capacity) unlimited() bool {
	return c.Rate <= 0
}

func (c Capacity) limiter() *rate.Limiter {
	burst := c.Burst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(c.Rate), burst)
}

// Status describes one tenant's bucket.
type Status struct {
	Tenant    string   `json:"tenant"`
	Capacity  Capacity `json:"capacity"`
	Available float64  `json:"available"`
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Limiter holds one token bucket per tenant. It is safe for concurrent use.
type Limiter struct {
	mu        sync.Mutex
	def       Capacity
	overrides map[string]Capacity
	buckets   map[string]*bucket
	idleTTL   time.Duration
	lastSweep time.Time
	now       func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithIdleTTL sets how long an unused bucket survives.
func WithIdleTTL(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.idleTTL = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a limiter whose tenants default to def.
func New(def Capacity, opts ...Option) *Limiter {
	l := &Limiter{
		def:       def,
		overrides: make(map[string]Capacity),
		buckets:   make(map[string]*bucket),
		idleTTL:   DefaultIdleTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.lastSweep = l.now()
	return l
}

// SetCapacity overrides the capacity of one tenant. The tenant's bucket is
// rebuilt, so it starts full.
func (l *Limiter) SetCapacity(tenant string, c Capacity) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.overrides[tenant] = c
	delete(l.buckets, tenant)
}

// Allow takes one token from tenant's bucket and reports whether one was
// available.
func (l *Limiter) Allow(tenant string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)

	c := l.capacity(tenant)
	if c.unlimited() {
		return true
	}
	b, ok := l.buckets[tenant]
	if !ok {
		b = &bucket{lim: c.limiter()}
		l.buckets[tenant] = b
	}
	b.lastSeen = now
	return b.lim.AllowN(now, 1)
}

// RetryAfter returns how long tenant must wait for its next token.
func (l *Limiter) RetryAfter(tenant string) time.Duration {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[tenant]
	if !ok {
		return 0
	}
	now := l.now()
	r := b.lim.ReserveN(now, 1)
	if !r.OK() {
		return 0
	}
	d := r.DelayFrom(now)
	r.CancelAt(now)
	return d
}

// Status reports tenant's capacity and remaining tokens.
func (l *Limiter) Status(tenant string) Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	c := l.capacity(tenant)
	st := Status{Tenant: tenant, Capacity: c}
	if b, ok := l.buckets[tenant]; ok {
		st.Available = b.lim.TokensAt(l.now())
	} else if !c.unlimited() {
		st.Available = float64(c.limiter().Burst())
	}
	return st
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) capacity(tenant string) Capacity {
	if c, ok := l.overrides[tenant]; ok {
		return c
	}
	return l.def
}

// sweep drops idle buckets at most once per idle interval. Callers hold mu.
func (l *Limiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.idleTTL {
		return
	}
	l.lastSweep = now
	for tenant, b := range l.buckets {
		if now.Sub(b.lastSeen) >= l.idleTTL {
			delete(l.buckets, tenant)
		}
	}
}
