package network

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// BanPolicy decides whether a freshly accepted remote address may keep
// its connection. Consulted once per accept with the resolved IPv4.
type BanPolicy interface {
	AcceptConnection(ip uint32) bool
}

// AcceptAll admits every address.
type AcceptAll struct{}

func (AcceptAll) AcceptConnection(uint32) bool { return true }

// ConnectGuard is the default policy: an explicit ban list with expiry
// plus a per-IP token bucket throttling connection attempts. Buckets for
// addresses not seen within guardBucketTTL are dropped by Cleanup.
type ConnectGuard struct {
	mu      sync.Mutex
	banned  map[uint32]time.Time
	buckets map[uint32]*guardBucket
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

type guardBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

const guardBucketTTL = 10 * time.Minute

// NewConnectGuard allows perSecond sustained connection attempts per IP
// with the given burst.
func NewConnectGuard(perSecond float64, burst int) *ConnectGuard {
	return &ConnectGuard{
		banned:  make(map[uint32]time.Time),
		buckets: make(map[uint32]*guardBucket),
		limit:   rate.Limit(perSecond),
		burst:   burst,
		now:     time.Now,
	}
}

// SetClock overrides the time source (for testing).
func (g *ConnectGuard) SetClock(fn func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = fn
}

func (g *ConnectGuard) AcceptConnection(ip uint32) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if until, ok := g.banned[ip]; ok {
		if now.Before(until) {
			return false
		}
		delete(g.banned, ip)
	}

	b, ok := g.buckets[ip]
	if !ok {
		b = &guardBucket{lim: rate.NewLimiter(g.limit, g.burst)}
		g.buckets[ip] = b
	}
	b.lastSeen = now
	return b.lim.AllowN(now, 1)
}

// Ban rejects ip for the given duration.
func (g *ConnectGuard) Ban(ip uint32, d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.banned[ip] = g.now().Add(d)
}

// Unban lifts an explicit ban.
func (g *ConnectGuard) Unban(ip uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.banned, ip)
}

// Banned reports whether ip is currently under an explicit ban.
func (g *ConnectGuard) Banned(ip uint32) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	until, ok := g.banned[ip]
	return ok && g.now().Before(until)
}

// Cleanup drops stale throttle buckets and expired bans.
func (g *ConnectGuard) Cleanup() {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	for ip, b := range g.buckets {
		if now.Sub(b.lastSeen) > guardBucketTTL {
			delete(g.buckets, ip)
		}
	}
	for ip, until := range g.banned {
		if !now.Before(until) {
			delete(g.banned, ip)
		}
	}
}

// BucketCount returns the number of tracked throttle buckets.
func (g *ConnectGuard) BucketCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.buckets)
}
