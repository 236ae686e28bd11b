// Package ratelimiter guards the protocol server's accept loop against a
// single remote address opening connections faster than a legitimate
// peer ever would. It is the same token-bucket-per-key shape as the
// teacher's packet ratelimiter, retargeted from per-packet decap to
// per-connection accept and keyed on netip.Addr instead of a Noise peer
// index.
package ratelimiter

import (
	"net/netip"
	"sync"
	"time"
)

const (
	garbageCollectInterval = 10 * time.Second
	entryTTL               = 30 * time.Second
)

type entry struct {
	mu       sync.Mutex
	lastTime time.Time
	tokens   int64
}

// Limiter is a per-source-IP token bucket. ConnectionsPerSecond and Burst
// must both be positive.
type Limiter struct {
	ConnectionsPerSecond int64
	Burst                int64

	mu      sync.RWMutex
	table   map[netip.Addr]*entry
	timeNow func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// New builds a Limiter and starts its background table garbage
// collector. Call Close when the server stops accepting.
func New(connectionsPerSecond, burst int64) *Limiter {
	l := &Limiter{
		ConnectionsPerSecond: connectionsPerSecond,
		Burst:                burst,
		table:                make(map[netip.Addr]*entry),
		timeNow:              time.Now,
		stop:                 make(chan struct{}),
	}
	go l.collectGarbage()
	return l
}

// Close stops the garbage collector. Safe to call more than once.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *Limiter) cost() int64 {
	return int64(time.Second) / l.ConnectionsPerSecond
}

func (l *Limiter) maxTokens() int64 {
	return l.cost() * l.Burst
}

// Allow reports whether a new connection attempt from ip should proceed.
func (l *Limiter) Allow(ip netip.Addr) bool {
	l.mu.RLock()
	e := l.table[ip]
	l.mu.RUnlock()

	cost := l.cost()
	max := l.maxTokens()

	if e == nil {
		e = &entry{lastTime: l.timeNow(), tokens: max - cost}
		l.mu.Lock()
		l.table[ip] = e
		l.mu.Unlock()
		return true
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := l.timeNow()
	e.tokens += now.Sub(e.lastTime).Nanoseconds()
	e.lastTime = now
	if e.tokens > max {
		e.tokens = max
	}
	if e.tokens < cost {
		return false
	}
	e.tokens -= cost
	return true
}

func (l *Limiter) collectGarbage() {
	ticker := time.NewTicker(garbageCollectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.timeNow()
	for ip, e := range l.table {
		e.mu.Lock()
		stale := now.Sub(e.lastTime) > entryTTL
		e.mu.Unlock()
		if stale {
			delete(l.table, ip)
		}
	}
}
