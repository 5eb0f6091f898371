// Package ratelimit implements the per-IP rate window and IP block
// table, generalizing a fixed-window penalty-box design onto an
// expirable LRU so idle windows and expired
// blocks fall out of memory without a hand-rolled sweep loop.
package ratelimit

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"sentrywaf/internal/record"
)

// maxTrackedIPs bounds the rate/block tables independently of the TTL
// eviction, keeping memory use proportional to active-IP cardinality
// rather than total requests seen.
const maxTrackedIPs = 200000

// Config mirrors the rate-limit configuration block.
type Config struct {
	Window            time.Duration
	Max               int
	BlockDuration     time.Duration
	MaxViolations     int
	IPBlockingEnabled bool
}

type rateEntry struct {
	count       int
	windowStart time.Time
	violations  int
}

type blockEntry struct {
	blockedAt time.Time
	reason    string
}

// Verdict is the outcome of one Check call.
type Verdict struct {
	Blocked bool
	Threats []record.Threat
}

// Limiter tracks per-IP request windows and blocked IPs. An IP is
// never present in both tables at once: moving an IP into blocks
// always removes its rate entry in the same
// critical section.
type Limiter struct {
	cfg Config

	mu     sync.Mutex
	rates  *expirable.LRU[string, *rateEntry]
	blocks *expirable.LRU[string, blockEntry]
}

// New builds a Limiter. A rate entry can go idle for twice cfg.Window
// before the LRU reclaims it; cfg.BlockDuration is the block
// table's TTL, so an expired block simply disappears rather than
// needing a manual eviction pass.
func New(cfg Config) *Limiter {
	windowTTL := cfg.Window
	if windowTTL <= 0 {
		windowTTL = time.Minute
	}
	blockTTL := cfg.BlockDuration
	if blockTTL <= 0 {
		blockTTL = time.Minute
	}
	return &Limiter{
		cfg:    cfg,
		rates:  expirable.NewLRU[string, *rateEntry](maxTrackedIPs, nil, windowTTL*2),
		blocks: expirable.NewLRU[string, blockEntry](maxTrackedIPs, nil, blockTTL),
	}
}

// Check applies the rate/block state machine for ip at time now.
func (l *Limiter) Check(ip string, now time.Time) Verdict {
	l.mu.Lock()
	defer l.mu.Unlock()

	if be, ok := l.blocks.Get(ip); ok {
		return Verdict{
			Blocked: true,
			Threats: []record.Threat{record.NewThreat("rate-limit", "ip-blocked",
				"IP is blocked: "+be.reason, 10, ip)},
		}
	}

	entry, ok := l.rates.Get(ip)
	if !ok {
		entry = &rateEntry{windowStart: now}
	} else if now.Sub(entry.windowStart) > l.cfg.Window {
		entry = &rateEntry{windowStart: now, violations: entry.violations}
	}
	entry.count++

	var threats []record.Threat
	if l.cfg.Max > 0 && entry.count > l.cfg.Max {
		entry.violations++
		threats = append(threats, record.NewThreat("rate-limit", "rate-limit-exceeded",
			"Rate limit exceeded", 5, ip))

		if l.cfg.IPBlockingEnabled && l.cfg.MaxViolations > 0 && entry.violations >= l.cfg.MaxViolations {
			l.blocks.Add(ip, blockEntry{blockedAt: now, reason: "rate-limit violations exceeded"})
			l.rates.Remove(ip)
			threats = append(threats, record.NewThreat("rate-limit", "ip-blocked",
				"IP moved to block table after repeated violations", 10, ip))
			return Verdict{Blocked: true, Threats: threats}
		}
	}
	l.rates.Add(ip, entry)
	return Verdict{Blocked: false, Threats: threats}
}

// Block manually blocks an IP, bypassing the violation counter (used by
// admin endpoints). The block lasts the limiter's configured
// BlockDuration (the block table's TTL); the duration argument does not
// change it.
func (l *Limiter) Block(ip string, duration time.Duration, reason string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blocks.Add(ip, blockEntry{blockedAt: now, reason: reason})
	l.rates.Remove(ip)
	_ = duration // the LRU's own TTL governs expiry; kept for API symmetry with configured block duration
}

// Unblock removes an IP from the block table ahead of its TTL.
func (l *Limiter) Unblock(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blocks.Remove(ip)
}

// IsBlocked reports whether ip currently has a live block entry.
func (l *Limiter) IsBlocked(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.blocks.Get(ip)
	return ok
}

// BlockedCount reports how many IPs currently carry a live block
// entry, for the blocked-IPs gauge.
func (l *Limiter) BlockedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.blocks.Len()
}

// Sweep proactively evicts expired entries. The expirable LRU already
// reclaims lazily on access, but a running sweeper (>= once/minute)
// keeps idle IPs from being held past their TTL merely
// because nothing queried them.
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, k := range l.rates.Keys() {
		l.rates.Get(k)
	}
	for _, k := range l.blocks.Keys() {
		l.blocks.Get(k)
	}
}
