// Package anomaly maintains the request Baseline and computes the
// per-request anomaly score from seven bounded factors.
package anomaly

import (
	"sync"
	"time"
)

// welford is Welford's online mean/variance accumulator, used for the
// mean per-IP window count and the mean body size.
type welford struct {
	n    float64
	mean float64
	m2   float64
}

func (w *welford) add(x float64) {
	w.n++
	d := x - w.mean
	w.mean += d / w.n
	d2 := x - w.mean
	w.m2 += d * d2
}

func (w *welford) Mean() float64 {
	if w.n == 0 {
		return 0
	}
	return w.mean
}

// countTracker tracks observation counts keyed by an arbitrary string,
// used for the User-Agent/path/query-param/header baseline-frequency
// ratios.
type countTracker struct {
	counts map[string]int
	total  int
}

func newCountTracker() countTracker {
	return countTracker{counts: make(map[string]int)}
}

func (c *countTracker) observe(key string) {
	c.counts[key]++
	c.total++
}

func (c *countTracker) ratio(key string) float64 {
	if c.total == 0 {
		return 0
	}
	return float64(c.counts[key]) / float64(c.total)
}

type ipWindow struct {
	count       int
	windowStart time.Time
}

// Baseline is the shared, concurrency-safe normal-behavior profile.
// All fields except the per-IP rolling frequency window stop
// accumulating once Freeze is called (on reaching Protecting) — once
// Protecting, only the IP-frequency windows keep updating.
type Baseline struct {
	mu sync.Mutex

	windowDur time.Duration
	ipWindows map[string]*ipWindow
	ipFreqAvg welford // mean of completed per-IP window counts

	userAgent  countTracker
	path       countTracker
	queryParam countTracker
	header     countTracker
	bodySize   welford

	frozen bool
}

// NewBaseline builds an empty Baseline with the given rolling
// frequency window (spec default: 5 minutes).
func NewBaseline(windowDur time.Duration) *Baseline {
	return &Baseline{
		windowDur:  windowDur,
		ipWindows:  make(map[string]*ipWindow),
		userAgent:  newCountTracker(),
		path:       newCountTracker(),
		queryParam: newCountTracker(),
		header:     newCountTracker(),
	}
}

// Freeze stops derived-average accumulation. Called once, when the
// learner reaches Protecting.
func (b *Baseline) Freeze() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frozen = true
}

// ObserveIPFrequency always runs, in every learning phase, and returns
// the IP's in-progress window count plus the historical mean
// per-IP-per-window count observed so far.
func (b *Baseline) ObserveIPFrequency(ip string, now time.Time) (count int, mean float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.ipWindows[ip]
	if !ok {
		w = &ipWindow{windowStart: now}
		b.ipWindows[ip] = w
	} else if now.Sub(w.windowStart) > b.windowDur {
		b.ipFreqAvg.add(float64(w.count))
		w.count = 0
		w.windowStart = now
	}
	w.count++
	return w.count, b.ipFreqAvg.Mean()
}

func (b *Baseline) observeUserAgent(ua string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frozen {
		return
	}
	b.userAgent.observe(ua)
}

func (b *Baseline) userAgentRatio(ua string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.userAgent.ratio(ua)
}

func (b *Baseline) observePath(path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frozen {
		return
	}
	b.path.observe(path)
}

func (b *Baseline) pathRatio(path string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.path.ratio(path)
}

func (b *Baseline) observeQueryParam(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frozen {
		return
	}
	b.queryParam.observe(key)
}

func (b *Baseline) observeHeaderPresence(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frozen {
		return
	}
	b.header.observe(name)
}

func (b *Baseline) observeBodySize(size int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frozen {
		return
	}
	b.bodySize.add(float64(size))
}

// BodySizeMean returns the mean observed body size (bytes).
func (b *Baseline) BodySizeMean() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bodySize.Mean()
}
