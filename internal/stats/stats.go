// Package stats collects the request/threat counters and bounded
// time-bucketed views, generalizing an operation-kind tally shape onto
// the WAF's own
// module/threat-type/IP/hour/day dimensions.
package stats

import (
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"sentrywaf/internal/record"
)

// Action classifies how a request's threats were ultimately treated.
type Action string

const (
	ActionLearning Action = "learning"
	ActionDryRun   Action = "dry-run"
	ActionBlocked  Action = "blocked"
)

const (
	maxTrackedIPs    = 50000
	maxBucketEntries = 24 * 400 // ~400 days of hourly buckets before pruning
)

// ModuleStats is the per-module tally.
type ModuleStats struct {
	Requests int64
	Threats  int64
	Blocked  int64
}

// Stats is the concurrency-safe counters and bounded maps backing the
// dashboard views. All mutation goes through RecordRequest/RecordThreat;
// reads take a snapshot copy.
type Stats struct {
	mu sync.Mutex

	startTs time.Time

	total          int64
	blocked        int64
	threatsTotal   int64
	learningTotal  int64
	totalBodyBytes uint64

	perModule map[string]*ModuleStats
	perType   map[string]int64
	perIP     map[string]int64
	perHour   map[string]int64
	perDay    map[string]int64
}

// New builds an empty Stats, timestamped at start.
func New(start time.Time) *Stats {
	return &Stats{
		startTs:   start,
		perModule: make(map[string]*ModuleStats),
		perType:   make(map[string]int64),
		perIP:     make(map[string]int64),
		perHour:   make(map[string]int64),
		perDay:    make(map[string]int64),
	}
}

// RecordRequest increments the request totals. Call once per inbound
// request regardless of verdict.
func (s *Stats) RecordRequest(rec *record.AnalysisRecord, bodySize int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	s.totalBodyBytes += uint64(bodySize)
	for _, m := range rec.ModulesTouched {
		s.moduleLocked(m).Requests++
	}
	hourKey := rec.Timestamp.UTC().Format("2006-01-02T15")
	dayKey := rec.Timestamp.UTC().Format("2006-01-02")
	s.perHour[hourKey]++
	s.perDay[dayKey]++
	pruneOldestIfOverCap(s.perHour, maxBucketEntries)
	pruneOldestIfOverCap(s.perDay, maxBucketEntries)
}

// RecordThreat folds a completed analysis's threats into the
// per-module/per-type/per-IP tallies and the action-specific counters.
func (s *Stats) RecordThreat(rec *record.AnalysisRecord, action Action) {
	if len(rec.Threats) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.threatsTotal += int64(len(rec.Threats))
	switch action {
	case ActionBlocked:
		s.blocked++
	case ActionLearning:
		s.learningTotal++
	}

	for _, t := range rec.Threats {
		s.perType[t.Type]++
		if t.Module != "" {
			s.moduleLocked(t.Module).Threats++
			if action == ActionBlocked {
				s.moduleLocked(t.Module).Blocked++
			}
		}
	}

	if len(s.perIP) < maxTrackedIPs || s.perIP[rec.IP] > 0 {
		s.perIP[rec.IP]++
	}
}

func (s *Stats) moduleLocked(name string) *ModuleStats {
	m, ok := s.perModule[name]
	if !ok {
		m = &ModuleStats{}
		s.perModule[name] = m
	}
	return m
}

// IPCount is one entry of a top-N-by-count view.
type IPCount struct {
	IP    string
	Count int64
}

// Snapshot is the fully-derived view returned by GetStats.
type Snapshot struct {
	Total         int64
	Blocked       int64
	Threats       int64
	Learning      int64
	BlockRate     float64
	ThreatRate    float64
	StartedAt     time.Time
	UptimeSeconds float64
	PerModule     map[string]ModuleStats
	PerType       map[string]int64
	TopIPs        []IPCount
	PerHour       map[string]int64
	PerDay        map[string]int64
}

// GetStats computes the derived rates and top-N views from the raw
// counters.
func (s *Stats) GetStats(now time.Time, topN int) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Total:         s.total,
		Blocked:       s.blocked,
		Threats:       s.threatsTotal,
		Learning:      s.learningTotal,
		StartedAt:     s.startTs,
		UptimeSeconds: now.Sub(s.startTs).Seconds(),
		PerModule:     make(map[string]ModuleStats, len(s.perModule)),
		PerType:       make(map[string]int64, len(s.perType)),
		PerHour:       make(map[string]int64, len(s.perHour)),
		PerDay:        make(map[string]int64, len(s.perDay)),
	}
	if s.total > 0 {
		snap.BlockRate = float64(s.blocked) / float64(s.total)
		snap.ThreatRate = float64(s.threatsTotal) / float64(s.total)
	}
	for k, v := range s.perModule {
		snap.PerModule[k] = *v
	}
	for k, v := range s.perType {
		snap.PerType[k] = v
	}
	for k, v := range s.perHour {
		snap.PerHour[k] = v
	}
	for k, v := range s.perDay {
		snap.PerDay[k] = v
	}

	ips := make([]IPCount, 0, len(s.perIP))
	for ip, c := range s.perIP {
		ips = append(ips, IPCount{IP: ip, Count: c})
	}
	sort.Slice(ips, func(i, j int) bool {
		if ips[i].Count != ips[j].Count {
			return ips[i].Count > ips[j].Count
		}
		return ips[i].IP < ips[j].IP
	})
	if topN > 0 && len(ips) > topN {
		ips = ips[:topN]
	}
	snap.TopIPs = ips
	return snap
}

// Summary renders a human-readable one-line status string for logs
// and admin dashboards.
func (s *Stats) Summary(now time.Time) string {
	s.mu.Lock()
	total, blocked, bytes := s.total, s.blocked, s.totalBodyBytes
	s.mu.Unlock()
	return "requests=" + humanize.Comma(total) +
		" blocked=" + humanize.Comma(blocked) +
		" bodyVolume=" + humanize.Bytes(bytes) +
		" uptime=" + humanize.RelTime(s.startTs, now, "", "")
}

func pruneOldestIfOverCap(m map[string]int64, cap int) {
	if len(m) <= cap {
		return
	}
	var oldest string
	for k := range m {
		if oldest == "" || k < oldest {
			oldest = k
		}
	}
	delete(m, oldest)
}
