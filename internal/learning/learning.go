// Package learning implements the Adaptive Learner's phased state
// machine: Collecting, Analyzing, Adapting, then the terminal
// Protecting phase where the rule-engine verdict is finally
// enforced.
package learning

import (
	"sort"
	"sync/atomic"
	"time"

	"sentrywaf/internal/record"
)

// Phase is one of the learner's four states. Transitions are one-way;
// Protecting never reverts.
type Phase int32

const (
	Collecting Phase = iota
	Analyzing
	Adapting
	Protecting
)

func (p Phase) String() string {
	switch p {
	case Collecting:
		return "collecting"
	case Analyzing:
		return "analyzing"
	case Adapting:
		return "adapting"
	case Protecting:
		return "protecting"
	default:
		return "unknown"
	}
}

const ringBufferCap = 10000

// Thresholds is the percentile-derived score thresholds computed
// while Adapting.
type Thresholds struct {
	Low      float64
	Medium   float64
	High     float64
	Critical float64
}

// Adaptation is one recommended configuration change surfaced by the
// Adapting phase.
type Adaptation struct {
	Kind        string // ip-frequency | body-size | custom-rule-suggestion
	Description string
	Value       float64
	ThreatType  string // set only for custom-rule-suggestion
}

// State is a read-only snapshot of the learner for reporting.
type State struct {
	Phase       Phase
	StartTime   time.Time
	EndTime     time.Time
	Progress    float64
	Thresholds  Thresholds
	Adaptations []Adaptation
}

// ringBuffer is a fixed-capacity FIFO of analysis records, bounded so
// the buffered sample used for threshold derivation never grows
// unbounded during a long Collecting phase.
type ringBuffer struct {
	items []*record.AnalysisRecord
	cap   int
}

func newRingBuffer(cap int) *ringBuffer {
	return &ringBuffer{cap: cap}
}

func (r *ringBuffer) push(rec *record.AnalysisRecord) {
	r.items = append(r.items, rec)
	if len(r.items) > r.cap {
		r.items = r.items[len(r.items)-r.cap:]
	}
}

func (r *ringBuffer) snapshot() []*record.AnalysisRecord {
	out := make([]*record.AnalysisRecord, len(r.items))
	copy(out, r.items)
	return out
}

// threatRing is the same FIFO discipline applied to threats.
type threatRing struct {
	items []record.Threat
	cap   int
}

func newThreatRing(cap int) *threatRing {
	return &threatRing{cap: cap}
}

func (r *threatRing) push(t record.Threat) {
	r.items = append(r.items, t)
	if len(r.items) > r.cap {
		r.items = r.items[len(r.items)-r.cap:]
	}
}

// Learner owns the phase clock, the ring buffers, and the derived
// profile computed while Analyzing/Adapting.
type Learner struct {
	phase     atomic.Int32
	startTime time.Time
	period    time.Duration

	records *ringBuffer
	threats *threatRing

	thresholds  atomic.Pointer[Thresholds]
	adaptations atomic.Pointer[[]Adaptation]
}

// New builds a Learner that begins Collecting at startTime and
// transitions to Protecting after period has elapsed. If enabled is
// false, the learner starts directly in Protecting.
func New(startTime time.Time, period time.Duration, enabled bool) *Learner {
	l := &Learner{
		startTime: startTime,
		period:    period,
		records:   newRingBuffer(ringBufferCap),
		threats:   newThreatRing(ringBufferCap),
	}
	l.thresholds.Store(&Thresholds{})
	empty := []Adaptation{}
	l.adaptations.Store(&empty)
	if !enabled {
		l.phase.Store(int32(Protecting))
	}
	return l
}

// Advance recomputes the phase from wall-clock elapsed time and runs
// the entry action for any newly-reached phase. Call this on every
// request (or on a periodic tick); it is idempotent.
func (l *Learner) Advance(now time.Time) Phase {
	current := Phase(l.phase.Load())
	if current == Protecting {
		return current
	}
	fraction := now.Sub(l.startTime).Seconds() / l.period.Seconds()
	next := current
	switch {
	case fraction >= 1.0:
		next = Protecting
	case fraction >= 0.8:
		next = Adapting
	case fraction >= 0.6:
		next = Analyzing
	default:
		next = Collecting
	}
	if next == current {
		return current
	}
	for p := current + 1; p <= next; p++ {
		l.enterPhase(p)
	}
	l.phase.Store(int32(next))
	return next
}

func (l *Learner) enterPhase(p Phase) {
	switch p {
	case Analyzing:
		// Nothing to do on entry: percentile computation runs on the
		// buffered snapshot at Adapting entry.
	case Adapting:
		l.computeThresholdsAndAdaptations()
	case Protecting:
		// Baseline freeze is driven by the caller (waf.Core), which
		// owns the Baseline instance.
	}
}

// Phase returns the current phase without advancing the clock.
func (l *Learner) Phase() Phase {
	return Phase(l.phase.Load())
}

// Progress returns how far through the learning period the wall clock
// has advanced, clamped to [0, 1].
func (l *Learner) Progress(now time.Time) float64 {
	if l.period <= 0 {
		return 1
	}
	f := now.Sub(l.startTime).Seconds() / l.period.Seconds()
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// Observe buffers a completed analysis while learning is not yet
// Protecting. Called for every request during Collecting/Analyzing/
// Adapting so the profile has data to compute against.
func (l *Learner) Observe(rec *record.AnalysisRecord) {
	if l.Phase() == Protecting {
		return
	}
	l.records.push(rec)
	for _, t := range rec.Threats {
		l.threats.push(t)
	}
}

// Thresholds returns the last computed percentile thresholds.
func (l *Learner) Thresholds() Thresholds {
	return *l.thresholds.Load()
}

// Adaptations returns the last computed adaptation recommendations.
func (l *Learner) Adaptations() []Adaptation {
	return *l.adaptations.Load()
}

// State returns a full snapshot for reporting/admin endpoints.
func (l *Learner) State(now time.Time) State {
	return State{
		Phase:       l.Phase(),
		StartTime:   l.startTime,
		EndTime:     l.startTime.Add(l.period),
		Progress:    l.Progress(now),
		Thresholds:  l.Thresholds(),
		Adaptations: l.Adaptations(),
	}
}

func (l *Learner) computeThresholdsAndAdaptations() {
	recs := l.records.snapshot()

	var positiveScores []float64
	ipCounts := map[string]int{}
	var bodySizes []float64
	threatTypeCounts := map[string]int{}

	for _, r := range recs {
		if r.Score > 0 {
			positiveScores = append(positiveScores, r.Score)
		}
		ipCounts[r.IP]++
		bodySizes = append(bodySizes, float64(len(r.BodyString())))
	}
	for _, t := range l.threats.items {
		threatTypeCounts[t.Type]++
	}

	l.thresholds.Store(&Thresholds{
		Low:      percentileWithFloor(positiveScores, 0.50, 1),
		Medium:   percentileWithFloor(positiveScores, 0.75, 3),
		High:     percentileWithFloor(positiveScores, 0.90, 5),
		Critical: percentileWithFloor(positiveScores, 0.95, 10),
	})

	var adaptations []Adaptation
	if meanIP := meanInt(ipCounts); meanIP > 0 {
		adaptations = append(adaptations, Adaptation{
			Kind:        "ip-frequency",
			Description: "Suggested per-IP rate-limit threshold from observed traffic",
			Value:       meanIP * 3,
		})
	}
	if meanBody := mean(bodySizes); meanBody > 0 {
		adaptations = append(adaptations, Adaptation{
			Kind:        "body-size",
			Description: "Suggested body-size anomaly threshold from observed traffic",
			Value:       meanBody * 2,
		})
	}
	threatTypes := make([]string, 0, len(threatTypeCounts))
	for t := range threatTypeCounts {
		threatTypes = append(threatTypes, t)
	}
	sort.Strings(threatTypes)
	for _, t := range threatTypes {
		if threatTypeCounts[t] > 5 {
			adaptations = append(adaptations, Adaptation{
				Kind:        "custom-rule-suggestion",
				Description: "Threat type observed frequently enough to warrant a dedicated rule",
				ThreatType:  t,
				Value:       float64(threatTypeCounts[t]),
			})
		}
	}
	l.adaptations.Store(&adaptations)
}

func percentileWithFloor(values []float64, p float64, floor float64) float64 {
	v := percentile(values, p)
	if v < floor {
		return floor
	}
	return v
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := p * float64(len(sorted)-1)
	lo := int(idx)
	hi := lo + 1
	if hi >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := idx - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

func meanInt(counts map[string]int) float64 {
	if len(counts) == 0 {
		return 0
	}
	var sum int
	for _, c := range counts {
		sum += c
	}
	return float64(sum) / float64(len(counts))
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
