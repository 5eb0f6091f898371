// Package metrics implements the counter/gauge/histogram/summary
// registry and Prometheus-style text exposition.
package metrics

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Kind is one of the four supported metric family kinds.
type Kind string

const (
	KindCounter   Kind = "counter"
	KindGauge     Kind = "gauge"
	KindHistogram Kind = "histogram"
	KindSummary   Kind = "summary"
)

var summaryQuantiles = []float64{0.5, 0.9, 0.95, 0.99}

// labelKey renders a sorted label set into a stable map key.
func labelKey(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, n := range names {
		b.WriteString(n)
		b.WriteByte('=')
		b.WriteString(labels[n])
		b.WriteByte(',')
	}
	return b.String()
}

type sample struct {
	labels map[string]string

	// counter/gauge
	value float64

	// histogram
	bucketCounts []uint64
	sum          float64
	count        uint64

	// summary: reservoir of observed values, quantiles computed on read
	observations []float64
}

// Family is one named metric of a fixed Kind.
type Family struct {
	mu sync.Mutex

	name    string
	kind    Kind
	help    string
	buckets []float64 // histogram only, ascending, +Inf implicit

	samples map[string]*sample
}

func newFamily(name string, kind Kind, help string, buckets []float64) *Family {
	return &Family{name: name, kind: kind, help: help, buckets: buckets, samples: map[string]*sample{}}
}

func (f *Family) sampleFor(labels map[string]string) *sample {
	key := labelKey(labels)
	s, ok := f.samples[key]
	if !ok {
		s = &sample{labels: labels}
		if f.kind == KindHistogram {
			s.bucketCounts = make([]uint64, len(f.buckets)+1)
		}
		f.samples[key] = s
	}
	return s
}

// Inc increments a counter by delta (delta must be >= 0).
func (f *Family) Inc(labels map[string]string, delta float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sampleFor(labels).value += delta
}

// Set sets a gauge's current value.
func (f *Family) Set(labels map[string]string, v float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sampleFor(labels).value = v
}

// Observe records one value into a histogram or summary family.
func (f *Family) Observe(labels map[string]string, v float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sampleFor(labels)
	s.sum += v
	s.count++
	switch f.kind {
	case KindHistogram:
		idx := bucketIndex(f.buckets, v)
		s.bucketCounts[idx]++
	case KindSummary:
		s.observations = append(s.observations, v)
		if len(s.observations) > 10000 {
			s.observations = s.observations[len(s.observations)-10000:]
		}
	}
}

// bucketIndex finds the first bucket boundary >= v via binary search,
// giving O(log n) bucket assignment.
func bucketIndex(buckets []float64, v float64) int {
	return sort.Search(len(buckets), func(i int) bool { return v <= buckets[i] })
}

// Registry owns every registered Family, keyed by name.
type Registry struct {
	mu   sync.Mutex
	fams map[string]*Family
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{fams: map[string]*Family{}}
}

// Counter registers (or returns an existing) counter family.
func (r *Registry) Counter(name, help string) *Family {
	return r.register(name, KindCounter, help, nil)
}

// Gauge registers (or returns an existing) gauge family.
func (r *Registry) Gauge(name, help string) *Family {
	return r.register(name, KindGauge, help, nil)
}

// Histogram registers (or returns an existing) histogram family with
// the given ascending bucket boundaries (the final +Inf bucket is
// implicit).
func (r *Registry) Histogram(name, help string, buckets []float64) *Family {
	return r.register(name, KindHistogram, help, buckets)
}

// Summary registers (or returns an existing) summary family exposing
// the {0.5, 0.9, 0.95, 0.99} quantiles.
func (r *Registry) Summary(name, help string) *Family {
	return r.register(name, KindSummary, help, nil)
}

func (r *Registry) register(name string, kind Kind, help string, buckets []float64) *Family {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.fams[name]; ok {
		return f
	}
	f := newFamily(name, kind, help, buckets)
	r.fams[name] = f
	return f
}

// WriteText renders every family in the standard Prometheus text
// exposition format: HELP, TYPE, then one sample per line.
func (r *Registry) WriteText() string {
	r.mu.Lock()
	names := make([]string, 0, len(r.fams))
	for n := range r.fams {
		names = append(names, n)
	}
	sort.Strings(names)
	fams := make([]*Family, 0, len(names))
	for _, n := range names {
		fams = append(fams, r.fams[n])
	}
	r.mu.Unlock()

	var b strings.Builder
	for _, f := range fams {
		writeFamily(&b, f)
	}
	return b.String()
}

func writeFamily(b *strings.Builder, f *Family) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fmt.Fprintf(b, "# HELP %s %s\n", f.name, f.help)
	fmt.Fprintf(b, "# TYPE %s %s\n", f.name, f.kind)

	keys := make([]string, 0, len(f.samples))
	for k := range f.samples {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		s := f.samples[k]
		switch f.kind {
		case KindCounter, KindGauge:
			fmt.Fprintf(b, "%s%s %s\n", f.name, formatLabels(s.labels, nil), formatFloat(s.value))
		case KindHistogram:
			cumulative := uint64(0)
			for i, boundary := range f.buckets {
				cumulative += s.bucketCounts[i]
				extra := map[string]string{"le": formatFloat(boundary)}
				fmt.Fprintf(b, "%s_bucket%s %d\n", f.name, formatLabels(s.labels, extra), cumulative)
			}
			cumulative += s.bucketCounts[len(f.buckets)]
			extra := map[string]string{"le": "+Inf"}
			fmt.Fprintf(b, "%s_bucket%s %d\n", f.name, formatLabels(s.labels, extra), cumulative)
			fmt.Fprintf(b, "%s_sum%s %s\n", f.name, formatLabels(s.labels, nil), formatFloat(s.sum))
			fmt.Fprintf(b, "%s_count%s %d\n", f.name, formatLabels(s.labels, nil), s.count)
		case KindSummary:
			qs := quantiles(s.observations, summaryQuantiles)
			for _, q := range summaryQuantiles {
				extra := map[string]string{"quantile": formatFloat(q)}
				fmt.Fprintf(b, "%s%s %s\n", f.name, formatLabels(s.labels, extra), formatFloat(qs[q]))
			}
			fmt.Fprintf(b, "%s_sum%s %s\n", f.name, formatLabels(s.labels, nil), formatFloat(s.sum))
			fmt.Fprintf(b, "%s_count%s %d\n", f.name, formatLabels(s.labels, nil), s.count)
		}
	}
}

func formatLabels(labels map[string]string, extra map[string]string) string {
	if len(labels) == 0 && len(extra) == 0 {
		return ""
	}
	names := make([]string, 0, len(labels)+len(extra))
	all := make(map[string]string, len(labels)+len(extra))
	for k, v := range labels {
		names = append(names, k)
		all[k] = v
	}
	for k, v := range extra {
		if _, exists := all[k]; !exists {
			names = append(names, k)
		}
		all[k] = v
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, fmt.Sprintf(`%s="%s"`, n, all[n]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func formatFloat(v float64) string {
	if math.IsInf(v, 1) {
		return "+Inf"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func quantiles(values []float64, qs []float64) map[float64]float64 {
	out := make(map[float64]float64, len(qs))
	if len(values) == 0 {
		for _, q := range qs {
			out[q] = 0
		}
		return out
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	for _, q := range qs {
		idx := int(q * float64(len(sorted)-1))
		out[q] = sorted[idx]
	}
	return out
}
