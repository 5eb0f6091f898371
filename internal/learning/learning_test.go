package learning

import (
	"testing"
	"time"

	"sentrywaf/internal/record"
)

func TestPhaseTransitionsFollowFractionOfPeriod(t *testing.T) {
	start := time.Unix(0, 0)
	period := 100 * time.Second
	l := New(start, period, true)

	if p := l.Advance(start); p != Collecting {
		t.Fatalf("phase at t=0 = %v, want collecting", p)
	}
	if p := l.Advance(start.Add(65 * time.Second)); p != Analyzing {
		t.Fatalf("phase at 65%% = %v, want analyzing", p)
	}
	if p := l.Advance(start.Add(85 * time.Second)); p != Adapting {
		t.Fatalf("phase at 85%% = %v, want adapting", p)
	}
	if p := l.Advance(start.Add(101 * time.Second)); p != Protecting {
		t.Fatalf("phase after period = %v, want protecting", p)
	}
	// One-way: going "back" in time must not un-terminal Protecting.
	if p := l.Advance(start); p != Protecting {
		t.Fatalf("phase regressed from protecting: %v", p)
	}
}

func TestDisabledLearnerStartsInProtecting(t *testing.T) {
	l := New(time.Now(), time.Hour, false)
	if l.Phase() != Protecting {
		t.Fatalf("Phase() = %v, want protecting", l.Phase())
	}
}

func TestAdaptingComputesThresholdsFromObservedScores(t *testing.T) {
	start := time.Unix(0, 0)
	period := 100 * time.Second
	l := New(start, period, true)

	for i := 0; i < 20; i++ {
		rec := &record.AnalysisRecord{IP: "1.2.3.4", Score: float64(i % 10)}
		l.Observe(rec)
	}
	l.Advance(start.Add(85 * time.Second))

	th := l.Thresholds()
	if th.Low <= 0 || th.Critical < th.Low {
		t.Fatalf("unexpected thresholds: %+v", th)
	}
}

func TestObserveStopsBufferingOnceProtecting(t *testing.T) {
	l := New(time.Now(), time.Hour, false)
	l.Observe(&record.AnalysisRecord{IP: "1.2.3.4"})
	if len(l.records.snapshot()) != 0 {
		t.Fatal("Observe must not buffer while Protecting")
	}
}

func TestCustomRuleSuggestionOnFrequentThreatType(t *testing.T) {
	start := time.Unix(0, 0)
	period := 100 * time.Second
	l := New(start, period, true)

	for i := 0; i < 8; i++ {
		rec := &record.AnalysisRecord{IP: "1.2.3.4"}
		rec.AddThreat(record.NewThreat("xss", "script-tag", "d", 3, "x"))
		l.Observe(rec)
	}
	l.Advance(start.Add(85 * time.Second))

	found := false
	for _, a := range l.Adaptations() {
		if a.Kind == "custom-rule-suggestion" && a.ThreatType == "xss" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a custom rule suggestion for xss, got %+v", l.Adaptations())
	}
}
