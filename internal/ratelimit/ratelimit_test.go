package ratelimit

import (
	"testing"
	"time"
)

func TestExceedingMaxEmitsRateLimitThreat(t *testing.T) {
	l := New(Config{Window: time.Minute, Max: 3, BlockDuration: time.Minute, MaxViolations: 10})
	now := time.Now()

	for i := 0; i < 3; i++ {
		v := l.Check("1.2.3.4", now)
		if v.Blocked || len(v.Threats) != 0 {
			t.Fatalf("request %d: unexpected verdict %+v", i, v)
		}
	}
	v := l.Check("1.2.3.4", now)
	if v.Blocked {
		t.Fatal("should not be blocked before maxViolations")
	}
	if len(v.Threats) != 1 || v.Threats[0].PatternID != "rate-limit-exceeded" {
		t.Fatalf("expected a rate-limit-exceeded threat, got %+v", v.Threats)
	}
}

func TestRepeatedViolationsMoveIPToBlockTable(t *testing.T) {
	l := New(Config{Window: time.Minute, Max: 1, BlockDuration: time.Minute, MaxViolations: 2, IPBlockingEnabled: true})
	now := time.Now()

	l.Check("1.2.3.4", now) // count=1, ok
	l.Check("1.2.3.4", now) // count=2 > max, violations=1
	v := l.Check("1.2.3.4", now) // count=3 > max, violations=2 >= maxViolations -> block

	if !v.Blocked {
		t.Fatalf("expected block after reaching maxViolations, got %+v", v)
	}
	if !l.IsBlocked("1.2.3.4") {
		t.Fatal("IP should be in block table")
	}

	// Once blocked, every subsequent check reports ip-blocked regardless of rate.
	v2 := l.Check("1.2.3.4", now)
	if !v2.Blocked || v2.Threats[0].PatternID != "ip-blocked" {
		t.Fatalf("expected ip-blocked verdict, got %+v", v2)
	}
}

func TestWindowResetsAfterExpiry(t *testing.T) {
	l := New(Config{Window: time.Minute, Max: 1, BlockDuration: time.Minute, MaxViolations: 100})
	now := time.Now()

	l.Check("1.2.3.4", now)
	v := l.Check("1.2.3.4", now.Add(2 * time.Minute))
	if len(v.Threats) != 0 {
		t.Fatalf("expected fresh window to allow one request, got %+v", v.Threats)
	}
}

func TestViolationsAccumulateAcrossWindowReset(t *testing.T) {
	l := New(Config{Window: time.Minute, Max: 1, BlockDuration: time.Minute, MaxViolations: 2, IPBlockingEnabled: true})
	now := time.Now()

	// Window 1: one request under the limit, one over it -> violations=1.
	l.Check("1.2.3.4", now)
	v1 := l.Check("1.2.3.4", now)
	if v1.Blocked {
		t.Fatalf("should not be blocked after first violation, got %+v", v1)
	}

	// Window 2, well past expiry: count resets, but the prior violation
	// must still count toward maxViolations.
	later := now.Add(2 * time.Minute)
	l.Check("1.2.3.4", later)
	v2 := l.Check("1.2.3.4", later)
	if !v2.Blocked {
		t.Fatalf("expected block once violations reach maxViolations across window reset, got %+v", v2)
	}
	if !l.IsBlocked("1.2.3.4") {
		t.Fatal("IP should be in block table after second window's violation")
	}
}

func TestManualBlockAndUnblock(t *testing.T) {
	l := New(Config{Window: time.Minute, Max: 100, BlockDuration: time.Minute, MaxViolations: 100})
	now := time.Now()
	l.Block("9.9.9.9", time.Minute, "manual", now)
	if !l.IsBlocked("9.9.9.9") {
		t.Fatal("expected manual block to take effect")
	}
	l.Unblock("9.9.9.9")
	if l.IsBlocked("9.9.9.9") {
		t.Fatal("expected unblock to clear the block entry")
	}
}
