package challenge

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"sentrywaf/internal/record"
)

func TestClearanceCookieRoundTrip(t *testing.T) {
	m := NewManager([]byte("secret"), time.Hour)
	m.BindIP = true
	cookie := m.IssueClearanceCookie("1.2.3.4", "ua", time.Now().Add(time.Hour))
	if !m.VerifyClearanceCookie("1.2.3.4", "ua", cookie) {
		t.Fatal("expected cookie to verify")
	}
	if m.VerifyClearanceCookie("9.9.9.9", "ua", cookie) {
		t.Fatal("expected IP-bound cookie to reject a different IP")
	}
}

func TestClearanceCookieRejectsExpired(t *testing.T) {
	m := NewManager([]byte("secret"), time.Hour)
	cookie := m.IssueClearanceCookie("1.2.3.4", "ua", time.Now().Add(-time.Minute))
	if m.VerifyClearanceCookie("1.2.3.4", "ua", cookie) {
		t.Fatal("expected expired cookie to fail verification")
	}
}

func TestClearanceCookieRejectsTamperedSignature(t *testing.T) {
	m := NewManager([]byte("secret"), time.Hour)
	cookie := m.IssueClearanceCookie("1.2.3.4", "ua", time.Now().Add(time.Hour))
	dot := strings.LastIndex(cookie, ".")
	sig := []byte(cookie[dot+1:])
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	tampered := cookie[:dot+1] + string(sig)
	if m.VerifyClearanceCookie("1.2.3.4", "ua", tampered) {
		t.Fatal("expected tampered cookie to fail verification")
	}
}

func TestPuzzleVerifyConsumesToken(t *testing.T) {
	m := NewManager([]byte("secret"), time.Hour)
	p, err := m.NewPuzzle("1.2.3.4", "ua", "/dashboard")
	if err != nil {
		t.Fatalf("NewPuzzle: %v", err)
	}

	answer := solveQuestion(t, p.Question)

	if _, ok := m.VerifyPuzzle(p.Token, "wrong", "1.2.3.4", "ua"); ok {
		t.Fatal("expected wrong answer to fail")
	}
	url, ok := m.VerifyPuzzle(p.Token, answer, "1.2.3.4", "ua")
	if !ok || url != "/dashboard" {
		t.Fatalf("expected correct answer to succeed with return url, got url=%q ok=%v", url, ok)
	}
	if _, ok := m.VerifyPuzzle(p.Token, answer, "1.2.3.4", "ua"); ok {
		t.Fatal("expected token to be single-use")
	}
}

// solveQuestion parses the "a + b = ?" puzzle text and returns the sum
// as a string.
func solveQuestion(t *testing.T, question string) string {
	t.Helper()
	fields := strings.Fields(question)
	if len(fields) < 3 {
		t.Fatalf("unexpected question format: %q", question)
	}
	a, err := strconv.Atoi(fields[0])
	if err != nil {
		t.Fatalf("parse first operand: %v", err)
	}
	b, err := strconv.Atoi(fields[2])
	if err != nil {
		t.Fatalf("parse second operand: %v", err)
	}
	return strconv.Itoa(a + b)
}

func TestRiskTrackerChallengesAboveThreshold(t *testing.T) {
	rt := NewRiskTracker(2, time.Hour, 0, 0)
	rt.Observe("1.2.3.4", "", "", "", nil)
	if rt.ShouldChallenge("1.2.3.4") {
		t.Fatal("should not challenge below threshold")
	}
	rt.Observe("1.2.3.4", "", "", "", nil)
	if !rt.ShouldChallenge("1.2.3.4") {
		t.Fatal("should challenge once score reaches threshold")
	}
}

func TestRiskTrackerWeighsThreatSeverity(t *testing.T) {
	rt := NewRiskTracker(3, time.Hour, 0, 0)
	rt.Observe("5.6.7.8", "curl/8.0", "*/*", "en", []record.Threat{
		{Type: "sqli", Severity: "high"},
	})
	if !rt.ShouldChallenge("5.6.7.8") {
		t.Fatal("expected a high-severity threat to push the IP over threshold")
	}
}

func TestRiskTrackerPenalizeCompoundsAfterBlock(t *testing.T) {
	rt := NewRiskTracker(10, time.Hour, 0, 0)
	rt.Penalize("9.9.9.9", 12)
	if !rt.ShouldChallenge("9.9.9.9") {
		t.Fatal("expected Penalize to push the IP over threshold")
	}
}

func TestRiskTrackerBansAfterRepeatedViolations(t *testing.T) {
	rt := NewRiskTracker(100, time.Hour, 2, time.Minute)
	rt.RegisterLimitViolation("1.2.3.4")
	banned, _ := rt.RegisterLimitViolation("1.2.3.4")
	if !banned {
		t.Fatal("expected ban after reaching banAfter violations")
	}
	isBanned, _ := rt.IsBanned("1.2.3.4")
	if !isBanned {
		t.Fatal("expected IsBanned to report the active ban")
	}
}
