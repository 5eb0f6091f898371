package modules

import (
	"testing"

	"sentrywaf/internal/record"
)

func TestXSSScriptTagScenario(t *testing.T) {
	rec := &record.AnalysisRecord{
		Path:  "/api/search",
		Query: map[string][]string{"q": {`<script>alert("xss")</script>`}},
	}
	mod := NewXSS()
	res, err := mod.Analyze(rec)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res == nil {
		t.Fatal("expected a result")
	}
	if res.Score != 7 {
		t.Fatalf("Score = %v, want 7", res.Score)
	}
	var sawScriptTag, sawCombo bool
	for _, th := range res.Threats {
		if th.PatternID == "script-tag" {
			sawScriptTag = true
		}
		if th.PatternID == "script-suspicious-content" {
			sawCombo = true
		}
	}
	if !sawScriptTag || !sawCombo {
		t.Fatalf("expected both script-tag and combo threats, got %+v", res.Threats)
	}
}

func TestXSSCleanRequestScoresNothing(t *testing.T) {
	rec := &record.AnalysisRecord{
		Path:  "/api/search",
		Query: map[string][]string{"q": {"laptop stand"}},
	}
	res, err := NewXSS().Analyze(rec)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res != nil {
		t.Fatalf("expected no result, got %+v", res)
	}
}
