package modules

import (
	"testing"

	"sentrywaf/internal/record"
)

func TestPathTraversalDotDotSlash(t *testing.T) {
	rec := &record.AnalysisRecord{
		Path:  "/download",
		Query: map[string][]string{"file": {"../../etc/passwd"}},
	}
	res, err := NewPathTraversal().Analyze(rec)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res == nil {
		t.Fatal("expected a result")
	}
	if res.Score != 4+4+3 {
		t.Fatalf("Score = %v, want %v", res.Score, 4+4+3)
	}
}

func TestPathTraversalCleanRequest(t *testing.T) {
	rec := &record.AnalysisRecord{
		Path:  "/download",
		Query: map[string][]string{"file": {"report.pdf"}},
	}
	res, err := NewPathTraversal().Analyze(rec)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res != nil {
		t.Fatalf("expected no result, got %+v", res)
	}
}
