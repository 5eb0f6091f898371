package modules

import (
	"testing"

	"sentrywaf/internal/record"
)

func TestSQLiUnionSelectScenario(t *testing.T) {
	rec := &record.AnalysisRecord{
		Path:  "/api/products",
		Query: map[string][]string{"id": {"1 UNION SELECT * FROM users"}},
	}
	res, err := NewSQLi().Analyze(rec)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res == nil || res.Score != 4 {
		t.Fatalf("Score = %+v, want 4", res)
	}
}

func TestSQLiDropTableScenario(t *testing.T) {
	rec := &record.AnalysisRecord{
		Path: "/api/admin",
		Body: map[string]any{"query": "DROP TABLE users"},
	}
	res, err := NewSQLi().Analyze(rec)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res == nil || res.Score != 5 {
		t.Fatalf("Score = %+v, want 5", res)
	}
}

func TestSQLiCommentDashScenario(t *testing.T) {
	rec := &record.AnalysisRecord{
		Path:  "/api/lookup",
		Query: map[string][]string{"id": {"1--"}},
	}
	res, err := NewSQLi().Analyze(rec)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res == nil || res.Score != 2 {
		t.Fatalf("Score = %+v, want 2", res)
	}
}

func TestSQLiBooleanTautologyKeywordForm(t *testing.T) {
	rec := &record.AnalysisRecord{
		Path:  "/api/lookup",
		Query: map[string][]string{"id": {"1 OR true"}},
	}
	res, err := NewSQLi().Analyze(rec)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res == nil || res.Score != 3 {
		t.Fatalf("Score = %+v, want 3 (boolean-tautology only)", res)
	}
	if len(res.Threats) != 1 || res.Threats[0].PatternID != "boolean-tautology" {
		t.Fatalf("Threats = %+v, want a single boolean-tautology threat", res.Threats)
	}
}

func TestSQLiErrorBasedExpFunction(t *testing.T) {
	rec := &record.AnalysisRecord{
		Path:  "/api/lookup",
		Query: map[string][]string{"id": {"1 AND exp(710)"}},
	}
	res, err := NewSQLi().Analyze(rec)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res == nil || res.Score != 4 {
		t.Fatalf("Score = %+v, want 4 (error-based only)", res)
	}
}

func TestSQLiClauseKeywordFamily(t *testing.T) {
	cases := []string{
		"1 ORDER BY 1",
		"1 GROUP BY 1",
		"1 HAVING 1=1",
		"1 LIMIT 1 OFFSET 1",
		"name LIKE '%admin",
		"id IN(1,2,3)",
		"id BETWEEN 1 AND 5",
	}
	for _, in := range cases {
		rec := &record.AnalysisRecord{
			Path:  "/api/lookup",
			Query: map[string][]string{"q": {in}},
		}
		res, err := NewSQLi().Analyze(rec)
		if err != nil {
			t.Fatalf("Analyze(%q): %v", in, err)
		}
		if res == nil {
			t.Fatalf("Analyze(%q): expected a result", in)
		}
		var saw bool
		for _, th := range res.Threats {
			if th.PatternID == "clause-keyword" {
				saw = true
			}
		}
		if !saw {
			t.Fatalf("Analyze(%q): expected clause-keyword threat, got %+v", in, res.Threats)
		}
	}
}

func TestSQLiSubqueryExistsForm(t *testing.T) {
	rec := &record.AnalysisRecord{
		Path:  "/api/lookup",
		Query: map[string][]string{"id": {"1 AND EXISTS(SELECT 1 FROM users)"}},
	}
	res, err := NewSQLi().Analyze(rec)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	var saw bool
	for _, th := range res.Threats {
		if th.PatternID == "subquery" {
			saw = true
		}
	}
	if !saw {
		t.Fatalf("expected subquery threat, got %+v", res.Threats)
	}
}

func TestSQLiStackedCreateStatement(t *testing.T) {
	rec := &record.AnalysisRecord{
		Path: "/api/admin",
		Body: map[string]any{"query": "1; CREATE TABLE shadow (id int)"},
	}
	res, err := NewSQLi().Analyze(rec)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	var saw bool
	for _, th := range res.Threats {
		if th.PatternID == "stacked-query" {
			saw = true
		}
	}
	if !saw {
		t.Fatalf("expected stacked-query threat, got %+v", res.Threats)
	}
}

func TestSQLiInfoSchemaMysqlTables(t *testing.T) {
	rec := &record.AnalysisRecord{
		Path:  "/api/lookup",
		Query: map[string][]string{"id": {"1 UNION SELECT table_name FROM mysql.tables"}},
	}
	res, err := NewSQLi().Analyze(rec)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	var saw bool
	for _, th := range res.Threats {
		if th.PatternID == "info-schema" {
			saw = true
		}
	}
	if !saw {
		t.Fatalf("expected info-schema threat, got %+v", res.Threats)
	}
}
