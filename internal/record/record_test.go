package record

import "testing"

func TestExtractClientIPOrder(t *testing.T) {
	cases := []struct {
		name       string
		remoteAddr string
		headers    map[string][]string
		want       string
	}{
		{"direct peer", "203.0.113.5:5432", nil, "203.0.113.5"},
		{"xff fallback", "", map[string][]string{"X-Forwarded-For": {" 198.51.100.7 , 10.0.0.1"}}, "198.51.100.7"},
		{"unknown", "", nil, "unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := Extract(RawRequest{RemoteAddr: tc.remoteAddr, Headers: tc.headers})
			if rec.IP != tc.want {
				t.Fatalf("IP = %q, want %q", rec.IP, tc.want)
			}
		})
	}
}

func TestExtractDoesNotMutateCaller(t *testing.T) {
	q := map[string][]string{"a": {"1"}}
	h := map[string][]string{"User-Agent": {"go-test"}}
	c := map[string]string{"session": "abc"}
	rec := Extract(RawRequest{Query: q, Headers: h, Cookies: c})

	rec.Query["a"][0] = "mutated"
	rec.Headers["User-Agent"][0] = "mutated"
	rec.Cookies["session"] = "mutated"

	if q["a"][0] != "1" || h["User-Agent"][0] != "go-test" || c["session"] != "abc" {
		t.Fatal("Extract must not share backing storage with caller maps")
	}
}

func TestAddThreatIsMonotonic(t *testing.T) {
	rec := &AnalysisRecord{}
	rec.AddThreat(NewThreat("xss", "script-tag", "d", 3, "<script>"))
	rec.AddThreat(NewThreat("sqli", "union-select", "d", 4, "UNION SELECT"))
	if rec.Score != 7 {
		t.Fatalf("Score = %v, want 7", rec.Score)
	}
	if len(rec.Threats) != 2 {
		t.Fatalf("len(Threats) = %d, want 2", len(rec.Threats))
	}
}

func TestSearchSurfaceIncludesSerializedBody(t *testing.T) {
	rec := &AnalysisRecord{
		Path:    "/api",
		Query:   map[string][]string{"q": {"1 UNION SELECT"}},
		Body:    map[string]any{"query": "DROP TABLE users"},
		Headers: map[string][]string{"X-Test": {"val"}},
		Cookies: map[string]string{"s": "c"},
	}
	surface := rec.SearchSurface()
	found := map[string]bool{}
	for _, s := range surface {
		found[s] = true
	}
	if !found["/api"] || !found["1 UNION SELECT"] || !found["val"] || !found["c"] {
		t.Fatalf("missing expected surface entries: %v", surface)
	}
	body := rec.BodyString()
	if body == "" || body[0] != '{' {
		t.Fatalf("BodyString did not serialize structured body: %q", body)
	}
}
