package waf

import (
	"testing"
	"time"

	"sentrywaf/internal/config"
	"sentrywaf/internal/events"
	"sentrywaf/internal/learning"
	"sentrywaf/internal/record"
)

func newTestCore(t *testing.T, mutate func(*config.Config)) *Core {
	t.Helper()
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	c, err := New(cfg, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func req(method, path string, query map[string][]string, body any) record.RawRequest {
	return record.RawRequest{
		Method:     method,
		Path:       path,
		RemoteAddr: "203.0.113.5:5555",
		Headers:    map[string][]string{"User-Agent": {"go-test-client/1.0"}, "Accept": {"*/*"}, "Accept-Language": {"en"}},
		Query:      query,
		Body:       body,
		Timestamp:  time.Now().UTC(),
	}
}

func TestAnalyzeBlocksScriptTagScenario(t *testing.T) {
	c := newTestCore(t, func(cfg *config.Config) {
		cfg.Threshold = 5
		cfg.AnomalyThreshold = 150
	})
	dec := c.Analyze(req("GET", "/api/search", map[string][]string{
		"q": {`<script>alert("xss")</script>`},
	}, nil))
	if dec.Kind != KindBlock {
		t.Fatalf("expected block, got %v (score=%v)", dec.Kind, dec.Score)
	}
	if dec.Score != 7 {
		t.Fatalf("expected score 7, got %v", dec.Score)
	}
}

func TestAnalyzeUnionSelectThresholdSensitive(t *testing.T) {
	allow := newTestCore(t, func(cfg *config.Config) { cfg.Threshold = 10 })
	decAllow := allow.Analyze(req("GET", "/api/search", map[string][]string{
		"q": {"1 UNION SELECT * FROM users"},
	}, nil))
	if decAllow.Kind != KindAllow {
		t.Fatalf("expected allow at threshold 10, got %v (score=%v)", decAllow.Kind, decAllow.Score)
	}

	block := newTestCore(t, func(cfg *config.Config) { cfg.Threshold = 3 })
	decBlock := block.Analyze(req("GET", "/api/search", map[string][]string{
		"q": {"1 UNION SELECT * FROM users"},
	}, nil))
	if decBlock.Kind != KindBlock {
		t.Fatalf("expected block at threshold 3, got %v (score=%v)", decBlock.Kind, decBlock.Score)
	}
}

func TestAnalyzeDropTableInBody(t *testing.T) {
	c := newTestCore(t, func(cfg *config.Config) { cfg.Threshold = 3 })
	dec := c.Analyze(req("POST", "/api/test", nil, map[string]any{"query": "DROP TABLE users"}))
	if dec.Kind != KindBlock {
		t.Fatalf("expected block, got %v (score=%v)", dec.Kind, dec.Score)
	}
	if dec.Score < 5 {
		t.Fatalf("expected score >= 5, got %v", dec.Score)
	}
}

func TestAnalyzeSkipPathBypassesPipeline(t *testing.T) {
	c := newTestCore(t, func(cfg *config.Config) { cfg.Threshold = 1 })
	dec := c.Analyze(req("GET", "/health", map[string][]string{"q": {"<script>alert(1)</script>"}}, nil))
	if dec.Kind != KindAllow || dec.RequestID != "" {
		t.Fatalf("expected untouched allow for skip-path, got %+v", dec)
	}
}

func TestAnalyzeDryRunAllowsAndEmitsEvent(t *testing.T) {
	c := newTestCore(t, func(cfg *config.Config) {
		cfg.Threshold = 3
		cfg.DryRun = true
	})
	seen := make(chan events.Event, 1)
	c.Events().Subscribe(func(ev events.Event) {
		if ev.Type == events.ThreatDetected {
			seen <- ev
		}
	})
	dec := c.Analyze(req("GET", "/api/search", map[string][]string{"q": {"1 UNION SELECT * FROM users"}}, nil))
	if dec.Kind != KindAllow {
		t.Fatalf("expected dry-run allow, got %v", dec.Kind)
	}
	select {
	case ev := <-seen:
		if ev.Detail["type"] != "dry-run" {
			t.Fatalf("expected dry-run event detail, got %+v", ev.Detail)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a threat-detected dry-run event")
	}
}

func TestAnalyzeRateLimitExceeded(t *testing.T) {
	c := newTestCore(t, func(cfg *config.Config) {
		cfg.Threshold = 100
		cfg.RateLimit.Max = 2
		cfg.RateLimit.WindowMs = 60000
		cfg.RateLimit.Window = time.Minute
		cfg.IPBlocking.MaxViolations = 2
		cfg.IPBlocking.BlockDuration = time.Minute
	})
	r := func() record.RawRequest {
		return record.RawRequest{
			Method: "GET", Path: "/", RemoteAddr: "1.2.3.4:1111",
			Headers: map[string][]string{"User-Agent": {"go-test-client/1.0"}, "Accept": {"*/*"}, "Accept-Language": {"en"}},
		}
	}
	c.Analyze(r())
	c.Analyze(r())
	third := c.Analyze(r())
	found := false
	for _, th := range third.Threats {
		if th.PatternID == "rate-limit-exceeded" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected rate-limit-exceeded threat on third request, got %+v", third.Threats)
	}
}

func TestAnalyzeLearningPhaseAlwaysAllows(t *testing.T) {
	c := newTestCore(t, func(cfg *config.Config) {
		cfg.Threshold = 5
		cfg.AdaptiveLearning = true
		cfg.LearningPeriod = 7
		cfg.AnomalyThreshold = 150
	})
	// New starts the learner in Collecting when AdaptiveLearning is
	// true, since its start time is now.
	dec := c.Analyze(req("GET", "/api/search", map[string][]string{
		"q": {`<script>alert("xss")</script>`},
	}, nil))
	if dec.Kind != KindAllow {
		t.Fatalf("expected allow while learning, got %v", dec.Kind)
	}
	if dec.Score != 7 {
		t.Fatalf("expected score to still be computed at 7, got %v", dec.Score)
	}
}

func TestAnalyzeProtectingPhaseEnforces(t *testing.T) {
	c := newTestCore(t, func(cfg *config.Config) {
		cfg.Threshold = 5
		cfg.AdaptiveLearning = true
		cfg.LearningPeriod = 7
	})
	// White-box: swap in a learner whose period has already fully
	// elapsed so Advance immediately lands in Protecting.
	c.learner = learning.New(time.Now().Add(-8*24*time.Hour).UTC(), 7*24*time.Hour, true)

	dec := c.Analyze(req("GET", "/api/search", map[string][]string{
		"q": {`<script>alert("xss")</script>`},
	}, nil))
	if dec.Kind != KindBlock {
		t.Fatalf("expected block once protecting, got %v (score=%v)", dec.Kind, dec.Score)
	}
	if dec.Blocked.RequestID == "" {
		t.Fatal("expected block body to carry the request id")
	}
}
