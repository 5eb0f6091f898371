// Package waf wires the request-analysis pipeline, rule engine, anomaly
// scorer, adaptive learner, and rate-limit/IP-block module into a single
// Core decision: for every inbound request, analyze then decide allow,
// challenge, or block.
package waf

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"sentrywaf/internal/anomaly"
	"sentrywaf/internal/challenge"
	"sentrywaf/internal/config"
	"sentrywaf/internal/engine"
	"sentrywaf/internal/events"
	"sentrywaf/internal/learning"
	"sentrywaf/internal/metrics"
	"sentrywaf/internal/modules"
	"sentrywaf/internal/ratelimit"
	"sentrywaf/internal/record"
	"sentrywaf/internal/rules"
	"sentrywaf/internal/stats"
)

// frequencyWindow is the rolling window the anomaly Baseline uses for
// its per-IP frequency factor.
const frequencyWindow = 5 * time.Minute

// sweepInterval governs the rate-limit sweeper and challenge-puzzle
// sweeper.
const sweepInterval = time.Minute

// Kind is the final outcome of one Analyze call.
type Kind string

const (
	KindAllow     Kind = "allow"
	KindChallenge Kind = "challenge"
	KindBlock     Kind = "block"
)

// BlockedBody is the JSON shape returned on a block response.
type BlockedBody struct {
	Error        string          `json:"error"`
	Reason       string          `json:"reason"`
	RequestID    string          `json:"requestId"`
	Score        float64         `json:"score"`
	AnomalyScore float64         `json:"anomalyScore"`
	Threats      []record.Threat `json:"threats"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Decision is Core.Analyze's result. The HTTP adapter (out of scope)
// turns this into either a pass-through or a 403 response; Core never
// touches net/http response writing itself, only produces the payload.
type Decision struct {
	Kind                Kind
	RequestID           string
	Score               float64
	AnomalyScore        float64
	Threats             []record.Threat
	Blocked             BlockedBody
	Puzzle              *challenge.Puzzle
	ClearanceCookieName string
}

// JSON renders the block-response body for a Kind == KindBlock decision.
func (d Decision) JSON() ([]byte, error) {
	return json.Marshal(d.Blocked)
}

// Options configures collaborators Core.New builds beyond what
// config.Config expresses directly.
type Options struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Core is the wired-up request-analysis and decision pipeline: every
// collaborator the pipeline needs, plus the background tasks that keep
// the learner's phase clock, the rate-limit sweeper, and the community
// rules feed running without blocking the request path.
type Core struct {
	cfg *config.Config
	log *slog.Logger

	mods        []modules.Module
	ruleManager *rules.Manager
	engine      *engine.Engine

	baseline *anomaly.Baseline
	scorer   *anomaly.Scorer

	learner *learning.Learner
	limiter *ratelimit.Limiter

	stats   *stats.Stats
	metrics *metrics.Builtin
	events  *events.Bus

	challengeMgr *challenge.Manager
	riskTracker  *challenge.RiskTracker

	skipPaths map[string]struct{}

	httpClient *http.Client

	freezeOnce sync.Once
	cancel     context.CancelFunc
	group      *errgroup.Group
}

// New builds a Core from cfg. It does not start background tasks; call
// Run for that.
func New(cfg *config.Config, opts Options) (*Core, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	mods, err := modules.New(cfg.Modules)
	if err != nil {
		return nil, fmt.Errorf("waf: build modules: %w", err)
	}

	ruleManager := rules.NewManager()
	if _, err := ruleManager.LoadBuiltins(); err != nil {
		return nil, fmt.Errorf("waf: load builtin rules: %w", err)
	}
	for _, path := range cfg.RulesPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("waf: read rule file %s: %w", path, err)
		}
		result, err := ruleManager.Load(path, data)
		if err != nil {
			return nil, fmt.Errorf("waf: load rule file %s: %w", path, err)
		}
		for _, skip := range result.Skipped {
			log.Warn("skipped rule", "source", path, "id", skip.ID, "reason", skip.Reason)
		}
	}

	eng := engine.New(engine.Config{
		Threshold:     cfg.Threshold,
		ParanoiaLevel: cfg.ParanoiaLevel,
		Protocol: engine.ProtocolConfig{
			AllowedMethods:      cfg.Protocol.AllowedMethods,
			BlockedContentTypes: cfg.Protocol.BlockedContentTypes,
		},
	}, mods, ruleManager)

	baseline := anomaly.NewBaseline(frequencyWindow)
	scorer := anomaly.NewScorer(baseline, cfg.AnomalyThreshold)

	learningPeriod := time.Duration(cfg.LearningPeriod) * 24 * time.Hour
	learner := learning.New(time.Now().UTC(), learningPeriod, cfg.AdaptiveLearning)

	rateWindow := cfg.RateLimit.Window
	if rateWindow <= 0 {
		rateWindow = time.Duration(cfg.RateLimit.WindowMs) * time.Millisecond
	}
	limiter := ratelimit.New(ratelimit.Config{
		Window:            rateWindow,
		Max:               cfg.RateLimit.Max,
		BlockDuration:     cfg.IPBlocking.BlockDuration,
		MaxViolations:     cfg.IPBlocking.MaxViolations,
		IPBlockingEnabled: cfg.IPBlocking.Enabled,
	})

	skipPaths := make(map[string]struct{}, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skipPaths[p] = struct{}{}
	}

	c := &Core{
		cfg:         cfg,
		log:         log,
		mods:        mods,
		ruleManager: ruleManager,
		engine:      eng,
		baseline:    baseline,
		scorer:      scorer,
		learner:     learner,
		limiter:     limiter,
		stats:       stats.New(time.Now().UTC()),
		metrics:     metrics.NewBuiltin(),
		events:      events.New(),
		skipPaths:   skipPaths,
		httpClient:  httpClient,
	}

	if cfg.Challenge.Enabled {
		c.challengeMgr = challenge.NewManager([]byte(cfg.Challenge.Secret), cfg.Challenge.CookieTTL)
		c.riskTracker = challenge.NewRiskTracker(cfg.Challenge.RiskThreshold,
			10*time.Minute, cfg.Challenge.BanAfter, cfg.Challenge.BanFor)
	}

	return c, nil
}

// Stats exposes the request/threat counters for admin reporting.
func (c *Core) Stats() *stats.Stats { return c.stats }

// Metrics exposes the Prometheus-style registry for admin scraping.
func (c *Core) Metrics() *metrics.Builtin { return c.metrics }

// Events exposes the event bus so an adapter can subscribe to
// threat-detected/request-blocked/error notifications.
func (c *Core) Events() *events.Bus { return c.events }

// Rules exposes the Rule Manager for admin CRUD endpoints.
func (c *Core) Rules() *rules.Manager { return c.ruleManager }

// LearnerState reports the adaptive learner's current phase/progress.
func (c *Core) LearnerState(now time.Time) learning.State { return c.learner.State(now) }

// Run launches the periodic background tasks (learner phase clock,
// rate-limit sweeper, community-rules refresh, challenge sweeper) under
// one cancellable errgroup: timers stay cancellable at shutdown, and
// each task only takes a lock inside its own tick, never across the
// sleep between ticks.
func (c *Core) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	group, ctx := errgroup.WithContext(ctx)
	c.cancel = cancel
	c.group = group

	group.Go(func() error {
		c.runPhaseClock(ctx)
		return nil
	})
	group.Go(func() error {
		c.runSweeper(ctx)
		return nil
	})
	if c.cfg.CommunityRules && c.cfg.CommunityURL != "" {
		group.Go(func() error {
			c.ruleManager.StartCommunityRefresh(ctx, c.httpClient, c.cfg.CommunityURL, c.cfg.UpdateInterval, c.log)
			return nil
		})
	}
	if c.challengeMgr != nil {
		group.Go(func() error {
			c.runChallengeSweeper(ctx)
			return nil
		})
	}
}

// Close cancels every background task and waits for them to exit.
func (c *Core) Close() error {
	if c.cancel == nil {
		return nil
	}
	c.cancel()
	if c.group != nil {
		return c.group.Wait()
	}
	return nil
}

func (c *Core) runPhaseClock(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			prev := c.learner.Phase()
			next := c.learner.Advance(now)
			if prev != learning.Protecting && next == learning.Protecting {
				c.freezeOnce.Do(c.baseline.Freeze)
			}
			c.metrics.LearningProgress.Set(map[string]string{"phase": next.String()}, c.learner.Progress(now))
		}
	}
}

func (c *Core) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.limiter.Sweep()
			c.metrics.BlockedIPs.Set(nil, float64(c.limiter.BlockedCount()))
			enabledByCategory := map[string]int{}
			for _, r := range c.ruleManager.EnabledRules() {
				enabledByCategory[r.Category]++
			}
			for category, count := range enabledByCategory {
				c.metrics.RulesEnabled.Set(map[string]string{"category": category}, float64(count))
			}
		}
	}
}

func (c *Core) runChallengeSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.challengeMgr.Sweep()
			c.riskTracker.Sweep()
		}
	}
}

// Analyze runs raw through the full pipeline and returns the decision.
// Skip-paths bypass the pipeline entirely. Any internal panic-worthy
// error is converted to a fail-open allow with an emitted error event.
func (c *Core) Analyze(raw record.RawRequest) (dec Decision) {
	start := time.Now()
	if _, skip := c.skipPaths[raw.Path]; skip {
		return Decision{Kind: KindAllow}
	}

	defer func() {
		if r := recover(); r != nil {
			c.log.Error("waf: panic during analysis, failing open", "panic", r)
			c.metrics.ErrorsTotal.Inc(nil, 1)
			c.events.Emit(events.Event{Type: events.Error, Timestamp: time.Now(), Detail: map[string]any{
				"error": fmt.Sprintf("%v", r),
			}})
			dec = Decision{Kind: KindAllow}
		}
		method := strings.ToUpper(strings.TrimSpace(raw.Method))
		status := string(dec.Kind)
		c.metrics.RequestsTotal.Inc(map[string]string{"method": method, "status": status}, 1)
		c.metrics.RequestDuration.Observe(map[string]string{"method": method, "status": status}, time.Since(start).Seconds())
	}()

	now := time.Now().UTC()
	rec := record.Extract(raw)


	rlVerdict := c.limiter.Check(rec.IP, now)
	for _, t := range rlVerdict.Threats {
		rec.AddThreat(t)
		if t.PatternID == "ip-blocked" {
			c.metrics.IPBlocksTotal.Inc(map[string]string{"reason": "rate-limit-violations"}, 1)
		} else {
			c.metrics.RateLimitHitsTotal.Inc(map[string]string{"ip": rec.IP}, 1)
			if c.riskTracker != nil {
				c.riskTracker.RegisterLimitViolation(rec.IP)
			}
		}
	}

	anomalyResult := c.scorer.Score(rec, now)
	c.metrics.AnomalyScore.Set(nil, anomalyResult.TotalScore)
	if anomalyResult.TotalScore > 0 {
		desc := "Anomaly factors contributed to the aggregate score"
		if anomalyResult.IsAnomaly {
			desc = "Aggregate anomaly score exceeded configured threshold"
		}
		rec.AddThreat(record.NewThreat("anomaly", "anomaly-score", desc, anomalyResult.TotalScore, ""))
	}

	verdict, err := c.engine.Inspect(rec)
	if err != nil {
		c.log.Error("waf: engine inspect failed, failing open", "error", err)
		c.metrics.ErrorsTotal.Inc(nil, 1)
		c.events.Emit(events.Event{Type: events.Error, Timestamp: time.Now(), Detail: map[string]any{
			"error": err.Error(),
		}})
		return Decision{Kind: KindAllow}
	}
	for _, id := range verdict.RuleIDs {
		c.metrics.RuleMatchesTotal.Inc(map[string]string{"rule_id": id, "category": verdict.RuleCategories[id]}, 1)
	}

	if c.riskTracker != nil {
		c.riskTracker.Observe(rec.IP, rec.UserAgent,
			firstHeader(rec.Headers, "Accept"), firstHeader(rec.Headers, "Accept-Language"), rec.Threats)
	}

	c.stats.RecordRequest(rec, len(rec.BodyString()))

	phase := c.learner.Advance(now)
	if phase == learning.Protecting {
		c.freezeOnce.Do(c.baseline.Freeze)
	}
	c.learner.Observe(rec)
	c.metrics.LearningRequestsTotal.Inc(map[string]string{"phase": phase.String()}, 1)

	dec = Decision{
		Kind:         KindAllow,
		RequestID:    rec.RequestID,
		Score:        rec.Score,
		AnomalyScore: anomalyResult.TotalScore,
		Threats:      rec.Threats,
	}

	if phase != learning.Protecting {
		if rec.Score > 0 {
			c.stats.RecordThreat(rec, stats.ActionLearning)
			c.events.Emit(events.Event{Type: events.ThreatDetected, Timestamp: now, Detail: map[string]any{
				"type": "learning", "requestId": rec.RequestID, "score": rec.Score,
			}})
		}
		return dec
	}

	if verdict.Action == engine.ActionAllow {
		return dec
	}

	if c.cfg.DryRun {
		c.stats.RecordThreat(rec, stats.ActionDryRun)
		c.events.Emit(events.Event{Type: events.ThreatDetected, Timestamp: now, Detail: map[string]any{
			"type": "dry-run", "requestId": rec.RequestID, "score": rec.Score,
		}})
		return dec
	}

	if c.riskTracker != nil && c.challengeMgr != nil && c.riskTracker.ShouldChallenge(rec.IP) {
		puzzle, err := c.challengeMgr.NewPuzzle(rec.IP, rec.UserAgent, rec.Path)
		if err == nil {
			dec.Kind = KindChallenge
			dec.Puzzle = &puzzle
			return dec
		}
	}

	dec.Kind = KindBlock
	dec.Blocked = BlockedBody{
		Error:        "request blocked",
		Reason:       blockReason(rec.Threats),
		RequestID:    rec.RequestID,
		Score:        rec.Score,
		AnomalyScore: anomalyResult.TotalScore,
		Threats:      rec.Threats,
		Timestamp:    now,
	}
	c.stats.RecordThreat(rec, stats.ActionBlocked)
	if c.riskTracker != nil {
		c.riskTracker.Penalize(rec.IP, int(rec.Score))
	}
	blockingModule := "rule"
	if len(rec.Threats) > 0 {
		best := rec.Threats[0]
		for _, t := range rec.Threats[1:] {
			if t.Score > best.Score {
				best = t
			}
		}
		if best.Module != "" {
			blockingModule = best.Module
		}
	}
	c.metrics.BlocksTotal.Inc(map[string]string{"reason": dec.Blocked.Reason, "module": blockingModule}, 1)
	for _, t := range rec.Threats {
		c.metrics.ThreatsTotal.Inc(map[string]string{"type": t.Type, "severity": t.Severity}, 1)
	}
	c.events.Emit(events.Event{Type: events.RequestBlocked, Timestamp: now, Detail: map[string]any{
		"requestId": rec.RequestID, "score": rec.Score, "ip": rec.IP,
	}})
	return dec
}

// VerifyChallenge checks a submitted puzzle answer and, on success,
// issues a clearance cookie the adapter should set before redirecting
// the client back to its original path.
func (c *Core) VerifyChallenge(token, answer, ip, ua string) (returnURL, clearanceCookie string, ok bool) {
	if c.challengeMgr == nil {
		return "", "", false
	}
	returnURL, ok = c.challengeMgr.VerifyPuzzle(token, answer, ip, ua)
	if !ok {
		return "", "", false
	}
	clearanceCookie = c.challengeMgr.IssueClearanceCookie(ip, ua, time.Now().Add(c.challengeMgr.CookieTTL))
	return returnURL, clearanceCookie, true
}

// HasClearance reports whether a client already carries a valid
// clearance cookie, letting the adapter skip re-challenging it.
func (c *Core) HasClearance(ip, ua, cookieValue string) bool {
	if c.challengeMgr == nil {
		return false
	}
	return c.challengeMgr.VerifyClearanceCookie(ip, ua, cookieValue)
}

func blockReason(threats []record.Threat) string {
	if len(threats) == 0 {
		return "score threshold exceeded"
	}
	best := threats[0]
	for _, t := range threats[1:] {
		if t.Score > best.Score {
			best = t
		}
	}
	return best.Description
}

func firstHeader(headers map[string][]string, name string) string {
	for k, vals := range headers {
		if strings.EqualFold(k, name) && len(vals) > 0 {
			return vals[0]
		}
	}
	return ""
}
