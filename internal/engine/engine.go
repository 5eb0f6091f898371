// Package engine aggregates detection-module and rule scores into a
// single verdict. It also carries the protocol gate (allowed methods,
// blocked content types), which contributes its own threats ahead of
// signature scanning.
package engine

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"sentrywaf/internal/modules"
	"sentrywaf/internal/record"
	"sentrywaf/internal/rules"
)

// Action is the engine's verdict before anomaly scoring, learning
// phase, or dry-run are folded in by the decision stage.
type Action string

const (
	ActionAllow Action = "allow"
	ActionBlock Action = "block"
)

// Verdict is the Rule Engine's output for one AnalysisRecord.
type Verdict struct {
	RequestID string
	Action    Action
	Score     float64
	RuleIDs   []string
	// RuleCategories maps each matched rule id to its category, so
	// callers can label rule-match metrics without a second lookup.
	RuleCategories map[string]string
}

// ProtocolConfig gates the request before any signature scan runs.
type ProtocolConfig struct {
	AllowedMethods      []string // empty means "no restriction"
	BlockedContentTypes []string
}

// Config configures the engine.
type Config struct {
	Threshold float64
	Protocol  ProtocolConfig
	// ParanoiaLevel gates which rules the engine matches against: a
	// rule whose own Paranoia exceeds this level is skipped entirely.
	// Values <= 0 are normalized to 1, the least restrictive tier.
	ParanoiaLevel int
}

// Engine consumes an AnalysisRecord, the configured modules, and the
// enabled rule set, and sums their scores into one verdict.
type Engine struct {
	threshold           float64
	paranoiaLevel       int
	allowedMethods      map[string]struct{}
	blockedContentTypes []string
	modules             []modules.Module
	ruleManager         *rules.Manager
	seq                 atomic.Uint64
}

// New builds an Engine. A nil/empty AllowedMethods list disables the
// method gate entirely.
func New(cfg Config, mods []modules.Module, ruleManager *rules.Manager) *Engine {
	paranoiaLevel := cfg.ParanoiaLevel
	if paranoiaLevel <= 0 {
		paranoiaLevel = 1
	}
	e := &Engine{
		threshold:           cfg.Threshold,
		paranoiaLevel:       paranoiaLevel,
		modules:             mods,
		ruleManager:         ruleManager,
		blockedContentTypes: cfg.Protocol.BlockedContentTypes,
	}
	if len(cfg.Protocol.AllowedMethods) > 0 {
		e.allowedMethods = make(map[string]struct{}, len(cfg.Protocol.AllowedMethods))
		for _, m := range cfg.Protocol.AllowedMethods {
			e.allowedMethods[strings.ToUpper(m)] = struct{}{}
		}
	}
	return e
}

// nextRequestID produces a monotonic-in-time, unique-per-request id:
// a millisecond timestamp prefix (for ordering and easy log
// correlation) plus a UUID suffix (for uniqueness under clock
// coalescing).
func (e *Engine) nextRequestID() string {
	n := e.seq.Add(1)
	return fmt.Sprintf("req-%d-%d-%s", time.Now().UnixMilli(), n, uuid.NewString()[:8])
}

// Inspect runs the protocol gate, every configured detection module,
// and every enabled rule against rec, mutating rec with every threat
// found, and returns the aggregate verdict. Threshold comparison is
// "score >= threshold", checked once after full aggregation.
func (e *Engine) Inspect(rec *record.AnalysisRecord) (Verdict, error) {
	rec.RequestID = e.nextRequestID()

	e.applyProtocolGate(rec)

	for _, mod := range e.modules {
		rec.TouchModule(mod.Name())
		res, err := mod.Analyze(rec)
		if err != nil {
			return Verdict{}, fmt.Errorf("engine: module %s: %w", mod.Name(), err)
		}
		if res == nil {
			continue
		}
		for _, th := range res.Threats {
			th.Module = mod.Name()
			rec.AddThreat(th)
		}
	}

	var matchedRuleIDs []string
	ruleCategories := map[string]string{}
	if e.ruleManager != nil {
		surfaces := rec.SearchSurface()
		for _, r := range e.ruleManager.EnabledRules() {
			if r.Paranoia > e.paranoiaLevel {
				continue
			}
			if !ruleMatchesAny(r, surfaces) {
				continue
			}
			matchedRuleIDs = append(matchedRuleIDs, r.ID)
			ruleCategories[r.ID] = r.Category
			th := record.NewThreat("rule", r.ID, r.Description, r.Score, firstMatchExcerpt(r, surfaces))
			if r.Severity != "" {
				th.Severity = r.Severity
			}
			rec.AddThreat(th)
		}
	}

	action := ActionAllow
	if rec.Score >= e.threshold {
		action = ActionBlock
	}
	return Verdict{
		RequestID:      rec.RequestID,
		Action:         action,
		Score:          rec.Score,
		RuleIDs:        matchedRuleIDs,
		RuleCategories: ruleCategories,
	}, nil
}

func ruleMatchesAny(r *rules.Rule, surfaces []string) bool {
	for _, s := range surfaces {
		if r.MatchString(s) {
			return true
		}
	}
	return false
}

func firstMatchExcerpt(r *rules.Rule, surfaces []string) string {
	for _, s := range surfaces {
		if r.MatchString(s) {
			return s
		}
	}
	return ""
}

// applyProtocolGate adds method/content-type threats, which are
// protocol-level findings rather than signature-level ones.
func (e *Engine) applyProtocolGate(rec *record.AnalysisRecord) {
	if e.allowedMethods != nil {
		if _, ok := e.allowedMethods[strings.ToUpper(rec.Method)]; !ok {
			rec.AddThreat(record.NewThreat("protocol", "method-not-allowed",
				fmt.Sprintf("HTTP method %s is not in the allowed list", rec.Method), 10, rec.Method))
		}
	}
	if len(e.blockedContentTypes) == 0 {
		return
	}
	ct := firstHeaderValue(rec.Headers, "Content-Type")
	if ct == "" {
		return
	}
	for _, blocked := range e.blockedContentTypes {
		if strings.Contains(strings.ToLower(ct), strings.ToLower(blocked)) {
			rec.AddThreat(record.NewThreat("protocol", "blocked-content-type",
				fmt.Sprintf("Content-Type %s is blocked", ct), 8, ct))
			return
		}
	}
}

func firstHeaderValue(headers map[string][]string, name string) string {
	for k, vals := range headers {
		if strings.EqualFold(k, name) && len(vals) > 0 {
			return vals[0]
		}
	}
	return ""
}
