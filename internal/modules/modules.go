// Package modules implements the pluggable signature scanners: xss,
// sqli, nosqli, path-traversal, cmd-injection. Each is a function of an
// AnalysisRecord to an optional Result, so new scanners plug in without
// touching the engine that drives them.
package modules

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"

	"sentrywaf/internal/record"
)

// Result is a module's contribution: its own partial score plus the
// threats it found.
type Result struct {
	Module  string
	Score   float64
	Threats []record.Threat
}

// Module is the uniform shape every detection module implements.
type Module interface {
	Name() string
	Analyze(rec *record.AnalysisRecord) (*Result, error)
}

// family is one pattern in a module's signature set. A zero Score
// marks a pattern as a combination-only trigger: it never contributes
// score on its own, only through a combination rule (see combo).
type family struct {
	id          string
	description string
	score       float64
	re          *regexp.Regexp
}

// combo is a bonus that fires when two or more independent signals
// co-occur in the same record.
type combo struct {
	id          string
	description string
	score       float64
	check       func(matched map[string]bool, surfaces []string) bool
}

// signatureModule runs a flat family+combo signature set against the
// full search surface of a record.
type signatureModule struct {
	name      string
	threatTyp string
	families  []family
	combos    []combo
}

func (m *signatureModule) Name() string { return m.name }

func (m *signatureModule) Analyze(rec *record.AnalysisRecord) (*Result, error) {
	surfaces := scanSurfaces(rec)
	matched := make(map[string]bool, len(m.families))
	var threats []record.Threat
	var score float64

	for _, fam := range m.families {
		for _, s := range surfaces {
			if !fam.re.MatchString(s) {
				continue
			}
			matched[fam.id] = true
			if fam.score <= 0 {
				continue
			}
			score += fam.score
			threats = append(threats, buildThreat(m.threatTyp, fam, s))
		}
	}

	for _, c := range m.combos {
		if !c.check(matched, surfaces) {
			continue
		}
		score += c.score
		threats = append(threats, record.NewThreat(m.threatTyp, c.id, c.description, c.score, comboExcerpt(surfaces)))
	}

	if len(threats) == 0 {
		return nil, nil
	}
	return &Result{Module: m.name, Score: score, Threats: threats}, nil
}

func buildThreat(threatTyp string, fam family, matchedText string) record.Threat {
	desc := fam.description
	if threatTyp == "xss" && fam.id == "script-tag" && confirmScriptTag(matchedText) {
		desc = desc + " (tag-confirmed)"
	}
	return record.NewThreat(threatTyp, fam.id, desc, fam.score, matchedText)
}

// confirmScriptTag re-checks a script-tag regex match with a real HTML
// tokenizer so the description can note a structurally valid tag
// boundary rather than a bare substring hit.
func confirmScriptTag(s string) bool {
	z := html.NewTokenizer(strings.NewReader(s))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return false
		}
		if tt == html.StartTagToken || tt == html.SelfClosingTagToken {
			name, _ := z.TagName()
			if strings.EqualFold(string(name), "script") {
				return true
			}
		}
	}
}

func comboExcerpt(surfaces []string) string {
	for _, s := range surfaces {
		if s != "" {
			return s
		}
	}
	return ""
}

// scanSurfaces builds the search surface for a record and adds a
// Unicode-normalized variant of each entry so fullwidth/
// combining-mark obfuscation collapses before matching, per
// SPEC_FULL's unicode_normalize transform.
func scanSurfaces(rec *record.AnalysisRecord) []string {
	base := rec.SearchSurface()
	out := make([]string, 0, len(base)*2)
	seen := make(map[string]struct{}, len(base)*2)
	add := func(s string) {
		if s == "" {
			return
		}
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	for _, s := range base {
		add(s)
		add(normalizeUnicode(s))
	}
	return out
}

func normalizeUnicode(s string) string {
	folded := width.Fold.String(s)
	return norm.NFKC.String(folded)
}
