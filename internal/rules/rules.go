// Package rules owns the keyed collection of detection Rules: loading,
// runtime mutation, and the embedded built-in catalog. A Rule's
// compiled pattern is immutable after Add; Update always builds a
// fresh Rule and swaps the pointer rather than mutating in place.
package rules

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
	"gopkg.in/yaml.v3"
)

// Rule is one signature entry: category, severity, tags, and
// provenance alongside the compiled matcher.
type Rule struct {
	ID          string
	Name        string
	Category    string
	Description string
	Pattern     string // raw source, kept for Export/import round-tripping
	Flags       string // extended-regex flag letters, default "gi"
	Score       float64
	Severity    string
	Tags        []string
	Paranoia    int // paranoia tier this rule belongs to; 0 is normalized to 1
	Enabled     bool
	Source      string // builtin | custom | community | imported

	compiled    *regexp.Regexp
	fingerprint [32]byte
}

// Sources a Rule may carry.
const (
	SourceBuiltin   = "builtin"
	SourceCustom    = "custom"
	SourceCommunity = "community"
	SourceImported  = "imported"
)

// MatchString reports whether the rule's compiled pattern matches s.
func (r *Rule) MatchString(s string) bool {
	return r.compiled != nil && r.compiled.MatchString(s)
}

// Fingerprint returns the blake2b-256 digest of the rule's normalized
// pattern+flags, used by RefreshCommunity to tell a genuinely new rule
// body apart from one that only changed metadata.
func (r *Rule) Fingerprint() [32]byte { return r.fingerprint }

func fingerprint(pattern, flags string) [32]byte {
	return blake2b.Sum256([]byte(flags + "\x00" + pattern))
}

// wireRule mirrors the rule-file format: required {id, name, category,
// pattern, score}, optional {flags, description, severity, tags,
// paranoia, enabled}. JSON is the required interchange format; YAML is
// accepted and produced as an equivalent alongside it.
type wireRule struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Category    string   `json:"category" yaml:"category"`
	Pattern     string   `json:"pattern" yaml:"pattern"`
	Score       float64  `json:"score" yaml:"score"`
	Flags       string   `json:"flags,omitempty" yaml:"flags,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Severity    string   `json:"severity,omitempty" yaml:"severity,omitempty"`
	Tags        []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Paranoia    int      `json:"paranoia,omitempty" yaml:"paranoia,omitempty"`
	Enabled     *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// paranoiaFromTags derives a paranoia tier from a "paranoia-N" tag when
// the wire format didn't set the field explicitly, so the existing
// tag-based catalog data still feeds real gating instead of staying
// cosmetic.
func paranoiaFromTags(tags []string) int {
	for _, t := range tags {
		n, ok := strings.CutPrefix(t, "paranoia-")
		if !ok {
			continue
		}
		level := 0
		for _, c := range n {
			if c < '0' || c > '9' {
				level = 0
				break
			}
			level = level*10 + int(c-'0')
		}
		if level > 0 {
			return level
		}
	}
	return 0
}

// Manager is the concurrency-safe keyed collection of Rules. The hot
// read path (EnabledRules) takes a snapshot copy
// under a read lock; writes (Add/Update/Delete/Toggle/Load) take the
// write lock and never mutate a Rule that a reader may be holding.
type Manager struct {
	mu         sync.RWMutex
	byID       map[string]*Rule
	byCategory map[string][]string
}

// NewManager returns an empty Manager. Call LoadBuiltins to seed it
// from the embedded catalog.
func NewManager() *Manager {
	return &Manager{
		byID:       make(map[string]*Rule),
		byCategory: make(map[string][]string),
	}
}

// LoadResult reports how a batch load went; invalid entries are
// skipped rather than failing the whole batch.
type LoadResult struct {
	Loaded  int
	Skipped []SkipReason
}

// SkipReason names a rule that failed to compile or validate, and why.
type SkipReason struct {
	ID     string
	Reason string
}

// Load parses a JSON or YAML rule-file payload (sniffed by leading
// non-space byte, same as config.Load) and installs every rule that
// compiles and validates, tagging each with source. Skipped rules
// leave a SkipReason but never abort the batch.
func (m *Manager) Load(source string, data []byte) (LoadResult, error) {
	var wire []wireRule
	var err error
	if looksLikeJSON(data) {
		err = json.Unmarshal(data, &wire)
	} else {
		err = yaml.Unmarshal(data, &wire)
	}
	if err != nil {
		return LoadResult{}, fmt.Errorf("rules: parse rule file: %w", err)
	}

	var result LoadResult
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range wire {
		r, err := buildRule(w, source)
		if err != nil {
			result.Skipped = append(result.Skipped, SkipReason{ID: w.ID, Reason: err.Error()})
			continue
		}
		m.insertLocked(r)
		result.Loaded++
	}
	return result, nil
}

// looksLikeJSON reports whether the first non-space byte opens a JSON
// array or object; anything else is treated as YAML.
func looksLikeJSON(data []byte) bool {
	for _, b := range data {
		if b == '{' || b == '[' {
			return true
		}
		if b > ' ' {
			return false
		}
	}
	return false
}

func buildRule(w wireRule, source string) (*Rule, error) {
	id := strings.TrimSpace(w.ID)
	if id == "" {
		return nil, fmt.Errorf("rule id is required")
	}
	if strings.TrimSpace(w.Category) == "" {
		return nil, fmt.Errorf("rule %s: category is required", id)
	}
	if w.Score < 0 {
		return nil, fmt.Errorf("rule %s: score must be >= 0", id)
	}
	flags := w.Flags
	if flags == "" {
		flags = "gi"
	}
	compiled, err := compileWithFlags(w.Pattern, flags)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", id, err)
	}
	enabled := true
	if w.Enabled != nil {
		enabled = *w.Enabled
	}
	paranoia := w.Paranoia
	if paranoia <= 0 {
		paranoia = paranoiaFromTags(w.Tags)
	}
	if paranoia <= 0 {
		paranoia = 1
	}
	return &Rule{
		ID:          id,
		Name:        w.Name,
		Category:    w.Category,
		Description: w.Description,
		Pattern:     w.Pattern,
		Flags:       flags,
		Score:       w.Score,
		Severity:    w.Severity,
		Tags:        append([]string(nil), w.Tags...),
		Paranoia:    paranoia,
		Enabled:     enabled,
		Source:      source,
		compiled:    compiled,
		fingerprint: fingerprint(w.Pattern, flags),
	}, nil
}

// compileWithFlags maps rule-file flag letters onto Go's inline regexp
// flag syntax: i (case-insensitive), m (multiline), s (dot matches
// newline). "g" (global) is implicit in Go's FindAll* family and needs
// no flag.
func compileWithFlags(pattern, flags string) (*regexp.Regexp, error) {
	var inline strings.Builder
	for _, f := range flags {
		switch f {
		case 'i', 'm', 's':
			inline.WriteRune(f)
		case 'g':
			// implicit
		}
	}
	expr := pattern
	if inline.Len() > 0 {
		expr = fmt.Sprintf("(?%s)%s", inline.String(), pattern)
	}
	return regexp.Compile(expr)
}

func (m *Manager) insertLocked(r *Rule) {
	if old, ok := m.byID[r.ID]; ok {
		m.removeFromCategoryLocked(old)
	}
	m.byID[r.ID] = r
	m.byCategory[r.Category] = append(m.byCategory[r.Category], r.ID)
}

func (m *Manager) removeFromCategoryLocked(r *Rule) {
	ids := m.byCategory[r.Category]
	for i, id := range ids {
		if id == r.ID {
			m.byCategory[r.Category] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}

// Add installs a single rule, matching the Manager's `add(rule)`
// operation. An empty ID gets a generated UUID, matching how custom
// rules are created interactively rather than from a rule file. The
// rule is always installed enabled; Toggle disables it.
func (m *Manager) Add(r Rule) (string, error) {
	if strings.TrimSpace(r.ID) == "" {
		r.ID = uuid.NewString()
	}
	r.Enabled = true
	if r.Score < 0 {
		return "", fmt.Errorf("rules: score must be >= 0")
	}
	if r.Source == "" {
		r.Source = SourceCustom
	}
	if r.Paranoia <= 0 {
		r.Paranoia = paranoiaFromTags(r.Tags)
	}
	if r.Paranoia <= 0 {
		r.Paranoia = 1
	}
	flags := r.Flags
	if flags == "" {
		flags = "gi"
	}
	compiled, err := compileWithFlags(r.Pattern, flags)
	if err != nil {
		return "", fmt.Errorf("rules: compile %s: %w", r.ID, err)
	}
	r.Flags = flags
	r.compiled = compiled
	r.fingerprint = fingerprint(r.Pattern, flags)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byID[r.ID]; exists {
		return "", fmt.Errorf("rules: id %s already exists", r.ID)
	}
	m.insertLocked(&r)
	return r.ID, nil
}

// Update applies delta to a copy of the existing rule and swaps the
// pointer, so any concurrent EnabledRules snapshot keeps seeing the
// old value.
func (m *Manager) Update(id string, delta func(Rule) Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.byID[id]
	if !ok {
		return fmt.Errorf("rules: unknown id %s", id)
	}
	updated := delta(*existing)
	updated.ID = id
	if updated.Score < 0 {
		return fmt.Errorf("rules: score must be >= 0")
	}
	flags := updated.Flags
	if flags == "" {
		flags = "gi"
	}
	if updated.Pattern != existing.Pattern || flags != existing.Flags {
		compiled, err := compileWithFlags(updated.Pattern, flags)
		if err != nil {
			return fmt.Errorf("rules: compile %s: %w", id, err)
		}
		updated.compiled = compiled
		updated.fingerprint = fingerprint(updated.Pattern, flags)
	} else {
		updated.compiled = existing.compiled
		updated.fingerprint = existing.fingerprint
	}
	updated.Flags = flags
	if updated.Category != existing.Category {
		m.removeFromCategoryLocked(existing)
		m.byCategory[updated.Category] = append(m.byCategory[updated.Category], id)
	}
	m.byID[id] = &updated
	return nil
}

// Delete removes a custom rule. Built-in, community and imported rules
// are not deletable through this operation.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[id]
	if !ok {
		return fmt.Errorf("rules: unknown id %s", id)
	}
	if r.Source != SourceCustom {
		return fmt.Errorf("rules: %s rule %s cannot be deleted", r.Source, id)
	}
	delete(m.byID, id)
	m.removeFromCategoryLocked(r)
	return nil
}

// Toggle flips a rule's enabled flag without touching its pattern.
func (m *Manager) Toggle(id string, enabled bool) error {
	return m.Update(id, func(r Rule) Rule {
		r.Enabled = enabled
		return r
	})
}

// EnabledRules returns a snapshot of every enabled rule. Order is
// unspecified beyond being stable within one call (sorted by ID).
func (m *Manager) EnabledRules() []*Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Rule, 0, len(m.byID))
	for _, r := range m.byID {
		if r.Enabled {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats summarizes the current rule set for the admin surface.
type Stats struct {
	Total      int
	Enabled    int
	BySource   map[string]int
	ByCategory map[string]int
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Stats{BySource: map[string]int{}, ByCategory: map[string]int{}}
	for _, r := range m.byID {
		s.Total++
		if r.Enabled {
			s.Enabled++
		}
		s.BySource[r.Source]++
		s.ByCategory[r.Category]++
	}
	return s
}

// Import loads a rule file tagging every accepted rule as imported.
func (m *Manager) Import(data []byte) (LoadResult, error) {
	return m.Load(SourceImported, data)
}

// Export serializes every rule passing filter back into the JSON wire
// format, so it can be re-imported elsewhere. A nil filter exports
// everything.
func (m *Manager) Export(filter func(*Rule) bool) ([]byte, error) {
	wire := m.exportWireLocked(filter)
	return json.MarshalIndent(wire, "", "  ")
}

// ExportYAML is Export's YAML-equivalent, for callers that want the
// catalog in the same format the embedded builtin catalog ships in.
func (m *Manager) ExportYAML(filter func(*Rule) bool) ([]byte, error) {
	wire := m.exportWireLocked(filter)
	return yaml.Marshal(wire)
}

func (m *Manager) exportWireLocked(filter func(*Rule) bool) []wireRule {
	m.mu.RLock()
	rules := make([]*Rule, 0, len(m.byID))
	for _, r := range m.byID {
		if filter == nil || filter(r) {
			rules = append(rules, r)
		}
	}
	m.mu.RUnlock()
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })

	wire := make([]wireRule, 0, len(rules))
	for _, r := range rules {
		enabled := r.Enabled
		wire = append(wire, wireRule{
			ID:          r.ID,
			Name:        r.Name,
			Category:    r.Category,
			Pattern:     r.Pattern,
			Score:       r.Score,
			Flags:       r.Flags,
			Description: r.Description,
			Severity:    r.Severity,
			Tags:        r.Tags,
			Paranoia:    r.Paranoia,
			Enabled:     &enabled,
		})
	}
	return wire
}

// Has reports whether an id is already known.
func (m *Manager) Has(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byID[id]
	return ok
}
