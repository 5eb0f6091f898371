package rules

import _ "embed"

//go:embed builtin.yaml
var builtinCatalog []byte

// LoadBuiltins installs the embedded catalog, organized into paranoia
// tiers, so the engine has a usable rule set even when no rules file
// is configured.
func (m *Manager) LoadBuiltins() (LoadResult, error) {
	return m.Load(SourceBuiltin, builtinCatalog)
}
