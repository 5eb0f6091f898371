package modules

import "regexp"

// NewPathTraversal builds the directory-traversal scanner, an optional
// module enabled by name via the modules config list.
func NewPathTraversal() Module {
	dotDotSlash := regexp.MustCompile(`(?i)(\.\./|\.\.\\|%2e%2e%2f|%2e%2e/|\.\.%2f){2,}|\.\./\.\./|\.\.\\\.\.\\`)
	sensitiveFile := regexp.MustCompile(`(?i)/etc/passwd|/etc/shadow|boot\.ini|win\.ini|\\windows\\system32|/proc/self/environ`)
	nullByte := regexp.MustCompile(`%00|\x00`)

	return &signatureModule{
		name:      "path-traversal",
		threatTyp: "path-traversal",
		families: []family{
			{id: "dot-dot-slash", description: "Directory traversal sequence", score: 4, re: dotDotSlash},
			{id: "sensitive-file", description: "Sensitive system file reference", score: 4, re: sensitiveFile},
			{id: "null-byte", description: "Null-byte path truncation", score: 2, re: nullByte},
		},
		combos: []combo{
			{
				id:          "traversal-to-sensitive-file",
				description: "Directory traversal reaching a sensitive file",
				score:       3,
				check: func(matched map[string]bool, _ []string) bool {
					return matched["dot-dot-slash"] && matched["sensitive-file"]
				},
			},
		},
	}
}
