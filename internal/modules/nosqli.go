package modules

import "regexp"

// NewNoSQLi builds the MongoDB/NoSQL operator-injection scanner, an
// optional module enabled by name via the modules config list.
func NewNoSQLi() Module {
	operator := regexp.MustCompile(`(?i)"?\$where"?\s*:|"?\$ne"?\s*:|"?\$gt"?\s*:|"?\$lt"?\s*:|"?\$gte"?\s*:|"?\$lte"?\s*:|"?\$regex"?\s*:|"?\$in"?\s*:|"?\$nin"?\s*:|"?\$or"?\s*:\s*\[`)
	jsInjection := regexp.MustCompile(`(?i)this\.\w+\s*==|function\s*\(\s*\)\s*{[\s\S]*return\b`)
	braceInjection := regexp.MustCompile(`\[\s*\$\w+\s*\]\s*=`)

	return &signatureModule{
		name:      "nosqli",
		threatTyp: "nosqli",
		families: []family{
			{id: "operator-injection", description: "MongoDB query operator injection", score: 4, re: operator},
			{id: "js-injection", description: "Server-side JavaScript evaluation payload", score: 3, re: jsInjection},
			{id: "brace-injection", description: "Bracket-notation operator injection", score: 3, re: braceInjection},
		},
		combos: []combo{
			{
				id:          "operator-js-chain",
				description: "Query operator combined with JavaScript evaluation",
				score:       3,
				check: func(matched map[string]bool, _ []string) bool {
					return matched["operator-injection"] && matched["js-injection"]
				},
			},
		},
	}
}
