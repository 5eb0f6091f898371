package modules

import "regexp"

// NewCmdInjection builds the OS command-injection scanner, an optional
// module enabled by name via the modules config list.
func NewCmdInjection() Module {
	shellMeta := regexp.MustCompile(`(?i)[;&|]{1,2}\s*(cat|ls|whoami|id|uname|wget|curl|nc|bash|sh|powershell|cmd\.exe)\b`)
	backtick := regexp.MustCompile("`[^`]+`|\\$\\([^)]+\\)")
	redirect := regexp.MustCompile(`>\s*/dev/null|2>&1|<\s*/dev/`)

	return &signatureModule{
		name:      "cmd-injection",
		threatTyp: "cmd-injection",
		families: []family{
			{id: "shell-metachar", description: "Shell metacharacter command chaining", score: 5, re: shellMeta},
			{id: "backtick-subshell", description: "Subshell command substitution", score: 4, re: backtick},
			{id: "redirect", description: "Shell output redirection", score: 2, re: redirect},
		},
		combos: []combo{
			{
				id:          "chained-subshell",
				description: "Command chaining combined with subshell substitution",
				score:       3,
				check: func(matched map[string]bool, _ []string) bool {
					return matched["shell-metachar"] && matched["backtick-subshell"]
				},
			},
		},
	}
}
