package modules

import (
	"regexp"
	"strings"
)

// NewXSS builds the cross-site-scripting scanner.
//
// The payload-sink family (alert/confirm/prompt/document.cookie/
// document.write/innerHTML=/outerHTML=) is scored 0 on its own: it
// exists purely to trigger the script-suspicious-content combination.
// This keeps `<script>alert("xss")</script>` at score 7 (3 for
// script-tag + 4 for the combo), rather than double-counting the sink
// alongside the tag.
func NewXSS() Module {
	scriptTag := regexp.MustCompile(`(?i)<script\b[^>]*>[\s\S]*?</script>|<script\b[^>]*\bsrc\s*=`)
	schemeURL := regexp.MustCompile(`(?i)javascript:|vbscript:|data:text/html[^,]*;?\s*base64|data:text/html.*javascript`)
	cssExpr := regexp.MustCompile(`(?i)expression\s*\(`)
	remoteElem := regexp.MustCompile(`(?i)<(iframe|object|embed|base|link|form)\b|<meta\b[^>]*http-equiv\s*=\s*["']?refresh`)
	eventHandler := regexp.MustCompile(`(?i)\bon\w+\s*=`)
	obfuscation := regexp.MustCompile(`(?i)&#x?[0-9a-f]+;|%[0-9a-f]{2}|<svg\b[^>]*>[\s\S]*?<script\b`)
	sink := regexp.MustCompile(`(?i)\balert\s*\(|\bconfirm\s*\(|\bprompt\s*\(|document\.cookie|document\.write|innerHTML\s*=|outerHTML\s*=`)

	return &signatureModule{
		name:      "xss",
		threatTyp: "xss",
		families: []family{
			{id: "script-tag", description: "Script tag injection", score: 3, re: scriptTag},
			{id: "scheme-url", description: "Dangerous URL scheme", score: 3, re: schemeURL},
			{id: "css-expression", description: "CSS expression injection", score: 3, re: cssExpr},
			{id: "remote-element", description: "Remote-source HTML element", score: 2, re: remoteElem},
			{id: "event-handler", description: "Event handler injection", score: 3, re: eventHandler},
			{id: "obfuscation-marker", description: "Obfuscated payload marker", score: 2, re: obfuscation},
			{id: "payload-sink", description: "Executable payload sink", score: 0, re: sink},
		},
		combos: []combo{
			{
				id:          "script-suspicious-content",
				description: "Script tag with executable payload sink",
				score:       4,
				check: func(matched map[string]bool, _ []string) bool {
					return matched["script-tag"] && matched["payload-sink"]
				},
			},
			{
				id:          "event-handler-js-scheme",
				description: "Event handler paired with a javascript: scheme",
				score:       3,
				check: func(matched map[string]bool, _ []string) bool {
					return matched["event-handler"] && matched["scheme-url"]
				},
			},
			{
				id:          "obfuscated-script",
				description: "Entity/URL-encoded script or alert payload",
				score:       2,
				check: func(matched map[string]bool, surfaces []string) bool {
					if !matched["obfuscation-marker"] {
						return false
					}
					for _, s := range surfaces {
						low := strings.ToLower(s)
						if strings.Contains(low, "script") || strings.Contains(low, "alert") {
							return true
						}
					}
					return false
				},
			},
		},
	}
}
