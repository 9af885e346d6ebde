package expert

import (
	"strings"

	"github.com/nulpointcorp/llm-router/internal/store"
)

// matchHeuristics runs the L2 keyword/tool rules in order and returns the
// first matching rule's category. Keywords match case-insensitively as
// substrings of the intent text; tool names match the request's tool
// signals exactly.
func matchHeuristics(rules []store.HeuristicRule, sig *Signal) (string, bool) {
	text := strings.ToLower(sig.IntentText)
	for _, rule := range rules {
		for _, kw := range rule.Keywords {
			if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
				return rule.Category, true
			}
		}
		for _, tool := range rule.ToolNames {
			for _, got := range sig.ToolSignals {
				if strings.EqualFold(tool, got) {
					return rule.Category, true
				}
			}
		}
	}
	return "", false
}
