package expert

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/nulpointcorp/llm-router/internal/store"
)

const (
	defaultJudgeTimeout   = 10 * time.Second
	defaultJudgeMaxTokens = 64

	// rawReplyMaxLen bounds how long an unstructured reply may be to still
	// count as a bare category name.
	rawReplyMaxLen = 64
)

// judge is the L3 classifier: one bounded chat call against the configured
// judge model.
type judge struct {
	completer Completer
	cfg       *store.ClassifierConfig
}

// classify returns the category the judge picked, plus prompt token usage.
func (j *judge) classify(ctx context.Context, sig *Signal) (category string, promptTokens int, err error) {
	intent := stripIgnoredTags(sig.IntentText, j.cfg.IgnoredTags)
	if intent == "" {
		intent = strings.Join(sig.ToolSignals, ", ")
	}
	if sig.HistoryHint != "" {
		intent = sig.HistoryHint + "\n" + intent
	}

	system, user := splitPromptTemplate(j.cfg.PromptTemplate, intent)

	timeout := defaultJudgeTimeout
	if j.cfg.TimeoutMS > 0 {
		timeout = time.Duration(j.cfg.TimeoutMS) * time.Millisecond
	}
	maxTokens := j.cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultJudgeMaxTokens
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reply, promptTokens, err := j.completer.Complete(ctx, system, user, maxTokens)
	if err != nil {
		return "", 0, err
	}

	category, ok := parseJudgeReply(reply, j.cfg.StructuredOutput)
	if !ok {
		return "", promptTokens, fmt.Errorf("expert: unparseable judge reply: %.80q", reply)
	}
	return category, promptTokens, nil
}

// splitPromptTemplate divides the template around the user-prompt marker:
// text before it becomes the system prompt, text after it trails the
// intent in the user message. A template without a marker is all system.
func splitPromptTemplate(template, intent string) (system, user string) {
	for _, marker := range []string{"{{USER_PROMPT}}", "{{user_prompt}}"} {
		if idx := strings.Index(template, marker); idx >= 0 {
			system = strings.TrimSpace(template[:idx])
			user = strings.TrimSpace(intent + template[idx+len(marker):])
			return system, user
		}
	}
	return strings.TrimSpace(template), intent
}

// stripIgnoredTags removes <tag>...</tag> spans for each configured tag.
func stripIgnoredTags(text string, tags []string) string {
	for _, tag := range tags {
		if tag == "" {
			continue
		}
		re, err := regexp.Compile(`(?s)<` + regexp.QuoteMeta(tag) + `(?:\s[^>]*)?>.*?</` + regexp.QuoteMeta(tag) + `>`)
		if err != nil {
			continue
		}
		text = re.ReplaceAllString(text, "")
	}
	return strings.TrimSpace(text)
}

var codeFenceEdgeRe = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*|\\s*```$")

// parseJudgeReply extracts the category from the judge's reply. Structured
// replies are JSON with a "type" or "category" key, tolerating markdown
// code fences and single-quote JSON. When structured output is disabled, a
// short JSON-free reply is taken as the bare category name.
func parseJudgeReply(reply string, structured bool) (string, bool) {
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", false
	}

	cleaned := strings.TrimSpace(codeFenceEdgeRe.ReplaceAllString(reply, ""))

	if cat, ok := parseCategoryJSON(cleaned); ok {
		return cat, true
	}
	// Some models single-quote JSON; retry after a naive swap.
	if strings.Contains(cleaned, "'") {
		if cat, ok := parseCategoryJSON(strings.ReplaceAll(cleaned, "'", `"`)); ok {
			return cat, true
		}
	}

	if !structured && len(cleaned) <= rawReplyMaxLen && !strings.ContainsAny(cleaned, "{}") {
		return strings.Trim(cleaned, `"`), true
	}
	return "", false
}

func parseCategoryJSON(s string) (string, bool) {
	var obj struct {
		Type     string `json:"type"`
		Category string `json:"category"`
	}
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return "", false
	}
	if obj.Type != "" {
		return obj.Type, true
	}
	if obj.Category != "" {
		return obj.Category, true
	}
	return "", false
}
