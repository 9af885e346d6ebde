// Package expert implements the cascading intent classifier: a cheap
// semantic embedding stage, keyword heuristics, an LLM judge, and a
// configured fallback, in that order. The resolver consumes it through the
// routing.ExpertRouter interface.
package expert

import (
	"errors"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/llm-router/internal/store"
)

// ErrNoSignal means the request carried nothing classifiable: no user text
// and no tool signal survived preprocessing.
var ErrNoSignal = errors.New("expert: no usable classification signal in request")

// Signal is the cleaned classification input derived from a raw request.
type Signal struct {
	// IntentText is the latest user utterance after preprocessing.
	IntentText string

	// HistoryHint is earlier conversation text, bounded by
	// max_history_messages, oldest first.
	HistoryHint string

	// ToolSignals lists tool names declared or invoked by the request.
	ToolSignals []string

	// CleanedLen is the post-preprocessing character count, recorded in the
	// audit log.
	CleanedLen int
}

var codeFenceRe = regexp.MustCompile("(?s)```.*?```")

// BuildSignal extracts the classification signal from a raw JSON body. It
// understands the chat-completions message list, the Anthropic top-level
// system field and the Gemini contents list.
func BuildSignal(body []byte, pre store.PreprocessingConfig) (*Signal, error) {
	sig := &Signal{}

	if !pre.StripTools {
		sig.ToolSignals = toolSignals(body)
	}

	var texts []struct {
		role string
		text string
	}
	appendText := func(role, text string) {
		text = strings.TrimSpace(text)
		if text == "" {
			return
		}
		texts = append(texts, struct {
			role string
			text string
		}{role, text})
	}

	if sys := gjson.GetBytes(body, "system"); sys.Exists() && !pre.StripSystemPrompt {
		appendText("system", blockText(sys))
	}

	msgs := gjson.GetBytes(body, "messages")
	if !msgs.Exists() {
		msgs = gjson.GetBytes(body, "contents")
	}
	msgs.ForEach(func(_, m gjson.Result) bool {
		role := m.Get("role").String()
		if role == "" {
			role = "user"
		}
		switch role {
		case "system", "developer":
			if pre.StripSystemPrompt {
				return true
			}
		case "tool", "function":
			if pre.StripTools {
				return true
			}
		}
		appendText(role, messageText(m, pre))
		return true
	})

	// Trim history to the configured window, always keeping the newest
	// messages.
	if pre.MaxHistoryMessages > 0 && len(texts) > pre.MaxHistoryMessages {
		texts = texts[len(texts)-pre.MaxHistoryMessages:]
	}

	// The intent is the last user utterance; everything before it is hint.
	var history []string
	for i := len(texts) - 1; i >= 0; i-- {
		if texts[i].role == "user" && sig.IntentText == "" {
			sig.IntentText = texts[i].text
			continue
		}
		history = append([]string{texts[i].role + ": " + texts[i].text}, history...)
	}
	sig.HistoryHint = strings.Join(history, "\n")

	if pre.StripCode {
		sig.IntentText = strings.TrimSpace(codeFenceRe.ReplaceAllString(sig.IntentText, ""))
		sig.HistoryHint = strings.TrimSpace(codeFenceRe.ReplaceAllString(sig.HistoryHint, ""))
	}

	sig.CleanedLen = len(sig.IntentText) + len(sig.HistoryHint)
	if sig.IntentText == "" && len(sig.ToolSignals) == 0 {
		return nil, ErrNoSignal
	}
	return sig, nil
}

// messageText flattens a message's content, which may be a plain string, a
// parts array ({type:"text"} blocks, Gemini parts[].text), or absent.
func messageText(m gjson.Result, pre store.PreprocessingConfig) string {
	content := m.Get("content")
	if !content.Exists() {
		content = m.Get("parts")
	}
	if content.Type == gjson.String {
		return content.String()
	}
	var sb strings.Builder
	content.ForEach(func(_, part gjson.Result) bool {
		switch part.Get("type").String() {
		case "", "text":
			if t := part.Get("text"); t.Exists() {
				if sb.Len() > 0 {
					sb.WriteByte('\n')
				}
				sb.WriteString(t.String())
			}
		case "image_url", "image", "file", "document", "input_audio":
			if pre.StripFiles {
				return true
			}
		}
		return true
	})
	return sb.String()
}

func blockText(v gjson.Result) string {
	if v.Type == gjson.String {
		return v.String()
	}
	var sb strings.Builder
	v.ForEach(func(_, part gjson.Result) bool {
		if t := part.Get("text"); t.Exists() {
			if sb.Len() > 0 {
				sb.WriteByte('\n')
			}
			sb.WriteString(t.String())
		}
		return true
	})
	return sb.String()
}

// toolSignals collects declared tool names and invoked tool-call names.
func toolSignals(body []byte) []string {
	seen := make(map[string]struct{})
	var names []string
	add := func(v gjson.Result) {
		n := v.String()
		if n == "" {
			return
		}
		if _, ok := seen[n]; ok {
			return
		}
		seen[n] = struct{}{}
		names = append(names, n)
	}
	gjson.GetBytes(body, "tools").ForEach(func(_, t gjson.Result) bool {
		if n := t.Get("function.name"); n.Exists() {
			add(n)
		} else {
			add(t.Get("name"))
		}
		return true
	})
	gjson.GetBytes(body, "messages").ForEach(func(_, m gjson.Result) bool {
		m.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
			add(tc.Get("function.name"))
			return true
		})
		return true
	})
	return names
}
