package protocols

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-router/pkg/apierr"
)

// OpenAI implements the chat-completions dialect. Streams are bare
// "data: {json}" frames terminated by "data: [DONE]".
type OpenAI struct{}

func (OpenAI) Name() string    { return "openai" }
func (OpenAI) ChatStyle() bool { return true }

func (OpenAI) ExtractModel(body []byte, _ string) string {
	return bodyModel(body)
}

func (OpenAI) IsStreaming(body []byte, _ string) bool {
	return bodyStreamFlag(body)
}

func (OpenAI) UpstreamPath(_ string, _ bool) string {
	return "/chat/completions"
}

func (OpenAI) ApplyAuth(setHeader func(key, value string), apiKey string) {
	setHeader("Authorization", "Bearer "+apiKey)
}

// HasContent: a non-whitespace text delta or any tool-call fragment (a call
// start carries the function name; argument deltas carry partial JSON).
func (OpenAI) HasContent(ev Event) bool {
	if ev.Done() {
		return false
	}
	delta := gjson.GetBytes(ev.Data, "choices.0.delta")
	if !delta.Exists() {
		return false
	}
	if text := delta.Get("content"); text.Exists() && strings.TrimSpace(text.String()) != "" {
		return true
	}
	if calls := delta.Get("tool_calls"); calls.IsArray() && len(calls.Array()) > 0 {
		return true
	}
	return false
}

// UpdateUsage: usage arrives as a single snapshot chunk when the client asks
// for include_usage; the snapshot replaces everything.
func (OpenAI) UpdateUsage(ev Event, u *Usage) {
	usage := gjson.GetBytes(ev.Data, "usage")
	if !usage.Exists() || usage.Type == gjson.Null {
		return
	}
	u.PromptTokens = int(usage.Get("prompt_tokens").Int())
	u.CompletionTokens = int(usage.Get("completion_tokens").Int())
	u.TotalTokens = int(usage.Get("total_tokens").Int())
	if cached := usage.Get("prompt_tokens_details.cached_tokens"); cached.Exists() {
		u.CachedTokens = int(cached.Int())
	}
}

func (OpenAI) WriteError(ctx *fasthttp.RequestCtx, status int, errType, code, message string) {
	apierr.Write(ctx, status, message, errType, code)
}
