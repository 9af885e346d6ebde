package protocols

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-router/pkg/apierr"
)

const anthropicVersion = "2023-06-01"

// Anthropic implements the messages dialect. Streams use named SSE events
// ("event: content_block_delta\ndata: {...}") and no [DONE] terminator.
type Anthropic struct{}

func (Anthropic) Name() string    { return "anthropic" }
func (Anthropic) ChatStyle() bool { return false }

func (Anthropic) ExtractModel(body []byte, _ string) string {
	return bodyModel(body)
}

func (Anthropic) IsStreaming(body []byte, _ string) bool {
	return bodyStreamFlag(body)
}

func (Anthropic) UpstreamPath(_ string, _ bool) string {
	return "/messages"
}

func (Anthropic) ApplyAuth(setHeader func(key, value string), apiKey string) {
	setHeader("x-api-key", apiKey)
	setHeader("anthropic-version", anthropicVersion)
}

// HasContent: tool_use block starts, non-whitespace text deltas, and
// input_json deltas (streamed tool arguments) all count as real content.
// message_start / ping / usage-only message_delta events do not.
func (Anthropic) HasContent(ev Event) bool {
	switch ev.Name {
	case "content_block_start":
		return gjson.GetBytes(ev.Data, "content_block.type").String() == "tool_use"
	case "content_block_delta":
		delta := gjson.GetBytes(ev.Data, "delta")
		switch delta.Get("type").String() {
		case "text_delta":
			return strings.TrimSpace(delta.Get("text").String()) != ""
		case "input_json_delta":
			return true
		}
	}
	return false
}

// UpdateUsage: message_start reports input tokens, message_delta reports the
// running output total. Fields merge rather than replace.
func (Anthropic) UpdateUsage(ev Event, u *Usage) {
	var usage gjson.Result
	switch ev.Name {
	case "message_start":
		usage = gjson.GetBytes(ev.Data, "message.usage")
	case "message_delta":
		usage = gjson.GetBytes(ev.Data, "usage")
	default:
		return
	}
	if !usage.Exists() {
		return
	}
	if in := usage.Get("input_tokens"); in.Exists() {
		u.PromptTokens = int(in.Int())
	}
	if out := usage.Get("output_tokens"); out.Exists() {
		u.CompletionTokens = int(out.Int())
	}
	if cached := usage.Get("cache_read_input_tokens"); cached.Exists() {
		u.CachedTokens = int(cached.Int())
	}
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
}

func (Anthropic) WriteError(ctx *fasthttp.RequestCtx, status int, errType, _ string, message string) {
	apierr.WriteAnthropic(ctx, status, message, errType)
}
