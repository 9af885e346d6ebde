package protocols

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-router/pkg/apierr"
)

// Gemini implements the native generateContent dialect. The model name and
// the streaming flag live in the URL, not the body; streamed responses are
// bare data frames with no terminator.
type Gemini struct{}

func (Gemini) Name() string    { return "gemini" }
func (Gemini) ChatStyle() bool { return false }

func (Gemini) ExtractModel(body []byte, path string) string {
	if m := bodyModel(body); m != "" {
		return m
	}
	return geminiPathModel(path)
}

func (Gemini) IsStreaming(body []byte, path string) bool {
	if strings.Contains(path, ":streamGenerateContent") {
		return true
	}
	return bodyStreamFlag(body)
}

func (Gemini) UpstreamPath(model string, stream bool) string {
	if stream {
		return "/models/" + model + ":streamGenerateContent?alt=sse"
	}
	return "/models/" + model + ":generateContent"
}

func (Gemini) ApplyAuth(setHeader func(key, value string), apiKey string) {
	setHeader("x-goog-api-key", apiKey)
}

// HasContent: a candidate part with non-whitespace text or a functionCall.
func (Gemini) HasContent(ev Event) bool {
	parts := gjson.GetBytes(ev.Data, "candidates.0.content.parts")
	if !parts.IsArray() {
		return false
	}
	for _, part := range parts.Array() {
		if text := part.Get("text"); text.Exists() && strings.TrimSpace(text.String()) != "" {
			return true
		}
		if part.Get("functionCall").Exists() {
			return true
		}
	}
	return false
}

// UpdateUsage: usageMetadata rides on every chunk with cumulative counts;
// each occurrence replaces the previous one.
func (Gemini) UpdateUsage(ev Event, u *Usage) {
	meta := gjson.GetBytes(ev.Data, "usageMetadata")
	if !meta.Exists() {
		return
	}
	u.PromptTokens = int(meta.Get("promptTokenCount").Int())
	u.CompletionTokens = int(meta.Get("candidatesTokenCount").Int())
	u.TotalTokens = int(meta.Get("totalTokenCount").Int())
	if cached := meta.Get("cachedContentTokenCount"); cached.Exists() {
		u.CachedTokens = int(cached.Int())
	}
}

// WriteError: native Gemini clients receive the proxy's OpenAI-shaped
// envelope; there is no gateway-specific Gemini error format.
func (Gemini) WriteError(ctx *fasthttp.RequestCtx, status int, errType, code, message string) {
	apierr.Write(ctx, status, message, errType, code)
}
