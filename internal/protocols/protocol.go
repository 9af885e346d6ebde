// Package protocols models the closed set of upstream API dialects the
// gateway can relay: OpenAI chat completions, Anthropic messages, and native
// Gemini generateContent. A Protocol is selected once per request (from the
// path, or from the resolved model's configuration) and threaded through the
// pipeline and the streaming relay.
package protocols

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"
)

// Event is one upstream Server-Sent Event: the optional event name from the
// "event:" line and the raw payload from the "data:" line. Data is forwarded
// byte-verbatim to the client, so parsing here is read-only.
type Event struct {
	Name string
	Data []byte
}

// Done reports whether this event is the chat-style stream terminator.
func (e Event) Done() bool {
	return strings.TrimSpace(string(e.Data)) == "[DONE]"
}

// Usage accumulates token counters across a stream. Zero values mean "not
// reported yet".
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CachedTokens     int
}

// Protocol is the capability surface of one API dialect.
type Protocol interface {
	// Name returns the protocol identifier: "openai", "anthropic", "gemini".
	Name() string

	// ExtractModel resolves the model named by the request: the body's model
	// field first, then a path-embedded name for native paths. Empty when
	// neither is present.
	ExtractModel(body []byte, path string) string

	// IsStreaming detects streaming from the body flag or, for native paths,
	// the URL convention.
	IsStreaming(body []byte, path string) bool

	// ChatStyle reports whether the relayed stream is terminated with a
	// final "data: [DONE]" frame.
	ChatStyle() bool

	// UpstreamPath builds the request path under the provider's base URL
	// (which includes the API version segment, e.g. ".../v1").
	UpstreamPath(model string, stream bool) string

	// ApplyAuth emits the provider auth headers through setHeader.
	ApplyAuth(setHeader func(key, value string), apiKey string)

	// HasContent reports whether ev carries real assistant-visible content:
	// a non-whitespace text delta, a tool-use block start, or a
	// tool-argument delta.
	HasContent(ev Event) bool

	// UpdateUsage folds any token counters found in ev into u. Later events
	// overwrite earlier values field-by-field, so a final usage snapshot
	// wins over mid-stream partials.
	UpdateUsage(ev Event, u *Usage)

	// WriteError writes a protocol-shaped JSON error response.
	WriteError(ctx *fasthttp.RequestCtx, status int, errType, code, message string)
}

// ForName returns the Protocol for a configured protocol name.
func ForName(name string) (Protocol, bool) {
	switch strings.ToLower(name) {
	case "openai", "":
		return OpenAI{}, true
	case "anthropic":
		return Anthropic{}, true
	case "gemini":
		return Gemini{}, true
	}
	return nil, false
}

// DetectFromPath maps an inbound request path onto its native protocol.
// Native-path detection overrides the resolved model's configured protocol.
func DetectFromPath(path string) (Protocol, bool) {
	switch {
	case strings.HasPrefix(path, "/v1/chat/completions"), strings.HasPrefix(path, "/v1/completions"):
		return OpenAI{}, true
	case strings.HasPrefix(path, "/v1/messages"):
		return Anthropic{}, true
	case strings.HasPrefix(path, "/v1beta/models/"):
		return Gemini{}, true
	}
	return nil, false
}

// bodyModel reads the "model" field from a JSON body.
func bodyModel(body []byte) string {
	return gjson.GetBytes(body, "model").String()
}

// bodyStreamFlag reads the boolean "stream" field from a JSON body.
func bodyStreamFlag(body []byte) bool {
	return gjson.GetBytes(body, "stream").Bool()
}

// geminiPathModel extracts the model name from a native Gemini path of the
// form /v1beta/models/{model}:generateContent.
func geminiPathModel(path string) string {
	const prefix = "/v1beta/models/"
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	rest := path[len(prefix):]
	if i := strings.IndexByte(rest, ':'); i >= 0 {
		return rest[:i]
	}
	return rest
}
