package protocols

import (
	"testing"
)

func TestDetectFromPath(t *testing.T) {
	cases := []struct {
		path string
		want string
		ok   bool
	}{
		{"/v1/chat/completions", "openai", true},
		{"/v1/completions", "openai", true},
		{"/v1/messages", "anthropic", true},
		{"/v1beta/models/gemini-2.0-flash:generateContent", "gemini", true},
		{"/v1beta/models/gemini-2.0-flash:streamGenerateContent", "gemini", true},
		{"/v1/embeddings", "", false},
		{"/health", "", false},
	}
	for _, tc := range cases {
		p, ok := DetectFromPath(tc.path)
		if ok != tc.ok {
			t.Errorf("DetectFromPath(%q) ok=%v, want %v", tc.path, ok, tc.ok)
			continue
		}
		if ok && p.Name() != tc.want {
			t.Errorf("DetectFromPath(%q) = %s, want %s", tc.path, p.Name(), tc.want)
		}
	}
}

func TestForName(t *testing.T) {
	for _, name := range []string{"openai", "anthropic", "gemini"} {
		p, ok := ForName(name)
		if !ok || p.Name() != name {
			t.Errorf("ForName(%q) = (%v, %v)", name, p, ok)
		}
	}
	// Unconfigured protocol defaults to openai.
	if p, ok := ForName(""); !ok || p.Name() != "openai" {
		t.Error("empty protocol should default to openai")
	}
	if _, ok := ForName("soap"); ok {
		t.Error("unknown protocol should not resolve")
	}
}

func TestGemini_ModelAndStreamFromPath(t *testing.T) {
	g := Gemini{}

	path := "/v1beta/models/gemini-2.5-pro:streamGenerateContent"
	if m := g.ExtractModel(nil, path); m != "gemini-2.5-pro" {
		t.Errorf("model = %q", m)
	}
	if !g.IsStreaming(nil, path) {
		t.Error("streamGenerateContent path must be streaming")
	}
	if g.IsStreaming(nil, "/v1beta/models/gemini-2.5-pro:generateContent") {
		t.Error("generateContent path is not streaming")
	}

	// Body model wins over the path.
	body := []byte(`{"model":"gemini-2.0-flash"}`)
	if m := g.ExtractModel(body, path); m != "gemini-2.0-flash" {
		t.Errorf("body model should win, got %q", m)
	}
}

func TestOpenAI_HasContent(t *testing.T) {
	o := OpenAI{}

	cases := []struct {
		name string
		data string
		want bool
	}{
		{"text delta", `{"choices":[{"delta":{"content":"Hello"}}]}`, true},
		{"whitespace only", `{"choices":[{"delta":{"content":"  \n"}}]}`, false},
		{"empty delta", `{"choices":[{"delta":{}}]}`, false},
		{"role-only first chunk", `{"choices":[{"delta":{"role":"assistant"}}]}`, false},
		{"tool call start", `{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"name":"get_weather"}}]}}]}`, true},
		{"tool arg delta", `{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"ci"}}]}}]}`, true},
		{"usage snapshot", `{"choices":[],"usage":{"prompt_tokens":9,"completion_tokens":12}}`, false},
		{"done marker", `[DONE]`, false},
	}
	for _, tc := range cases {
		if got := o.HasContent(Event{Data: []byte(tc.data)}); got != tc.want {
			t.Errorf("%s: HasContent = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestOpenAI_UpdateUsage(t *testing.T) {
	o := OpenAI{}
	var u Usage

	o.UpdateUsage(Event{Data: []byte(`{"choices":[{"delta":{"content":"x"}}]}`)}, &u)
	if u.PromptTokens != 0 {
		t.Error("no usage on content chunks")
	}

	o.UpdateUsage(Event{Data: []byte(`{"usage":{"prompt_tokens":11,"completion_tokens":42,"total_tokens":53,"prompt_tokens_details":{"cached_tokens":4}}}`)}, &u)
	if u.PromptTokens != 11 || u.CompletionTokens != 42 || u.TotalTokens != 53 || u.CachedTokens != 4 {
		t.Errorf("usage = %+v", u)
	}
}

func TestAnthropic_HasContent(t *testing.T) {
	a := Anthropic{}

	cases := []struct {
		event string
		data  string
		want  bool
	}{
		{"message_start", `{"message":{"usage":{"input_tokens":10}}}`, false},
		{"ping", `{}`, false},
		{"content_block_start", `{"content_block":{"type":"text"}}`, false},
		{"content_block_start", `{"content_block":{"type":"tool_use","name":"search"}}`, true},
		{"content_block_delta", `{"delta":{"type":"text_delta","text":"Hi"}}`, true},
		{"content_block_delta", `{"delta":{"type":"text_delta","text":" \t"}}`, false},
		{"content_block_delta", `{"delta":{"type":"input_json_delta","partial_json":"{\"q\":"}}`, true},
		{"message_delta", `{"usage":{"output_tokens":5}}`, false},
	}
	for _, tc := range cases {
		ev := Event{Name: tc.event, Data: []byte(tc.data)}
		if got := a.HasContent(ev); got != tc.want {
			t.Errorf("%s %s: HasContent = %v, want %v", tc.event, tc.data, got, tc.want)
		}
	}
}

func TestAnthropic_UpdateUsageMerges(t *testing.T) {
	a := Anthropic{}
	var u Usage

	a.UpdateUsage(Event{Name: "message_start", Data: []byte(`{"message":{"usage":{"input_tokens":25,"cache_read_input_tokens":8}}}`)}, &u)
	a.UpdateUsage(Event{Name: "message_delta", Data: []byte(`{"usage":{"output_tokens":17}}`)}, &u)

	if u.PromptTokens != 25 || u.CompletionTokens != 17 || u.CachedTokens != 8 {
		t.Errorf("usage = %+v", u)
	}
	if u.TotalTokens != 42 {
		t.Errorf("total = %d, want 42", u.TotalTokens)
	}
}

func TestGemini_HasContentAndUsage(t *testing.T) {
	g := Gemini{}

	if !g.HasContent(Event{Data: []byte(`{"candidates":[{"content":{"parts":[{"text":"answer"}]}}]}`)}) {
		t.Error("text part is content")
	}
	if g.HasContent(Event{Data: []byte(`{"candidates":[{"content":{"parts":[{"text":"  "}]}}]}`)}) {
		t.Error("whitespace text is not content")
	}
	if !g.HasContent(Event{Data: []byte(`{"candidates":[{"content":{"parts":[{"functionCall":{"name":"lookup"}}]}}]}`)}) {
		t.Error("functionCall is content")
	}
	if g.HasContent(Event{Data: []byte(`{"usageMetadata":{"promptTokenCount":3}}`)}) {
		t.Error("usage-only chunk is not content")
	}

	var u Usage
	g.UpdateUsage(Event{Data: []byte(`{"usageMetadata":{"promptTokenCount":7,"candidatesTokenCount":3,"totalTokenCount":10}}`)}, &u)
	g.UpdateUsage(Event{Data: []byte(`{"usageMetadata":{"promptTokenCount":7,"candidatesTokenCount":21,"totalTokenCount":28,"cachedContentTokenCount":2}}`)}, &u)
	if u.CompletionTokens != 21 || u.TotalTokens != 28 || u.CachedTokens != 2 {
		t.Errorf("cumulative snapshot should win: %+v", u)
	}
}

func TestUpstreamPaths(t *testing.T) {
	if got := (OpenAI{}).UpstreamPath("gpt-4o", true); got != "/chat/completions" {
		t.Errorf("openai path = %s", got)
	}
	if got := (Anthropic{}).UpstreamPath("claude-sonnet-4-5", false); got != "/messages" {
		t.Errorf("anthropic path = %s", got)
	}
	if got := (Gemini{}).UpstreamPath("gemini-2.5-flash", true); got != "/models/gemini-2.5-flash:streamGenerateContent?alt=sse" {
		t.Errorf("gemini stream path = %s", got)
	}
	if got := (Gemini{}).UpstreamPath("gemini-2.5-flash", false); got != "/models/gemini-2.5-flash:generateContent" {
		t.Errorf("gemini path = %s", got)
	}
}
