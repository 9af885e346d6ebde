package expert

import (
	"errors"
	"testing"

	"github.com/nulpointcorp/llm-router/internal/store"
)

func TestBuildSignalPlainChat(t *testing.T) {
	body := []byte(`{"messages":[
		{"role":"system","content":"You are helpful."},
		{"role":"user","content":"Write me a haiku about rivers"}
	]}`)
	sig, err := BuildSignal(body, store.PreprocessingConfig{})
	if err != nil {
		t.Fatalf("BuildSignal: %v", err)
	}
	if sig.IntentText != "Write me a haiku about rivers" {
		t.Fatalf("intent = %q", sig.IntentText)
	}
	if sig.HistoryHint != "system: You are helpful." {
		t.Fatalf("history = %q", sig.HistoryHint)
	}
}

func TestBuildSignalStripsSystemPrompt(t *testing.T) {
	body := []byte(`{"messages":[
		{"role":"system","content":"secret instructions"},
		{"role":"user","content":"hello"}
	]}`)
	sig, err := BuildSignal(body, store.PreprocessingConfig{StripSystemPrompt: true})
	if err != nil {
		t.Fatalf("BuildSignal: %v", err)
	}
	if sig.HistoryHint != "" {
		t.Fatalf("history should be empty, got %q", sig.HistoryHint)
	}
}

func TestBuildSignalContentParts(t *testing.T) {
	body := []byte(`{"messages":[
		{"role":"user","content":[
			{"type":"text","text":"describe this"},
			{"type":"image_url","image_url":{"url":"data:..."}}
		]}
	]}`)
	sig, err := BuildSignal(body, store.PreprocessingConfig{StripFiles: true})
	if err != nil {
		t.Fatalf("BuildSignal: %v", err)
	}
	if sig.IntentText != "describe this" {
		t.Fatalf("intent = %q", sig.IntentText)
	}
}

func TestBuildSignalStripsCodeFences(t *testing.T) {
	body := []byte("{\"messages\":[{\"role\":\"user\",\"content\":\"fix this\\n```go\\npanic(1)\\n```\"}]}")
	sig, err := BuildSignal(body, store.PreprocessingConfig{StripCode: true})
	if err != nil {
		t.Fatalf("BuildSignal: %v", err)
	}
	if sig.IntentText != "fix this" {
		t.Fatalf("intent = %q", sig.IntentText)
	}
}

func TestBuildSignalToolSignals(t *testing.T) {
	body := []byte(`{
		"tools":[{"type":"function","function":{"name":"get_weather"}}],
		"messages":[{"role":"user","content":"weather in Oslo?"}]
	}`)
	sig, err := BuildSignal(body, store.PreprocessingConfig{})
	if err != nil {
		t.Fatalf("BuildSignal: %v", err)
	}
	if len(sig.ToolSignals) != 1 || sig.ToolSignals[0] != "get_weather" {
		t.Fatalf("tool signals = %v", sig.ToolSignals)
	}

	sig, err = BuildSignal(body, store.PreprocessingConfig{StripTools: true})
	if err != nil {
		t.Fatalf("BuildSignal: %v", err)
	}
	if len(sig.ToolSignals) != 0 {
		t.Fatalf("stripped tool signals = %v", sig.ToolSignals)
	}
}

func TestBuildSignalHistoryWindow(t *testing.T) {
	body := []byte(`{"messages":[
		{"role":"user","content":"one"},
		{"role":"assistant","content":"two"},
		{"role":"user","content":"three"},
		{"role":"assistant","content":"four"},
		{"role":"user","content":"five"}
	]}`)
	sig, err := BuildSignal(body, store.PreprocessingConfig{MaxHistoryMessages: 2})
	if err != nil {
		t.Fatalf("BuildSignal: %v", err)
	}
	if sig.IntentText != "five" {
		t.Fatalf("intent = %q", sig.IntentText)
	}
	if sig.HistoryHint != "assistant: four" {
		t.Fatalf("history = %q", sig.HistoryHint)
	}
}

func TestBuildSignalNoUsableSignal(t *testing.T) {
	body := []byte(`{"messages":[{"role":"user","content":"   "}]}`)
	_, err := BuildSignal(body, store.PreprocessingConfig{})
	if !errors.Is(err, ErrNoSignal) {
		t.Fatalf("err = %v, want ErrNoSignal", err)
	}
}

func TestBuildSignalGeminiContents(t *testing.T) {
	body := []byte(`{"contents":[{"role":"user","parts":[{"text":"translate to french"}]}]}`)
	sig, err := BuildSignal(body, store.PreprocessingConfig{})
	if err != nil {
		t.Fatalf("BuildSignal: %v", err)
	}
	if sig.IntentText != "translate to french" {
		t.Fatalf("intent = %q", sig.IntentText)
	}
}
