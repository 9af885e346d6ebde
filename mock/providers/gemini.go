package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
)

// newGeminiHandler returns an http.Handler simulating the Gemini API:
//
//	POST {base}/models/{model}:generateContent
//	POST {base}/models/{model}:streamGenerateContent[?alt=sse]
//	POST {base}/models/{model}:embedContent
//	POST {base}/models/{model}:batchEmbedContents
//
// where {base} defaults to https://generativelanguage.googleapis.com/v1beta.
// The gateway's relay requests streams with alt=sse; the genai SDK used by
// expert routing posts without it and gets the JSON-array form.
func newGeminiHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1beta/models/", func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path // e.g. /v1beta/models/gemini-1.5-pro:generateContent
		model := geminiModelFromPath(path)

		switch {
		case strings.HasSuffix(path, ":generateContent"):
			if r.Method != http.MethodPost {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
				return
			}
			applyLatency(cfg)
			if shouldError(cfg) {
				writeGeminiError(w, http.StatusInternalServerError, "mock internal error")
				return
			}
			handleGeminiGenerate(w, r, cfg, model, false)

		case strings.HasSuffix(path, ":streamGenerateContent"):
			if r.Method != http.MethodPost {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
				return
			}
			applyLatency(cfg)
			if shouldError(cfg) {
				writeGeminiError(w, http.StatusInternalServerError, "mock internal error")
				return
			}
			handleGeminiGenerate(w, r, cfg, model, true)

		case strings.HasSuffix(path, ":embedContent"):
			if r.Method != http.MethodPost {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
				return
			}
			applyLatency(cfg)
			writeJSON(w, http.StatusOK, map[string]any{
				"embedding": map[string]any{"values": fakeEmbedding(768)},
			})

		case strings.HasSuffix(path, ":batchEmbedContents"):
			if r.Method != http.MethodPost {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
				return
			}
			applyLatency(cfg)
			handleGeminiBatchEmbed(w, r)

		default:
			writeGeminiError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", path))
		}
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeGeminiError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path))
	})

	return mux
}

func handleGeminiGenerate(w http.ResponseWriter, r *http.Request, cfg Config, model string, stream bool) {
	id := fmt.Sprintf("gemini-%x", rand.Int64())
	content := fakeSentence(cfg.StreamWords)
	inTokens := 10
	outTokens := cfg.StreamWords

	response := func(text string, out int) map[string]any {
		return map[string]any{
			"candidates": []any{
				map[string]any{
					"content": map[string]any{
						"role":  "model",
						"parts": []map[string]string{{"text": text}},
					},
					"finishReason": "STOP",
					"index":        0,
				},
			},
			"usageMetadata": map[string]int{
				"promptTokenCount":     inTokens,
				"candidatesTokenCount": out,
				"totalTokenCount":      inTokens + out,
			},
			"responseId":   id,
			"modelVersion": model,
		}
	}

	if !stream {
		writeJSON(w, http.StatusOK, response(content, outTokens))
		return
	}

	empty := shouldEmptyStream(cfg)

	if r.URL.Query().Get("alt") == "sse" {
		// Bare data frames, one response object per word; no [DONE]
		// terminator in the Gemini dialect.
		sse := newSSEWriter(w)
		if empty {
			sse.event("", response("", 0))
			return
		}
		words := strings.Fields(content)
		for i, word := range words {
			out := 0
			if i == len(words)-1 {
				out = outTokens
			}
			sse.event("", response(word+" ", out))
		}
		return
	}

	// Without alt=sse the API returns a JSON array of response objects.
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if empty {
		_ = json.NewEncoder(w).Encode([]any{response("", 0)})
		return
	}
	_ = json.NewEncoder(w).Encode([]any{response(content, outTokens)})
}

func handleGeminiBatchEmbed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Requests []any `json:"requests"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	n := len(req.Requests)
	if n == 0 {
		n = 1
	}

	embeddings := make([]map[string]any, n)
	for i := range embeddings {
		embeddings[i] = map[string]any{
			"embedding": map[string]any{"values": fakeEmbedding(768)},
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"embeddings": embeddings})
}

func writeGeminiError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": msg,
			"status":  "INTERNAL",
		},
	})
}

// geminiModelFromPath pulls the model name out of a path like
// /v1beta/models/gemini-1.5-pro:generateContent
func geminiModelFromPath(path string) string {
	const prefix = "/v1beta/models/"
	rest := strings.TrimPrefix(path, prefix)
	if col := strings.Index(rest, ":"); col >= 0 {
		return rest[:col]
	}
	return rest
}
