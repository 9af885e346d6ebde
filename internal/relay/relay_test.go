package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/nulpointcorp/llm-router/internal/protocols"
)

type captureWriter struct {
	frames []string
	drains int
	failAt int // fail on the Nth Write (1-based), 0 = never
}

func (c *captureWriter) Write(frame []byte) error {
	if c.failAt > 0 && len(c.frames)+1 >= c.failAt {
		return errors.New("broken pipe")
	}
	c.frames = append(c.frames, string(frame))
	return nil
}

func (c *captureWriter) AwaitDrain() error {
	c.drains++
	return nil
}

func (c *captureWriter) all() string { return strings.Join(c.frames, "") }

func chunk(content string) string {
	return fmt.Sprintf(`{"choices":[{"index":0,"delta":{"content":%q}}]}`, content)
}

func sseServer(t *testing.T, responses ...[]string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1)) - 1
		if n >= len(responses) {
			n = len(responses) - 1
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range responses[n] {
			fmt.Fprintf(w, "data: %s\n\n", line)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestStreamRelaysContent(t *testing.T) {
	srv, _ := sseServer(t, []string{
		`{"choices":[{"index":0,"delta":{"role":"assistant"}}]}`,
		chunk("Hello"),
		chunk(" world"),
		"[DONE]",
	})
	w := &captureWriter{}
	res, err := New(srv.Client(), nil).Stream(context.Background(), &Upstream{URL: srv.URL}, protocols.OpenAI{}, 1, w)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if res.Attempts != 1 || !res.Flushed {
		t.Fatalf("result = %+v", res)
	}
	out := w.all()
	// The role-only preamble frame is buffered and then flushed verbatim
	// ahead of the first content frame.
	if !strings.Contains(out, `"role":"assistant"`) || !strings.Contains(out, "Hello") {
		t.Fatalf("output missing frames:\n%s", out)
	}
	if strings.Index(out, `"role":"assistant"`) > strings.Index(out, "Hello") {
		t.Fatalf("buffered preamble not flushed before content:\n%s", out)
	}
	if !strings.HasSuffix(out, "data: [DONE]\n\n") {
		t.Fatalf("missing [DONE] terminator:\n%s", out)
	}
}

func TestStreamRetriesEmptyThenSucceeds(t *testing.T) {
	srv, calls := sseServer(t,
		[]string{`{"choices":[{"index":0,"delta":{"role":"assistant"}}]}`, "[DONE]"},
		[]string{chunk("second try"), "[DONE]"},
	)
	w := &captureWriter{}
	res, err := New(srv.Client(), nil).Stream(context.Background(), &Upstream{URL: srv.URL}, protocols.OpenAI{}, 1, w)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if res.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", res.Attempts)
	}
	if calls.Load() != 2 {
		t.Fatalf("upstream calls = %d, want 2", calls.Load())
	}
	out := w.all()
	// Nothing from the discarded first attempt may leak through.
	if strings.Contains(out, `"role":"assistant"`) {
		t.Fatalf("discarded attempt leaked into output:\n%s", out)
	}
	if !strings.Contains(out, "second try") {
		t.Fatalf("missing retried content:\n%s", out)
	}
}

func TestStreamAllAttemptsEmpty(t *testing.T) {
	srv, calls := sseServer(t, []string{`{"choices":[{"index":0,"delta":{"content":"   "}}]}`, "[DONE]"})
	w := &captureWriter{}
	res, err := New(srv.Client(), nil).Stream(context.Background(), &Upstream{URL: srv.URL}, protocols.OpenAI{}, 1, w)
	if !errors.Is(err, ErrEmptyOutput) {
		t.Fatalf("err = %v, want ErrEmptyOutput", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("upstream calls = %d, want retryLimit+1", calls.Load())
	}
	if res.Flushed || len(w.frames) != 0 {
		t.Fatalf("empty attempts must not write to the client: %+v", w.frames)
	}
}

func TestStreamZeroRetryLimit(t *testing.T) {
	srv, calls := sseServer(t, []string{"[DONE]"})
	_, err := New(srv.Client(), nil).Stream(context.Background(), &Upstream{URL: srv.URL}, protocols.OpenAI{}, 0, &captureWriter{})
	if !errors.Is(err, ErrEmptyOutput) {
		t.Fatalf("err = %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("upstream calls = %d, want exactly 1", calls.Load())
	}
}

func TestStreamUpstreamHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"rate limited"}}`, http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	_, err := New(srv.Client(), nil).Stream(context.Background(), &Upstream{URL: srv.URL}, protocols.OpenAI{}, 1, &captureWriter{})
	var ue *UpstreamError
	if !errors.As(err, &ue) || ue.Status != http.StatusTooManyRequests {
		t.Fatalf("err = %v, want 429 UpstreamError", err)
	}
}

func TestStreamClientDisconnect(t *testing.T) {
	srv, calls := sseServer(t, []string{chunk("one"), chunk("two"), "[DONE]"})
	w := &captureWriter{failAt: 2}
	res, err := New(srv.Client(), nil).Stream(context.Background(), &Upstream{URL: srv.URL}, protocols.OpenAI{}, 3, w)
	if err != nil {
		t.Fatalf("disconnect must not be an error, got %v", err)
	}
	if !res.Disconnected {
		t.Fatalf("result = %+v, want Disconnected", res)
	}
	if calls.Load() != 1 {
		t.Fatalf("upstream calls = %d, disconnect must not retry", calls.Load())
	}
}

func TestStreamUsageFromFinalSnapshot(t *testing.T) {
	srv, _ := sseServer(t, []string{
		chunk("hi"),
		`{"choices":[],"usage":{"prompt_tokens":7,"completion_tokens":3,"total_tokens":10}}`,
		"[DONE]",
	})
	w := &captureWriter{}
	res, err := New(srv.Client(), nil).Stream(context.Background(), &Upstream{URL: srv.URL}, protocols.OpenAI{}, 1, w)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if res.Usage.PromptTokens != 7 || res.Usage.CompletionTokens != 3 || res.Usage.TotalTokens != 10 {
		t.Fatalf("usage = %+v", res.Usage)
	}
}

func TestFrameReaderParsesNamedEvents(t *testing.T) {
	input := "event: message_start\ndata: {\"type\":\"message_start\"}\n\nevent: ping\ndata: {}\n\n"
	fr := newFrameReader(strings.NewReader(input))

	f, err := fr.next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if f.ev.Name != "message_start" || !strings.Contains(string(f.ev.Data), "message_start") {
		t.Fatalf("frame = %+v", f.ev)
	}
	if string(f.raw) != "event: message_start\ndata: {\"type\":\"message_start\"}\n\n" {
		t.Fatalf("raw frame altered: %q", f.raw)
	}
}
