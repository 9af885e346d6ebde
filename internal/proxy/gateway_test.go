package proxy

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nulpointcorp/llm-router/internal/breaker"
	"github.com/nulpointcorp/llm-router/internal/cache"
	"github.com/nulpointcorp/llm-router/internal/ratelimit"
	"github.com/nulpointcorp/llm-router/internal/routing"
	"github.com/nulpointcorp/llm-router/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

// testGateway wires a gateway against a seeded in-memory store with one
// provider pointing at upstreamURL.
func testGateway(t *testing.T, upstreamURL string, vk *store.VirtualKey) (*Gateway, *breaker.Breaker) {
	t.Helper()
	enc := testEncryption(t)
	st := store.NewMemory()

	apiKey, err := enc.Encrypt([]byte("upstream-secret"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	st.PutProvider(&store.Provider{
		ID:              "prov-1",
		Name:            "acme",
		BaseURL:         upstreamURL,
		APIKeyEncrypted: apiKey,
	})
	st.PutModel(&store.Model{
		ID:              "m-1",
		ProviderID:      strp("prov-1"),
		ModelIdentifier: "gpt-4o",
		Protocol:        store.ProtocolOpenAI,
	})
	if vk == nil {
		vk = &store.VirtualKey{ID: "vk-1", Enabled: true, ModelID: strp("m-1")}
	}
	vk.KeyHash = hashKey(testKey)
	st.PutVirtualKey(vk)

	smart := routing.NewSmartRouter(routing.NewRoundRobin(), nil, nil)
	resolver := routing.NewResolver(st, smart, nil, nil)
	pipeline := NewPipeline(st, enc, resolver, nil, nil, nil, nil)

	brk := breaker.New(breaker.Config{})
	gw := NewGateway(context.Background(), pipeline, brk, &http.Client{}, GatewayOptions{})
	return gw, brk
}

// serveGateway starts the gateway's full handler on an in-memory listener
// and returns an HTTP client that routes to it.
func serveGateway(t *testing.T, gw *Gateway) *http.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	t.Cleanup(func() { ln.Close() })

	go func() {
		_ = fasthttp.Serve(ln, gw.Handler(nil))
	}()

	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
}

func doProxyPost(t *testing.T, client *http.Client, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "http://gateway"+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testKey)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestDispatchNonStreamingSuccess(t *testing.T) {
	var sawAuth atomic.Value
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawAuth.Store(r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"resp-1","choices":[],"usage":{"prompt_tokens":10,"completion_tokens":5}}`))
	}))
	defer upstream.Close()

	gw, _ := testGateway(t, upstream.URL, nil)
	client := serveGateway(t, gw)

	resp := doProxyPost(t, client, "/v1/chat/completions", `{"model":"gpt-4o","messages":[]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Cache"); got != xCacheMISS {
		t.Fatalf("X-Cache = %q, want MISS", got)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`"resp-1"`)) {
		t.Fatalf("body not passed through: %s", body)
	}
	if auth := sawAuth.Load(); auth != "Bearer upstream-secret" {
		t.Fatalf("upstream auth = %v, want decrypted provider key", auth)
	}
}

func TestDispatchUpstreamErrorOpensBreaker(t *testing.T) {
	var calls atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
	}))
	defer upstream.Close()

	gw, brk := testGateway(t, upstream.URL, nil)
	client := serveGateway(t, gw)

	// failureThreshold is 2: two upstream failures open the circuit.
	for i := 0; i < 2; i++ {
		resp := doProxyPost(t, client, "/v1/chat/completions", `{"model":"gpt-4o"}`)
		if resp.StatusCode != http.StatusInternalServerError {
			t.Fatalf("request %d: status = %d, want 500 passthrough", i, resp.StatusCode)
		}
		io.Copy(io.Discard, resp.Body)
	}
	if state := brk.State(breaker.Key("prov-1", "gpt-4o")); state != breaker.StateOpen {
		t.Fatalf("breaker state = %v, want open", state)
	}

	resp := doProxyPost(t, client, "/v1/chat/completions", `{"model":"gpt-4o"}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 fast-reject", resp.StatusCode)
	}
	if calls.Load() != 2 {
		t.Fatalf("upstream calls = %d, want 2 (open breaker must not dispatch)", calls.Load())
	}
}

func TestDispatchClientErrorDecaysBreakerFailures(t *testing.T) {
	var status atomic.Int64
	status.Store(http.StatusInternalServerError)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
		w.Write([]byte(`{"error":{"message":"nope","type":"invalid_request_error"}}`))
	}))
	defer upstream.Close()

	gw, brk := testGateway(t, upstream.URL, nil)
	client := serveGateway(t, gw)
	key := breaker.Key("prov-1", "gpt-4o")

	resp := doProxyPost(t, client, "/v1/chat/completions", `{"model":"gpt-4o"}`)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 passthrough", resp.StatusCode)
	}
	io.Copy(io.Discard, resp.Body)
	if snap := brk.Snapshot(key); snap.Failures != 1 {
		t.Fatalf("failures = %d, want 1", snap.Failures)
	}

	// A 4xx pass-through is a provider success: closed-state decay applies.
	status.Store(http.StatusBadRequest)
	resp = doProxyPost(t, client, "/v1/chat/completions", `{"model":"gpt-4o"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 passthrough", resp.StatusCode)
	}
	io.Copy(io.Discard, resp.Body)
	if snap := brk.Snapshot(key); snap.Failures != 0 {
		t.Fatalf("failures = %d, want 0 after 4xx decay", snap.Failures)
	}

	// With the count decayed, one more 500 cannot open the circuit.
	status.Store(http.StatusInternalServerError)
	resp = doProxyPost(t, client, "/v1/chat/completions", `{"model":"gpt-4o"}`)
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 passthrough", resp.StatusCode)
	}
	if state := brk.State(key); state != breaker.StateClosed {
		t.Fatalf("breaker state = %v, want closed", state)
	}
}

func TestDispatchCacheHit(t *testing.T) {
	var calls atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"resp-1","usage":{"prompt_tokens":3,"completion_tokens":2}}`))
	}))
	defer upstream.Close()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	vk := &store.VirtualKey{ID: "vk-1", Enabled: true, ModelID: strp("m-1"), CacheEnabled: true}
	gw, _ := testGateway(t, upstream.URL, vk)
	gw.SetCache(cache.NewExactCacheFromClient(rdb))
	client := serveGateway(t, gw)

	first := doProxyPost(t, client, "/v1/chat/completions", `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
	if first.Header.Get("X-Cache") != xCacheMISS {
		t.Fatalf("first X-Cache = %q, want MISS", first.Header.Get("X-Cache"))
	}
	io.Copy(io.Discard, first.Body)

	second := doProxyPost(t, client, "/v1/chat/completions", `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
	if second.Header.Get("X-Cache") != xCacheHIT {
		t.Fatalf("second X-Cache = %q, want HIT", second.Header.Get("X-Cache"))
	}
	body, _ := io.ReadAll(second.Body)
	if !bytes.Contains(body, []byte(`"resp-1"`)) {
		t.Fatalf("cached body mismatch: %s", body)
	}
	if calls.Load() != 1 {
		t.Fatalf("upstream calls = %d, want 1", calls.Load())
	}
}

func TestDispatchCacheDisabledByKey(t *testing.T) {
	var calls atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"id":"resp-1"}`))
	}))
	defer upstream.Close()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	gw, _ := testGateway(t, upstream.URL, nil) // CacheEnabled defaults false
	gw.SetCache(cache.NewExactCacheFromClient(rdb))
	client := serveGateway(t, gw)

	for i := 0; i < 2; i++ {
		resp := doProxyPost(t, client, "/v1/chat/completions", `{"model":"gpt-4o"}`)
		if resp.Header.Get("X-Cache") == xCacheHIT {
			t.Fatal("cache must be bypassed when the key disables it")
		}
		io.Copy(io.Discard, resp.Body)
	}
	if calls.Load() != 2 {
		t.Fatalf("upstream calls = %d, want 2", calls.Load())
	}
}

func TestDispatchRateLimit(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"resp-1"}`))
	}))
	defer upstream.Close()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	vk := &store.VirtualKey{ID: "vk-1", Enabled: true, ModelID: strp("m-1"), RPMLimit: 1}
	gw, _ := testGateway(t, upstream.URL, vk)
	gw.SetRateLimiters(ratelimit.NewRPMLimiter(rdb, 0))
	client := serveGateway(t, gw)

	first := doProxyPost(t, client, "/v1/chat/completions", `{"model":"gpt-4o"}`)
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first status = %d, want 200", first.StatusCode)
	}
	io.Copy(io.Discard, first.Body)

	second := doProxyPost(t, client, "/v1/chat/completions", `{"model":"gpt-4o"}`)
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", second.StatusCode)
	}
	if second.Header.Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestDispatchStreamingRelay(t *testing.T) {
	var calls atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		if n == 1 {
			// Empty stream: role preamble and DONE, no content.
			io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\n")
			io.WriteString(w, "data: [DONE]\n\n")
			return
		}
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\n")
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hello\"}}]}\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer upstream.Close()

	gw, brk := testGateway(t, upstream.URL, nil)
	client := serveGateway(t, gw)

	resp := doProxyPost(t, client, "/v1/chat/completions", `{"model":"gpt-4o","stream":true}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	text := string(body)

	// The empty first attempt is discarded; the retry's frames arrive once,
	// in order, terminated by DONE.
	if strings.Count(text, `"hello"`) != 1 {
		t.Fatalf("content frame count wrong:\n%s", text)
	}
	if strings.Count(text, `"assistant"`) != 1 {
		t.Fatalf("preamble duplicated or missing:\n%s", text)
	}
	if !strings.HasSuffix(strings.TrimSpace(text), "data: [DONE]") {
		t.Fatalf("missing DONE terminator:\n%s", text)
	}
	if calls.Load() != 2 {
		t.Fatalf("upstream calls = %d, want 2 (one empty retry)", calls.Load())
	}

	// Streaming success counts for the breaker.
	deadline := time.Now().Add(time.Second)
	for brk.Snapshot(breaker.Key("prov-1", "gpt-4o")).Failures != 0 {
		if time.Now().After(deadline) {
			t.Fatal("breaker failure count not settled")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDispatchStreamingAllEmpty(t *testing.T) {
	var calls atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer upstream.Close()

	gw, _ := testGateway(t, upstream.URL, nil)
	client := serveGateway(t, gw)

	resp := doProxyPost(t, client, "/v1/chat/completions", `{"model":"gpt-4o","stream":true}`)
	body, _ := io.ReadAll(resp.Body)
	text := string(body)

	if !strings.Contains(text, "empty_output") {
		t.Fatalf("expected empty_output error event:\n%s", text)
	}
	if !strings.Contains(text, "data: [DONE]") {
		t.Fatalf("stream must terminate cleanly:\n%s", text)
	}
	// Default retry limit 1 → two attempts.
	if calls.Load() != 2 {
		t.Fatalf("upstream calls = %d, want 2", calls.Load())
	}
}

func TestDispatchMissingAuthThroughServer(t *testing.T) {
	gw, _ := testGateway(t, "http://unreachable.test", nil)
	client := serveGateway(t, gw)

	req, _ := http.NewRequest(http.MethodPost, "http://gateway/v1/chat/completions", strings.NewReader(`{"model":"gpt-4o"}`))
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("middleware must set X-Request-ID")
	}
}

func TestExtractTokens(t *testing.T) {
	cases := []struct {
		body    string
		in, out int
	}{
		{`{"usage":{"prompt_tokens":7,"completion_tokens":3}}`, 7, 3},
		{`{"usage":{"input_tokens":11,"output_tokens":4}}`, 11, 4},
		{`{"usageMetadata":{"promptTokenCount":5,"candidatesTokenCount":9}}`, 5, 9},
		{`{}`, 0, 0},
	}
	for _, tc := range cases {
		in, out := extractTokens([]byte(tc.body))
		if in != tc.in || out != tc.out {
			t.Errorf("extractTokens(%s) = (%d,%d), want (%d,%d)", tc.body, in, out, tc.in, tc.out)
		}
	}
}

func TestRouteLabel(t *testing.T) {
	cases := []struct {
		path, want string
	}{
		{"/v1/chat/completions", "chat_completions"},
		{"/v1/completions", "completions"},
		{"/v1/messages", "messages"},
		{"/v1beta/models/gemini:generateContent", "gemini_generate"},
		{"/weird", "other"},
	}
	for _, tc := range cases {
		if got := routeLabel(tc.path); got != tc.want {
			t.Errorf("routeLabel(%s) = %s, want %s", tc.path, got, tc.want)
		}
	}
}
