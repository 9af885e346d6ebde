package expert

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/nulpointcorp/llm-router/internal/store"
)

func semConfig() *store.SemanticConfig {
	return &store.SemanticConfig{
		ProviderID:     "prov-embed",
		EmbeddingModel: "embed-small",
		Protocol:       store.ProtocolOpenAI,
		Threshold:      0.7,
		Margin:         0.1,
		Routes: []store.SemanticRoute{
			{Category: "code", Utterances: []string{"fix this bug", "write a function"}},
			{Category: "chat", Utterances: []string{"how are you", "tell me a joke"}},
		},
	}
}

// Orthogonal unit vectors make the similarity outcomes exact.
func semEmbedder() *fakeEmbedder {
	return &fakeEmbedder{vecs: map[string][]float32{
		"fix this bug":     {1, 0, 0},
		"write a function": {1, 0, 0},
		"how are you":      {0, 1, 0},
		"tell me a joke":   {0, 1, 0},
		"refactor my code": {1, 0, 0},
		"ambiguous":        {0.7, 0.7, 0},
		"unrelated":        {0, 0, 1},
	}}
}

func TestSemanticClassify(t *testing.T) {
	cache := newSemanticCache(&fakeFactory{embedder: semEmbedder()})
	router, err := cache.get(context.Background(), "er-1", semConfig(), "", "")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	cat, score, ok, err := router.classify(context.Background(), "refactor my code")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if !ok || cat != "code" {
		t.Fatalf("classify = (%q, %v), want code", cat, ok)
	}
	if score < 0.99 {
		t.Fatalf("score = %f, want ~1 for identical direction", score)
	}

	// Below threshold: no decision.
	if _, _, ok, _ := router.classify(context.Background(), "unrelated"); ok {
		t.Fatal("expected no decision below threshold")
	}

	// Clears threshold but not margin: runner-up too close.
	if _, _, ok, _ := router.classify(context.Background(), "ambiguous"); ok {
		t.Fatal("expected no decision inside margin")
	}
}

func TestSemanticCacheReusesAndRebuilds(t *testing.T) {
	embedder := semEmbedder()
	var builds atomic.Int32
	factory := &countingFactory{inner: &fakeFactory{embedder: embedder}, builds: &builds}
	cache := newSemanticCache(factory)
	cfg := semConfig()

	if _, err := cache.get(context.Background(), "er-1", cfg, "", ""); err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := cache.get(context.Background(), "er-1", cfg, "", ""); err != nil {
		t.Fatalf("get: %v", err)
	}
	if builds.Load() != 1 {
		t.Fatalf("builds = %d, want 1 (cache hit on unchanged config)", builds.Load())
	}

	// Config change invalidates the content hash.
	cfg.Threshold = 0.9
	if _, err := cache.get(context.Background(), "er-1", cfg, "", ""); err != nil {
		t.Fatalf("get: %v", err)
	}
	if builds.Load() != 2 {
		t.Fatalf("builds = %d, want 2 after config change", builds.Load())
	}
}

func TestSemanticCacheConcurrentFirstUse(t *testing.T) {
	var builds atomic.Int32
	factory := &countingFactory{inner: &fakeFactory{embedder: semEmbedder()}, builds: &builds}
	cache := newSemanticCache(factory)
	cfg := semConfig()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.get(context.Background(), "er-1", cfg, "", ""); err != nil {
				t.Errorf("get: %v", err)
			}
		}()
	}
	wg.Wait()
	if builds.Load() != 1 {
		t.Fatalf("builds = %d, want concurrent callers to share one build", builds.Load())
	}
}

type countingFactory struct {
	inner  ClientFactory
	builds *atomic.Int32
}

func (c *countingFactory) Completer(p, b, k, m string) (Completer, error) {
	return c.inner.Completer(p, b, k, m)
}

func (c *countingFactory) Embedder(p, b, k, m string) (Embedder, error) {
	c.builds.Add(1)
	return c.inner.Embedder(p, b, k, m)
}
