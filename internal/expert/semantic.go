package expert

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/nulpointcorp/llm-router/internal/store"
)

// semanticRouter is a built L1 index: one centroid vector per category.
type semanticRouter struct {
	threshold float64
	margin    float64
	embedder  Embedder
	routes    []categoryVec
}

type categoryVec struct {
	category string
	vec      []float32
}

// classify embeds the text and returns the best category when it clears the
// threshold with margin separation from the runner-up.
func (s *semanticRouter) classify(ctx context.Context, text string) (category string, score float64, ok bool, err error) {
	vecs, err := s.embedder.Embed(ctx, []string{text})
	if err != nil {
		return "", 0, false, err
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return "", 0, false, fmt.Errorf("expert: empty query embedding")
	}
	q := vecs[0]

	best, runnerUp := -1.0, -1.0
	bestCat := ""
	for _, r := range s.routes {
		sim := cosine(q, r.vec)
		if sim > best {
			runnerUp = best
			best, bestCat = sim, r.category
		} else if sim > runnerUp {
			runnerUp = sim
		}
	}
	if bestCat == "" || best < s.threshold {
		return "", best, false, nil
	}
	if runnerUp >= 0 && best-runnerUp < s.margin {
		return "", best, false, nil
	}
	return bestCat, best, true, nil
}

func cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// semanticCache holds built routers keyed by expert routing config ID. An
// entry is rebuilt when the semantic config's content hash changes;
// concurrent first uses serialize behind one in-flight build via
// singleflight.
type semanticCache struct {
	factory ClientFactory

	mu      sync.RWMutex
	entries map[string]*semanticEntry
	group   singleflight.Group
}

type semanticEntry struct {
	hash   string
	router *semanticRouter
}

func newSemanticCache(factory ClientFactory) *semanticCache {
	return &semanticCache{factory: factory, entries: make(map[string]*semanticEntry)}
}

// get returns the router for the config, building or rebuilding as needed.
// baseURL and apiKey come from the resolved embedding provider.
func (c *semanticCache) get(ctx context.Context, configID string, sc *store.SemanticConfig, baseURL, apiKey string) (*semanticRouter, error) {
	hash := semanticHash(sc)

	c.mu.RLock()
	entry := c.entries[configID]
	c.mu.RUnlock()
	if entry != nil && entry.hash == hash {
		return entry.router, nil
	}

	v, err, _ := c.group.Do(configID+":"+hash, func() (any, error) {
		c.mu.RLock()
		entry := c.entries[configID]
		c.mu.RUnlock()
		if entry != nil && entry.hash == hash {
			return entry.router, nil
		}
		router, err := c.build(ctx, sc, baseURL, apiKey)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[configID] = &semanticEntry{hash: hash, router: router}
		c.mu.Unlock()
		return router, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*semanticRouter), nil
}

// build embeds every route's utterances and averages them into one centroid
// per category.
func (c *semanticCache) build(ctx context.Context, sc *store.SemanticConfig, baseURL, apiKey string) (*semanticRouter, error) {
	embedder, err := c.factory.Embedder(sc.Protocol, baseURL, apiKey, sc.EmbeddingModel)
	if err != nil {
		return nil, err
	}

	router := &semanticRouter{
		threshold: sc.Threshold,
		margin:    sc.Margin,
		embedder:  embedder,
	}
	for _, route := range sc.Routes {
		if len(route.Utterances) == 0 {
			continue
		}
		vecs, err := embedder.Embed(ctx, route.Utterances)
		if err != nil {
			return nil, fmt.Errorf("expert: building semantic route %q: %w", route.Category, err)
		}
		centroid := meanVec(vecs)
		if centroid == nil {
			continue
		}
		router.routes = append(router.routes, categoryVec{category: route.Category, vec: centroid})
	}
	if len(router.routes) == 0 {
		return nil, fmt.Errorf("expert: semantic config has no usable routes")
	}
	return router, nil
}

func meanVec(vecs [][]float32) []float32 {
	var out []float32
	n := 0
	for _, v := range vecs {
		if len(v) == 0 {
			continue
		}
		if out == nil {
			out = make([]float32, len(v))
		}
		for i := range out {
			if i < len(v) {
				out[i] += v[i]
			}
		}
		n++
	}
	if n == 0 {
		return nil
	}
	for i := range out {
		out[i] /= float32(n)
	}
	return out
}

// semanticHash fingerprints everything that invalidates a built index.
func semanticHash(sc *store.SemanticConfig) string {
	b, _ := json.Marshal(sc)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
