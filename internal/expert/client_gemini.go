package expert

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/genai"
)

type geminiClient struct {
	baseURL string
	apiKey  string
	model   string

	mu     sync.Mutex
	client *genai.Client
}

func newGeminiClient(baseURL, apiKey, model string) *geminiClient {
	return &geminiClient{baseURL: baseURL, apiKey: apiKey, model: model}
}

// get builds the SDK client lazily; genai.NewClient wants a context.
func (c *geminiClient) get(ctx context.Context) (*genai.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}
	cfg := &genai.ClientConfig{
		APIKey:  c.apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if c.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: c.baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("expert: gemini client: %w", err)
	}
	c.client = client
	return client, nil
}

func (c *geminiClient) Complete(ctx context.Context, system, user string, maxTokens int) (string, int, error) {
	client, err := c.get(ctx)
	if err != nil {
		return "", 0, err
	}

	var cfg *genai.GenerateContentConfig
	if system != "" || maxTokens > 0 {
		cfg = &genai.GenerateContentConfig{}
		if system != "" {
			cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
		}
		if maxTokens > 0 {
			cfg.MaxOutputTokens = int32(maxTokens)
		}
	}

	contents := []*genai.Content{genai.NewContentFromText(user, genai.RoleUser)}
	resp, err := client.Models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		return "", 0, fmt.Errorf("expert: gemini classifier: %w", err)
	}

	prompt := 0
	if resp.UsageMetadata != nil {
		prompt = int(resp.UsageMetadata.PromptTokenCount)
	}
	return resp.Text(), prompt, nil
}

func (c *geminiClient) Embed(ctx context.Context, input []string) ([][]float32, error) {
	client, err := c.get(ctx)
	if err != nil {
		return nil, err
	}

	contents := make([]*genai.Content, len(input))
	for i, text := range input {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}
	resp, err := client.Models.EmbedContent(ctx, c.model, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("expert: gemini embeddings: %w", err)
	}
	if len(resp.Embeddings) != len(input) {
		return nil, fmt.Errorf("expert: gemini embeddings: got %d vectors for %d inputs", len(resp.Embeddings), len(input))
	}
	vecs := make([][]float32, len(input))
	for i, emb := range resp.Embeddings {
		vecs[i] = emb.Values
	}
	return vecs, nil
}
