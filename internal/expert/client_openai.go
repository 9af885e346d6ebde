package expert

import (
	"context"
	"fmt"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

type openaiClient struct {
	client openaiSDK.Client
	model  string
}

func newOpenAIClient(baseURL, apiKey, model string) *openaiClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &openaiClient{client: openaiSDK.NewClient(opts...), model: model}
}

func (c *openaiClient) Complete(ctx context.Context, system, user string, maxTokens int) (string, int, error) {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, 2)
	if system != "" {
		msgs = append(msgs, openaiSDK.SystemMessage(system))
	}
	msgs = append(msgs, openaiSDK.UserMessage(user))

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    c.model,
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(maxTokens))
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", 0, fmt.Errorf("expert: openai classifier: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", int(resp.Usage.PromptTokens), nil
	}
	return resp.Choices[0].Message.Content, int(resp.Usage.PromptTokens), nil
}

func (c *openaiClient) Embed(ctx context.Context, input []string) ([][]float32, error) {
	resp, err := c.client.Embeddings.New(ctx, openaiSDK.EmbeddingNewParams{
		Model: openaiSDK.EmbeddingModel(c.model),
		Input: openaiSDK.EmbeddingNewParamsInputUnion{OfArrayOfStrings: input},
	})
	if err != nil {
		return nil, fmt.Errorf("expert: openai embeddings: %w", err)
	}
	vecs := make([][]float32, len(input))
	for _, d := range resp.Data {
		f32 := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			f32[j] = float32(v)
		}
		if int(d.Index) < len(vecs) {
			vecs[d.Index] = f32
		}
	}
	return vecs, nil
}
