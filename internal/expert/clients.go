package expert

import (
	"context"
	"fmt"

	"github.com/nulpointcorp/llm-router/internal/store"
)

// Completer runs one non-streaming classifier completion. Implementations
// wrap the vendor SDKs; reply is the raw text and promptTokens the usage
// reported by the upstream.
type Completer interface {
	Complete(ctx context.Context, system, user string, maxTokens int) (reply string, promptTokens int, err error)
}

// Embedder embeds a batch of texts with a fixed model.
type Embedder interface {
	Embed(ctx context.Context, input []string) ([][]float32, error)
}

// ClientFactory builds classifier clients for a provider endpoint. The SDK
// factory is the production implementation; tests inject fakes.
type ClientFactory interface {
	Completer(protocol, baseURL, apiKey, model string) (Completer, error)
	Embedder(protocol, baseURL, apiKey, model string) (Embedder, error)
}

// SDKFactory builds clients on the official vendor SDKs.
type SDKFactory struct{}

func (SDKFactory) Completer(protocol, baseURL, apiKey, model string) (Completer, error) {
	switch protocol {
	case store.ProtocolOpenAI, "":
		return newOpenAIClient(baseURL, apiKey, model), nil
	case store.ProtocolAnthropic:
		return newAnthropicClient(baseURL, apiKey, model), nil
	case store.ProtocolGemini:
		return newGeminiClient(baseURL, apiKey, model), nil
	default:
		return nil, fmt.Errorf("expert: no classifier client for protocol %q", protocol)
	}
}

func (SDKFactory) Embedder(protocol, baseURL, apiKey, model string) (Embedder, error) {
	switch protocol {
	case store.ProtocolOpenAI, "":
		return newOpenAIClient(baseURL, apiKey, model), nil
	case store.ProtocolGemini:
		return newGeminiClient(baseURL, apiKey, model), nil
	default:
		// Anthropic has no embeddings endpoint.
		return nil, fmt.Errorf("expert: no embedding client for protocol %q", protocol)
	}
}
