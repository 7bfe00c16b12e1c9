package llm

import (
	"context"

	"github.com/zh-he/docqa/internal/ollama"
)

// OllamaClient adapts the internal/ollama.Client to the Client interface,
// for fully local deployments.
type OllamaClient struct {
	client *ollama.Client
	model  string
}

// NewOllamaClient creates a Client backed by an Ollama server at baseURL.
func NewOllamaClient(baseURL, model string) *OllamaClient {
	return &OllamaClient{client: ollama.New(baseURL), model: model}
}

func (c *OllamaClient) Chat(ctx context.Context, messages []Message) (string, error) {
	msgs := make([]ollama.Message, len(messages))
	for i, m := range messages {
		msgs[i] = ollama.Message{Role: m.Role, Content: m.Content}
	}
	return c.client.Chat(ctx, c.model, msgs)
}
