package llm

import (
	"context"

	"github.com/sashabaranov/go-openai"
)

// Client is minimal subset of openai.Client used by the services; it is easy to mock in tests.
type Client interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	CreateEmbeddings(ctx context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
}

// Generator produces text for a single prompt.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}
