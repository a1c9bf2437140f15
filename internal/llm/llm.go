package llm

import (
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/config"
	"github.com/sashabaranov/go-openai"
)

// NewClient creates a new OpenAI-compatible client for chat completions.
func NewClient(cfg config.LLMConfig) *openai.Client {
	config := openai.DefaultConfig(cfg.APIKey)
	config.BaseURL = cfg.BaseURL

	return openai.NewClientWithConfig(config)
}

// NewEmbeddingClient creates the client used for query embeddings. Unset
// fields inherit from the chat configuration.
func NewEmbeddingClient(cfg config.EmbeddingConfig, chat config.LLMConfig) *openai.Client {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = chat.APIKey
	}
	config := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return openai.NewClientWithConfig(config)
}
