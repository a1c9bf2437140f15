package llm

import (
	"context"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/faults"
)

// Embedder turns texts into vectors with a fixed embedding model.
type Embedder struct {
	client  Client
	model   string
	timeout time.Duration
}

// NewEmbedder creates an Embedder. A zero timeout leaves ctx untouched.
func NewEmbedder(client Client, model string, timeout time.Duration) *Embedder {
	return &Embedder{client: client, model: model, timeout: timeout}
}

// Embed returns one vector per input text, in input order.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	const op = "llm.embed"
	if len(texts) == 0 {
		return nil, nil
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: texts,
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, Classify(op, err)
	}
	if len(resp.Data) != len(texts) {
		return nil, faults.Newf(faults.MalformedResponse, op, "got %d embeddings for %d inputs", len(resp.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, faults.Newf(faults.MalformedResponse, op, "embedding index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}
