package llm

import (
	"context"
	"errors"
	"math"
	"net/http"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/config"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/faults"
)

type mockLLM struct {
	calls      []openai.ChatCompletionResponse
	err        error
	requests   []openai.ChatCompletionRequest
	embeddings openai.EmbeddingResponse
	embedReqs  []openai.EmbeddingRequest
}

func (m *mockLLM) CreateChatCompletion(ctx context.Context, r openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	m.requests = append(m.requests, r)
	if m.err != nil {
		return openai.ChatCompletionResponse{}, m.err
	}
	if len(m.calls) == 0 {
		panic("mockLLM: no more responses configured for request: " + r.Model)
	}
	resp := m.calls[0]
	m.calls = m.calls[1:]
	return resp, nil
}

func (m *mockLLM) CreateEmbeddings(ctx context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error) {
	m.embedReqs = append(m.embedReqs, conv.Convert())
	if m.err != nil {
		return openai.EmbeddingResponse{}, m.err
	}
	return m.embeddings, nil
}

func reply(text string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Role: "assistant", Content: text}}},
	}
}

var testCfg = config.LLMConfig{
	Timeout:  time.Second,
	Primary:  config.ModelConfig{Model: "big", Temperature: 0.3},
	Fallback: config.ModelConfig{Model: "small", Temperature: 0.5, MaxTokens: 256},
}

func TestGenerate_TierSelectsModel(t *testing.T) {
	m := &mockLLM{calls: []openai.ChatCompletionResponse{reply("  one  "), reply("two")}}
	s := NewService(m, testCfg)

	out, err := s.Generate(context.Background(), Request{System: "sys", Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "one", out)

	out, err = s.Generate(context.Background(), Request{Prompt: "hi", Tier: TierFallback})
	require.NoError(t, err)
	assert.Equal(t, "two", out)

	require.Len(t, m.requests, 2)
	assert.Equal(t, "big", m.requests[0].Model)
	assert.InDelta(t, 0.3, m.requests[0].Temperature, 1e-6)
	require.Len(t, m.requests[0].Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, m.requests[0].Messages[0].Role)

	assert.Equal(t, "small", m.requests[1].Model)
	assert.Equal(t, 256, m.requests[1].MaxTokens)
	require.Len(t, m.requests[1].Messages, 1, "no system message when System is empty")
}

func TestGenerate_ZeroTemperatureIsSent(t *testing.T) {
	m := &mockLLM{calls: []openai.ChatCompletionResponse{reply("ok")}}
	s := NewService(m, testCfg)

	_, err := s.Generate(context.Background(), Request{Prompt: "x", Temperature: Temp(0)})
	require.NoError(t, err)
	assert.Equal(t, float32(math.SmallestNonzeroFloat32), m.requests[0].Temperature)
}

func TestGenerate_Errors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want faults.Kind
	}{
		{"unauthorized", &openai.APIError{HTTPStatusCode: http.StatusUnauthorized, Message: "bad key"}, faults.Fatal},
		{"forbidden request", &openai.RequestError{HTTPStatusCode: http.StatusForbidden, Err: errors.New("nope")}, faults.Fatal},
		{"rate limited", &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests}, faults.Transient},
		{"server error", &openai.RequestError{HTTPStatusCode: http.StatusBadGateway, Err: errors.New("bad gateway")}, faults.Transient},
		{"timeout", context.DeadlineExceeded, faults.Transient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewService(&mockLLM{err: tt.err}, testCfg)
			_, err := s.Generate(context.Background(), Request{Prompt: "x"})
			require.Error(t, err)
			assert.True(t, faults.Is(err, tt.want), "got %v", err)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestGenerate_NoChoices(t *testing.T) {
	s := NewService(&mockLLM{calls: []openai.ChatCompletionResponse{{}}}, testCfg)
	_, err := s.Generate(context.Background(), Request{Prompt: "x"})
	assert.True(t, faults.Is(err, faults.MalformedResponse))
}

func TestGenerate_MissingModel(t *testing.T) {
	s := NewService(&mockLLM{}, config.LLMConfig{Primary: config.ModelConfig{Model: "big"}})
	_, err := s.Generate(context.Background(), Request{Prompt: "x", Tier: TierFallback})
	assert.True(t, faults.IsFatal(err))
}

func TestEmbed(t *testing.T) {
	m := &mockLLM{embeddings: openai.EmbeddingResponse{Data: []openai.Embedding{
		{Index: 1, Embedding: []float32{0, 1}},
		{Index: 0, Embedding: []float32{1, 0}},
	}}}
	e := NewEmbedder(m, "text-embedding-3-small", time.Second)

	vecs, err := e.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, vecs)
	require.Len(t, m.embedReqs, 1)
	assert.Equal(t, openai.EmbeddingModel("text-embedding-3-small"), m.embedReqs[0].Model)

	vecs, err = e.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vecs)
}

func TestEmbed_CountMismatch(t *testing.T) {
	m := &mockLLM{embeddings: openai.EmbeddingResponse{Data: []openai.Embedding{{Index: 0}}}}
	_, err := NewEmbedder(m, "m", 0).Embed(context.Background(), []string{"a", "b"})
	assert.True(t, faults.Is(err, faults.MalformedResponse))
}
