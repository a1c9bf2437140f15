package llm

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/config"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/faults"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/logger"
)

// Tier selects which configured model serves a request.
type Tier int

const (
	TierPrimary Tier = iota
	TierFallback
)

func (t Tier) String() string {
	if t == TierFallback {
		return "fallback"
	}
	return "primary"
}

// Request is a single-turn generation request.
type Request struct {
	System string
	Prompt string
	Tier   Tier
	// Temperature overrides the tier default when set.
	Temperature *float32
	MaxTokens   int
}

// Temp returns a pointer to v, for Request.Temperature.
func Temp(v float32) *float32 { return &v }

// Service maps tiers to models and classifies failures into faults.
type Service struct {
	client  Client
	models  map[Tier]config.ModelConfig
	timeout time.Duration
	log     *slog.Logger
}

// NewService creates a Service over client using the tier models in cfg.
func NewService(client Client, cfg config.LLMConfig) *Service {
	return &Service{
		client: client,
		models: map[Tier]config.ModelConfig{
			TierPrimary:  cfg.Primary,
			TierFallback: cfg.Fallback,
		},
		timeout: cfg.Timeout,
		log:     logger.For("llm"),
	}
}

// Generate runs one chat completion. The returned error is always a
// *faults.Error.
func (s *Service) Generate(ctx context.Context, req Request) (string, error) {
	const op = "llm.generate"

	model, ok := s.models[req.Tier]
	if !ok || model.Model == "" {
		return "", faults.Newf(faults.Fatal, op, "no model configured for %s tier", req.Tier)
	}

	temperature := model.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	// The client drops a zero temperature from the payload.
	if temperature <= 0 {
		temperature = math.SmallestNonzeroFloat32
	}
	maxTokens := model.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}

	var messages []openai.ChatCompletionMessage
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model.Model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		s.log.Warn("chat completion failed", "tier", req.Tier.String(), "model", model.Model, "error", err)
		return "", Classify(op, err)
	}
	if len(resp.Choices) == 0 {
		return "", faults.Newf(faults.MalformedResponse, op, "no choices returned by %s", model.Model)
	}

	s.log.Debug("chat completion done", "tier", req.Tier.String(), "model", model.Model,
		"tokens", resp.Usage.TotalTokens, "elapsed", time.Since(start))
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// Classify maps a client error to a fault. Authentication failures are Fatal,
// everything else (rate limits, 5xx, timeouts, network) is Transient.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := faults.KindOf(err); ok {
		return err
	}

	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return faults.New(faults.Fatal, op, err)
	}
	return faults.New(faults.Transient, op, err)
}
