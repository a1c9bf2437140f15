// Package generate drafts the final reply from history, retrieved context and
// the inbound message, falling back across model tiers.
package generate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/audit"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/faults"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/llm"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/logger"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/store"
)

// Placeholder is sent when every model tier fails.
const Placeholder = "I'm currently looking into this and will provide a detailed update shortly."

// NoHistory renders an empty thread.
const NoHistory = "No previous history found."

const (
	modeRAG       = "RAG_KNOWLEDGE_BASE"
	modeReasoning = "INTERNAL_REASONING"

	noDocuments = "No specific internal documents found. Rely on core logic and general knowledge."

	defaultTone = "Professional and helpful"
)

// Source names which step produced the reply.
type Source string

const (
	SourcePrimary     Source = "primary"
	SourceFallback    Source = "fallback"
	SourcePlaceholder Source = "placeholder"
)

// Input is everything the generator needs for one reply.
type Input struct {
	Category string
	Tone     string
	Subject  string
	Body     string
	Context  string
	History  []store.Entry
}

// Result is the drafted reply.
type Result struct {
	Reply  string
	Source Source
	Steps  audit.Trail
}

// Generator drafts replies.
type Generator struct {
	gen    llm.Generator
	budget int
	tokens TokenCounter
	now    func() time.Time
	log    *slog.Logger
}

// New returns a Generator. historyBudget caps rendered history in tokens;
// zero or less disables trimming.
func New(gen llm.Generator, historyBudget int) *Generator {
	return &Generator{
		gen:    gen,
		budget: historyBudget,
		tokens: DefaultCounter(),
		now:    time.Now,
		log:    logger.For("generate"),
	}
}

// Generate tries the primary tier, then the fallback tier, then the
// placeholder. Only a Fatal fault is returned as an error.
func (g *Generator) Generate(ctx context.Context, in Input) (Result, error) {
	var res Result
	mode := modeReasoning
	if strings.TrimSpace(in.Context) != "" {
		mode = modeRAG
	}

	system := g.systemPrompt(in, mode)
	prompt := g.userPrompt(in)

	reply, err := g.attempt(ctx, system, prompt, llm.TierPrimary)
	if err == nil {
		res.Reply, res.Source = reply, SourcePrimary
		res.Steps.Add("generated %s response via %s", categoryOrDefault(in.Category), mode)
		return res, nil
	}
	if faults.IsFatal(err) {
		res.Steps.Add("generation aborted: %v", err)
		return res, err
	}
	g.log.Warn("primary model failed, trying fallback", "error", err)

	reply, err = g.attempt(ctx, system, prompt, llm.TierFallback)
	if err == nil {
		res.Reply, res.Source = reply, SourceFallback
		res.Steps.Add("generated response using fallback model")
		return res, nil
	}
	if faults.IsFatal(err) {
		res.Steps.Add("generation aborted: %v", err)
		return res, err
	}
	g.log.Error("fallback model failed, using placeholder", "error", err)

	res.Reply, res.Source = Placeholder, SourcePlaceholder
	res.Steps.Add("generation failed: %v", err)
	return res, nil
}

func (g *Generator) attempt(ctx context.Context, system, prompt string, tier llm.Tier) (string, error) {
	out, err := g.gen.Generate(ctx, llm.Request{System: system, Prompt: prompt, Tier: tier})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out) == "" {
		return "", faults.Newf(faults.MalformedResponse, "generate", "%s tier returned an empty reply", tier)
	}
	return out, nil
}

func categoryOrDefault(c string) string {
	if c == "" {
		return "general"
	}
	return c
}

func (g *Generator) systemPrompt(in Input, mode string) string {
	tone := in.Tone
	if strings.TrimSpace(tone) == "" {
		tone = defaultTone
	}
	return fmt.Sprintf(`You are an email assistant specializing in %s correspondence.
Current Date: %s. Context Mode: %s.

### OPERATIONAL PROTOCOLS:
- REASONING: state assumptions before conclusions.
- RAG USAGE: if reference material is provided, prioritize it and cite sources as [Source].

### BEHAVIORAL CONSTRAINTS:
- Start the reply directly. No "I hope this finds you well" or "As an AI...".
- If the reference material is missing and you are not certain, say so and offer to escalate to a human.
- TONE: %s.
- Keep the reply scannable with short paragraphs and lists.`,
		categoryOrDefault(in.Category), g.now().Format("2006-01-02"), mode, tone)
}

func (g *Generator) userPrompt(in Input) string {
	knowledge := in.Context
	if strings.TrimSpace(knowledge) == "" {
		knowledge = noDocuments
	}
	return fmt.Sprintf(`### MEMORY (Past Interactions):
%s

### KNOWLEDGE BASE (Reference Material):
%s

### INCOMING REQUEST:
Subject: %s
Body: %s

### DRAFT THE RESPONSE:`, g.renderHistory(in.History), knowledge, in.Subject, in.Body)
}

// renderHistory formats entries oldest first and drops the oldest ones until
// the rendering fits the token budget.
func (g *Generator) renderHistory(entries []store.Entry) string {
	blocks := make([]string, len(entries))
	for i, e := range entries {
		blocks[i] = fmt.Sprintf("%s: %s\n---\n", strings.ToUpper(string(e.Role)), e.Content)
	}

	if g.budget > 0 {
		total := 0
		costs := make([]int, len(blocks))
		for i, b := range blocks {
			costs[i] = g.tokens.CountTokens(b)
			total += costs[i]
		}
		for len(blocks) > 0 && total > g.budget {
			total -= costs[0]
			blocks, costs = blocks[1:], costs[1:]
		}
	}

	if len(blocks) == 0 {
		return NoHistory
	}
	return strings.Join(blocks, "")
}
