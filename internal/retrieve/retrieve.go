// Package retrieve looks up reference material for a message and condenses it
// into a context passage for the reply generator.
package retrieve

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/audit"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/index"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/llm"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/logger"
)

// NoContext is the formatter's answer when nothing retrieved is relevant.
const NoContext = "NONE"

const defaultQueryChars = 1000

// Result is the outcome of a retrieval. When Found is false, Context is empty
// and Confidence is zero.
type Result struct {
	Found      bool
	Context    string
	Confidence float64
	Hits       []index.Hit
	Steps      audit.Trail
}

// Options tunes the retriever.
type Options struct {
	TopK       int
	MinScore   float64
	QueryChars int
	// Timeout bounds each index query. Zero leaves ctx untouched.
	Timeout time.Duration
}

// Retriever queries an index and runs a formatting pass over the hits.
type Retriever struct {
	idx  index.Index
	gen  llm.Generator
	opts Options
	log  *slog.Logger
}

// New returns a Retriever. A nil idx always yields no context.
func New(idx index.Index, gen llm.Generator, opts Options) *Retriever {
	if opts.TopK < 1 {
		opts.TopK = 1
	}
	if opts.QueryChars < 1 {
		opts.QueryChars = defaultQueryChars
	}
	return &Retriever{idx: idx, gen: gen, opts: opts, log: logger.For("retrieve")}
}

// BuildQuery combines subject and the first maxRunes runes of body.
func BuildQuery(subject, body string, maxRunes int) string {
	if r := []rune(body); len(r) > maxRunes {
		body = string(r[:maxRunes])
	}
	return fmt.Sprintf("SUBJECT: %s | CONTENT: %s", subject, body)
}

// Retrieve never fails. Every error path produces the no-context result.
func (r *Retriever) Retrieve(ctx context.Context, subject, body string) Result {
	if r.idx == nil {
		return noContext("rag: no index configured")
	}

	query := BuildQuery(subject, body, r.opts.QueryChars)
	hits, err := r.query(ctx, query)
	if err != nil {
		r.log.Warn("index query failed", "error", err)
		return noContext(fmt.Sprintf("rag: index query failed: %v", err))
	}

	kept := hits[:0:0]
	for _, h := range hits {
		if h.Score >= r.opts.MinScore && strings.TrimSpace(h.Text) != "" {
			kept = append(kept, h)
		}
	}
	if len(kept) == 0 {
		return noContext("rag: no relevant docs found")
	}

	formatted, err := r.gen.Generate(ctx, llm.Request{
		Prompt:      formatPrompt(query, kept),
		Tier:        llm.TierPrimary,
		Temperature: llm.Temp(0),
	})
	if err != nil {
		r.log.Warn("formatting pass failed", "error", err)
		return noContext(fmt.Sprintf("rag: formatting failed: %v", err))
	}
	formatted = strings.TrimSpace(formatted)
	if formatted == "" || strings.EqualFold(formatted, NoContext) {
		return noContext("rag: no relevant docs found")
	}

	res := Result{
		Found:      true,
		Context:    formatted,
		Confidence: confidence(kept),
		Hits:       kept,
	}
	res.Steps.Add("rag: found %d context chunks (confidence %.2f)", len(kept), res.Confidence)
	r.log.Info("context retrieved", "hits", len(kept), "confidence", res.Confidence)
	return res
}

func (r *Retriever) query(ctx context.Context, query string) ([]index.Hit, error) {
	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}
	return r.idx.Query(ctx, query, r.opts.TopK)
}

func noContext(step string) Result {
	var res Result
	res.Steps.Add("%s", step)
	return res
}

func confidence(hits []index.Hit) float64 {
	best := hits[0].Score
	for _, h := range hits[1:] {
		best = max(best, h.Score)
	}
	return min(max(best, 0), 1)
}

func formatPrompt(query string, hits []index.Hit) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Format the reference material below so it answers the query.\n\nQUERY: %s\n\nRETRIEVED DATA:\n", query)
	for i, h := range hits {
		src := h.Source
		if src == "" {
			src = "unknown"
		}
		fmt.Fprintf(&b, "[%d] (source: %s, relevance: %.2f)\n%s\n\n", i+1, src, h.Score, h.Text)
	}
	fmt.Fprintf(&b, "Keep source names so they can be cited as [Source]. If none of the data is relevant to the query, answer exactly %s.", NoContext)
	return b.String()
}
