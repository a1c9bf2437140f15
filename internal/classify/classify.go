// Package classify turns a raw inbound message into a structured judgment.
package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/audit"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/faults"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/llm"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/logger"
)

// Category is the closed set of message categories.
type Category string

const (
	CategoryInterview    Category = "Interview"
	CategorySupport      Category = "Support"
	CategoryBusiness     Category = "Business"
	CategorySpam         Category = "Spam"
	CategoryNotification Category = "Notification"
	CategoryUnclassified Category = "Unclassified"
)

var categories = []Category{
	CategoryInterview,
	CategorySupport,
	CategoryBusiness,
	CategorySpam,
	CategoryNotification,
}

// NormalizeCategory maps free text onto the closed set, case-insensitively.
// Anything unknown is Unclassified.
func NormalizeCategory(s string) Category {
	s = strings.TrimSpace(s)
	for _, c := range categories {
		if strings.EqualFold(s, string(c)) {
			return c
		}
	}
	return CategoryUnclassified
}

const (
	defaultPriority = 3
	minPriority     = 1
	maxPriority     = 5
)

// Input is what the classifier sees of a message.
type Input struct {
	Sender  string
	Subject string
	Body    string
}

// Analysis is the classifier's judgment. When Failed is set the remaining
// fields hold safe defaults and Err carries the classified fault.
type Analysis struct {
	Category   Category
	Tone       string
	IsSpam     bool
	NeedsReply bool
	Priority   int
	DraftReply string

	Failed bool
	Err    error
	Steps  audit.Trail
}

// Classifier asks the text-generation service for a JSON verdict.
type Classifier struct {
	gen llm.Generator
	log *slog.Logger
}

// New returns a Classifier backed by gen.
func New(gen llm.Generator) *Classifier {
	return &Classifier{gen: gen, log: logger.For("classify")}
}

// Classify never returns an error. Failures produce an Analysis with
// NeedsReply=false and Failed=true.
func (c *Classifier) Classify(ctx context.Context, in Input) Analysis {
	raw, err := c.gen.Generate(ctx, llm.Request{Prompt: buildPrompt(in), Tier: llm.TierPrimary})
	if err != nil {
		return c.failed(in, err)
	}

	a, err := parse(raw)
	if err != nil {
		return c.failed(in, err)
	}

	if isNoReplySender(in.Sender) {
		a.NeedsReply = false
		a.Category = CategoryNotification
	}

	a.Steps.Add("analysis: sender=%s category=%s needs_reply=%t priority=%d", in.Sender, a.Category, a.NeedsReply, a.Priority)
	c.log.Info("message classified", "sender", in.Sender, "category", a.Category,
		"spam", a.IsSpam, "needs_reply", a.NeedsReply, "priority", a.Priority)
	return a
}

func (c *Classifier) failed(in Input, err error) Analysis {
	c.log.Warn("classification failed", "sender", in.Sender, "error", err)
	a := Analysis{
		Category: CategoryUnclassified,
		Priority: defaultPriority,
		Failed:   true,
		Err:      err,
	}
	a.Steps.Add("analysis failed; skipping email: %v", err)
	return a
}

func isNoReplySender(sender string) bool {
	s := strings.ToLower(sender)
	return strings.Contains(s, "noreply") || strings.Contains(s, "no-reply")
}

func buildPrompt(in Input) string {
	return fmt.Sprintf(`You are a Senior Email Strategist. Analyze this email and return JSON.

### EMAIL CONTEXT:
Sender: %s
Subject: %s
Body: %s

### TASK:
1. CATEGORY: one of [Interview, Support, Business, Spam, Notification]
2. NEEDS_REPLY: boolean. Set to false if:
   - The sender is a 'no-reply' or 'noreply' address.
   - The email is an automated receipt, newsletter, or system alert.
   - The content is purely informational (e.g. "Your order has shipped").
3. PRIORITY: integer 1-5.
4. DRAFT_REPLY: only write a draft if NEEDS_REPLY is true. Otherwise leave it empty.

### OUTPUT FORMAT (JSON ONLY):
{
    "category": "string",
    "tone": "string",
    "is_spam": boolean,
    "needs_reply": boolean,
    "priority": integer,
    "draft_reply": "string"
}`, in.Sender, in.Subject, in.Body)
}

type verdict struct {
	Category   *string  `json:"category"`
	Tone       *string  `json:"tone"`
	IsSpam     *bool    `json:"is_spam"`
	NeedsReply *bool    `json:"needs_reply"`
	Priority   *float64 `json:"priority"`
	DraftReply *string  `json:"draft_reply"`
}

func parse(raw string) (Analysis, error) {
	const op = "classify.parse"

	body, ok := extractObject(raw)
	if !ok {
		return Analysis{}, faults.Newf(faults.MalformedResponse, op, "no JSON object in model output")
	}

	var v verdict
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return Analysis{}, faults.New(faults.MalformedResponse, op, err)
	}

	a := Analysis{
		Category:   CategoryUnclassified,
		NeedsReply: true,
		Priority:   defaultPriority,
	}
	if v.Category != nil {
		a.Category = NormalizeCategory(*v.Category)
	}
	if v.Tone != nil {
		a.Tone = strings.TrimSpace(*v.Tone)
	}
	if v.IsSpam != nil {
		a.IsSpam = *v.IsSpam
	}
	if v.NeedsReply != nil {
		a.NeedsReply = *v.NeedsReply
	}
	if v.Priority != nil {
		a.Priority = clampPriority(*v.Priority)
	}
	if v.DraftReply != nil {
		a.DraftReply = *v.DraftReply
	}
	return a, nil
}

func clampPriority(p float64) int {
	n := int(math.Round(p))
	if n < minPriority {
		return minPriority
	}
	if n > maxPriority {
		return maxPriority
	}
	return n
}

// extractObject strips Markdown fences and returns the outermost {...} span.
func extractObject(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "```json"); i >= 0 {
		s = s[i+len("```json"):]
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	} else if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+len("```"):]
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}
