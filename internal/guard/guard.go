// Package guard decides, from persisted state alone, whether an inbound
// message must be skipped before any model call is made.
package guard

import (
	"context"
	"strings"

	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/store"
)

// Reader is the subset of the store the guard consults.
type Reader interface {
	IsProcessed(ctx context.Context, messageID string) (bool, error)
	LastSpeaker(ctx context.Context, threadID string) (*store.Entry, error)
}

// Reason names why a message was skipped.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonDuplicateID      Reason = "duplicate_id"
	ReasonAssistantTurn    Reason = "assistant_turn"
	ReasonRepeatedContent  Reason = "repeated_content"
	ReasonStoreUnavailable Reason = "store_unavailable"
)

// Verdict is the outcome of Check.
type Verdict struct {
	Skip   bool
	Reason Reason
}

// Guard evaluates the dedup and turn rules.
type Guard struct {
	store Reader
}

// New returns a Guard backed by r.
func New(r Reader) *Guard {
	return &Guard{store: r}
}

// Check applies, in order: duplicate id, assistant spoke last, repeated
// content. The first rule that matches wins. When the store cannot be read the
// verdict is a skip with ReasonStoreUnavailable and the error is returned.
func (g *Guard) Check(ctx context.Context, messageID, threadID, body string) (Verdict, error) {
	done, err := g.store.IsProcessed(ctx, messageID)
	if err != nil {
		return Verdict{Skip: true, Reason: ReasonStoreUnavailable}, err
	}
	if done {
		return Verdict{Skip: true, Reason: ReasonDuplicateID}, nil
	}

	last, err := g.store.LastSpeaker(ctx, threadID)
	if err != nil {
		return Verdict{Skip: true, Reason: ReasonStoreUnavailable}, err
	}
	if last == nil {
		return Verdict{}, nil
	}
	if last.Role == store.RoleAssistant {
		return Verdict{Skip: true, Reason: ReasonAssistantTurn}, nil
	}
	if strings.TrimSpace(last.Content) == strings.TrimSpace(body) {
		return Verdict{Skip: true, Reason: ReasonRepeatedContent}, nil
	}
	return Verdict{}, nil
}

// ShouldSkip is the boolean form of Check. Store errors count as a skip.
func (g *Guard) ShouldSkip(ctx context.Context, messageID, threadID, body string) bool {
	v, _ := g.Check(ctx, messageID, threadID, body)
	return v.Skip
}
