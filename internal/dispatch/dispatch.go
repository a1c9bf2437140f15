// Package dispatch sends an approved draft and durably records that it was sent.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/audit"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/logger"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/mail"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/store"
)

// withheldMarker in a draft means the model declined to answer.
const withheldMarker = "[NO RESPONSE"

// ReplyIDPrefix prefixes the history id of an assistant reply.
const ReplyIDPrefix = "reply_"

// Recorder is the subset of the store the dispatcher writes to.
type Recorder interface {
	AppendHistory(ctx context.Context, threadID, messageID string, role store.Role, content string) error
	MarkProcessed(ctx context.Context, messageID string) error
}

// Request describes the reply to send.
type Request struct {
	MessageID  string
	ThreadID   string
	To         string
	Subject    string
	Draft      string
	References []string
}

// Outcome reports what happened. RecordErr is set when the reply went out
// but could not be recorded.
type Outcome struct {
	Sent      bool
	SentID    string
	RecordErr error
	Steps     audit.Trail
}

// Dispatcher gates, sends and records replies.
type Dispatcher struct {
	sender mail.Sender
	rec    Recorder
	log    *slog.Logger
}

// New returns a Dispatcher.
func New(sender mail.Sender, rec Recorder) *Dispatcher {
	return &Dispatcher{sender: sender, rec: rec, log: logger.For("dispatch")}
}

// Approved reports whether draft may be sent.
func Approved(draft string) bool {
	return strings.TrimSpace(draft) != "" && !strings.Contains(draft, withheldMarker)
}

// Dispatch sends req.Draft when it passes the gate. A send failure is
// returned as is; the reply is then not recorded.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Outcome, error) {
	var out Outcome
	if !Approved(req.Draft) {
		out.Steps.Add("dispatch: draft withheld, nothing sent")
		return out, nil
	}

	sentID, err := d.sender.Send(ctx, mail.Reply{
		To:         req.To,
		Subject:    mail.ReplySubject(req.Subject),
		Body:       req.Draft,
		InReplyTo:  req.MessageID,
		References: req.References,
		ThreadID:   req.ThreadID,
	})
	if err != nil {
		d.log.Error("send failed", "message_id", req.MessageID, "error", err)
		out.Steps.Add("dispatch: send failed: %v", err)
		return out, err
	}
	out.Sent, out.SentID = true, sentID
	out.Steps.Add("dispatch: reply sent to %s (id %s)", req.To, sentID)

	recErr := d.rec.AppendHistory(ctx, req.ThreadID, ReplyIDPrefix+req.MessageID, store.RoleAssistant, req.Draft)
	if recErr == nil && sentID != "" {
		recErr = d.rec.MarkProcessed(ctx, sentID)
	}
	if recErr != nil {
		out.RecordErr = errors.Join(errors.New("reply sent but not recorded"), recErr)
		out.Steps.Add("dispatch: reply sent but not recorded: %v", recErr)
		d.log.Error("reply sent but not recorded", "message_id", req.MessageID, "sent_id", sentID, "error", recErr)
	}
	return out, nil
}
