package mail

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/config"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/faults"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/logger"
)

// sendClient is the subset of *sendgrid.Client used here.
type sendClient interface {
	SendWithContext(ctx context.Context, email *sgmail.SGMailV3) (*rest.Response, error)
}

// SendGridSender sends replies through the SendGrid v3 API.
type SendGridSender struct {
	client  sendClient
	from    *sgmail.Email
	timeout time.Duration
	log     *slog.Logger
}

// NewSendGridSender creates a sender for cfg. timeout bounds each send.
func NewSendGridSender(cfg config.SendGridConfig, timeout time.Duration) *SendGridSender {
	return newSendGridSender(sendgrid.NewSendClient(cfg.APIKey), cfg, timeout)
}

func newSendGridSender(client sendClient, cfg config.SendGridConfig, timeout time.Duration) *SendGridSender {
	return &SendGridSender{
		client:  client,
		from:    sgmail.NewEmail(cfg.FromName, cfg.FromAddress),
		timeout: timeout,
		log:     logger.For("mail.sendgrid"),
	}
}

// Send delivers r and returns SendGrid's message id, or a fresh uuid when the
// response carries none.
func (s *SendGridSender) Send(ctx context.Context, r Reply) (string, error) {
	const op = "mail.sendgrid.send"
	if strings.TrimSpace(r.To) == "" {
		return "", faults.Newf(faults.Transport, op, "reply has no recipient")
	}

	m := sgmail.NewV3Mail()
	m.SetFrom(s.from)
	m.Subject = r.Subject
	p := sgmail.NewPersonalization()
	p.AddTos(sgmail.NewEmail("", r.To))
	m.AddPersonalizations(p)
	m.AddContent(sgmail.NewContent("text/plain", r.Body))
	if r.InReplyTo != "" {
		m.SetHeader("In-Reply-To", angle(r.InReplyTo))
	}
	if refs := referencesHeader(r.References, r.InReplyTo); refs != "" {
		m.SetHeader("References", refs)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	resp, err := s.client.SendWithContext(ctx, m)
	if err != nil {
		return "", faults.New(faults.Transport, op, err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", faults.Newf(faults.Fatal, op, "sendgrid rejected credentials: status %d, body: %s", resp.StatusCode, resp.Body)
	case resp.StatusCode >= 400:
		return "", faults.Newf(faults.Transport, op, "sendgrid API error: status %d, body: %s", resp.StatusCode, resp.Body)
	}

	id := headerValue(resp.Headers, "X-Message-Id")
	if id == "" {
		id = uuid.NewString()
	}
	s.log.Info("reply sent", "to", r.To, "id", id, "status", resp.StatusCode)
	return id, nil
}

func angle(id string) string {
	return "<" + strings.Trim(id, "<>") + ">"
}

// referencesHeader lists refs followed by inReplyTo, without duplicates.
func referencesHeader(refs []string, inReplyTo string) string {
	seen := make(map[string]bool, len(refs)+1)
	var ids []string
	all := make([]string, 0, len(refs)+1)
	all = append(all, refs...)
	all = append(all, inReplyTo)
	for _, id := range all {
		id = strings.Trim(id, "<> ")
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, "<"+id+">")
	}
	return strings.Join(ids, " ")
}

func headerValue(h map[string][]string, key string) string {
	for k, v := range h {
		if strings.EqualFold(k, key) && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}
