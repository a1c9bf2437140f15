package mail

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sendgrid/rest"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/config"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/faults"
)

type fakeSendClient struct {
	resp *rest.Response
	err  error
	sent []*sgmail.SGMailV3
}

func (f *fakeSendClient) SendWithContext(_ context.Context, m *sgmail.SGMailV3) (*rest.Response, error) {
	f.sent = append(f.sent, m)
	return f.resp, f.err
}

var sgCfg = config.SendGridConfig{FromAddress: "agent@example.com", FromName: "Mail Agent"}

func TestSendGridSend(t *testing.T) {
	fc := &fakeSendClient{resp: &rest.Response{
		StatusCode: 202,
		Headers:    map[string][]string{"X-Message-Id": {"sg-123"}},
	}}
	s := newSendGridSender(fc, sgCfg, time.Second)

	id, err := s.Send(context.Background(), Reply{
		To:         "alice@example.com",
		Subject:    "Re: Refund",
		Body:       "Refunds take 5 days.",
		InReplyTo:  "m1@example.com",
		References: []string{"<root@example.com>"},
	})
	require.NoError(t, err)
	assert.Equal(t, "sg-123", id)

	require.Len(t, fc.sent, 1)
	m := fc.sent[0]
	assert.Equal(t, "Re: Refund", m.Subject)
	assert.Equal(t, "agent@example.com", m.From.Address)
	require.Len(t, m.Personalizations, 1)
	assert.Equal(t, "alice@example.com", m.Personalizations[0].To[0].Address)
	assert.Equal(t, "<m1@example.com>", m.Headers["In-Reply-To"])
	assert.Equal(t, "<root@example.com> <m1@example.com>", m.Headers["References"])
	require.Len(t, m.Content, 1)
	assert.Equal(t, "text/plain", m.Content[0].Type)
}

func TestSendGridSend_GeneratesIDWhenMissing(t *testing.T) {
	fc := &fakeSendClient{resp: &rest.Response{StatusCode: 202}}
	id, err := newSendGridSender(fc, sgCfg, 0).Send(context.Background(), Reply{To: "a@b.c", Body: "x"})
	require.NoError(t, err)
	_, perr := uuid.Parse(id)
	assert.NoError(t, perr)
}

func TestSendGridSend_Errors(t *testing.T) {
	tests := []struct {
		name string
		fc   *fakeSendClient
		to   string
		kind faults.Kind
	}{
		{"unauthorized", &fakeSendClient{resp: &rest.Response{StatusCode: 401, Body: "bad key"}}, "a@b.c", faults.Fatal},
		{"forbidden", &fakeSendClient{resp: &rest.Response{StatusCode: 403}}, "a@b.c", faults.Fatal},
		{"bad request", &fakeSendClient{resp: &rest.Response{StatusCode: 400}}, "a@b.c", faults.Transport},
		{"server error", &fakeSendClient{resp: &rest.Response{StatusCode: 503}}, "a@b.c", faults.Transport},
		{"network", &fakeSendClient{err: errors.New("connection reset")}, "a@b.c", faults.Transport},
		{"no recipient", &fakeSendClient{}, "", faults.Transport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newSendGridSender(tt.fc, sgCfg, 0).Send(context.Background(), Reply{To: tt.to, Body: "x"})
			require.Error(t, err)
			assert.True(t, faults.Is(err, tt.kind), "got %v", err)
		})
	}
}

func TestReferencesHeader(t *testing.T) {
	assert.Equal(t, "", referencesHeader(nil, ""))
	assert.Equal(t, "<a@x>", referencesHeader(nil, "a@x"))
	assert.Equal(t, "<a@x> <b@x>", referencesHeader([]string{"a@x", "<b@x>"}, "<a@x>"))
}
