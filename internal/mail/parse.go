package mail

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	_ "github.com/emersion/go-message/charset"
	gomail "github.com/emersion/go-message/mail"
)

// Parse decodes a raw RFC 5322 message. The thread id is the first
// References id, else the first In-Reply-To id, else the message's own id.
func Parse(raw []byte) (Message, error) {
	mr, err := gomail.CreateReader(bytes.NewReader(raw))
	if mr == nil {
		return Message{}, fmt.Errorf("reading message header: %w", err)
	}
	defer mr.Close()

	h := mr.Header
	var m Message

	// Malformed optional headers are tolerated; a missing value is handled below.
	m.MessageID, _ = h.MessageID()
	m.Subject, _ = h.Subject()
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		m.From = from[0].Address
	} else {
		m.From = strings.TrimSpace(h.Get("From"))
	}
	m.References, _ = h.MsgIDList("References")
	inReplyTo, _ := h.MsgIDList("In-Reply-To")

	switch {
	case len(m.References) > 0:
		m.ThreadID = m.References[0]
	case len(inReplyTo) > 0:
		m.ThreadID = inReplyTo[0]
	default:
		m.ThreadID = m.MessageID
	}

	var html string
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if part == nil {
			break
		}
		ih, ok := part.Header.(*gomail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := ih.ContentType()
		body, readErr := io.ReadAll(part.Body)
		if readErr != nil {
			continue
		}
		switch {
		case strings.HasPrefix(ct, "text/plain") && m.Body == "":
			m.Body = string(body)
		case strings.HasPrefix(ct, "text/html") && html == "":
			html = string(body)
		}
	}
	if m.Body == "" {
		m.Body = html
	}
	m.Body = strings.TrimSpace(m.Body)
	return m, nil
}

// ReplySubject prefixes subject with "Re: " unless it already has one.
func ReplySubject(subject string) string {
	s := strings.TrimSpace(subject)
	if s == "" {
		return "Re: Follow up"
	}
	if len(s) >= 3 && strings.EqualFold(s[:3], "re:") {
		return s
	}
	return "Re: " + s
}
