package mail

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/config"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/faults"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/logger"
)

// IMAPReader reads a single IMAP mailbox. Each call opens its own session.
type IMAPReader struct {
	cfg config.IMAPConfig
	log *slog.Logger
}

// NewIMAPReader creates an IMAP reader for cfg.
func NewIMAPReader(cfg config.IMAPConfig) *IMAPReader {
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	return &IMAPReader{cfg: cfg, log: logger.For("mail.imap")}
}

// connect dials, authenticates and selects the mailbox. The caller must call
// release when done with the session.
func (r *IMAPReader) connect(ctx context.Context) (client *imapclient.Client, release func(), err error) {
	const op = "mail.imap.connect"
	addr := r.cfg.Host + ":" + r.cfg.Port

	if r.cfg.TLS {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, nil, faults.New(faults.Transport, op, fmt.Errorf("connecting to %s: %w", addr, err))
	}

	// Unblock pending commands when the caller gives up.
	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	release = func() {
		stop()
		_ = client.Logout().Wait()
	}

	if err := client.Login(r.cfg.Username, r.cfg.Password).Wait(); err != nil {
		release()
		return nil, nil, faults.New(faults.Fatal, op, fmt.Errorf("authentication failed for %s: %w", r.cfg.Username, err))
	}
	if _, err := client.Select(r.cfg.Mailbox, nil).Wait(); err != nil {
		release()
		return nil, nil, faults.New(faults.Transport, op, fmt.Errorf("selecting %s: %w", r.cfg.Mailbox, err))
	}
	return client, release, nil
}

// ListUnread returns up to limit unseen messages, oldest first.
func (r *IMAPReader) ListUnread(ctx context.Context, limit int) ([]Summary, error) {
	const op = "mail.imap.list"
	client, release, err := r.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	searchData, err := client.UIDSearch(&imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}, nil).Wait()
	if err != nil {
		return nil, faults.New(faults.Transport, op, fmt.Errorf("searching unseen: %w", err))
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}
	if limit > 0 && len(uids) > limit {
		uids = uids[:limit]
	}

	fetchCmd := client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		Envelope: true,
		UID:      true,
	})
	defer fetchCmd.Close()

	var out []Summary
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			continue
		}
		s := Summary{Handle: strconv.FormatUint(uint64(buf.UID), 10)}
		if buf.Envelope != nil {
			s.Subject = buf.Envelope.Subject
			if len(buf.Envelope.From) > 0 {
				s.From = buf.Envelope.From[0].Addr()
			}
		}
		out = append(out, s)
	}
	if err := fetchCmd.Close(); err != nil {
		return out, faults.New(faults.Transport, op, fmt.Errorf("fetching envelopes: %w", err))
	}

	r.log.Debug("unread listed", "mailbox", r.cfg.Mailbox, "count", len(out))
	return out, nil
}

// Fetch downloads and parses a message without setting \Seen.
func (r *IMAPReader) Fetch(ctx context.Context, handle string) (Message, error) {
	const op = "mail.imap.fetch"
	uid, err := parseUID(handle)
	if err != nil {
		return Message{}, faults.New(faults.Transport, op, err)
	}

	client, release, err := r.connect(ctx)
	if err != nil {
		return Message{}, err
	}
	defer release()

	section := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := client.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	})
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return Message{}, faults.Newf(faults.Transport, op, "message UID %d not found", uid)
	}
	buf, err := msg.Collect()
	if err != nil {
		return Message{}, faults.New(faults.Transport, op, fmt.Errorf("collecting message data: %w", err))
	}

	raw := buf.FindBodySection(section)
	if raw == nil {
		return Message{}, faults.Newf(faults.Transport, op, "message UID %d has no body", uid)
	}
	m, err := Parse(raw)
	if err != nil {
		return Message{}, faults.New(faults.Transport, op, err)
	}
	m.Handle = handle
	if m.MessageID == "" {
		m.MessageID = "uid-" + handle
		if m.ThreadID == "" {
			m.ThreadID = m.MessageID
		}
	}

	if err := fetchCmd.Close(); err != nil {
		return m, faults.New(faults.Transport, op, fmt.Errorf("closing fetch: %w", err))
	}
	return m, nil
}

// MarkRead sets \Seen on the message.
func (r *IMAPReader) MarkRead(ctx context.Context, handle string) error {
	const op = "mail.imap.mark_read"
	uid, err := parseUID(handle)
	if err != nil {
		return faults.New(faults.Transport, op, err)
	}

	client, release, err := r.connect(ctx)
	if err != nil {
		return err
	}
	defer release()

	storeCmd := client.Store(imap.UIDSetNum(uid), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil)
	if err := storeCmd.Close(); err != nil {
		return faults.New(faults.Transport, op, fmt.Errorf("flagging UID %d seen: %w", uid, err))
	}
	return nil
}

func parseUID(handle string) (imap.UID, error) {
	n, err := strconv.ParseUint(handle, 10, 32)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid IMAP UID %q", handle)
	}
	return imap.UID(n), nil
}
