// Package mail is the mailbox transport: listing, fetching and marking
// inbound messages, and sending replies.
package mail

import "context"

// Summary is an unread message as listed by the reader.
type Summary struct {
	// Handle is the transport's own identifier, used for Fetch and MarkRead.
	Handle  string
	From    string
	Subject string
}

// Message is a fetched inbound message.
type Message struct {
	Handle     string
	MessageID  string
	ThreadID   string
	From       string
	Subject    string
	Body       string
	References []string
}

// Reply is an outbound message answering an inbound one.
type Reply struct {
	To         string
	Subject    string
	Body       string
	InReplyTo  string
	References []string
	// ThreadID is carried for transports that thread natively.
	ThreadID string
}

// Reader reads the inbound mailbox.
type Reader interface {
	ListUnread(ctx context.Context, limit int) ([]Summary, error)
	Fetch(ctx context.Context, handle string) (Message, error)
	MarkRead(ctx context.Context, handle string) error
}

// Sender sends replies and returns the transport's id of the sent message.
type Sender interface {
	Send(ctx context.Context, r Reply) (string, error)
}

// Transport is a full mail transport.
type Transport interface {
	Reader
	Sender
}

// Mailbox joins a Reader and a Sender into a Transport.
type Mailbox struct {
	Reader
	Sender
}
