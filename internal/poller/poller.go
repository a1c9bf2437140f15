// Package poller feeds unread mail to the agent, once or on an interval.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/agent"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/faults"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/logger"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/mail"
)

// Processor runs one message through the pipeline.
type Processor interface {
	Process(ctx context.Context, msg mail.Message) (*agent.Run, error)
}

// Options tune a Poller.
type Options struct {
	BatchSize   int
	MailTimeout time.Duration
}

// Poller reads unread mail and hands each message to the processor.
type Poller struct {
	reader mail.Reader
	proc   Processor
	opts   Options
	log    *slog.Logger
}

// New creates a new poller.
func New(reader mail.Reader, proc Processor, opts Options) *Poller {
	if opts.BatchSize < 1 {
		opts.BatchSize = 1
	}
	return &Poller{reader: reader, proc: proc, opts: opts, log: logger.For("poller")}
}

// RunOnce processes up to BatchSize unread messages and returns their runs.
// Only Fatal faults are returned; other failures leave the message unread for
// the next poll.
func (p *Poller) RunOnce(ctx context.Context) ([]*agent.Run, error) {
	var summaries []mail.Summary
	err := p.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		summaries, err = p.reader.ListUnread(ctx, p.opts.BatchSize)
		return err
	})
	if err != nil {
		if faults.IsFatal(err) {
			return nil, fmt.Errorf("listing unread mail: %w", err)
		}
		p.log.Warn("could not list unread mail", "error", err)
		return nil, nil
	}
	if len(summaries) == 0 {
		p.log.Debug("no new mail")
		return nil, nil
	}

	runs := make([]*agent.Run, 0, len(summaries))
	for _, s := range summaries {
		log := p.log.With("handle", s.Handle, "from", s.From)

		var msg mail.Message
		err := p.withTimeout(ctx, func(ctx context.Context) error {
			var err error
			msg, err = p.reader.Fetch(ctx, s.Handle)
			return err
		})
		if err != nil {
			if faults.IsFatal(err) {
				return runs, fmt.Errorf("fetching %s: %w", s.Handle, err)
			}
			log.Warn("could not fetch message", "error", err)
			continue
		}

		run, err := p.proc.Process(ctx, msg)
		if err != nil {
			if faults.IsFatal(err) {
				return runs, err
			}
			log.Error("processing aborted, message left unread", "error", err)
			continue
		}
		runs = append(runs, run)

		if err := p.withTimeout(ctx, func(ctx context.Context) error {
			return p.reader.MarkRead(ctx, s.Handle)
		}); err != nil {
			log.Warn("could not mark message read", "error", err)
		}
		log.Info("message handled", "message_id", run.MessageID, "decision", run.FinalDecision)
	}
	return runs, nil
}

// Run polls every interval until ctx is done or a Fatal fault occurs.
func (p *Poller) Run(ctx context.Context, interval time.Duration) error {
	p.log.Info("polling mailbox", "interval", interval, "batch_size", p.opts.BatchSize)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := p.RunOnce(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			p.log.Info("polling stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (p *Poller) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	if p.opts.MailTimeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, p.opts.MailTimeout)
	defer cancel()
	return fn(ctx)
}
