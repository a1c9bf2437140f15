package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/agent"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/classify"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/config"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/dispatch"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/generate"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/index"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/llm"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/logger"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/mail"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/poller"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/retrieve"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/store"
)

func main() {
	flags := config.FlagSet("mailagent")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	if graph, _ := flags.GetBool("graph"); graph {
		fmt.Println(agent.Graph())
		return
	}

	// Load configuration
	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger.SetFormat(cfg.Log.Format, os.Stdout)
	logger.SetLevel(cfg.Log.Level)
	slog.SetDefault(logger.L)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("mailagent stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	// Initialize LLM service
	service := llm.NewService(llm.NewClient(cfg.LLM), cfg.LLM)

	idx, closeIndex, err := openIndex(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeIndex()

	box := mail.Mailbox{
		Reader: mail.NewIMAPReader(cfg.Mail.IMAP),
		Sender: mail.NewSendGridSender(cfg.Mail.SendGrid, cfg.Mail.Timeout),
	}

	a := agent.New(agent.Deps{
		Store:      st,
		Classifier: classify.New(service),
		Retriever: retrieve.New(idx, service, retrieve.Options{
			TopK:       cfg.Index.TopK,
			MinScore:   cfg.Index.MinScore,
			QueryChars: cfg.Index.QueryChars,
			Timeout:    cfg.Index.Timeout,
		}),
		Generator:  generate.New(service, cfg.Agent.HistoryTokenBudget),
		Dispatcher: dispatch.New(box, st),
	})

	p := poller.New(box, a, poller.Options{
		BatchSize:   cfg.Agent.BatchSize,
		MailTimeout: cfg.Mail.Timeout,
	})

	if cfg.Agent.Once {
		runs, err := p.RunOnce(ctx)
		for _, r := range runs {
			slog.Info("run", "message_id", r.MessageID, "category", r.Category,
				"priority", r.Priority, "decision", r.FinalDecision, "steps", r.Steps.Steps())
		}
		return err
	}
	return p.Run(ctx, cfg.Agent.PollInterval)
}

// openIndex connects the configured index backend. The "none" backend yields
// a nil index, which makes every retrieval a knowledge gap.
func openIndex(ctx context.Context, cfg *config.Config) (index.Index, func(), error) {
	noop := func() {}

	switch cfg.Index.Backend {
	case config.IndexBackendQdrant:
		embedder := llm.NewEmbedder(
			llm.NewEmbeddingClient(cfg.Index.Embedding, cfg.LLM),
			cfg.Index.Embedding.Model,
			cfg.LLM.Timeout,
		)
		q, err := index.NewQdrant(cfg.Index.Qdrant, embedder)
		if err != nil {
			return nil, noop, fmt.Errorf("connecting to qdrant: %w", err)
		}
		slog.Info("using qdrant index", "collection", cfg.Index.Qdrant.Collection)
		return q, func() { q.Close() }, nil

	case config.IndexBackendMCP:
		m, err := index.DialMCP(ctx, cfg.Index.MCP)
		if err != nil {
			return nil, noop, fmt.Errorf("connecting to MCP server %s: %w", cfg.Index.MCP.Name, err)
		}
		slog.Info("using MCP index", "server", cfg.Index.MCP.Name, "tool", cfg.Index.MCP.Tool)
		return m, func() { m.Close() }, nil

	default:
		slog.Info("no index configured, replies use internal reasoning only")
		return nil, noop, nil
	}
}
