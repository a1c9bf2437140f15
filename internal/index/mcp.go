package index

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/config"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/faults"
	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/logger"
)

// MCPClientInterface defines the methods the MCP backend expects from an MCP client.
type MCPClientInterface interface {
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// MCP is an Index backed by a knowledge-base search tool on an MCP server.
// The tool receives {"query": text, "top_k": k} and answers either with a
// JSON array of {text, source, score} objects or with plain text passages.
type MCP struct {
	client MCPClientInterface
	name   string
	tool   string
	log    *slog.Logger
}

// NewMCP wraps an already initialized client.
func NewMCP(c MCPClientInterface, name, tool string) *MCP {
	return &MCP{client: c, name: name, tool: tool, log: logger.For("index.mcp")}
}

// DialMCP creates, starts and initializes the client described by cfg.
func DialMCP(ctx context.Context, cfg config.MCPServerConfig) (*MCP, error) {
	var mcpC *client.Client
	var err error

	switch cfg.Type {
	case config.ClientTypeSSE:
		var sseOpts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			sseOpts = append(sseOpts, transport.WithHeaders(cfg.Headers))
		}
		mcpC, err = client.NewSSEMCPClient(cfg.URL, sseOpts...)
	case config.ClientTypeStreamableHTTP:
		var httpOpts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			httpOpts = append(httpOpts, transport.WithHTTPHeaders(cfg.Headers))
		}
		mcpC, err = client.NewStreamableHttpClient(cfg.URL, httpOpts...)
	case config.ClientTypeStdio:
		var env []string
		for k, v := range cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		mcpC, err = client.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	default:
		return nil, fmt.Errorf("unsupported MCP server type %q for %s", cfg.Type, cfg.Name)
	}
	if err != nil {
		return nil, fmt.Errorf("creating MCP client %s: %w", cfg.Name, err)
	}

	// Stdio clients are started on creation.
	if cfg.Type != config.ClientTypeStdio {
		if err := mcpC.Start(ctx); err != nil {
			_ = mcpC.Close()
			return nil, fmt.Errorf("starting MCP client %s: %w", cfg.Name, err)
		}
	}

	m := NewMCP(mcpC, cfg.Name, cfg.Tool)
	if err := m.initialize(ctx); err != nil {
		_ = mcpC.Close()
		return nil, err
	}
	return m, nil
}

func (m *MCP) initialize(ctx context.Context) error {
	_, err := m.client.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			Capabilities:    mcp.ClientCapabilities{},
			ClientInfo:      mcp.Implementation{Name: "mailagent", Version: "1.0.0"},
		},
	})
	if err != nil {
		return fmt.Errorf("initializing MCP client %s: %w", m.name, err)
	}
	m.log.Info("server initialized", "name", m.name)

	tools, err := m.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		m.log.Warn("failed to list tools", "name", m.name, "error", err)
		return nil
	}
	if !slices.ContainsFunc(tools.Tools, func(t mcp.Tool) bool { return t.Name == m.tool }) {
		return fmt.Errorf("MCP server %s does not expose tool %q", m.name, m.tool)
	}
	return nil
}

type toolHit struct {
	Text   string  `json:"text"`
	Source string  `json:"source"`
	Score  float64 `json:"score"`
}

// Query calls the search tool. Plain text results count as a full match.
func (m *MCP) Query(ctx context.Context, text string, k int) ([]Hit, error) {
	const op = "index.mcp.query"
	if k < 1 {
		k = 1
	}

	res, err := m.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      m.tool,
			Arguments: map[string]any{"query": text, "top_k": k},
		},
	})
	if err != nil {
		return nil, faults.New(faults.Transient, op, err)
	}
	if res == nil {
		return nil, faults.Newf(faults.MalformedResponse, op, "empty result from %s", m.tool)
	}

	var texts []string
	for _, c := range res.Content {
		if tc, ok := mcp.AsTextContent(c); ok && strings.TrimSpace(tc.Text) != "" {
			texts = append(texts, tc.Text)
		}
	}
	if res.IsError {
		return nil, faults.Newf(faults.Transient, op, "tool %s failed: %s", m.tool, strings.Join(texts, "; "))
	}

	var hits []Hit
	for _, t := range texts {
		var structured []toolHit
		if err := json.Unmarshal([]byte(t), &structured); err == nil {
			for _, h := range structured {
				hits = append(hits, Hit{Text: h.Text, Source: h.Source, Score: h.Score})
			}
			continue
		}
		hits = append(hits, Hit{Text: t, Source: m.name, Score: 1.0})
	}
	if len(hits) > k {
		hits = hits[:k]
	}
	m.log.Debug("query done", "tool", m.tool, "hits", len(hits))
	return hits, nil
}

// Upsert is not available through a search tool.
func (m *MCP) Upsert(context.Context, []Document) error {
	return ErrUnsupported
}

// Close shuts the client down.
func (m *MCP) Close() error {
	return m.client.Close()
}
