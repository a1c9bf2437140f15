package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// MCP client transport types
const (
	ClientTypeSSE            = "sse"
	ClientTypeStreamableHTTP = "streamable_http"
	ClientTypeStdio          = "stdio"
)

// Index backends
const (
	IndexBackendNone   = "none"
	IndexBackendQdrant = "qdrant"
	IndexBackendMCP    = "mcp"
)

// Config holds the application configuration
type Config struct {
	Log   LogConfig
	LLM   LLMConfig
	Store StoreConfig
	Index IndexConfig
	Mail  MailConfig
	Agent AgentConfig
}

// LogConfig holds the logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LLMConfig holds the text-generation configuration. Any OpenAI-compatible
// endpoint works; the defaults point at Groq.
type LLMConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	APIKey   string        `mapstructure:"api_key"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Primary  ModelConfig   `mapstructure:"primary"`
	Fallback ModelConfig   `mapstructure:"fallback"`
}

// ModelConfig is one model tier.
type ModelConfig struct {
	Model       string  `mapstructure:"model"`
	Temperature float32 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// StoreConfig holds the state store configuration
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// IndexConfig selects and configures the similarity index.
type IndexConfig struct {
	Backend    string          `mapstructure:"backend"`
	TopK       int             `mapstructure:"top_k"`
	MinScore   float64         `mapstructure:"min_score"`
	QueryChars int             `mapstructure:"query_chars"`
	Timeout    time.Duration   `mapstructure:"timeout"`
	Qdrant     QdrantConfig    `mapstructure:"qdrant"`
	Embedding  EmbeddingConfig `mapstructure:"embedding"`
	MCP        MCPServerConfig `mapstructure:"mcp"`
}

// QdrantConfig holds the Qdrant connection settings
type QdrantConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	APIKey     string `mapstructure:"api_key"`
	UseTLS     bool   `mapstructure:"use_tls"`
	Collection string `mapstructure:"collection"`
	PayloadKey string `mapstructure:"payload_key"`
	SourceKey  string `mapstructure:"source_key"`
}

// EmbeddingConfig configures the embeddings endpoint used to vectorize queries.
// It must match the model the corpus was indexed with.
type EmbeddingConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
}

// MCPServerConfig describes an MCP server exposing a knowledge-base search tool.
type MCPServerConfig struct {
	Name    string            `mapstructure:"name"`
	Type    string            `mapstructure:"type"`
	URL     string            `mapstructure:"url"`
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
	Headers map[string]string `mapstructure:"headers"`
	Tool    string            `mapstructure:"tool"`
}

// MailConfig holds the mailbox transport configuration
type MailConfig struct {
	Timeout  time.Duration  `mapstructure:"timeout"`
	IMAP     IMAPConfig     `mapstructure:"imap"`
	SendGrid SendGridConfig `mapstructure:"sendgrid"`
}

// IMAPConfig holds the inbound mailbox settings
type IMAPConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	TLS      bool   `mapstructure:"tls"`
	Mailbox  string `mapstructure:"mailbox"`
}

// SendGridConfig holds the outbound mail settings
type SendGridConfig struct {
	APIKey      string `mapstructure:"api_key"`
	FromAddress string `mapstructure:"from_address"`
	FromName    string `mapstructure:"from_name"`
}

// AgentConfig holds the orchestration settings
type AgentConfig struct {
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	Once               bool          `mapstructure:"once"`
	BatchSize          int           `mapstructure:"batch_size"`
	HistoryTokenBudget int           `mapstructure:"history_token_budget"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("llm.base_url", "https://api.groq.com/openai/v1")
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("llm.primary.model", "llama-3.3-70b-versatile")
	v.SetDefault("llm.primary.temperature", 0.3)
	v.SetDefault("llm.fallback.model", "llama-3.1-8b-instant")
	v.SetDefault("llm.fallback.temperature", 0.5)

	v.SetDefault("store.path", "agent_memory.db")

	v.SetDefault("index.backend", IndexBackendNone)
	v.SetDefault("index.top_k", 1)
	v.SetDefault("index.min_score", 0.0)
	v.SetDefault("index.query_chars", 1000)
	v.SetDefault("index.timeout", 15*time.Second)
	v.SetDefault("index.qdrant.host", "localhost")
	v.SetDefault("index.qdrant.port", 6334)
	v.SetDefault("index.qdrant.collection", "corporate_knowledge")
	v.SetDefault("index.qdrant.payload_key", "page_content")
	v.SetDefault("index.qdrant.source_key", "source")
	v.SetDefault("index.embedding.model", "text-embedding-3-small")
	v.SetDefault("index.mcp.tool", "search_knowledge")

	v.SetDefault("mail.timeout", 30*time.Second)
	v.SetDefault("mail.imap.port", "993")
	v.SetDefault("mail.imap.tls", true)
	v.SetDefault("mail.imap.mailbox", "INBOX")
	v.SetDefault("mail.sendgrid.from_name", "Mail Agent")

	v.SetDefault("agent.poll_interval", 20*time.Second)
	v.SetDefault("agent.batch_size", 1)
	v.SetDefault("agent.history_token_budget", 2000)

	// Secrets usually arrive through the environment; registering them lets
	// AutomaticEnv see the keys during Unmarshal.
	for _, key := range []string{
		"llm.api_key",
		"index.qdrant.api_key",
		"index.embedding.base_url",
		"index.embedding.api_key",
		"mail.imap.host",
		"mail.imap.username",
		"mail.imap.password",
		"mail.sendgrid.api_key",
		"mail.sendgrid.from_address",
	} {
		v.SetDefault(key, "")
	}
}

// Load loads the configuration from config.yaml (or the file named by
// CONFIG_PATH), a .env file if present, and MAILAGENT_* environment variables.
func Load() (*Config, error) {
	return LoadWithFlags(nil)
}

// FlagSet returns the command-line flags understood by LoadWithFlags.
func FlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "path to the config file (overrides CONFIG_PATH)")
	fs.Bool("once", false, "process one batch and exit")
	fs.String("log-level", "", "log level: debug, info, warn, error")
	fs.Bool("graph", false, "print the pipeline state machine in DOT format and exit")
	return fs
}

// flagKeys maps flag names to configuration keys.
var flagKeys = map[string]string{
	"once":      "agent.once",
	"log-level": "log.level",
}

// LoadWithFlags is Load with parsed command-line flags layered on top. Only
// flags that were set override the file and environment.
func LoadWithFlags(flags *pflag.FlagSet) (*Config, error) {
	// .env is optional; real environment variables win over it.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	path := os.Getenv("CONFIG_PATH")
	if flags != nil {
		if f := flags.Lookup("config"); f != nil && f.Changed {
			path = f.Value.String()
		}
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("binding flag %s: %w", name, err)
				}
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("MAILAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	return &config, nil
}

// Validate reports settings without which the agent cannot run.
func (c *Config) Validate() error {
	var errs []error
	if c.LLM.APIKey == "" {
		errs = append(errs, errors.New("llm.api_key is required"))
	}
	if c.LLM.Primary.Model == "" || c.LLM.Fallback.Model == "" {
		errs = append(errs, errors.New("llm.primary.model and llm.fallback.model are required"))
	}
	if c.Mail.IMAP.Host == "" || c.Mail.IMAP.Username == "" {
		errs = append(errs, errors.New("mail.imap.host and mail.imap.username are required"))
	}
	if c.Mail.SendGrid.APIKey == "" || c.Mail.SendGrid.FromAddress == "" {
		errs = append(errs, errors.New("mail.sendgrid.api_key and mail.sendgrid.from_address are required"))
	}
	if c.Agent.BatchSize < 1 {
		errs = append(errs, errors.New("agent.batch_size must be >= 1"))
	}
	switch c.Index.Backend {
	case IndexBackendNone:
	case IndexBackendQdrant:
		if c.Index.Qdrant.Collection == "" {
			errs = append(errs, errors.New("index.qdrant.collection is required"))
		}
	case IndexBackendMCP:
		switch c.Index.MCP.Type {
		case ClientTypeSSE, ClientTypeStreamableHTTP, ClientTypeStdio:
		default:
			errs = append(errs, fmt.Errorf("index.mcp.type %q is not one of sse, streamable_http, stdio", c.Index.MCP.Type))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown index.backend %q", c.Index.Backend))
	}
	return errors.Join(errs...)
}
