package agentfs

import (
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/mkarimi23/agentfs/compaction"
	"github.com/mkarimi23/agentfs/storage"
	"github.com/mkarimi23/agentfs/tool"
)

// Default configuration values.
const (
	DefaultMaxTokens = 4096

	// DefaultToolOutputLimit is the byte budget for a stored tool result.
	// Outputs beyond it are cut and marked truncated.
	DefaultToolOutputLimit = 30000

	DefaultMaxToolIterations = 25
	DefaultMaxRetries        = 3
)

// Logger is the minimal logging interface the agent writes diagnostics
// through. compaction.Logger has the same shape, so one implementation
// serves both.
type Logger = compaction.Logger

// Config holds the required agent configuration.
type Config struct {
	// Client is the Anthropic client used for completions (required).
	Client *anthropic.Client

	// Store is the session store (required).
	Store storage.Store

	// Model is the model for the main conversation (required).
	Model string

	// SystemPrompt is prepended to every request (optional).
	SystemPrompt string
}

// Validate checks the required fields.
func (c *Config) Validate() error {
	if c.Client == nil {
		return fmt.Errorf("%w: Client is required", ErrInvalidConfig)
	}
	if c.Store == nil {
		return fmt.Errorf("%w: Store is required", ErrInvalidConfig)
	}
	if c.Model == "" {
		return fmt.Errorf("%w: Model is required", ErrInvalidConfig)
	}
	return nil
}

// internalConfig is the full configuration after options are applied.
type internalConfig struct {
	client       *anthropic.Client
	store        storage.Store
	model        string
	systemPrompt string

	maxTokens         int64
	toolOutputLimit   int
	maxToolIterations int
	maxRetries        int
	autoCompaction    bool
	compaction        *compaction.Config
	summarizer        compaction.Summarizer
	tools             []tool.Tool
	logger            Logger

	onToolCall        func(name string, output string, err error)
	onAfterCompaction func(result *compaction.Result)
}

func newInternalConfig(cfg Config) *internalConfig {
	return &internalConfig{
		client:            cfg.Client,
		store:             cfg.Store,
		model:             cfg.Model,
		systemPrompt:      cfg.SystemPrompt,
		maxTokens:         DefaultMaxTokens,
		toolOutputLimit:   DefaultToolOutputLimit,
		maxToolIterations: DefaultMaxToolIterations,
		maxRetries:        DefaultMaxRetries,
		autoCompaction:    true,
		compaction:        compaction.DefaultConfig(),
	}
}

// Option customizes an Agent beyond the required Config.
type Option func(*internalConfig) error

// WithMaxTokens sets the response token cap for the main conversation.
func WithMaxTokens(n int64) Option {
	return func(c *internalConfig) error {
		if n <= 0 {
			return fmt.Errorf("%w: max tokens must be positive", ErrInvalidConfig)
		}
		c.maxTokens = n
		return nil
	}
}

// WithTools registers tools the assistant may invoke.
func WithTools(tools ...tool.Tool) Option {
	return func(c *internalConfig) error {
		c.tools = append(c.tools, tools...)
		return nil
	}
}

// WithAutoCompaction enables or disables compaction after each turn.
// Enabled by default.
func WithAutoCompaction(enabled bool) Option {
	return func(c *internalConfig) error {
		c.autoCompaction = enabled
		return nil
	}
}

// WithCompactionConfig overrides the compaction configuration.
func WithCompactionConfig(cfg *compaction.Config) Option {
	return func(c *internalConfig) error {
		if cfg == nil {
			return fmt.Errorf("%w: compaction config cannot be nil", ErrInvalidConfig)
		}
		cfg.ApplyDefaults()
		if err := cfg.Validate(); err != nil {
			return err
		}
		c.compaction = cfg
		return nil
	}
}

// WithSummarizer overrides the summarization backend used by compaction.
func WithSummarizer(s compaction.Summarizer) Option {
	return func(c *internalConfig) error {
		c.summarizer = s
		return nil
	}
}

// WithToolOutputLimit sets the stored-byte budget for tool results.
func WithToolOutputLimit(n int) Option {
	return func(c *internalConfig) error {
		if n <= 0 {
			return fmt.Errorf("%w: tool output limit must be positive", ErrInvalidConfig)
		}
		c.toolOutputLimit = n
		return nil
	}
}

// WithMaxToolIterations caps tool round-trips within one turn.
func WithMaxToolIterations(n int) Option {
	return func(c *internalConfig) error {
		if n <= 0 {
			return fmt.Errorf("%w: max tool iterations must be positive", ErrInvalidConfig)
		}
		c.maxToolIterations = n
		return nil
	}
}

// WithLogger sets the diagnostics logger. Silent by default.
func WithLogger(l Logger) Option {
	return func(c *internalConfig) error {
		c.logger = l
		return nil
	}
}

// OnToolCall registers a hook invoked after each tool execution.
func OnToolCall(fn func(name string, output string, err error)) Option {
	return func(c *internalConfig) error {
		c.onToolCall = fn
		return nil
	}
}

// OnAfterCompaction registers a hook invoked after a successful compaction.
func OnAfterCompaction(fn func(result *compaction.Result)) Option {
	return func(c *internalConfig) error {
		c.onAfterCompaction = fn
		return nil
	}
}
