package orchestrator

import (
	"github.com/effective-security/mcphost/pkg/llms"
	"github.com/effective-security/mcphost/store"
)

const (
	// DefaultMaxRetries bounds retries on empty model responses.
	DefaultMaxRetries = 3
	// DefaultMaxToolCalls bounds tool invocations per chat turn.
	DefaultMaxToolCalls = 50
	// DefaultMaxMessages bounds the transcript length per chat turn.
	DefaultMaxMessages = 100
	// DefaultMaxContentSize bounds the transcript content size in bytes.
	DefaultMaxContentSize = 512 * 1024
)

// Config holds the orchestrator settings.
type Config struct {
	SystemPrompt   string
	MaxToolCalls   int
	MaxMessages    int
	MaxContentSize uint64
	Store          store.MessageStore
	Callback       Callback
	CallOptions    []llms.CallOption
}

// Option configures the orchestrator.
type Option func(*Config)

// NewConfig applies the options over the defaults.
func NewConfig(options ...Option) *Config {
	cfg := &Config{
		MaxToolCalls:   DefaultMaxToolCalls,
		MaxMessages:    DefaultMaxMessages,
		MaxContentSize: DefaultMaxContentSize,
	}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// WithSystemPrompt sets the system prompt prepended to every turn.
func WithSystemPrompt(prompt string) Option {
	return func(c *Config) {
		c.SystemPrompt = prompt
	}
}

// WithMaxToolCalls bounds tool invocations per chat turn.
func WithMaxToolCalls(limit int) Option {
	return func(c *Config) {
		c.MaxToolCalls = limit
	}
}

// WithMaxMessages bounds the transcript length per chat turn.
func WithMaxMessages(limit int) Option {
	return func(c *Config) {
		c.MaxMessages = limit
	}
}

// WithMaxContentSize bounds the transcript content size in bytes.
func WithMaxContentSize(limit uint64) Option {
	return func(c *Config) {
		c.MaxContentSize = limit
	}
}

// WithStore persists the transcript between turns, keyed by the chat ID in
// the context.
func WithStore(s store.MessageStore) Option {
	return func(c *Config) {
		c.Store = s
	}
}

// WithCallback sets the lifecycle event handler.
func WithCallback(cb Callback) Option {
	return func(c *Config) {
		c.Callback = cb
	}
}

// WithCallOptions appends model call options applied to every LLM call.
func WithCallOptions(opts ...llms.CallOption) Option {
	return func(c *Config) {
		c.CallOptions = append(c.CallOptions, opts...)
	}
}
