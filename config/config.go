// Package config describes the host configuration: which tool servers to
// launch and which model providers to use.
package config

import (
	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcphost/llmfactory"
	"github.com/effective-security/x/configloader"
)

// Config is the top-level host configuration.
type Config struct {
	// Servers specifies the tool servers to launch and connect to.
	Servers []ServerConfig `json:"servers" yaml:"servers"`
	// LLM specifies the model providers.
	LLM llmfactory.Config `json:"llm" yaml:"llm"`
	// SystemPrompt is prepended to every chat turn.
	SystemPrompt string `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	// DefaultModel overrides the provider's default model.
	DefaultModel string `json:"default_model,omitempty" yaml:"default_model,omitempty"`
}

// ServerConfig describes one tool server subprocess.
type ServerConfig struct {
	// Name is the catalog prefix for the server's tools. Must be unique.
	Name string `json:"name" yaml:"name"`
	// Command is the executable to launch.
	Command string `json:"command" yaml:"command"`
	// Args are passed to the command.
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`
	// Env is appended to the host environment.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	// RequestTimeoutMsec bounds each request to the server, in milliseconds.
	// Zero means the default timeout.
	RequestTimeoutMsec int64 `json:"request_timeout_msec,omitempty" yaml:"request_timeout_msec,omitempty"`
}

// Load reads the configuration from file, expanding environment variables.
func Load(file string) (*Config, error) {
	cfg := new(Config)
	err := configloader.UnmarshalAndExpand(file, cfg)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for structural mistakes.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Servers))
	for _, srv := range c.Servers {
		if srv.Name == "" {
			return errors.New("server name is required")
		}
		if srv.Command == "" {
			return errors.Newf("server %q: command is required", srv.Name)
		}
		if seen[srv.Name] {
			return errors.Newf("server %q: duplicate name", srv.Name)
		}
		seen[srv.Name] = true
	}
	return nil
}
