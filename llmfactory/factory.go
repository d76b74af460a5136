package llmfactory

import (
	"slices"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcphost/pkg/llms"
	"github.com/effective-security/mcphost/pkg/llms/anthropic"
	"github.com/effective-security/mcphost/pkg/llms/openai"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcphost", "llmfactory")

// NewLLM is a wrapper for CreateLLM to allow for overriding the default implementation.
var NewLLM = CreateLLM

// Factory is the interface for creating and managing LLM models.
type Factory interface {
	// DefaultModel returns the default LLM model.
	DefaultModel() (llms.Model, error)
	// ModelByType returns an LLM model by its provider type, e.g.
	// OPENAI, AZURE, AZURE_AD, ANTHROPIC, PERPLEXITY
	ModelByType(providerType string) (llms.Model, error)
	// ModelByName returns an LLM model by its name,
	// if the model is not found, it will return the default model.
	ModelByName(preferredModels ...string) (llms.Model, error)
}

// Load creates a factory from the config file at the given location.
func Load(location string) (Factory, error) {
	cfg, err := LoadConfig(location)
	if err != nil {
		return nil, err
	}
	return New(cfg), nil
}

type factory struct {
	cfg *Config

	defaultProvider *ProviderConfig
	byType          map[string]llms.Model
	byName          map[string]llms.Model
	lock            sync.Mutex
}

// New creates a new LLM factory
func New(cfg *Config) Factory {
	f := &factory{
		cfg:    cfg,
		byType: make(map[string]llms.Model),
		byName: make(map[string]llms.Model),
	}

	if cfg.DefaultProvider != "" {
		for _, provider := range cfg.Providers {
			if provider.Name == cfg.DefaultProvider {
				f.defaultProvider = provider
				break
			}
		}
	}

	if f.defaultProvider == nil && len(f.cfg.Providers) > 0 {
		f.defaultProvider = f.cfg.Providers[0]
	}

	return f
}

// CreateLLM creates a model from the provider config.
func CreateLLM(cfg *ProviderConfig, preferredModels ...string) (llms.Model, error) {
	provType := strings.ToUpper(cfg.OpenAI.APIType)
	switch provType {
	case "OPENAI", "OPEN_AI", "PERPLEXITY":
		return newOpenAI(cfg, preferredModels...)
	case "AZURE", "AZURE_AD":
		return newAzure(cfg, preferredModels...)
	case "ANTHROPIC":
		return newAnthropic(cfg, preferredModels...)
	}
	return nil, errors.Errorf("unsupported provider type: %s", provType)
}

func newOpenAI(cfg *ProviderConfig, preferredModels ...string) (llms.Model, error) {
	var opts []openai.Option
	model := cfg.FindModel(preferredModels...)
	opts = append(opts, openai.WithModel(model))

	if cfg.Token != "" {
		opts = append(opts, openai.WithToken(cfg.Token))
	}
	if cfg.OpenAI.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.OpenAI.BaseURL))
	}
	if cfg.OpenAI.OrgID != "" {
		opts = append(opts, openai.WithOrganization(cfg.OpenAI.OrgID))
	}
	return openai.New(opts...)
}

func newAzure(cfg *ProviderConfig, preferredModels ...string) (llms.Model, error) {
	var opts []openai.Option
	model := cfg.FindModel(preferredModels...)
	opts = append(opts, openai.WithModel(model), openai.WithAPIVersion(cfg.OpenAI.APIVersion))

	if cfg.Token != "" {
		opts = append(opts, openai.WithToken(cfg.Token))
	}
	if cfg.OpenAI.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.OpenAI.BaseURL))
	}
	return openai.New(opts...)
}

func newAnthropic(cfg *ProviderConfig, preferredModels ...string) (llms.Model, error) {
	var opts []anthropic.Option
	model := cfg.FindModel(preferredModels...)
	opts = append(opts, anthropic.WithModel(model))
	if cfg.Token != "" {
		opts = append(opts, anthropic.WithToken(cfg.Token))
	}
	if cfg.OpenAI.BaseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(cfg.OpenAI.BaseURL))
	}
	return anthropic.New(opts...)
}

// DefaultModel returns the model of the default provider.
func (f *factory) DefaultModel() (llms.Model, error) {
	if len(f.cfg.Providers) == 0 || f.defaultProvider == nil {
		return nil, errors.New("no providers configured")
	}

	return NewLLM(f.defaultProvider, f.defaultProvider.DefaultModel)
}

func (f *factory) ModelByType(providerType string) (llms.Model, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	if client, ok := f.byType[providerType]; ok {
		return client, nil
	}

	for _, cfg := range f.cfg.Providers {
		if cfg.OpenAI.APIType == providerType {
			model, err := NewLLM(cfg)
			if err != nil {
				return nil, err
			}

			logger.KV(xlog.DEBUG,
				"status", "created_llm",
				"type", cfg.OpenAI.APIType,
				"name", cfg.Name)

			f.byType[providerType] = model
			return model, nil
		}
	}
	return nil, errors.Errorf("provider not found for type: %s", providerType)
}

func (f *factory) ModelByName(modelNames ...string) (llms.Model, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	for _, modelName := range modelNames {
		if client, ok := f.byName[modelName]; ok {
			return client, nil
		}

		for _, cfg := range f.cfg.Providers {
			if slices.Contains(cfg.AvailableModels, modelName) {
				model, err := NewLLM(cfg, modelNames...)
				if err != nil {
					logger.KV(xlog.ERROR,
						"reason", "NewLLM",
						"type", cfg.OpenAI.APIType,
						"models", modelNames,
						"err", err.Error(),
					)
					continue
				}

				logger.KV(xlog.DEBUG,
					"status", "created_llm",
					"type", cfg.OpenAI.APIType,
					"name", cfg.Name)

				f.byName[modelName] = model
				return model, nil
			}
		}
	}
	return f.DefaultModel()
}
