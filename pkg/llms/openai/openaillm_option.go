package openai

import (
	"github.com/openai/openai-go/v3/option"
)

const (
	TokenEnvVarName = "OPENAI_API_KEY" //nolint:gosec
)

type Options struct {
	Token        string
	Model        string
	BaseURL      string
	Organization string
	HttpClient   option.HTTPClient

	// APIVersion is required for Azure deployments. When set, requests are
	// routed through the Azure OpenAI endpoint at BaseURL.
	APIVersion string
}

type Option func(*Options)

// WithToken passes the OpenAI API token to the client. If not set, the token
// is read from the OPENAI_API_KEY environment variable.
func WithToken(token string) Option {
	return func(opts *Options) {
		opts.Token = token
	}
}

// WithModel passes the OpenAI model to the client.
func WithModel(model string) Option {
	return func(opts *Options) {
		opts.Model = model
	}
}

// WithBaseURL passes the OpenAI base URL to the client.
// If not set, the default base URL is used.
func WithBaseURL(baseURL string) Option {
	return func(opts *Options) {
		opts.BaseURL = baseURL
	}
}

// WithOrganization passes the OpenAI organization to the client. The
// organization's quota and billing are used for API requests.
func WithOrganization(organization string) Option {
	return func(opts *Options) {
		opts.Organization = organization
	}
}

// WithAPIVersion passes the Azure API version to the client.
// Required when the provider is AZURE or AZURE_AD.
func WithAPIVersion(apiVersion string) Option {
	return func(opts *Options) {
		opts.APIVersion = apiVersion
	}
}

// WithHTTPClient allows setting a custom HTTP client. If not set, the default value
// is http.DefaultClient.
func WithHTTPClient(client option.HTTPClient) Option {
	return func(opts *Options) {
		opts.HttpClient = client
	}
}
