// Package openai implements the llms.Model interface over the official
// OpenAI SDK, covering OpenAI, Azure OpenAI and compatible endpoints.
package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcphost/pkg/llms"
	"github.com/effective-security/x/values"
	"github.com/invopop/jsonschema"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/azure"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

var (
	ErrEmptyResponse          = errors.New("openai: no response")
	ErrMissingToken           = errors.New("openai: missing API key, set it in the OPENAI_API_KEY environment variable")
	ErrUnsupportedMessageType = errors.New("openai: unsupported message type")
	ErrUnsupportedContentType = errors.New("openai: unsupported content type")
)

const DefaultMaxTokens = 2 * 16384

type LLM struct {
	Client  *openai.Client
	Options *Options
}

var _ llms.Model = (*LLM)(nil)

// New creates an OpenAI chat model. The API token comes from the WithToken
// option or the OPENAI_API_KEY environment variable; the model name is
// required.
func New(opts ...Option) (*LLM, error) {
	options := &Options{
		Token:      os.Getenv(TokenEnvVarName),
		HttpClient: http.DefaultClient,
	}

	for _, opt := range opts {
		opt(options)
	}

	if len(options.Token) == 0 {
		return nil, ErrMissingToken
	}
	if options.Model == "" {
		return nil, errors.New("openai: model is required")
	}

	c := newClient(options)
	return &LLM{
		Client:  c,
		Options: options,
	}, nil
}

func newClient(options *Options) *openai.Client {
	sdkOpts := []option.RequestOption{
		option.WithAPIKey(options.Token),
		option.WithMaxRetries(2),
		option.WithRequestTimeout(5 * time.Minute),
	}

	if options.APIVersion != "" && options.BaseURL != "" {
		sdkOpts = append(sdkOpts, azure.WithEndpoint(options.BaseURL, options.APIVersion))
	} else if options.BaseURL != "" {
		sdkOpts = append(sdkOpts, option.WithBaseURL(options.BaseURL))
	}

	if options.Organization != "" {
		sdkOpts = append(sdkOpts, option.WithOrganization(options.Organization))
	}

	if options.HttpClient != nil {
		sdkOpts = append(sdkOpts, option.WithHTTPClient(options.HttpClient))
	}

	client := openai.NewClient(sdkOpts...)
	return &client
}

// GetName implements the Model interface.
func (o *LLM) GetName() string {
	return o.Options.Model
}

// GetProviderType implements the Model interface.
func (o *LLM) GetProviderType() llms.ProviderType {
	return llms.ProviderOpenAI
}

// GenerateContent implements the Model interface.
func (o *LLM) GenerateContent(ctx context.Context, messages []llms.Message, options ...llms.CallOption) (*llms.ContentResponse, error) {
	opts := llms.CallOptions{
		Model: o.Options.Model,
	}
	for _, opt := range options {
		opt(&opts)
	}
	return GenerateMessagesContent(ctx, o, messages, &opts)
}

// GenerateMessagesContent converts the transcript and tool definitions into
// SDK parameters and runs the request, streaming if a streaming function is
// set.
func GenerateMessagesContent(ctx context.Context, o *LLM, messages []llms.Message, opts *llms.CallOptions) (*llms.ContentResponse, error) {
	sdkMessages, err := ProcessMessages(messages)
	if err != nil {
		return nil, errors.Wrap(err, "openai: failed to process messages")
	}

	tools, err := ToTools(opts.Tools)
	if err != nil {
		return nil, errors.Wrap(err, "openai: failed to convert tools")
	}

	params := openai.ChatCompletionNewParams{
		Model:               shared.ChatModel(opts.Model),
		Messages:            sdkMessages,
		MaxCompletionTokens: openai.Int(values.NumbersCoalesce(int64(opts.MaxTokens), DefaultMaxTokens)),
	}

	if opts.Temperature > 0 {
		params.Temperature = openai.Float(opts.Temperature)
	}

	if opts.TopP > 0 {
		params.TopP = openai.Float(opts.TopP)
	}

	if len(opts.StopWords) > 0 {
		params.Stop = openai.ChatCompletionNewParamsStopUnion{
			OfStringArray: opts.StopWords,
		}
	}

	if len(tools) > 0 {
		params.Tools = tools
	}

	if opts.StreamingFunc != nil {
		return GenerateStreamingContent(ctx, o, params, opts.StreamingFunc)
	}

	result, err := o.Client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, errors.Wrap(err, "openai: failed to create chat completion")
	}
	if len(result.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	choices := make([]*llms.ContentChoice, len(result.Choices))
	for i, c := range result.Choices {
		choice := &llms.ContentChoice{
			Content:        c.Message.Content,
			StopReason:     c.FinishReason,
			GenerationInfo: generationInfo(result),
		}
		for _, tc := range c.Message.ToolCalls {
			choice.ToolCalls = append(choice.ToolCalls, llms.ToolCall{
				ID:   tc.ID,
				Type: "function",
				FunctionCall: &llms.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		choices[i] = choice
	}

	return &llms.ContentResponse{
		Choices: choices,
	}, nil
}

// GenerateStreamingContent runs the request with SSE streaming, calling
// streamingFunc for each text delta. The accumulated completion is converted
// once the stream ends.
func GenerateStreamingContent(ctx context.Context, o *LLM, params openai.ChatCompletionNewParams, streamingFunc func(ctx context.Context, chunk []byte) error) (*llms.ContentResponse, error) {
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}

	stream := o.Client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)

		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			if err := streamingFunc(ctx, []byte(chunk.Choices[0].Delta.Content)); err != nil {
				return nil, errors.Wrap(err, "openai: streaming function returned error")
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, errors.Wrap(err, "openai: failed to stream chat completion")
	}

	result := acc.ChatCompletion
	if len(result.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	choices := make([]*llms.ContentChoice, len(result.Choices))
	for i, c := range result.Choices {
		choice := &llms.ContentChoice{
			Content:        c.Message.Content,
			StopReason:     c.FinishReason,
			GenerationInfo: generationInfo(&result),
		}
		for _, tc := range c.Message.ToolCalls {
			choice.ToolCalls = append(choice.ToolCalls, llms.ToolCall{
				ID:   tc.ID,
				Type: "function",
				FunctionCall: &llms.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		choices[i] = choice
	}

	return &llms.ContentResponse{
		Choices: choices,
	}, nil
}

func generationInfo(result *openai.ChatCompletion) map[string]any {
	return map[string]any{
		"InputTokens":  result.Usage.PromptTokens,
		"OutputTokens": result.Usage.CompletionTokens,
		"TotalTokens":  result.Usage.TotalTokens,
		"ID":           result.ID,
	}
}

// ToTools converts tool definitions to OpenAI SDK tool parameters.
// Returns nil if no tools are provided.
func ToTools(tools []llms.Tool) ([]openai.ChatCompletionToolUnionParam, error) {
	if len(tools) == 0 {
		return nil, nil
	}

	sdkTools := make([]openai.ChatCompletionToolUnionParam, len(tools))
	for i, tool := range tools {
		parameters, err := toFunctionParameters(tool.Function.Parameters)
		if err != nil {
			return nil, errors.Wrapf(err, "openai: invalid parameters for tool %q", tool.Function.Name)
		}

		sdkTools[i] = openai.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
			Name:        tool.Function.Name,
			Description: openai.String(tool.Function.Description),
			Parameters:  parameters,
		})
	}
	return sdkTools, nil
}

func toFunctionParameters(schema *jsonschema.Schema) (shared.FunctionParameters, error) {
	if schema == nil {
		return shared.FunctionParameters{"type": "object"}, nil
	}

	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal schema")
	}
	var parameters map[string]any
	if err := json.Unmarshal(raw, &parameters); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal schema")
	}
	return parameters, nil
}

// ProcessMessages converts the transcript to SDK message parameters. Tool
// results become tool messages keyed by the originating tool call ID.
func ProcessMessages(messages []llms.Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	chatMessages := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		if len(msg.Parts) == 0 {
			continue
		}
		switch msg.Role {
		case llms.RoleSystem:
			chatMessage, err := handleSystemMessage(msg)
			if err != nil {
				return nil, errors.Wrap(err, "openai: failed to handle system message")
			}
			chatMessages = append(chatMessages, chatMessage)
		case llms.RoleHuman:
			chatMessage, err := handleHumanMessage(msg)
			if err != nil {
				return nil, errors.Wrap(err, "openai: failed to handle human message")
			}
			chatMessages = append(chatMessages, chatMessage)
		case llms.RoleAI:
			chatMessage, err := handleAIMessage(msg)
			if err != nil {
				return nil, errors.Wrap(err, "openai: failed to handle AI message")
			}
			chatMessages = append(chatMessages, chatMessage)
		case llms.RoleTool:
			toolMessages, err := handleToolMessage(msg)
			if err != nil {
				return nil, errors.WithMessage(err, "openai: failed to handle tool message")
			}
			chatMessages = append(chatMessages, toolMessages...)
		default:
			return nil, errors.WithMessagef(ErrUnsupportedMessageType, "openai: %v", msg.Role)
		}
	}
	return chatMessages, nil
}

func handleSystemMessage(msg llms.Message) (openai.ChatCompletionMessageParamUnion, error) {
	if textContent, ok := msg.Parts[0].(llms.TextContent); ok {
		return openai.SystemMessage(textContent.Text), nil
	}
	return openai.ChatCompletionMessageParamUnion{}, errors.WithMessagef(ErrUnsupportedContentType, "openai: for system message: %T", msg.Parts[0])
}

func handleHumanMessage(msg llms.Message) (openai.ChatCompletionMessageParamUnion, error) {
	text := ""
	for _, part := range msg.Parts {
		switch p := part.(type) {
		case llms.TextContent:
			if text != "" {
				text += "\n"
			}
			text += p.Text
		default:
			return openai.ChatCompletionMessageParamUnion{}, errors.Errorf("openai: unsupported human message part type: %T", part)
		}
	}

	if text == "" {
		return openai.ChatCompletionMessageParamUnion{}, errors.New("openai: no valid content in human message")
	}

	return openai.UserMessage(text), nil
}

func handleAIMessage(msg llms.Message) (openai.ChatCompletionMessageParamUnion, error) {
	assistant := openai.ChatCompletionAssistantMessageParam{}

	for _, part := range msg.Parts {
		switch p := part.(type) {
		case llms.ToolCall:
			assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
				OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
					ID: p.ID,
					Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
						Name:      p.FunctionCall.Name,
						Arguments: p.FunctionCall.Arguments,
					},
				},
			})
		case llms.TextContent:
			assistant.Content.OfString = openai.String(p.Text)
		default:
			return openai.ChatCompletionMessageParamUnion{}, errors.Errorf("openai: unsupported AI message part type: %T", part)
		}
	}

	if len(assistant.ToolCalls) == 0 && !assistant.Content.OfString.Valid() {
		return openai.ChatCompletionMessageParamUnion{}, errors.New("openai: no valid content in AI message")
	}

	return openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant}, nil
}

func handleToolMessage(msg llms.Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	var chatMessages []openai.ChatCompletionMessageParamUnion

	for _, part := range msg.Parts {
		toolCallResponse, ok := part.(llms.ToolCallResponse)
		if !ok {
			return nil, errors.WithMessagef(ErrUnsupportedContentType, "openai: for tool message part type: %T", part)
		}
		chatMessages = append(chatMessages, openai.ToolMessage(toolCallResponse.Content, toolCallResponse.ToolCallID))
	}

	if len(chatMessages) == 0 {
		return nil, errors.New("openai: no valid content in tool message")
	}

	return chatMessages, nil
}
