// Package anthropic implements the llms.Model interface over the official
// Anthropic SDK, including tool calling and streaming.
package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcphost/pkg/llms"
	"github.com/effective-security/x/values"
)

var (
	ErrEmptyResponse          = errors.New("anthropic: no response")
	ErrMissingToken           = errors.New("anthropic: missing API key, set it in the ANTHROPIC_API_KEY environment variable")
	ErrInvalidContentType     = errors.New("anthropic: invalid content type")
	ErrUnsupportedMessageType = errors.New("anthropic: unsupported message type")
	ErrUnsupportedContentType = errors.New("anthropic: unsupported content type")
)

const DefaultMaxTokens = 4096

type LLM struct {
	Client  *anthropic.Client
	Options *Options
}

var _ llms.Model = (*LLM)(nil)

// New creates an Anthropic chat model. The API token comes from the WithToken
// option or the ANTHROPIC_API_KEY environment variable; the model name is
// required.
func New(opts ...Option) (*LLM, error) {
	options := &Options{
		Token:      os.Getenv(TokenEnvVarName),
		BaseURL:    "https://api.anthropic.com",
		HttpClient: http.DefaultClient,
	}

	for _, opt := range opts {
		opt(options)
	}

	if len(options.Token) == 0 {
		return nil, ErrMissingToken
	}
	if options.Model == "" {
		return nil, errors.New("anthropic: model is required")
	}

	c, err := newClient(options)
	if err != nil {
		return nil, errors.Wrap(err, "anthropic: failed to create client")
	}
	return &LLM{
		Client:  c,
		Options: options,
	}, nil
}

func newClient(options *Options) (*anthropic.Client, error) {
	sdkOpts := []option.RequestOption{
		option.WithAPIKey(options.Token),
		option.WithMaxRetries(2),
		option.WithRequestTimeout(5 * time.Minute),
	}

	if options.BaseURL != "" {
		sdkOpts = append(sdkOpts, option.WithBaseURL(options.BaseURL))
	}

	if options.HttpClient != nil {
		sdkOpts = append(sdkOpts, option.WithHTTPClient(options.HttpClient))
	}

	if options.AnthropicBetaHeader != "" {
		sdkOpts = append(sdkOpts, option.WithHeader("anthropic-beta", options.AnthropicBetaHeader))
	}

	client := anthropic.NewClient(sdkOpts...)

	return &client, nil
}

// GetName implements the Model interface.
func (o *LLM) GetName() string {
	return o.Options.Model
}

// GetProviderType implements the Model interface.
func (o *LLM) GetProviderType() llms.ProviderType {
	return llms.ProviderAnthropic
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
	sdkMessages, systemPrompt, err := ProcessMessages(messages)
	if err != nil {
		return nil, errors.Wrap(err, "anthropic: failed to process messages")
	}

	tools := ToTools(opts.Tools)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(opts.Model),
		Messages:  sdkMessages,
		MaxTokens: values.NumbersCoalesce(int64(opts.MaxTokens), DefaultMaxTokens),
	}

	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{
				Type: "text",
				Text: systemPrompt,
			},
		}
	}

	if opts.Temperature > 0 {
		params.Temperature = anthropic.Float(opts.Temperature)
	}

	if opts.TopP > 0 {
		params.TopP = anthropic.Float(opts.TopP)
	}

	if len(opts.StopWords) > 0 {
		params.StopSequences = opts.StopWords
	}

	if len(tools) > 0 {
		params.Tools = tools
	}

	if opts.StreamingFunc != nil {
		return GenerateStreamingContent(ctx, o, params, opts.StreamingFunc)
	}

	result, err := o.Client.Messages.New(ctx, params)
	if err != nil {
		return nil, errors.Wrap(err, "anthropic: failed to create message")
	}
	if len(result.Content) == 0 {
		return nil, ErrEmptyResponse
	}

	choices := make([]*llms.ContentChoice, len(result.Content))
	for i, contentBlock := range result.Content {
		switch content := contentBlock.AsAny().(type) {
		case anthropic.TextBlock:
			choices[i] = &llms.ContentChoice{
				Content:        content.Text,
				StopReason:     string(result.StopReason),
				GenerationInfo: generationInfo(result, i),
			}
		case anthropic.ToolUseBlock:
			argumentsJSON, err := json.Marshal(content.Input)
			if err != nil {
				return nil, errors.Wrap(err, "anthropic: failed to marshal tool use arguments")
			}
			choices[i] = &llms.ContentChoice{
				ToolCalls: []llms.ToolCall{
					{
						ID:   content.ID,
						Type: "function",
						FunctionCall: &llms.FunctionCall{
							Name:      content.Name,
							Arguments: string(argumentsJSON),
						},
					},
				},
				StopReason:     string(result.StopReason),
				GenerationInfo: generationInfo(result, i),
			}
		default:
			return nil, errors.WithMessagef(ErrUnsupportedContentType, "anthropic: %T", content)
		}
	}

	return &llms.ContentResponse{
		Choices: choices,
	}, nil
}

func generationInfo(result *anthropic.Message, index int) map[string]any {
	return map[string]any{
		"InputTokens":  result.Usage.InputTokens,
		"OutputTokens": result.Usage.OutputTokens,
		"TotalTokens":  result.Usage.InputTokens + result.Usage.OutputTokens,
		"ID":           result.ID,
		"Index":        index,
	}
}

// GenerateStreamingContent consumes the streaming API, assembling text deltas
// and partial tool-call JSON, and invokes the streaming function for each
// text chunk.
func GenerateStreamingContent(ctx context.Context, o *LLM, params anthropic.MessageNewParams, streamingFunc func(context.Context, []byte) error) (*llms.ContentResponse, error) {
	stream := o.Client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var content strings.Builder
	var toolCalls []llms.ToolCall
	var currentToolCall *llms.ToolCall
	var stopReason string
	var inputTokens, outputTokens int64

	for stream.Next() {
		event := stream.Current()

		switch evt := event.AsAny().(type) {
		case anthropic.MessageStartEvent:
			inputTokens = evt.Message.Usage.InputTokens
		case anthropic.ContentBlockStartEvent:
			switch block := evt.ContentBlock.AsAny().(type) {
			case anthropic.ToolUseBlock:
				currentToolCall = &llms.ToolCall{
					ID:   block.ID,
					Type: "function",
					FunctionCall: &llms.FunctionCall{
						Name: block.Name,
					},
				}
			}
		case anthropic.ContentBlockDeltaEvent:
			switch delta := evt.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				content.WriteString(delta.Text)
				if streamingFunc != nil {
					if err := streamingFunc(ctx, []byte(delta.Text)); err != nil {
						return nil, errors.Wrap(err, "anthropic: streaming function error")
					}
				}
			case anthropic.InputJSONDelta:
				if currentToolCall != nil {
					currentToolCall.FunctionCall.Arguments += delta.PartialJSON
				}
			}
		case anthropic.ContentBlockStopEvent:
			if currentToolCall != nil {
				toolCalls = append(toolCalls, *currentToolCall)
				currentToolCall = nil
			}
		case anthropic.MessageDeltaEvent:
			stopReason = string(evt.Delta.StopReason)
			outputTokens = evt.Usage.OutputTokens
		}
	}

	if err := stream.Err(); err != nil {
		return nil, errors.Wrap(err, "anthropic: streaming error")
	}

	usage := map[string]any{
		"InputTokens":  inputTokens,
		"OutputTokens": outputTokens,
		"TotalTokens":  inputTokens + outputTokens,
	}

	var choices []*llms.ContentChoice
	if content.Len() > 0 {
		choices = append(choices, &llms.ContentChoice{
			Content:        content.String(),
			StopReason:     stopReason,
			GenerationInfo: usage,
		})
	}

	if len(toolCalls) > 0 {
		choices = append(choices, &llms.ContentChoice{
			ToolCalls:      toolCalls,
			StopReason:     stopReason,
			GenerationInfo: usage,
		})
	}

	return &llms.ContentResponse{
		Choices: choices,
	}, nil
}

// ToTools converts tool definitions to Anthropic SDK tool parameters.
// Returns nil if no tools are provided.
func ToTools(tools []llms.Tool) []anthropic.ToolUnionParam {
	if len(tools) == 0 {
		return nil
	}

	sdkTools := make([]anthropic.ToolUnionParam, len(tools))
	for i, tool := range tools {
		// Convert Properties from orderedmap to regular map for the SDK
		var properties map[string]any
		if tool.Function.Parameters != nil && tool.Function.Parameters.Properties != nil {
			properties = make(map[string]any)
			for pair := tool.Function.Parameters.Properties.Oldest(); pair != nil; pair = pair.Next() {
				properties[pair.Key] = pair.Value
			}
		}

		inputSchema := anthropic.ToolInputSchemaParam{
			Type:       "object",
			Properties: properties,
		}
		if tool.Function.Parameters != nil && len(tool.Function.Parameters.Required) > 0 {
			inputSchema.Required = tool.Function.Parameters.Required
		}

		sdkTools[i] = anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        tool.Function.Name,
				Description: anthropic.String(tool.Function.Description),
				InputSchema: inputSchema,
			},
		}
	}
	return sdkTools
}

// ProcessMessages converts the transcript to SDK message parameters,
// extracting the system prompt. Tool results become user messages with tool
// result blocks, per the Anthropic message format.
func ProcessMessages(messages []llms.Message) ([]anthropic.MessageParam, string, error) {
	chatMessages := make([]anthropic.MessageParam, 0, len(messages))
	systemPrompt := ""
	for _, msg := range messages {
		if len(msg.Parts) == 0 {
			continue
		}
		switch msg.Role {
		case llms.RoleSystem:
			content, err := handleSystemMessage(msg)
			if err != nil {
				return nil, "", errors.Wrap(err, "anthropic: failed to handle system message")
			}
			if systemPrompt != "" {
				systemPrompt += "\n" + content
			} else {
				systemPrompt = content
			}
		case llms.RoleHuman:
			chatMessage, err := handleHumanMessage(msg)
			if err != nil {
				return nil, "", errors.Wrap(err, "anthropic: failed to handle human message")
			}
			chatMessages = append(chatMessages, chatMessage)
		case llms.RoleAI:
			chatMessage, err := handleAIMessage(msg)
			if err != nil {
				return nil, "", errors.Wrap(err, "anthropic: failed to handle AI message")
			}
			chatMessages = append(chatMessages, chatMessage)
		case llms.RoleTool:
			chatMessage, err := handleToolMessage(msg)
			if err != nil {
				return nil, "", errors.WithMessage(err, "anthropic: failed to handle tool message")
			}
			chatMessages = append(chatMessages, chatMessage)
		default:
			return nil, "", errors.WithMessagef(ErrUnsupportedMessageType, "anthropic: %v", msg.Role)
		}
	}
	return chatMessages, systemPrompt, nil
}

func handleSystemMessage(msg llms.Message) (string, error) {
	if textContent, ok := msg.Parts[0].(llms.TextContent); ok {
		return textContent.Text, nil
	}
	return "", errors.WithMessagef(ErrInvalidContentType, "anthropic: for system message")
}

func handleHumanMessage(msg llms.Message) (anthropic.MessageParam, error) {
	var contents []anthropic.ContentBlockParamUnion

	for _, part := range msg.Parts {
		switch p := part.(type) {
		case llms.TextContent:
			contents = append(contents, anthropic.NewTextBlock(p.Text))
		default:
			return anthropic.MessageParam{}, errors.Errorf("anthropic: unsupported human message part type: %T", part)
		}
	}

	if len(contents) == 0 {
		return anthropic.MessageParam{}, errors.New("anthropic: no valid content in human message")
	}

	return anthropic.NewUserMessage(contents...), nil
}

func handleAIMessage(msg llms.Message) (anthropic.MessageParam, error) {
	var contents []anthropic.ContentBlockParamUnion

	for _, part := range msg.Parts {
		switch p := part.(type) {
		case llms.ToolCall:
			var inputJSON json.RawMessage
			if err := json.Unmarshal([]byte(p.FunctionCall.Arguments), &inputJSON); err != nil {
				return anthropic.MessageParam{}, errors.Wrap(err, "anthropic: failed to unmarshal tool call arguments")
			}

			contents = append(contents, anthropic.NewToolUseBlock(
				p.ID,
				inputJSON,
				p.FunctionCall.Name,
			))
		case llms.TextContent:
			contents = append(contents, anthropic.NewTextBlock(p.Text))
		default:
			return anthropic.MessageParam{}, errors.Errorf("anthropic: unsupported AI message part type: %T", part)
		}
	}

	if len(contents) == 0 {
		return anthropic.MessageParam{}, errors.New("anthropic: no valid content in AI message")
	}

	return anthropic.NewAssistantMessage(contents...), nil
}

func handleToolMessage(msg llms.Message) (anthropic.MessageParam, error) {
	var contents []anthropic.ContentBlockParamUnion

	for _, part := range msg.Parts {
		if toolCallResponse, ok := part.(llms.ToolCallResponse); ok {
			contents = append(contents, anthropic.NewToolResultBlock(
				toolCallResponse.ToolCallID,
				toolCallResponse.Content,
				toolCallResponse.IsError,
			))
		} else {
			return anthropic.MessageParam{}, errors.WithMessagef(ErrInvalidContentType, "anthropic: for tool message part type: %T", part)
		}
	}

	if len(contents) == 0 {
		return anthropic.MessageParam{}, errors.New("anthropic: no valid content in tool message")
	}

	return anthropic.NewUserMessage(contents...), nil
}
