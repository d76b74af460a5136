// Package orchestrator runs the conversation loop: it sends the transcript
// and the aggregated tool catalog to the model, dispatches the tool calls the
// model emits, feeds the results back, and repeats until the model produces a
// final answer.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcphost/chatmodel"
	"github.com/effective-security/mcphost/pkg/llms"
	"github.com/effective-security/mcphost/pkg/llmutils"
	"github.com/effective-security/mcphost/pkg/metricskey"
	"github.com/effective-security/mcphost/registry"
	"github.com/effective-security/x/slices"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcphost", "orchestrator")

// maxConsecutiveNotFound aborts a session when the model keeps asking for
// tools that do not exist.
const maxConsecutiveNotFound = 3

// ToolInvoker is the slice of the registry the orchestrator depends on.
type ToolInvoker interface {
	ToolDefs() []llms.Tool
	ToolNames() []string
	Invoke(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// Orchestrator drives chat turns against one model and one tool catalog. It
// is safe for concurrent use; each session's transcript is keyed by the chat
// ID in the context.
type Orchestrator struct {
	llm   llms.Model
	tools ToolInvoker
	cfg   *Config
}

// New creates an orchestrator over the given model and tool catalog.
func New(llm llms.Model, tools ToolInvoker, options ...Option) *Orchestrator {
	return &Orchestrator{
		llm:   llm,
		tools: tools,
		cfg:   NewConfig(options...),
	}
}

// SubmitUserMessage runs one chat turn: the user message goes in, tool calls
// are dispatched until the model stops asking for them, and the model's final
// text comes out. Tool failures are fed back to the model as failed results;
// only model transport errors and guard-rail violations fail the turn.
func (o *Orchestrator) SubmitUserMessage(ctx context.Context, input string) (string, error) {
	started := time.Now()
	modelName := o.llm.GetName()
	defer metricskey.PerfChatTurn.MeasureSince(started, modelName)

	chatID := chatmodel.GetChatID(ctx)
	cb := o.cfg.Callback
	if cb != nil {
		cb.OnChatStart(ctx, chatID, input)
	}

	result, err := o.run(ctx, input)
	if err != nil {
		metricskey.StatsChatTurnsFailed.IncrCounter(1, modelName)
		if cb != nil {
			cb.OnChatError(ctx, chatID, input, err)
		}
		return "", err
	}

	metricskey.StatsChatTurnsSucceeded.IncrCounter(1, modelName)
	if cb != nil {
		cb.OnChatEnd(ctx, chatID, input, result)
	}
	return result, nil
}

func (o *Orchestrator) run(ctx context.Context, input string) (string, error) {
	cfg := o.cfg
	modelName := o.llm.GetName()

	var messageHistory []llms.Message
	if cfg.SystemPrompt != "" {
		messageHistory = append(messageHistory, llms.MessageFromTextParts(llms.RoleSystem, cfg.SystemPrompt))
	}
	if cfg.Store != nil {
		prevMessages := cfg.Store.Messages(ctx)
		logger.ContextKV(ctx, xlog.DEBUG,
			"chat_id", chatmodel.GetChatID(ctx),
			"message_history", len(prevMessages),
		)
		messageHistory = append(messageHistory, prevMessages...)
	}

	userMessage := llms.MessageFromTextParts(llms.RoleHuman, input)
	messageHistory = append(messageHistory, userMessage)

	// messages produced during this turn, persisted atomically at the end
	runMessages := []llms.Message{userMessage}

	callOpts := cfg.CallOptions
	toolDefs := o.tools.ToolDefs()
	if len(toolDefs) > 0 {
		if !o.llm.GetProviderType().Supports(llms.CapabilityFunctionCalling) {
			return "", errors.Newf("model %s does not support function calling", modelName)
		}
		callOpts = append(callOpts, llms.WithTools(toolDefs))
	}

	var resp *llms.ContentResponse
	var err error
	var totalToolCalls int
	var retryCount int
	var consecutiveNotFound int

	for {
		if len(messageHistory) >= cfg.MaxMessages {
			return "", errors.Newf("chat turn exceeded the message limit of %d", cfg.MaxMessages)
		}
		bytesSent := llmutils.CountMessagesContentSize(messageHistory)
		if bytesSent > cfg.MaxContentSize {
			return "", errors.Newf("chat turn exceeded the content size limit of %d bytes", cfg.MaxContentSize)
		}

		if cfg.Callback != nil {
			cfg.Callback.OnLLMCallStart(ctx, modelName, messageHistory)
		}
		metricskey.StatsLLMMessagesSent.IncrCounter(float64(len(messageHistory)), modelName)

		resp, err = o.llm.GenerateContent(ctx, messageHistory, callOpts...)
		if err != nil {
			return "", errors.Wrapf(err, "failed to generate content from LLM")
		}

		if cfg.Callback != nil {
			cfg.Callback.OnLLMCallEnd(ctx, modelName, resp)
		}

		tokensIn, tokensOut, _ := llmutils.CountTokens(resp)
		metricskey.StatsLLMInputTokens.IncrCounter(float64(tokensIn), modelName)
		metricskey.StatsLLMOutputTokens.IncrCounter(float64(tokensOut), modelName)

		if len(resp.Choices) == 0 {
			retryCount++
			if retryCount >= DefaultMaxRetries {
				return "", errors.Newf("LLM returned empty response after %d retries", retryCount)
			}
			logger.ContextKV(ctx, xlog.WARNING,
				"status", "retrying_empty_response",
				"retry_count", retryCount,
			)
			continue
		}

		toolCalls := collectToolCalls(resp)
		if len(toolCalls) == 0 {
			break
		}

		assistantResponse := llms.MessageFromToolCalls(llms.RoleAI, toolCalls...)
		messageHistory = append(messageHistory, assistantResponse)
		runMessages = append(runMessages, assistantResponse)

		var notFound int
		for _, toolCall := range toolCalls {
			// dispatch strictly in the order the model emitted; each result
			// joins the transcript before the next call goes out
			resultMessage, missed := o.dispatch(ctx, toolCall)
			notFound += missed
			messageHistory = append(messageHistory, resultMessage)
			runMessages = append(runMessages, resultMessage)
		}

		if notFound > 0 {
			consecutiveNotFound += notFound
		} else {
			consecutiveNotFound = 0
		}
		if consecutiveNotFound >= maxConsecutiveNotFound {
			return "", errors.Newf("aborting after %d consecutive unknown tool requests", consecutiveNotFound)
		}

		totalToolCalls += len(toolCalls)
		if totalToolCalls >= cfg.MaxToolCalls {
			return "", errors.Newf("chat turn exceeded the tool call limit of %d", cfg.MaxToolCalls)
		}
	}

	result := resp.Choices[0].Content
	if len(resp.Choices) > 1 {
		var combined strings.Builder
		for i, choice := range resp.Choices {
			if i > 0 {
				combined.WriteString("\n\n")
			}
			combined.WriteString(choice.Content)
		}
		result = combined.String()
	}

	runMessages = append(runMessages, llms.MessageFromTextParts(llms.RoleAI, result))

	if cfg.Store != nil {
		if err := cfg.Store.Add(ctx, runMessages...); err != nil {
			return "", errors.WithMessage(err, "failed to persist transcript")
		}
		logger.ContextKV(ctx, xlog.DEBUG,
			"chat_id", chatmodel.GetChatID(ctx),
			"status", "added_message_history",
			"messages", len(runMessages),
			"human", slices.StringUpto(input, 64),
			"ai", slices.StringUpto(result, 64),
		)
	}

	return result, nil
}

// dispatch invokes one tool call and converts the outcome into a tool result
// message. Failures never propagate as errors: the model sees them as failed
// results and decides what to do next.
func (o *Orchestrator) dispatch(ctx context.Context, toolCall llms.ToolCall) (llms.Message, int) {
	cfg := o.cfg
	toolName := toolCall.FunctionCall.Name
	toolArgs := toolCall.FunctionCall.Arguments

	if cfg.Callback != nil {
		cfg.Callback.OnToolStart(ctx, toolName, toolArgs)
	}

	res, err := o.tools.Invoke(ctx, toolName, json.RawMessage(toolArgs))
	switch {
	case errors.Is(err, registry.ErrUnknownTool):
		availableTools := strings.Join(o.tools.ToolNames(), ", ")
		logger.ContextKV(ctx, xlog.WARNING,
			"status", "tool_not_found",
			"tool", toolName,
			"available_tools", availableTools,
		)
		if cfg.Callback != nil {
			cfg.Callback.OnToolNotFound(ctx, toolName)
		}
		return llms.MessageFromToolResponse(llms.RoleTool, llms.ToolCallResponse{
			ToolCallID: toolCall.ID,
			Name:       toolName,
			Content:    fmt.Sprintf("Tool `%s` not found. Please check the tool name and try again with exact match. Available tools: %s", toolName, availableTools),
			IsError:    true,
		}), 1

	case err != nil:
		logger.ContextKV(ctx, xlog.WARNING,
			"status", "tool_call_failed",
			"tool", toolName,
			"err", err.Error(),
		)
		if cfg.Callback != nil {
			cfg.Callback.OnToolError(ctx, toolName, toolArgs, err)
		}
		return llms.MessageFromToolResponse(llms.RoleTool, llms.ToolCallResponse{
			ToolCallID: toolCall.ID,
			Name:       toolName,
			Content:    fmt.Sprintf("Tool call failed: %s", err.Error()),
			IsError:    true,
		}), 0
	}

	if cfg.Callback != nil {
		cfg.Callback.OnToolEnd(ctx, toolName, toolArgs, res)
	}
	return llms.MessageFromToolResponse(llms.RoleTool, llms.ToolCallResponse{
		ToolCallID: toolCall.ID,
		Name:       toolName,
		Content:    res,
	}), 0
}

// collectToolCalls gathers the tool calls across all choices, preserving the
// model's emission order and normalizing ids. Fabricated ids are numbered
// across the whole response so calls from different choices never collide.
func collectToolCalls(resp *llms.ContentResponse) []llms.ToolCall {
	var toolCalls []llms.ToolCall
	var seq int
	for _, choice := range resp.Choices {
		for _, toolCall := range choice.ToolCalls {
			if toolCall.FunctionCall == nil {
				continue
			}
			if toolCall.ID == "" {
				toolCall.ID = fmt.Sprintf("%s_%d", toolCall.FunctionCall.Name, seq)
			}
			if toolCall.Type == "" {
				toolCall.Type = "function"
			}
			seq++
			toolCalls = append(toolCalls, toolCall)
		}
	}
	return toolCalls
}
