// Package callbacks provides ready-made handlers for orchestrator lifecycle
// events: a no-op, a writer printer, a structured logger, and a fanout that
// forwards to several handlers.
package callbacks

import (
	"context"
	"fmt"
	"io"

	"github.com/effective-security/mcphost/orchestrator"
	"github.com/effective-security/mcphost/pkg/llms"
	"github.com/effective-security/xlog"
)

// ensure that the callbacks implement the correct interfaces
var (
	_ orchestrator.Callback = (*Noop)(nil)
	_ orchestrator.Callback = (*Printer)(nil)
	_ orchestrator.Callback = (*PackageLogger)(nil)
	_ orchestrator.Callback = (*Fanout)(nil)
)

// Noop does nothing.
type Noop struct{}

func NewNoop() *Noop {
	return &Noop{}
}

func (l *Noop) OnChatStart(ctx context.Context, chatID, input string)                     {}
func (l *Noop) OnChatEnd(ctx context.Context, chatID, input, result string)               {}
func (l *Noop) OnChatError(ctx context.Context, chatID, input string, err error)          {}
func (l *Noop) OnLLMCallStart(ctx context.Context, model string, messages []llms.Message) {}
func (l *Noop) OnLLMCallEnd(ctx context.Context, model string, resp *llms.ContentResponse) {
}
func (l *Noop) OnToolStart(ctx context.Context, tool, input string)            {}
func (l *Noop) OnToolEnd(ctx context.Context, tool, input, output string)      {}
func (l *Noop) OnToolError(ctx context.Context, tool, input string, err error) {}
func (l *Noop) OnToolNotFound(ctx context.Context, tool string)                {}

// Printer prints the events to the Writer.
type Printer struct {
	Out io.Writer
}

func NewPrinter(out io.Writer) *Printer {
	return &Printer{Out: out}
}

func (l *Printer) OnChatStart(ctx context.Context, chatID, input string) {
	fmt.Fprintf(l.Out, "Chat Start: %s\n", chatID)
	fmt.Fprintf(l.Out, "Input: %s\n", input)
}

func (l *Printer) OnChatEnd(ctx context.Context, chatID, input, result string) {
	fmt.Fprintf(l.Out, "Chat End: %s\n", chatID)
	fmt.Fprintln(l.Out, result)
}

func (l *Printer) OnChatError(ctx context.Context, chatID, input string, err error) {
	fmt.Fprintf(l.Out, "Chat Error: %s: %s\n", chatID, err.Error())
}

func (l *Printer) OnLLMCallStart(ctx context.Context, model string, messages []llms.Message) {
	fmt.Fprintf(l.Out, "LLM Call: %s, messages: %d\n", model, len(messages))
}

func (l *Printer) OnLLMCallEnd(ctx context.Context, model string, resp *llms.ContentResponse) {
	for _, choice := range resp.Choices {
		if choice.Content != "" {
			fmt.Fprintln(l.Out, choice.Content)
		}
	}
}

func (l *Printer) OnToolStart(ctx context.Context, tool, input string) {
	fmt.Fprintf(l.Out, "Tool Start: %s\n", tool)
	fmt.Fprintf(l.Out, "Input: %s\n", input)
}

func (l *Printer) OnToolEnd(ctx context.Context, tool, input, output string) {
	fmt.Fprintf(l.Out, "Tool End: %s\n", tool)
	fmt.Fprintf(l.Out, "Output: %s\n", output)
}

func (l *Printer) OnToolError(ctx context.Context, tool, input string, err error) {
	fmt.Fprintf(l.Out, "Tool Error: %s: %s\n", tool, err.Error())
}

func (l *Printer) OnToolNotFound(ctx context.Context, tool string) {
	fmt.Fprintf(l.Out, "Tool Not Found: %s\n", tool)
}

// PackageLogger logs the events to the structured logger.
type PackageLogger struct {
	logger *xlog.PackageLogger
}

func NewPackageLogger(logger *xlog.PackageLogger) *PackageLogger {
	return &PackageLogger{logger: logger}
}

func (l *PackageLogger) OnChatStart(ctx context.Context, chatID, input string) {
	l.logger.ContextKV(ctx, xlog.DEBUG,
		"event", "chat_start",
		"chat_id", chatID,
		"input", input,
	)
}

func (l *PackageLogger) OnChatEnd(ctx context.Context, chatID, input, result string) {
	l.logger.ContextKV(ctx, xlog.DEBUG,
		"event", "chat_end",
		"chat_id", chatID,
		"result", result,
	)
}

func (l *PackageLogger) OnChatError(ctx context.Context, chatID, input string, err error) {
	l.logger.ContextKV(ctx, xlog.ERROR,
		"event", "chat_error",
		"chat_id", chatID,
		"err", err.Error(),
	)
}

func (l *PackageLogger) OnLLMCallStart(ctx context.Context, model string, messages []llms.Message) {
	l.logger.ContextKV(ctx, xlog.DEBUG,
		"event", "llm_call_start",
		"model", model,
		"messages", len(messages),
	)
}

func (l *PackageLogger) OnLLMCallEnd(ctx context.Context, model string, resp *llms.ContentResponse) {
	l.logger.ContextKV(ctx, xlog.DEBUG,
		"event", "llm_call_end",
		"model", model,
		"choices", len(resp.Choices),
	)
}

func (l *PackageLogger) OnToolStart(ctx context.Context, tool, input string) {
	l.logger.ContextKV(ctx, xlog.DEBUG,
		"event", "tool_start",
		"tool", tool,
		"input", input,
	)
}

func (l *PackageLogger) OnToolEnd(ctx context.Context, tool, input, output string) {
	l.logger.ContextKV(ctx, xlog.DEBUG,
		"event", "tool_end",
		"tool", tool,
	)
}

func (l *PackageLogger) OnToolError(ctx context.Context, tool, input string, err error) {
	l.logger.ContextKV(ctx, xlog.WARNING,
		"event", "tool_error",
		"tool", tool,
		"err", err.Error(),
	)
}

func (l *PackageLogger) OnToolNotFound(ctx context.Context, tool string) {
	l.logger.ContextKV(ctx, xlog.WARNING,
		"event", "tool_not_found",
		"tool", tool,
	)
}

// Fanout forwards the events to multiple handlers.
type Fanout struct {
	callbacks []orchestrator.Callback
}

func NewFanout(callbacks ...orchestrator.Callback) *Fanout {
	return &Fanout{callbacks: callbacks}
}

func (l *Fanout) Add(callback orchestrator.Callback) {
	l.callbacks = append(l.callbacks, callback)
}

func (l *Fanout) OnChatStart(ctx context.Context, chatID, input string) {
	for _, callback := range l.callbacks {
		callback.OnChatStart(ctx, chatID, input)
	}
}

func (l *Fanout) OnChatEnd(ctx context.Context, chatID, input, result string) {
	for _, callback := range l.callbacks {
		callback.OnChatEnd(ctx, chatID, input, result)
	}
}

func (l *Fanout) OnChatError(ctx context.Context, chatID, input string, err error) {
	for _, callback := range l.callbacks {
		callback.OnChatError(ctx, chatID, input, err)
	}
}

func (l *Fanout) OnLLMCallStart(ctx context.Context, model string, messages []llms.Message) {
	for _, callback := range l.callbacks {
		callback.OnLLMCallStart(ctx, model, messages)
	}
}

func (l *Fanout) OnLLMCallEnd(ctx context.Context, model string, resp *llms.ContentResponse) {
	for _, callback := range l.callbacks {
		callback.OnLLMCallEnd(ctx, model, resp)
	}
}

func (l *Fanout) OnToolStart(ctx context.Context, tool, input string) {
	for _, callback := range l.callbacks {
		callback.OnToolStart(ctx, tool, input)
	}
}

func (l *Fanout) OnToolEnd(ctx context.Context, tool, input, output string) {
	for _, callback := range l.callbacks {
		callback.OnToolEnd(ctx, tool, input, output)
	}
}

func (l *Fanout) OnToolError(ctx context.Context, tool, input string, err error) {
	for _, callback := range l.callbacks {
		callback.OnToolError(ctx, tool, input, err)
	}
}

func (l *Fanout) OnToolNotFound(ctx context.Context, tool string) {
	for _, callback := range l.callbacks {
		callback.OnToolNotFound(ctx, tool)
	}
}
