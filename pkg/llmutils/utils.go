// Package llmutils provides small helpers for working with model messages
// and responses.
package llmutils

import (
	"fmt"
	"io"

	"github.com/effective-security/mcphost/pkg/llms"
	"github.com/effective-security/x/values"
)

// CountMessagesContentSize counts the size of the content in the messages.
func CountMessagesContentSize(msgs []llms.Message) uint64 {
	var size uint64
	for _, mc := range msgs {
		size += uint64(len(mc.Role))
		for _, p := range mc.Parts {
			switch pp := p.(type) {
			case llms.TextContent:
				size += uint64(len(pp.Text))
			case llms.ToolCall:
				size += uint64(len(pp.ID))
				size += uint64(len(pp.Type))
				if pp.FunctionCall != nil {
					size += uint64(len(pp.FunctionCall.Name))
					size += uint64(len(pp.FunctionCall.Arguments))
				}
			case llms.ToolCallResponse:
				size += uint64(len(pp.ToolCallID))
				size += uint64(len(pp.Name))
				size += uint64(len(pp.Content))
			}
		}
	}
	return size
}

// CountResponseContentSize counts the size of the content in the response.
func CountResponseContentSize(resp *llms.ContentResponse) uint64 {
	var size uint64
	for _, choice := range resp.Choices {
		size += uint64(len(choice.Content))
		for _, toolCall := range choice.ToolCalls {
			size += uint64(len(toolCall.ID))
			size += uint64(len(toolCall.Type))
			if toolCall.FunctionCall != nil {
				size += uint64(len(toolCall.FunctionCall.Name))
				size += uint64(len(toolCall.FunctionCall.Arguments))
			}
		}
	}
	return size
}

// CountTokens sums the token usage reported by the provider.
func CountTokens(resp *llms.ContentResponse) (in, out, total int64) {
	for _, choice := range resp.Choices {
		ma := values.MapAny(choice.GenerationInfo)
		in += ma.Int64("InputTokens")
		out += ma.Int64("OutputTokens")
		total += ma.Int64("TotalTokens")
	}
	return
}

// PrintMessages writes the transcript in a human readable form.
func PrintMessages(w io.Writer, msgs []llms.Message) {
	for _, mc := range msgs {
		fmt.Fprintf(w, "%s:\n", mc.Role)
		for _, p := range mc.Parts {
			switch pp := p.(type) {
			case llms.TextContent:
				fmt.Fprintln(w, pp.Text)
			case llms.ToolCall:
				if pp.FunctionCall != nil {
					fmt.Fprintf(w, "[tool call] %s(%s)\n", pp.FunctionCall.Name, pp.FunctionCall.Arguments)
				}
			case llms.ToolCallResponse:
				fmt.Fprintf(w, "[tool result] %s: %s\n", pp.Name, pp.Content)
			}
		}
	}
}
