package orchestrator

import (
	"context"

	"github.com/effective-security/mcphost/pkg/llms"
)

// Callback receives lifecycle events of a chat turn. Implementations must be
// safe for concurrent use when the orchestrator is shared across sessions.
type Callback interface {
	OnChatStart(ctx context.Context, chatID, input string)
	OnChatEnd(ctx context.Context, chatID, input, result string)
	OnChatError(ctx context.Context, chatID, input string, err error)

	OnLLMCallStart(ctx context.Context, model string, messages []llms.Message)
	OnLLMCallEnd(ctx context.Context, model string, resp *llms.ContentResponse)

	OnToolStart(ctx context.Context, tool, input string)
	OnToolEnd(ctx context.Context, tool, input, output string)
	OnToolError(ctx context.Context, tool, input string, err error)
	OnToolNotFound(ctx context.Context, tool string)
}
