package store

import (
	"context"

	"github.com/effective-security/mcphost/pkg/llms"
)

// MessageStore keeps the transcript of a conversation session. The transcript
// is append-only: messages are never modified or reordered once added.
// The session is identified by the chat ID carried in the context.
type MessageStore interface {
	// Messages returns the transcript of the session, in insertion order.
	Messages(ctx context.Context) []llms.Message
	// Add appends messages to the session transcript.
	Add(ctx context.Context, msgs ...llms.Message) error
	// Reset discards the session transcript.
	Reset(ctx context.Context) error
}
