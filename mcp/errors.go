package mcp

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcphost/mcp/internal/protocol"
)

// Sentinel errors for connection-level failures. Use errors.Is to test for
// them; the concrete cause is preserved in the chain.
var (
	// ErrConnectionStart marks failures to spawn a server process or complete
	// the initialize handshake.
	ErrConnectionStart = errors.New("failed to establish server connection")

	// ErrProtocol marks malformed or unexpected payloads from the server.
	ErrProtocol = errors.New("protocol violation")

	// ErrTimeout marks a request that did not receive a response in time.
	ErrTimeout = errors.New("request timed out")
)

// ErrorKind classifies a failed tool invocation.
type ErrorKind int

const (
	// KindServerFailure is a server-side failure executing the tool.
	KindServerFailure ErrorKind = iota
	// KindToolNotFound means the server does not recognize the tool name.
	KindToolNotFound
	// KindInvalidArguments means the arguments did not satisfy the tool's
	// input schema.
	KindInvalidArguments
)

func (k ErrorKind) String() string {
	switch k {
	case KindToolNotFound:
		return "tool_not_found"
	case KindInvalidArguments:
		return "invalid_arguments"
	default:
		return "server_failure"
	}
}

// ToolInvocationError is a failed tools/call. It is a non-fatal error: the
// connection remains usable for subsequent invocations.
type ToolInvocationError struct {
	Kind    ErrorKind
	Tool    string
	Message string
}

func (e *ToolInvocationError) Error() string {
	return fmt.Sprintf("tool %q failed (%s): %s", e.Tool, e.Kind, e.Message)
}

// JSON-RPC error codes reserved for request-level failures.
const (
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

// classifyCallError maps a raw tools/call failure into the package taxonomy.
func classifyCallError(tool string, err error) error {
	if errors.Is(err, protocol.ErrRequestTimeout) {
		return errors.Mark(err, ErrTimeout)
	}

	var rpcErr *protocol.RPCError
	if errors.As(err, &rpcErr) {
		kind := KindServerFailure
		switch rpcErr.Code {
		case codeMethodNotFound:
			kind = KindToolNotFound
		case codeInvalidParams:
			kind = KindInvalidArguments
		}
		return errors.WithStack(&ToolInvocationError{
			Kind:    kind,
			Tool:    tool,
			Message: rpcErr.Message,
		})
	}

	return errors.Mark(err, ErrProtocol)
}
