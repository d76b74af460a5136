// Package localtransport implements an in-process MCP transport: requests are
// delivered synchronously to a handler instead of a subprocess. It is used to
// embed tool servers in the host process and to test clients without spawning
// processes.
package localtransport

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcphost/mcp/transport"
)

// Handler processes one raw JSON-RPC message and returns the raw response
// message, if any.
type Handler interface {
	HandleMCP(ctx context.Context, req []byte) ([]byte, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req []byte) ([]byte, error)

func (f HandlerFunc) HandleMCP(ctx context.Context, req []byte) ([]byte, error) {
	return f(ctx, req)
}

// Transport implements a client-side in-process transport for MCP.
type Transport struct {
	messageHandler func(ctx context.Context, message *transport.BaseJsonRpcMessage)
	errorHandler   func(error)
	closeHandler   func()
	mu             sync.RWMutex
	closeOnce      sync.Once
	handler        Handler
}

var _ transport.Transport = (*Transport)(nil)

// New creates a client transport that delivers messages to the given handler.
func New(handler Handler) *Transport {
	return &Transport{
		handler: handler,
	}
}

// Start implements Transport.Start
func (t *Transport) Start(ctx context.Context) error {
	// Does nothing in the stateless local transport
	return nil
}

// Send implements Transport.Send
func (t *Transport) Send(ctx context.Context, message *transport.BaseJsonRpcMessage) error {
	data, err := json.Marshal(message)
	if err != nil {
		return errors.Wrap(err, "failed to marshal message")
	}

	resp, err := t.handler.HandleMCP(ctx, data)
	if err != nil {
		return err
	}
	if len(resp) == 0 {
		return nil
	}

	parsed, err := transport.UnmarshalMessage(resp)
	if err != nil {
		return errors.WithMessage(err, "received invalid response")
	}

	t.mu.RLock()
	handler := t.messageHandler
	t.mu.RUnlock()

	if handler != nil {
		handler(ctx, parsed)
	}
	return nil
}

// Close implements Transport.Close
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.RLock()
		handler := t.closeHandler
		t.mu.RUnlock()
		if handler != nil {
			handler()
		}
	})
	return nil
}

// SetCloseHandler implements Transport.SetCloseHandler
func (t *Transport) SetCloseHandler(handler func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeHandler = handler
}

// SetErrorHandler implements Transport.SetErrorHandler
func (t *Transport) SetErrorHandler(handler func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errorHandler = handler
}

// SetMessageHandler implements Transport.SetMessageHandler
func (t *Transport) SetMessageHandler(handler func(ctx context.Context, message *transport.BaseJsonRpcMessage)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messageHandler = handler
}
