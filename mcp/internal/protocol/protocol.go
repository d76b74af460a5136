// Package protocol implements the JSON-RPC framing used by MCP clients:
// request/response correlation by id, notification dispatch, request
// cancellation and per-request timeouts on top of a pluggable transport.
package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcphost/mcp/transport"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcphost/mcp/internal", "protocol")

// DefaultRequestTimeoutMsec bounds a request when the caller does not supply
// a timeout of its own.
const DefaultRequestTimeoutMsec = 60000

// ErrRequestTimeout is returned when a request does not receive a response
// within its timeout.
var ErrRequestTimeout = errors.New("request timed out")

// ErrConnectionClosed is returned to pending requests when the transport
// closes underneath them.
var ErrConnectionClosed = errors.New("connection closed")

// RPCError is a JSON-RPC error response from the remote side.
type RPCError struct {
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// RequestOptions contains options that can be given per request.
type RequestOptions struct {
	// Timeout bounds this request. If zero, DefaultRequestTimeoutMsec is used.
	Timeout time.Duration
}

// RequestHandlerExtra carries the cancellation context to request handlers.
type RequestHandlerExtra struct {
	Context context.Context
}

// Protocol implements MCP message framing on top of a transport: it assigns
// request ids, routes responses back to waiting callers, dispatches
// notifications, and answers incoming requests.
type Protocol struct {
	transport transport.Transport

	requestMessageID transport.RequestId
	mu               sync.RWMutex

	requestHandlers      map[string]func(context.Context, *transport.BaseJSONRPCRequest, RequestHandlerExtra) (transport.JsonRpcBody, error)
	requestCancellers    map[transport.RequestId]context.CancelFunc
	notificationHandlers map[string]func(notification *transport.BaseJSONRPCNotification) error
	responseHandlers     map[transport.RequestId]chan *responseEnvelope

	// OnClose is called when the connection is closed for any reason.
	OnClose func()
	// OnError is called when a protocol-level error occurs.
	OnError func(error)
}

type responseEnvelope struct {
	result json.RawMessage
	err    error
}

// NewProtocol creates a new Protocol instance. It is not usable until Connect.
func NewProtocol() *Protocol {
	p := &Protocol{
		requestHandlers:      make(map[string]func(context.Context, *transport.BaseJSONRPCRequest, RequestHandlerExtra) (transport.JsonRpcBody, error)),
		requestCancellers:    make(map[transport.RequestId]context.CancelFunc),
		notificationHandlers: make(map[string]func(*transport.BaseJSONRPCNotification) error),
		responseHandlers:     make(map[transport.RequestId]chan *responseEnvelope),
	}

	p.SetNotificationHandler("notifications/cancelled", p.handleCancelledNotification)

	return p
}

// Connect attaches to the given transport, starts it, and starts listening
// for messages.
func (p *Protocol) Connect(tr transport.Transport) error {
	p.transport = tr

	tr.SetCloseHandler(func() {
		p.handleClose()
	})

	tr.SetErrorHandler(func(err error) {
		p.handleError(err)
	})

	tr.SetMessageHandler(func(ctx context.Context, message *transport.BaseJsonRpcMessage) {
		switch message.Type {
		case transport.BaseMessageTypeJSONRPCRequestType:
			p.handleRequest(ctx, message.JsonRpcRequest)
		case transport.BaseMessageTypeJSONRPCNotificationType:
			p.handleNotification(message.JsonRpcNotification)
		case transport.BaseMessageTypeJSONRPCResponseType:
			p.handleResponse(message.JsonRpcResponse, nil)
		case transport.BaseMessageTypeJSONRPCErrorType:
			p.handleResponse(nil, message.JsonRpcError)
		}
	})

	return tr.Start(context.Background())
}

// Close closes the underlying transport.
func (p *Protocol) Close() error {
	if p.transport != nil {
		return p.transport.Close()
	}
	return nil
}

// Request sends a request and waits for the matching response. The caller's
// context cancels the wait and notifies the remote side; a timeout returns
// ErrRequestTimeout.
func (p *Protocol) Request(ctx context.Context, method string, params any, opts *RequestOptions) (json.RawMessage, error) {
	if p.transport == nil {
		return nil, errors.New("not connected")
	}

	if opts == nil {
		opts = &RequestOptions{}
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = time.Duration(DefaultRequestTimeoutMsec) * time.Millisecond
	}

	p.mu.Lock()
	id := p.requestMessageID
	p.requestMessageID++
	ch := make(chan *responseEnvelope, 1)
	p.responseHandlers[id] = ch
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.responseHandlers, id)
		p.mu.Unlock()
	}()

	marshalledParams, err := json.Marshal(params)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal params")
	}

	request := &transport.BaseJSONRPCRequest{
		Jsonrpc: "2.0",
		Method:  method,
		Params:  marshalledParams,
		Id:      id,
	}

	if err := p.transport.Send(ctx, transport.NewBaseMessageRequest(request)); err != nil {
		return nil, errors.Wrap(err, "failed to send request")
	}

	select {
	case envelope := <-ch:
		if envelope.err != nil {
			return nil, envelope.err
		}
		return envelope.result, nil
	case <-ctx.Done():
		p.sendCancelNotification(id, ctx.Err().Error())
		return nil, errors.WithStack(ctx.Err())
	case <-time.After(timeout):
		p.sendCancelNotification(id, "request timeout")
		return nil, errors.WithMessagef(ErrRequestTimeout, "%s after %v", method, timeout)
	}
}

// Notification emits a one-way message that does not expect a response.
func (p *Protocol) Notification(method string, params any) error {
	if p.transport == nil {
		return errors.New("not connected")
	}

	marshalled, err := json.Marshal(params)
	if err != nil {
		return errors.Wrap(err, "failed to marshal notification params")
	}

	notification := &transport.BaseJSONRPCNotification{
		Jsonrpc: "2.0",
		Method:  method,
		Params:  marshalled,
	}

	return p.transport.Send(context.Background(), transport.NewBaseMessageNotification(notification))
}

// SetRequestHandler registers a handler for incoming requests with the given
// method.
func (p *Protocol) SetRequestHandler(method string, handler func(context.Context, *transport.BaseJSONRPCRequest, RequestHandlerExtra) (transport.JsonRpcBody, error)) {
	p.mu.Lock()
	p.requestHandlers[method] = handler
	p.mu.Unlock()
}

// SetNotificationHandler registers a handler for incoming notifications with
// the given method.
func (p *Protocol) SetNotificationHandler(method string, handler func(notification *transport.BaseJSONRPCNotification) error) {
	p.mu.Lock()
	p.notificationHandlers[method] = handler
	p.mu.Unlock()
}

func (p *Protocol) handleClose() {
	p.mu.Lock()

	for _, cancel := range p.requestCancellers {
		cancel()
	}

	// pending requests observe the close instead of timing out. Removing a
	// handler from the map transfers send ownership of its channel: each
	// channel receives at most one envelope, so the buffered send below can
	// never block, even when the waiter has already given up. The waiter
	// owns the channel and it is never closed here.
	for id, ch := range p.responseHandlers {
		delete(p.responseHandlers, id)
		ch <- &responseEnvelope{err: errors.WithStack(ErrConnectionClosed)}
	}

	onClose := p.OnClose
	p.mu.Unlock()

	if onClose != nil {
		onClose()
	}
}

func (p *Protocol) handleError(err error) {
	if p.OnError != nil {
		p.OnError(err)
		return
	}
	logger.KV(xlog.WARNING, "err", err.Error())
}

func (p *Protocol) handleNotification(notification *transport.BaseJSONRPCNotification) {
	logger.KV(xlog.DEBUG, "method", notification.Method)

	p.mu.RLock()
	handler := p.notificationHandlers[notification.Method]
	p.mu.RUnlock()

	if handler == nil {
		return
	}

	go func() {
		if err := handler(notification); err != nil {
			p.handleError(errors.WithMessage(err, "notification handler error"))
		}
	}()
}

func (p *Protocol) handleRequest(ctx context.Context, request *transport.BaseJSONRPCRequest) {
	logger.KV(xlog.DEBUG,
		"method", request.Method,
		"id", request.Id,
	)

	p.mu.RLock()
	handler := p.requestHandlers[request.Method]
	p.mu.RUnlock()

	if handler == nil {
		_ = p.sendErrorResponse(request.Id, -32601, errors.Errorf("method not found: %s", request.Method))
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.requestCancellers[request.Id] = cancel
	p.mu.Unlock()

	go func() {
		defer func() {
			p.mu.Lock()
			delete(p.requestCancellers, request.Id)
			p.mu.Unlock()
			cancel()
		}()

		result, err := handler(ctx, request, RequestHandlerExtra{Context: ctx})
		if err != nil {
			_ = p.sendErrorResponse(request.Id, -32000, err)
			return
		}

		jsonResult, err := json.Marshal(result)
		if err != nil {
			_ = p.sendErrorResponse(request.Id, -32000, errors.Wrap(err, "failed to marshal result"))
			return
		}

		response := &transport.BaseJSONRPCResponse{
			Jsonrpc: "2.0",
			Id:      request.Id,
			Result:  jsonResult,
		}
		if err := p.transport.Send(ctx, transport.NewBaseMessageResponse(response)); err != nil {
			p.handleError(errors.Wrap(err, "failed to send response"))
		}
	}()
}

func (p *Protocol) handleCancelledNotification(notification *transport.BaseJSONRPCNotification) error {
	var params struct {
		RequestId transport.RequestId `json:"requestId"`
		Reason    string              `json:"reason"`
	}

	if err := json.Unmarshal(notification.Params, &params); err != nil {
		return errors.Wrap(err, "failed to unmarshal cancelled params")
	}

	p.mu.RLock()
	cancel := p.requestCancellers[params.RequestId]
	p.mu.RUnlock()

	if cancel != nil {
		cancel()
	}

	return nil
}

func (p *Protocol) handleResponse(response *transport.BaseJSONRPCResponse, errResp *transport.BaseJSONRPCError) {
	var id transport.RequestId
	var result json.RawMessage
	var err error

	if errResp != nil {
		id = errResp.Id
		err = errors.WithStack(&RPCError{
			Code:    errResp.Error.Code,
			Message: errResp.Error.Message,
			Data:    errResp.Error.Data,
		})
	} else {
		id = response.Id
		result = response.Result
	}

	// removing the handler under the lock claims the sole right to send on
	// the channel; handleClose cannot deliver to it afterwards
	p.mu.Lock()
	ch := p.responseHandlers[id]
	delete(p.responseHandlers, id)
	p.mu.Unlock()

	if ch != nil {
		ch <- &responseEnvelope{
			result: result,
			err:    err,
		}
	}
}

func (p *Protocol) sendCancelNotification(requestID transport.RequestId, reason string) {
	err := p.Notification("notifications/cancelled", map[string]any{
		"requestId": requestID,
		"reason":    reason,
	})
	if err != nil {
		p.handleError(errors.WithMessage(err, "failed to send cancel notification"))
	}
}

func (p *Protocol) sendErrorResponse(requestID transport.RequestId, code int, err error) error {
	response := &transport.BaseJSONRPCError{
		Jsonrpc: "2.0",
		Id:      requestID,
		Error: transport.BaseJSONRPCErrorInner{
			Code:    code,
			Message: err.Error(),
		},
	}

	if err := p.transport.Send(context.Background(), transport.NewBaseMessageError(response)); err != nil {
		p.handleError(errors.Wrap(err, "failed to send error response"))
	}
	return nil
}
