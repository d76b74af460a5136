package transport

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// RequestId is a JSON-RPC request identifier.
type RequestId int64

// JsonRpcBody is a marshalable JSON-RPC result body.
type JsonRpcBody any

// BaseJSONRPCRequest is an outgoing or incoming JSON-RPC request.
type BaseJSONRPCRequest struct {
	Jsonrpc string          `json:"jsonrpc"`
	Id      RequestId       `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// BaseJSONRPCNotification is a one-way JSON-RPC message without an id.
type BaseJSONRPCNotification struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// BaseJSONRPCResponse is a successful JSON-RPC response.
type BaseJSONRPCResponse struct {
	Jsonrpc string          `json:"jsonrpc"`
	Id      RequestId       `json:"id"`
	Result  json.RawMessage `json:"result"`
}

// BaseJSONRPCErrorInner carries the error code and message of a failed call.
type BaseJSONRPCErrorInner struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// BaseJSONRPCError is a JSON-RPC error response.
type BaseJSONRPCError struct {
	Jsonrpc string                `json:"jsonrpc"`
	Id      RequestId             `json:"id"`
	Error   BaseJSONRPCErrorInner `json:"error"`
}

// BaseMessageType discriminates the kind of a JSON-RPC message.
type BaseMessageType string

const (
	BaseMessageTypeJSONRPCRequestType      BaseMessageType = "request"
	BaseMessageTypeJSONRPCNotificationType BaseMessageType = "notification"
	BaseMessageTypeJSONRPCResponseType     BaseMessageType = "response"
	BaseMessageTypeJSONRPCErrorType        BaseMessageType = "error"
)

// BaseJsonRpcMessage is a tagged union over the four JSON-RPC message kinds.
type BaseJsonRpcMessage struct {
	Type                BaseMessageType
	JsonRpcRequest      *BaseJSONRPCRequest
	JsonRpcNotification *BaseJSONRPCNotification
	JsonRpcResponse     *BaseJSONRPCResponse
	JsonRpcError        *BaseJSONRPCError
}

func NewBaseMessageRequest(request *BaseJSONRPCRequest) *BaseJsonRpcMessage {
	return &BaseJsonRpcMessage{
		Type:           BaseMessageTypeJSONRPCRequestType,
		JsonRpcRequest: request,
	}
}

func NewBaseMessageNotification(notification *BaseJSONRPCNotification) *BaseJsonRpcMessage {
	return &BaseJsonRpcMessage{
		Type:                BaseMessageTypeJSONRPCNotificationType,
		JsonRpcNotification: notification,
	}
}

func NewBaseMessageResponse(response *BaseJSONRPCResponse) *BaseJsonRpcMessage {
	return &BaseJsonRpcMessage{
		Type:            BaseMessageTypeJSONRPCResponseType,
		JsonRpcResponse: response,
	}
}

func NewBaseMessageError(errResponse *BaseJSONRPCError) *BaseJsonRpcMessage {
	return &BaseJsonRpcMessage{
		Type:         BaseMessageTypeJSONRPCErrorType,
		JsonRpcError: errResponse,
	}
}

// MarshalJSON serializes the wrapped message.
func (m *BaseJsonRpcMessage) MarshalJSON() ([]byte, error) {
	switch m.Type {
	case BaseMessageTypeJSONRPCRequestType:
		return json.Marshal(m.JsonRpcRequest)
	case BaseMessageTypeJSONRPCNotificationType:
		return json.Marshal(m.JsonRpcNotification)
	case BaseMessageTypeJSONRPCResponseType:
		return json.Marshal(m.JsonRpcResponse)
	case BaseMessageTypeJSONRPCErrorType:
		return json.Marshal(m.JsonRpcError)
	}
	return nil, errors.Errorf("unknown message type: %s", m.Type)
}

// UnmarshalMessage deserializes one JSON-RPC message, discriminating the kind
// by the fields present: a method with an id is a request, a method without
// an id is a notification, an error body is an error response, otherwise a
// response.
func UnmarshalMessage(data []byte) (*BaseJsonRpcMessage, error) {
	var probe struct {
		Jsonrpc string                 `json:"jsonrpc"`
		Id      *RequestId             `json:"id"`
		Method  string                 `json:"method"`
		Error   *BaseJSONRPCErrorInner `json:"error"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal message")
	}

	switch {
	case probe.Method != "" && probe.Id != nil:
		var request BaseJSONRPCRequest
		if err := json.Unmarshal(data, &request); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal request")
		}
		return NewBaseMessageRequest(&request), nil
	case probe.Method != "":
		var notification BaseJSONRPCNotification
		if err := json.Unmarshal(data, &notification); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal notification")
		}
		return NewBaseMessageNotification(&notification), nil
	case probe.Error != nil:
		var errResponse BaseJSONRPCError
		if err := json.Unmarshal(data, &errResponse); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal error response")
		}
		return NewBaseMessageError(&errResponse), nil
	case probe.Id != nil:
		var response BaseJSONRPCResponse
		if err := json.Unmarshal(data, &response); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal response")
		}
		return NewBaseMessageResponse(&response), nil
	}
	return nil, errors.New("received invalid message")
}

// Transport is a bidirectional channel carrying JSON-RPC messages to and from
// one tool server.
type Transport interface {
	// Start begins processing messages, blocking until the underlying channel
	// is established.
	Start(ctx context.Context) error

	// Send delivers a JSON-RPC message. Implementations serialize concurrent
	// sends; a transport carries one write at a time.
	Send(ctx context.Context, message *BaseJsonRpcMessage) error

	// Close releases the channel. Implementations must make Close idempotent
	// and invoke the close handler exactly once.
	Close() error

	// SetCloseHandler sets the callback for when the connection is closed for any reason.
	SetCloseHandler(handler func())

	// SetErrorHandler sets the callback for when an error occurs.
	// Note that errors are not necessarily fatal; they are used for reporting
	// any kind of exceptional condition out of band.
	SetErrorHandler(handler func(error))

	// SetMessageHandler sets the callback for when a message (request,
	// notification or response) is received over the connection.
	SetMessageHandler(handler func(ctx context.Context, message *BaseJsonRpcMessage))
}
