package protocol_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcphost/mcp/internal/protocol"
	"github.com/effective-security/mcphost/mcp/transport"
	"github.com/effective-security/mcphost/mcp/transport/localtransport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer answers every request with a canned result and records
// notifications.
type echoServer struct {
	mu            sync.Mutex
	notifications []string
	result        json.RawMessage
	errCode       int
	errMessage    string
}

func (s *echoServer) HandleMCP(ctx context.Context, req []byte) ([]byte, error) {
	msg, err := transport.UnmarshalMessage(req)
	if err != nil {
		return nil, err
	}

	switch msg.Type {
	case transport.BaseMessageTypeJSONRPCNotificationType:
		s.mu.Lock()
		s.notifications = append(s.notifications, msg.JsonRpcNotification.Method)
		s.mu.Unlock()
		return nil, nil
	case transport.BaseMessageTypeJSONRPCRequestType:
		if s.errCode != 0 {
			return json.Marshal(&transport.BaseJSONRPCError{
				Jsonrpc: "2.0",
				Id:      msg.JsonRpcRequest.Id,
				Error: transport.BaseJSONRPCErrorInner{
					Code:    s.errCode,
					Message: s.errMessage,
				},
			})
		}
		return json.Marshal(&transport.BaseJSONRPCResponse{
			Jsonrpc: "2.0",
			Id:      msg.JsonRpcRequest.Id,
			Result:  s.result,
		})
	}
	return nil, nil
}

func (s *echoServer) notified() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.notifications...)
}

func Test_Request_Success(t *testing.T) {
	srv := &echoServer{result: json.RawMessage(`{"tools":[{"name":"list_repos"}]}`)}

	p := protocol.NewProtocol()
	require.NoError(t, p.Connect(localtransport.New(srv)))
	defer p.Close()

	result, err := p.Request(context.Background(), "tools/list", nil, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"tools":[{"name":"list_repos"}]}`, string(result))
}

func Test_Request_RPCError(t *testing.T) {
	srv := &echoServer{errCode: -32601, errMessage: "method not found"}

	p := protocol.NewProtocol()
	require.NoError(t, p.Connect(localtransport.New(srv)))
	defer p.Close()

	_, err := p.Request(context.Background(), "tools/call", map[string]any{"name": "missing"}, nil)
	require.Error(t, err)

	var rpcErr *protocol.RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, -32601, rpcErr.Code)
	assert.Equal(t, "method not found", rpcErr.Message)
}

func Test_Request_Timeout(t *testing.T) {
	// a server that never responds
	srv := &echoServer{}
	silent := localtransport.New(localtransport.HandlerFunc(func(ctx context.Context, req []byte) ([]byte, error) {
		msg, err := transport.UnmarshalMessage(req)
		if err != nil {
			return nil, err
		}
		if msg.Type == transport.BaseMessageTypeJSONRPCNotificationType {
			return srv.HandleMCP(ctx, req)
		}
		return nil, nil
	}))

	p := protocol.NewProtocol()
	require.NoError(t, p.Connect(silent))
	defer p.Close()

	_, err := p.Request(context.Background(), "tools/call", nil, &protocol.RequestOptions{
		Timeout: 50 * time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrRequestTimeout))
	assert.Contains(t, srv.notified(), "notifications/cancelled")
}

func Test_Request_ContextCancelled(t *testing.T) {
	silent := localtransport.New(localtransport.HandlerFunc(func(ctx context.Context, req []byte) ([]byte, error) {
		return nil, nil
	}))

	p := protocol.NewProtocol()
	require.NoError(t, p.Connect(silent))
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := p.Request(ctx, "tools/call", nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func Test_Close_FailsPending(t *testing.T) {
	tr := localtransport.New(localtransport.HandlerFunc(func(ctx context.Context, req []byte) ([]byte, error) {
		return nil, nil
	}))

	p := protocol.NewProtocol()
	require.NoError(t, p.Connect(tr))

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Request(context.Background(), "tools/call", nil, nil)
		errCh <- err
	}()

	// let the request register its response channel before closing
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, p.Close())

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.True(t, errors.Is(err, protocol.ErrConnectionClosed))
	case <-time.After(2 * time.Second):
		t.Fatal("pending request was not failed on close")
	}
}

// Close must complete even when a response is already buffered for a waiter
// that timed out, and a response racing the close must not be sent on a
// closed channel. The short timeout makes the waiter abandon its channel
// while the synchronous local transport has already delivered the response.
func Test_Close_RacesResponseDelivery(t *testing.T) {
	for i := 0; i < 500; i++ {
		srv := &echoServer{result: json.RawMessage(`{}`)}

		p := protocol.NewProtocol()
		require.NoError(t, p.Connect(localtransport.New(srv)))

		requestDone := make(chan struct{})
		go func() {
			defer close(requestDone)
			_, _ = p.Request(context.Background(), "tools/call", nil, &protocol.RequestOptions{
				Timeout: time.Microsecond,
			})
		}()

		closeDone := make(chan struct{})
		go func() {
			defer close(closeDone)
			_ = p.Close()
		}()

		select {
		case <-closeDone:
		case <-time.After(2 * time.Second):
			t.Fatal("close did not complete while a response was pending")
		}
		select {
		case <-requestDone:
		case <-time.After(2 * time.Second):
			t.Fatal("request did not return after close")
		}
	}
}

func Test_Notification(t *testing.T) {
	srv := &echoServer{}

	p := protocol.NewProtocol()
	require.NoError(t, p.Connect(localtransport.New(srv)))
	defer p.Close()

	require.NoError(t, p.Notification("notifications/initialized", nil))
	assert.Equal(t, []string{"notifications/initialized"}, srv.notified())
}

// the server side can initiate requests too; ones without a registered
// handler get a method-not-found error back.
func Test_IncomingRequest_MethodNotFound(t *testing.T) {
	var mu sync.Mutex
	var errResp *transport.BaseJSONRPCError

	tr := localtransport.New(localtransport.HandlerFunc(func(ctx context.Context, req []byte) ([]byte, error) {
		msg, err := transport.UnmarshalMessage(req)
		if err != nil {
			return nil, err
		}
		switch msg.Type {
		case transport.BaseMessageTypeJSONRPCNotificationType:
			// answer the client notification with a server-initiated request
			return json.Marshal(&transport.BaseJSONRPCRequest{
				Jsonrpc: "2.0",
				Id:      9,
				Method:  "sampling/createMessage",
			})
		case transport.BaseMessageTypeJSONRPCErrorType:
			mu.Lock()
			errResp = msg.JsonRpcError
			mu.Unlock()
		}
		return nil, nil
	}))

	p := protocol.NewProtocol()
	require.NoError(t, p.Connect(tr))
	defer p.Close()

	require.NoError(t, p.Notification("notifications/initialized", nil))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return errResp != nil
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, transport.RequestId(9), errResp.Id)
	assert.Equal(t, -32601, errResp.Error.Code)
}
