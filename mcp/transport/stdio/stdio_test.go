package stdio_test

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/effective-security/mcphost/mcp/transport"
	"github.com/effective-security/mcphost/mcp/transport/stdio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Start_MissingExecutable(t *testing.T) {
	tr := stdio.New(stdio.Config{Command: "/nonexistent/tool-server"})
	err := tr.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start server process")
}

func Test_Send_NotStarted(t *testing.T) {
	tr := stdio.New(stdio.Config{Command: "cat"})
	err := tr.Send(context.Background(), transport.NewBaseMessageResponse(&transport.BaseJSONRPCResponse{
		Jsonrpc: "2.0",
		Id:      1,
	}))
	assert.EqualError(t, err, "stdio: transport not started")
}

// cat echoes stdin to stdout, so a message sent over the transport comes
// straight back through the read loop.
func Test_RoundTrip(t *testing.T) {
	tr := stdio.New(stdio.Config{Command: "cat"})

	received := make(chan *transport.BaseJsonRpcMessage, 1)
	tr.SetMessageHandler(func(ctx context.Context, message *transport.BaseJsonRpcMessage) {
		received <- message
	})

	require.NoError(t, tr.Start(context.Background()))
	defer tr.Close()

	result, _ := json.Marshal(map[string]any{"ok": true})
	err := tr.Send(context.Background(), transport.NewBaseMessageResponse(&transport.BaseJSONRPCResponse{
		Jsonrpc: "2.0",
		Id:      42,
		Result:  result,
	}))
	require.NoError(t, err)

	select {
	case msg := <-received:
		require.Equal(t, transport.BaseMessageTypeJSONRPCResponseType, msg.Type)
		assert.Equal(t, transport.RequestId(42), msg.JsonRpcResponse.Id)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for echoed message")
	}
}

func Test_Close_Idempotent(t *testing.T) {
	tr := stdio.New(stdio.Config{Command: "cat"})

	var closed atomic.Int32
	tr.SetCloseHandler(func() {
		closed.Add(1)
	})

	require.NoError(t, tr.Start(context.Background()))

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	// the reaper goroutine may race with explicit Close; the handler still
	// fires exactly once
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), closed.Load())

	err := tr.Send(context.Background(), transport.NewBaseMessageResponse(&transport.BaseJSONRPCResponse{
		Jsonrpc: "2.0",
		Id:      1,
	}))
	assert.Error(t, err)
}
