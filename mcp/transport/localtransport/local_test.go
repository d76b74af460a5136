package localtransport_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/effective-security/mcphost/mcp/transport"
	"github.com/effective-security/mcphost/mcp/transport/localtransport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Send_DeliversResponse(t *testing.T) {
	handler := localtransport.HandlerFunc(func(ctx context.Context, req []byte) ([]byte, error) {
		var request transport.BaseJSONRPCRequest
		require.NoError(t, json.Unmarshal(req, &request))
		assert.Equal(t, "tools/list", request.Method)
		return json.Marshal(&transport.BaseJSONRPCResponse{
			Jsonrpc: "2.0",
			Id:      request.Id,
			Result:  json.RawMessage(`{"tools":[]}`),
		})
	})

	tr := localtransport.New(handler)

	var got *transport.BaseJsonRpcMessage
	tr.SetMessageHandler(func(ctx context.Context, message *transport.BaseJsonRpcMessage) {
		got = message
	})

	require.NoError(t, tr.Start(context.Background()))
	err := tr.Send(context.Background(), transport.NewBaseMessageRequest(&transport.BaseJSONRPCRequest{
		Jsonrpc: "2.0",
		Id:      5,
		Method:  "tools/list",
	}))
	require.NoError(t, err)

	require.NotNil(t, got)
	require.Equal(t, transport.BaseMessageTypeJSONRPCResponseType, got.Type)
	assert.Equal(t, transport.RequestId(5), got.JsonRpcResponse.Id)
}

func Test_Send_NoResponse(t *testing.T) {
	tr := localtransport.New(localtransport.HandlerFunc(func(ctx context.Context, req []byte) ([]byte, error) {
		return nil, nil
	}))
	tr.SetMessageHandler(func(ctx context.Context, message *transport.BaseJsonRpcMessage) {
		t.Fatal("unexpected message")
	})

	err := tr.Send(context.Background(), transport.NewBaseMessageNotification(&transport.BaseJSONRPCNotification{
		Jsonrpc: "2.0",
		Method:  "notifications/initialized",
	}))
	assert.NoError(t, err)
}

func Test_Close_Idempotent(t *testing.T) {
	tr := localtransport.New(localtransport.HandlerFunc(func(ctx context.Context, req []byte) ([]byte, error) {
		return nil, nil
	}))

	count := 0
	tr.SetCloseHandler(func() {
		count++
	})

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.Equal(t, 1, count)
}
