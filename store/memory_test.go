package store_test

import (
	"context"
	"testing"

	"github.com/effective-security/mcphost/chatmodel"
	"github.com/effective-security/mcphost/pkg/llms"
	"github.com/effective-security/mcphost/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_MemoryStore(t *testing.T) {
	st := store.NewMemoryStore()

	msg1 := llms.MessageFromTextParts(llms.RoleHuman, "Hello")
	msg2 := llms.MessageFromTextParts(llms.RoleAI, "Hi there!")

	ctx := context.Background()
	expErr := "invalid chat context"
	assert.EqualError(t, st.Reset(ctx), expErr)
	assert.EqualError(t, st.Add(ctx, msg1), expErr)
	assert.Empty(t, st.Messages(ctx))

	chatCtx := chatmodel.NewChatContext("chat1", nil)
	ctx = chatmodel.WithChatContext(ctx, chatCtx)

	require.NoError(t, st.Add(ctx, msg1))
	require.NoError(t, st.Add(ctx, msg2))

	messages := st.Messages(ctx)
	require.Len(t, messages, 2)
	assert.Equal(t, "Hello\n", messages[0].GetContent())
	assert.Equal(t, "Hi there!\n", messages[1].GetContent())

	// sessions are isolated
	other := chatmodel.WithChatContext(context.Background(), chatmodel.NewChatContext("chat2", nil))
	assert.Empty(t, st.Messages(other))
	require.NoError(t, st.Add(other, msg1))
	assert.Len(t, st.Messages(other), 1)
	assert.Len(t, st.Messages(ctx), 2)

	require.NoError(t, st.Reset(ctx))
	assert.Empty(t, st.Messages(ctx))
	assert.Len(t, st.Messages(other), 1)
}
