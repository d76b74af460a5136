package orchestrator_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcphost/chatmodel"
	"github.com/effective-security/mcphost/mcp"
	"github.com/effective-security/mcphost/orchestrator"
	"github.com/effective-security/mcphost/pkg/llms"
	"github.com/effective-security/mcphost/registry"
	"github.com/effective-security/mcphost/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedModel replays a fixed sequence of responses and records what it was
// asked.
type scriptedModel struct {
	mu        sync.Mutex
	responses []*llms.ContentResponse
	err       error
	calls     [][]llms.Message
	lastOpts  llms.CallOptions
}

func (m *scriptedModel) GetName() string                    { return "scripted" }
func (m *scriptedModel) GetProviderType() llms.ProviderType { return llms.ProviderAnthropic }

func (m *scriptedModel) GenerateContent(ctx context.Context, messages []llms.Message, options ...llms.CallOption) (*llms.ContentResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}

	copied := make([]llms.Message, len(messages))
	copy(copied, messages)
	m.calls = append(m.calls, copied)

	m.lastOpts = llms.CallOptions{}
	for _, opt := range options {
		opt(&m.lastOpts)
	}

	if len(m.responses) == 0 {
		return &llms.ContentResponse{
			Choices: []*llms.ContentChoice{{Content: "done"}},
		}, nil
	}
	resp := m.responses[0]
	m.responses = m.responses[1:]
	return resp, nil
}

func toolUse(calls ...llms.ToolCall) *llms.ContentResponse {
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{
			StopReason: "tool_use",
			ToolCalls:  calls,
		}},
	}
}

func finalAnswer(text string) *llms.ContentResponse {
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: text, StopReason: "end_turn"}},
	}
}

func call(id, name, args string) llms.ToolCall {
	return llms.ToolCall{
		ID:   id,
		Type: "function",
		FunctionCall: &llms.FunctionCall{
			Name:      name,
			Arguments: args,
		},
	}
}

// fakeToolServer backs the registry in orchestrator tests.
type fakeToolServer struct {
	tools   []mcp.Tool
	results map[string]*mcp.CallToolResult
	invoked []string
}

func (s *fakeToolServer) ListTools(ctx context.Context) (*mcp.ListToolsResult, error) {
	return &mcp.ListToolsResult{Tools: s.tools}, nil
}

func (s *fakeToolServer) CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error) {
	s.invoked = append(s.invoked, name)
	if res, ok := s.results[name]; ok {
		return res, nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{{Type: "text", Text: "result of " + name}},
	}, nil
}

func (s *fakeToolServer) Close() error { return nil }

func newRegistry(t *testing.T, servers map[string]*fakeToolServer) *registry.Registry {
	t.Helper()
	r := registry.New()
	for id, srv := range servers {
		require.NoError(t, r.RegisterServer(context.Background(), registry.NewServerHandle(id, srv)))
	}
	return r
}

func chatCtx() context.Context {
	return chatmodel.WithChatContext(context.Background(), chatmodel.NewChatContext("", nil))
}

// toolResponses extracts the tool result parts of a transcript in order.
func toolResponses(msgs []llms.Message) []llms.ToolCallResponse {
	var out []llms.ToolCallResponse
	for _, msg := range msgs {
		for _, part := range msg.Parts {
			if tr, ok := part.(llms.ToolCallResponse); ok {
				out = append(out, tr)
			}
		}
	}
	return out
}

func Test_SubmitUserMessage_NoTools(t *testing.T) {
	model := &scriptedModel{responses: []*llms.ContentResponse{finalAnswer("hello there")}}
	r := newRegistry(t, nil)

	orch := orchestrator.New(model, r, orchestrator.WithSystemPrompt("You are helpful."))
	result, err := orch.SubmitUserMessage(chatCtx(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello there", result)

	// system prompt then user message
	require.Len(t, model.calls, 1)
	assert.Equal(t, llms.RoleSystem, model.calls[0][0].Role)
	assert.Equal(t, llms.RoleHuman, model.calls[0][1].Role)
	// no tools advertised
	assert.Empty(t, model.lastOpts.Tools)
}

func Test_SubmitUserMessage_OrderedDispatch(t *testing.T) {
	gh := &fakeToolServer{tools: []mcp.Tool{{Name: "list_repos"}, {Name: "create_issue"}}}
	act := &fakeToolServer{tools: []mcp.Tool{{Name: "list_workflows"}}}
	r := registry.New()
	require.NoError(t, r.RegisterServer(context.Background(), registry.NewServerHandle("gh", gh)))
	require.NoError(t, r.RegisterServer(context.Background(), registry.NewServerHandle("act", act)))

	model := &scriptedModel{responses: []*llms.ContentResponse{
		toolUse(
			call("c1", "gh_list_repos", `{"org":"acme"}`),
			call("c2", "act_list_workflows", `{"repo":"acme/ci"}`),
			call("c3", "gh_create_issue", `{"title":"bug"}`),
		),
		finalAnswer("all done"),
	}}

	orch := orchestrator.New(model, r)
	result, err := orch.SubmitUserMessage(chatCtx(), "do three things")
	require.NoError(t, err)
	assert.Equal(t, "all done", result)

	// the servers saw the original names in emission order
	assert.Equal(t, []string{"list_repos", "create_issue"}, gh.invoked)
	assert.Equal(t, []string{"list_workflows"}, act.invoked)

	// the second LLM call carried one correlated result per request, in order
	require.Len(t, model.calls, 2)
	results := toolResponses(model.calls[1])
	require.Len(t, results, 3)
	assert.Equal(t, "c1", results[0].ToolCallID)
	assert.Equal(t, "result of list_repos", results[0].Content)
	assert.Equal(t, "c2", results[1].ToolCallID)
	assert.Equal(t, "c3", results[2].ToolCallID)

	// tool definitions were advertised with namespaced names
	require.Len(t, model.lastOpts.Tools, 3)
	assert.Equal(t, "gh_list_repos", model.lastOpts.Tools[0].Function.Name)
}

func Test_SubmitUserMessage_ToolFailureIsNotFatal(t *testing.T) {
	gh := &fakeToolServer{
		tools: []mcp.Tool{{Name: "deploy"}},
		results: map[string]*mcp.CallToolResult{
			"deploy": {
				Content: []mcp.Content{{Type: "text", Text: "disk full"}},
				IsError: true,
			},
		},
	}
	r := newRegistry(t, map[string]*fakeToolServer{"ops": gh})

	model := &scriptedModel{responses: []*llms.ContentResponse{
		toolUse(call("c1", "ops_deploy", `{}`)),
		finalAnswer("deploy failed, sorry"),
	}}

	orch := orchestrator.New(model, r)
	result, err := orch.SubmitUserMessage(chatCtx(), "deploy it")
	require.NoError(t, err)
	assert.Equal(t, "deploy failed, sorry", result)

	results := toolResponses(model.calls[1])
	require.Len(t, results, 1)
	assert.True(t, results[0].IsError)
	assert.Contains(t, results[0].Content, "Tool call failed:")
	assert.Contains(t, results[0].Content, "disk full")
}

func Test_SubmitUserMessage_UnknownTool(t *testing.T) {
	r := newRegistry(t, map[string]*fakeToolServer{
		"gh": {tools: []mcp.Tool{{Name: "list_repos"}}},
	})

	model := &scriptedModel{responses: []*llms.ContentResponse{
		toolUse(call("c1", "gh_list_reposs", `{}`)),
		finalAnswer("recovered"),
	}}

	orch := orchestrator.New(model, r)
	result, err := orch.SubmitUserMessage(chatCtx(), "list repos")
	require.NoError(t, err)
	assert.Equal(t, "recovered", result)

	results := toolResponses(model.calls[1])
	require.Len(t, results, 1)
	assert.True(t, results[0].IsError)
	assert.Contains(t, results[0].Content, "Tool `gh_list_reposs` not found")
	assert.Contains(t, results[0].Content, "gh_list_repos")
}

func Test_SubmitUserMessage_ConsecutiveUnknownToolsAbort(t *testing.T) {
	r := newRegistry(t, map[string]*fakeToolServer{
		"gh": {tools: []mcp.Tool{{Name: "list_repos"}}},
	})

	badRound := toolUse(
		call("c1", "nope_one", `{}`),
		call("c2", "nope_two", `{}`),
	)
	model := &scriptedModel{responses: []*llms.ContentResponse{
		badRound, badRound, badRound,
	}}

	orch := orchestrator.New(model, r)
	_, err := orch.SubmitUserMessage(chatCtx(), "go")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "consecutive unknown tool requests")
}

// the abort triggers on the third consecutive unknown tool, not the fourth
func Test_SubmitUserMessage_UnknownToolLimitIsThree(t *testing.T) {
	r := newRegistry(t, map[string]*fakeToolServer{
		"gh": {tools: []mcp.Tool{{Name: "list_repos"}}},
	})

	bad := toolUse(call("c1", "nope", `{}`))
	model := &scriptedModel{responses: []*llms.ContentResponse{
		bad, bad, bad,
	}}

	orch := orchestrator.New(model, r)
	_, err := orch.SubmitUserMessage(chatCtx(), "go")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "aborting after 3 consecutive unknown tool requests")
	// exactly three model rounds; a fourth would have drained the script and
	// produced a final answer instead of the abort
	assert.Len(t, model.calls, 3)
}

// calls without ids in different choices must get distinct fabricated ids so
// their results correlate unambiguously
func Test_SubmitUserMessage_FabricatedIDsSpanChoices(t *testing.T) {
	r := newRegistry(t, map[string]*fakeToolServer{
		"gh": {tools: []mcp.Tool{{Name: "list_repos"}}},
	})

	resp := &llms.ContentResponse{
		Choices: []*llms.ContentChoice{
			{StopReason: "tool_use", ToolCalls: []llms.ToolCall{call("", "gh_list_repos", `{}`)}},
			{StopReason: "tool_use", ToolCalls: []llms.ToolCall{call("", "gh_list_repos", `{}`)}},
		},
	}
	model := &scriptedModel{responses: []*llms.ContentResponse{
		resp,
		finalAnswer("done"),
	}}

	orch := orchestrator.New(model, r)
	result, err := orch.SubmitUserMessage(chatCtx(), "go")
	require.NoError(t, err)
	assert.Equal(t, "done", result)

	results := toolResponses(model.calls[1])
	require.Len(t, results, 2)
	assert.Equal(t, "gh_list_repos_0", results[0].ToolCallID)
	assert.Equal(t, "gh_list_repos_1", results[1].ToolCallID)
}

func Test_SubmitUserMessage_LLMErrorIsFatal(t *testing.T) {
	model := &scriptedModel{err: errors.New("connection reset")}
	orch := orchestrator.New(model, newRegistry(t, nil))

	_, err := orch.SubmitUserMessage(chatCtx(), "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to generate content from LLM")
}

func Test_SubmitUserMessage_ToolCallLimit(t *testing.T) {
	r := newRegistry(t, map[string]*fakeToolServer{
		"gh": {tools: []mcp.Tool{{Name: "list_repos"}}},
	})

	// the model keeps asking for more tools forever
	loop := toolUse(call("c1", "gh_list_repos", `{}`))
	model := &scriptedModel{responses: []*llms.ContentResponse{
		loop, loop, loop, loop, loop,
	}}

	orch := orchestrator.New(model, r, orchestrator.WithMaxToolCalls(3))
	_, err := orch.SubmitUserMessage(chatCtx(), "go")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tool call limit")
}

func Test_SubmitUserMessage_StorePersistsTranscript(t *testing.T) {
	r := newRegistry(t, map[string]*fakeToolServer{
		"gh": {tools: []mcp.Tool{{Name: "list_repos"}}},
	})

	memStore := store.NewMemoryStore()
	model := &scriptedModel{responses: []*llms.ContentResponse{
		toolUse(call("c1", "gh_list_repos", `{}`)),
		finalAnswer("you have 2 repos"),
		finalAnswer("as I said, 2 repos"),
	}}

	orch := orchestrator.New(model, r, orchestrator.WithStore(memStore))
	ctx := chatCtx()

	result, err := orch.SubmitUserMessage(ctx, "how many repos?")
	require.NoError(t, err)
	assert.Equal(t, "you have 2 repos", result)

	// user, assistant tool-call, tool result, final answer
	persisted := memStore.Messages(ctx)
	require.Len(t, persisted, 4)
	assert.Equal(t, llms.RoleHuman, persisted[0].Role)
	assert.Equal(t, llms.RoleAI, persisted[1].Role)
	assert.Equal(t, llms.RoleTool, persisted[2].Role)
	assert.Equal(t, llms.RoleAI, persisted[3].Role)

	// the next turn sees the persisted history
	_, err = orch.SubmitUserMessage(ctx, "repeat that")
	require.NoError(t, err)
	lastCall := model.calls[len(model.calls)-1]
	assert.GreaterOrEqual(t, len(lastCall), 5)
}

// sessions with different chat IDs do not share transcripts
func Test_SubmitUserMessage_SessionIsolation(t *testing.T) {
	memStore := store.NewMemoryStore()
	model := &scriptedModel{}
	orch := orchestrator.New(model, newRegistry(t, nil), orchestrator.WithStore(memStore))

	ctxA := chatCtx()
	ctxB := chatCtx()

	_, err := orch.SubmitUserMessage(ctxA, "hello from A")
	require.NoError(t, err)
	_, err = orch.SubmitUserMessage(ctxB, "hello from B")
	require.NoError(t, err)

	assert.Len(t, memStore.Messages(ctxA), 2)
	assert.Len(t, memStore.Messages(ctxB), 2)
	assert.Equal(t, "hello from A\n", memStore.Messages(ctxA)[0].GetContent())
}

type recordingCallback struct {
	mu     sync.Mutex
	events []string
}

func (c *recordingCallback) record(event string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *recordingCallback) OnChatStart(ctx context.Context, chatID, input string) {
	c.record("chat_start")
}
func (c *recordingCallback) OnChatEnd(ctx context.Context, chatID, input, result string) {
	c.record("chat_end")
}
func (c *recordingCallback) OnChatError(ctx context.Context, chatID, input string, err error) {
	c.record("chat_error")
}
func (c *recordingCallback) OnLLMCallStart(ctx context.Context, model string, messages []llms.Message) {
	c.record("llm_start")
}
func (c *recordingCallback) OnLLMCallEnd(ctx context.Context, model string, resp *llms.ContentResponse) {
	c.record("llm_end")
}
func (c *recordingCallback) OnToolStart(ctx context.Context, tool, input string) {
	c.record("tool_start:" + tool)
}
func (c *recordingCallback) OnToolEnd(ctx context.Context, tool, input, output string) {
	c.record("tool_end:" + tool)
}
func (c *recordingCallback) OnToolError(ctx context.Context, tool, input string, err error) {
	c.record("tool_error:" + tool)
}
func (c *recordingCallback) OnToolNotFound(ctx context.Context, tool string) {
	c.record("tool_not_found:" + tool)
}

func Test_SubmitUserMessage_Callbacks(t *testing.T) {
	r := newRegistry(t, map[string]*fakeToolServer{
		"gh": {tools: []mcp.Tool{{Name: "list_repos"}}},
	})
	model := &scriptedModel{responses: []*llms.ContentResponse{
		toolUse(call("c1", "gh_list_repos", `{}`)),
		finalAnswer("done"),
	}}

	cb := &recordingCallback{}
	orch := orchestrator.New(model, r, orchestrator.WithCallback(cb))
	_, err := orch.SubmitUserMessage(chatCtx(), "go")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"chat_start",
		"llm_start", "llm_end",
		"tool_start:gh_list_repos", "tool_end:gh_list_repos",
		"llm_start", "llm_end",
		"chat_end",
	}, cb.events)
}
