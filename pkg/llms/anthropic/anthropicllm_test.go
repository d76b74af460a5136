package anthropic_test

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/effective-security/mcphost/pkg/llms"
	"github.com/effective-security/mcphost/pkg/llms/anthropic"
	"github.com/invopop/jsonschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		opts        []anthropic.Option
		wantErr     bool
		errContains string
	}{
		{
			name:        "missing token",
			opts:        []anthropic.Option{anthropic.WithModel("claude-sonnet-4-20250514")},
			wantErr:     true,
			errContains: "missing API key",
		},
		{
			name:        "missing model",
			opts:        []anthropic.Option{anthropic.WithToken("fake-token")},
			wantErr:     true,
			errContains: "model is required",
		},
		{
			name: "valid configuration",
			opts: []anthropic.Option{
				anthropic.WithToken("fake-token"),
				anthropic.WithModel("claude-sonnet-4-20250514"),
			},
			wantErr: false,
		},
		{
			name: "with custom base URL",
			opts: []anthropic.Option{
				anthropic.WithToken("fake-token"),
				anthropic.WithModel("claude-sonnet-4-20250514"),
				anthropic.WithBaseURL("https://custom.anthropic.com"),
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.name == "missing token" {
				originalToken := os.Getenv("ANTHROPIC_API_KEY")
				os.Unsetenv("ANTHROPIC_API_KEY")
				defer func() {
					if originalToken != "" {
						os.Setenv("ANTHROPIC_API_KEY", originalToken)
					}
				}()
			}

			allm, err := anthropic.New(tt.opts...)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				assert.Nil(t, allm)
			} else {
				require.NoError(t, err)
				require.NotNil(t, allm)
				assert.NotNil(t, allm.Client)
				assert.Equal(t, "claude-sonnet-4-20250514", allm.GetName())
				assert.Equal(t, llms.ProviderAnthropic, allm.GetProviderType())
			}
		})
	}
}

func Test_ProcessMessages(t *testing.T) {
	messages := []llms.Message{
		llms.MessageFromTextParts(llms.RoleSystem, "You are a tool orchestrator."),
		llms.MessageFromTextParts(llms.RoleHuman, "list my repos"),
		llms.MessageFromToolCalls(llms.RoleAI, llms.ToolCall{
			ID:   "toolu_1",
			Type: "function",
			FunctionCall: &llms.FunctionCall{
				Name:      "gh_list_repos",
				Arguments: `{"org":"acme"}`,
			},
		}),
		llms.MessageFromToolResponse(llms.RoleTool, llms.ToolCallResponse{
			ToolCallID: "toolu_1",
			Name:       "gh_list_repos",
			Content:    "repo-a, repo-b",
		}),
	}

	sdkMessages, systemPrompt, err := anthropic.ProcessMessages(messages)
	require.NoError(t, err)
	assert.Equal(t, "You are a tool orchestrator.", systemPrompt)
	// human, assistant tool-use, tool result (as user message)
	require.Len(t, sdkMessages, 3)
	assert.Equal(t, "user", string(sdkMessages[0].Role))
	assert.Equal(t, "assistant", string(sdkMessages[1].Role))
	assert.Equal(t, "user", string(sdkMessages[2].Role))
}

func Test_ProcessMessages_MultipleSystemPrompts(t *testing.T) {
	messages := []llms.Message{
		llms.MessageFromTextParts(llms.RoleSystem, "first"),
		llms.MessageFromTextParts(llms.RoleSystem, "second"),
		llms.MessageFromTextParts(llms.RoleHuman, "hi"),
	}

	_, systemPrompt, err := anthropic.ProcessMessages(messages)
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond", systemPrompt)
}

func Test_ProcessMessages_InvalidToolArguments(t *testing.T) {
	messages := []llms.Message{
		llms.MessageFromToolCalls(llms.RoleAI, llms.ToolCall{
			ID: "toolu_1",
			FunctionCall: &llms.FunctionCall{
				Name:      "gh_list_repos",
				Arguments: "not json",
			},
		}),
	}

	_, _, err := anthropic.ProcessMessages(messages)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to unmarshal tool call arguments")
}

func Test_ToTools(t *testing.T) {
	var schema jsonschema.Schema
	require.NoError(t, json.Unmarshal([]byte(`{
		"type": "object",
		"properties": {
			"org": {"type": "string"},
			"limit": {"type": "integer"}
		},
		"required": ["org"]
	}`), &schema))

	props := orderedmap.New[string, *jsonschema.Schema]()
	props.Set("workflow", &jsonschema.Schema{Type: "string"})

	tools := anthropic.ToTools([]llms.Tool{
		{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        "gh_list_repos",
				Description: "List repositories",
				Parameters:  &schema,
			},
		},
		{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        "act_list_workflows",
				Description: "List workflows",
				Parameters: &jsonschema.Schema{
					Type:       "object",
					Properties: props,
				},
			},
		},
	})

	require.Len(t, tools, 2)
	tool := tools[0].OfTool
	require.NotNil(t, tool)
	assert.Equal(t, "gh_list_repos", tool.Name)
	assert.Equal(t, []string{"org"}, tool.InputSchema.Required)
	assert.Contains(t, tool.InputSchema.Properties, "org")
	assert.Contains(t, tool.InputSchema.Properties, "limit")

	tool = tools[1].OfTool
	require.NotNil(t, tool)
	assert.Contains(t, tool.InputSchema.Properties, "workflow")

	assert.Nil(t, anthropic.ToTools(nil))
}
