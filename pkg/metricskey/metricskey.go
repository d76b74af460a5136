package metricskey

import "github.com/effective-security/metrics"

// Stats
var (
	// StatsLLMMessagesSent is base for counter metric for total messages sent to LLM
	StatsLLMMessagesSent = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_llm_messages_sent",
		Help:         "stats_llm_messages_sent provides total messages sent to LLM",
		RequiredTags: []string{"model"},
	}

	StatsLLMInputTokens = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_llm_input_tokens",
		Help:         "stats_llm_input_tokens provides total input tokens sent to LLM",
		RequiredTags: []string{"model"},
	}

	StatsLLMOutputTokens = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_llm_output_tokens",
		Help:         "stats_llm_output_tokens provides total output tokens received from LLM",
		RequiredTags: []string{"model"},
	}

	StatsChatTurnsSucceeded = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_chat_turns_succeeded",
		Help:         "stats_chat_turns_succeeded provides total chat turns completed",
		RequiredTags: []string{"model"},
	}

	StatsChatTurnsFailed = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_chat_turns_failed",
		Help:         "stats_chat_turns_failed provides total chat turns failed",
		RequiredTags: []string{"model"},
	}

	StatsToolCallsSucceeded = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_calls_succeeded",
		Help:         "stats_tool_calls_succeeded provides total tool calls succeeded",
		RequiredTags: []string{"tool"},
	}

	StatsToolCallsFailed = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_calls_failed",
		Help:         "stats_tool_calls_failed provides total tool calls failed",
		RequiredTags: []string{"tool"},
	}

	StatsToolCallsNotFound = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_calls_not_found",
		Help:         "stats_tool_calls_not_found provides total tool calls not found",
		RequiredTags: []string{"tool"},
	}

	StatsServerConnectsSucceeded = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_server_connects_succeeded",
		Help:         "stats_server_connects_succeeded provides total tool server connects succeeded",
		RequiredTags: []string{"server"},
	}

	StatsServerConnectsFailed = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_server_connects_failed",
		Help:         "stats_server_connects_failed provides total tool server connects failed",
		RequiredTags: []string{"server"},
	}
)

// Perf
var (
	PerfChatTurn = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_chat_turn",
		Help:         "perf_chat_turn provides duration of one chat turn",
		RequiredTags: []string{"model"},
	}

	PerfToolCall = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_tool_call",
		Help:         "perf_tool_call provides duration of tool call",
		RequiredTags: []string{"tool"},
	}

	PerfServerListTools = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_server_list_tools",
		Help:         "perf_server_list_tools provides duration of tools listing",
		RequiredTags: []string{"server"},
	}
)
