// Package mcp implements a client for the Model Context Protocol: the
// initialize handshake, tool discovery and tool invocation against a single
// tool server over a pluggable transport.
package mcp

import "encoding/json"

// ProtocolVersion is the MCP protocol version advertised during the
// initialize handshake.
const ProtocolVersion = "2024-11-05"

// Implementation identifies a client or server implementation.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientCapabilities describes what this client supports.
type ClientCapabilities struct {
	Sampling *struct{} `json:"sampling,omitempty"`
}

// ServerCapabilities describes what a tool server supports.
type ServerCapabilities struct {
	Tools     *struct{} `json:"tools,omitempty"`
	Prompts   *struct{} `json:"prompts,omitempty"`
	Resources *struct{} `json:"resources,omitempty"`
}

// InitializeParams is the request payload of the initialize handshake.
type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Implementation     `json:"clientInfo"`
}

// InitializeResult is the response payload of the initialize handshake.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Implementation     `json:"serverInfo"`
}

// Tool is one tool definition as returned by tools/list. InputSchema is kept
// raw: servers publish arbitrary JSON Schema and the consumer decides how to
// interpret it.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ListToolsResult is the result payload of tools/list.
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// Content is a single content item in a tools/call result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// CallToolParams is the request payload of tools/call. Arguments are kept
// raw: the caller relays model-emitted JSON without reshaping it.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolResult is the result payload of tools/call. IsError marks a tool
// that ran and failed, as opposed to a protocol-level error.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}
