// Package registry aggregates the tool catalogs of multiple servers into a
// single flat namespace. Each tool is published as <serverID>_<toolName> and
// invocations are routed back to the owning server under its original name.
package registry

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcphost/mcp"
	"github.com/effective-security/mcphost/pkg/llms"
	"github.com/effective-security/mcphost/pkg/metricskey"
	"github.com/effective-security/xlog"
	"github.com/invopop/jsonschema"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcphost", "registry")

var (
	// ErrUnknownTool is returned by Invoke for a name not present in the
	// catalog.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrDuplicateTool marks a server publishing the same tool name twice.
	// Registration skips the later entry and continues.
	ErrDuplicateTool = errors.New("duplicate tool name")
)

// State is the lifecycle state of a server handle.
type State int

const (
	StateStarting State = iota
	StateReady
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ToolServer is the slice of the MCP client the registry depends on.
type ToolServer interface {
	ListTools(ctx context.Context) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error)
	Close() error
}

// ServerHandle binds one connected server to its namespace prefix and tracks
// its lifecycle. Invocations through a handle are serialized: the underlying
// connection carries one call at a time, shared across sessions.
type ServerHandle struct {
	id     string
	server ToolServer

	// callMu serializes invocations only; state transitions take mu so that
	// Close and State never wait behind an in-flight call
	callMu sync.Mutex

	mu        sync.Mutex
	state     State
	closeOnce sync.Once
}

// NewServerHandle creates a handle for a connected server. The id becomes
// the namespace prefix of every tool the server publishes.
func NewServerHandle(id string, server ToolServer) *ServerHandle {
	return &ServerHandle{
		id:     id,
		server: server,
		state:  StateStarting,
	}
}

// ID returns the namespace prefix.
func (h *ServerHandle) ID() string {
	return h.id
}

// State returns the current lifecycle state.
func (h *ServerHandle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *ServerHandle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// call serializes invocations on the handle's connection.
func (h *ServerHandle) call(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error) {
	h.callMu.Lock()
	defer h.callMu.Unlock()

	if state := h.State(); state != StateReady {
		return nil, errors.Errorf("server %q is not ready: %s", h.id, state)
	}
	return h.server.CallTool(ctx, name, args)
}

// Close stops the server. Safe to call multiple times.
func (h *ServerHandle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		h.setState(StateClosed)
		err = h.server.Close()
	})
	return err
}

// ToolDescriptor is one catalog entry.
type ToolDescriptor struct {
	// Name is the namespaced name presented to the model.
	Name string
	// OriginalName is the server-local name used on the wire.
	OriginalName string
	Description  string
	InputSchema  json.RawMessage
	Server       *ServerHandle
}

// Registry is the aggregated tool catalog over all registered servers.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*ToolDescriptor
	order   []*ToolDescriptor
	handles []*ServerHandle
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		tools: make(map[string]*ToolDescriptor),
	}
}

// RegisterServer fetches the server's catalog and publishes each tool under
// <id>_<name>. A duplicate name within the server is skipped with a warning.
// A server with no tools is registered with an empty catalog. A tools/list
// failure marks the handle failed and returns the error.
func (r *Registry) RegisterServer(ctx context.Context, handle *ServerHandle) error {
	started := time.Now()

	list, err := handle.server.ListTools(ctx)
	if err != nil {
		handle.setState(StateFailed)
		metricskey.StatsServerConnectsFailed.IncrCounter(1, handle.id)
		return errors.WithMessagef(err, "failed to list tools for server %q", handle.id)
	}
	metricskey.PerfServerListTools.MeasureSince(started, handle.id)

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, h := range r.handles {
		if h.id == handle.id {
			return errors.Errorf("server %q is already registered", handle.id)
		}
	}

	for _, tool := range list.Tools {
		name := handle.id + "_" + tool.Name
		if _, ok := r.tools[name]; ok {
			logger.ContextKV(ctx, xlog.WARNING,
				"status", "tool_skipped",
				"server", handle.id,
				"tool", tool.Name,
				"err", ErrDuplicateTool.Error(),
			)
			continue
		}

		desc := &ToolDescriptor{
			Name:         name,
			OriginalName: tool.Name,
			Description:  tool.Description,
			InputSchema:  tool.InputSchema,
			Server:       handle,
		}
		r.tools[name] = desc
		r.order = append(r.order, desc)
	}

	if len(list.Tools) == 0 {
		logger.ContextKV(ctx, xlog.WARNING,
			"status", "server_has_no_tools",
			"server", handle.id,
		)
	}

	handle.setState(StateReady)
	r.handles = append(r.handles, handle)
	metricskey.StatsServerConnectsSucceeded.IncrCounter(1, handle.id)

	logger.ContextKV(ctx, xlog.INFO,
		"status", "server_registered",
		"server", handle.id,
		"tools", len(list.Tools),
	)

	return nil
}

// Catalog returns the descriptors in registration order.
func (r *Registry) Catalog() []*ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ToolDescriptor, len(r.order))
	copy(out, r.order)
	return out
}

// ToolNames returns the namespaced names in registration order.
func (r *Registry) ToolNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.order))
	for _, desc := range r.order {
		names = append(names, desc.Name)
	}
	return names
}

// ToolDefs converts the catalog into tool definitions for the model. Raw
// input schemas are decoded into JSON Schema; an undecodable schema degrades
// to a permissive object schema.
func (r *Registry) ToolDefs() []llms.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]llms.Tool, 0, len(r.order))
	for _, desc := range r.order {
		schema := &jsonschema.Schema{Type: "object"}
		if len(desc.InputSchema) > 0 {
			if err := json.Unmarshal(desc.InputSchema, schema); err != nil {
				logger.KV(xlog.WARNING,
					"status", "invalid_tool_schema",
					"tool", desc.Name,
					"err", err.Error(),
				)
				schema = &jsonschema.Schema{Type: "object"}
			}
		}
		defs = append(defs, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        desc.Name,
				Description: desc.Description,
				Parameters:  schema,
			},
		})
	}
	return defs
}

// Invoke routes a namespaced invocation to the owning server and flattens
// the text content of the result. A result marked IsError becomes a
// ToolInvocationError with the flattened text as the message.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage) (string, error) {
	r.mu.RLock()
	desc := r.tools[name]
	r.mu.RUnlock()

	if desc == nil {
		metricskey.StatsToolCallsNotFound.IncrCounter(1, name)
		return "", errors.WithMessagef(ErrUnknownTool, "%q", name)
	}

	started := time.Now()
	result, err := desc.Server.call(ctx, desc.OriginalName, args)
	metricskey.PerfToolCall.MeasureSince(started, name)
	if err != nil {
		metricskey.StatsToolCallsFailed.IncrCounter(1, name)
		return "", err
	}

	text := flattenContent(result.Content)
	if result.IsError {
		metricskey.StatsToolCallsFailed.IncrCounter(1, name)
		return "", errors.WithStack(&mcp.ToolInvocationError{
			Kind:    mcp.KindServerFailure,
			Tool:    name,
			Message: text,
		})
	}

	metricskey.StatsToolCallsSucceeded.IncrCounter(1, name)
	return text, nil
}

// Close stops all registered servers. Safe to call multiple times.
func (r *Registry) Close() error {
	r.mu.Lock()
	handles := r.handles
	r.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := h.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func flattenContent(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		switch c.Type {
		case "text":
			parts = append(parts, c.Text)
		default:
			parts = append(parts, "["+c.Type+"]")
		}
	}
	return strings.Join(parts, "\n")
}
