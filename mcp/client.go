package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcphost/mcp/internal/protocol"
	"github.com/effective-security/mcphost/mcp/transport"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcphost", "mcp")

// Client provides typed access to one tool server: the initialize handshake,
// tools/list and tools/call.
type Client struct {
	transport      transport.Transport
	protocol       *protocol.Protocol
	requestTimeout time.Duration
	clientInfo     Implementation

	// the protocol layer correlates responses by id, but a connection
	// carries one tool invocation at a time
	callMu sync.Mutex

	mu          sync.RWMutex
	initialized bool
	serverInfo  Implementation

	closeOnce sync.Once
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithRequestTimeout bounds every request issued by the client.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.requestTimeout = d
	}
}

// WithClientInfo sets the implementation info advertised during the
// handshake.
func WithClientInfo(info Implementation) ClientOption {
	return func(c *Client) {
		c.clientInfo = info
	}
}

// NewClient creates a client over the given transport. The connection is not
// established until Connect.
func NewClient(tr transport.Transport, opts ...ClientOption) *Client {
	c := &Client{
		transport: tr,
		protocol:  protocol.NewProtocol(),
		clientInfo: Implementation{
			Name:    "mcphost",
			Version: "1.0.0",
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect starts the transport and performs the initialize handshake. Any
// failure is marked with ErrConnectionStart and leaves the transport closed.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.protocol.Connect(c.transport); err != nil {
		return errors.Mark(errors.WithMessage(err, "failed to start transport"), ErrConnectionStart)
	}

	result, err := c.request(ctx, "initialize", &InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    ClientCapabilities{},
		ClientInfo:      c.clientInfo,
	})
	if err != nil {
		_ = c.Close()
		return errors.Mark(errors.WithMessage(err, "initialize handshake failed"), ErrConnectionStart)
	}

	var init InitializeResult
	if err := json.Unmarshal(result, &init); err != nil {
		_ = c.Close()
		return errors.Mark(errors.Wrap(err, "invalid initialize result"), ErrConnectionStart)
	}

	if err := c.protocol.Notification("notifications/initialized", nil); err != nil {
		_ = c.Close()
		return errors.Mark(errors.WithMessage(err, "failed to send initialized notification"), ErrConnectionStart)
	}

	c.mu.Lock()
	c.initialized = true
	c.serverInfo = init.ServerInfo
	c.mu.Unlock()

	logger.ContextKV(ctx, xlog.DEBUG,
		"status", "server_initialized",
		"server", init.ServerInfo.Name,
		"version", init.ServerInfo.Version,
		"protocol", init.ProtocolVersion,
	)

	return nil
}

// ServerInfo returns the implementation info the server reported during the
// handshake.
func (c *Client) ServerInfo() Implementation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// ListTools returns the server's tool catalog.
func (c *Client) ListTools(ctx context.Context) (*ListToolsResult, error) {
	result, err := c.request(ctx, "tools/list", nil)
	if err != nil {
		if errors.Is(err, protocol.ErrRequestTimeout) {
			return nil, errors.Mark(err, ErrTimeout)
		}
		return nil, errors.Mark(errors.WithMessage(err, "tools/list failed"), ErrProtocol)
	}

	var list ListToolsResult
	if err := json.Unmarshal(result, &list); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "invalid tools/list result"), ErrProtocol)
	}
	return &list, nil
}

// CallTool invokes a tool by its server-local name. Invocations on one
// connection are serialized: a second call blocks until the first completes.
// A failure is returned as ToolInvocationError and does not poison the
// connection.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (*CallToolResult, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	result, err := c.request(ctx, "tools/call", &CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return nil, classifyCallError(name, err)
	}

	var res CallToolResult
	if err := json.Unmarshal(result, &res); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "invalid tools/call result for %q", name), ErrProtocol)
	}
	return &res, nil
}

// Ping checks whether the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.request(ctx, "ping", nil)
	return err
}

// Close releases the connection and the server process behind it. It is safe
// to call multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.protocol.Close()
	})
	return err
}

func (c *Client) request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var opts *protocol.RequestOptions
	if c.requestTimeout > 0 {
		opts = &protocol.RequestOptions{Timeout: c.requestTimeout}
	}
	return c.protocol.Request(ctx, method, params, opts)
}
