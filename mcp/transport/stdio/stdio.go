// Package stdio implements the client side of the MCP stdio transport: the
// tool server runs as a child process and exchanges newline-delimited
// JSON-RPC messages over its stdin/stdout pipes.
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcphost/mcp/transport"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcphost/mcp", "stdio")

// the server may emit large tool results on a single line
const maxLineSize = 4 * 1024 * 1024

// Config holds the launch parameters of one tool server process.
type Config struct {
	// Command is the executable to launch, e.g. "docker" or "node".
	Command string `json:"command" yaml:"command"`
	// Args are the command arguments.
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`
	// Env is appended to the parent environment.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// Transport owns the server subprocess for its whole lifetime: Start spawns
// it, Close releases it on every exit path.
type Transport struct {
	cfg Config

	messageHandler func(ctx context.Context, message *transport.BaseJsonRpcMessage)
	errorHandler   func(error)
	closeHandler   func()
	mu             sync.RWMutex

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	writeMu   sync.Mutex
	closeOnce sync.Once
	started   bool
	done      chan struct{}
}

var _ transport.Transport = (*Transport)(nil)

// New creates a stdio transport for the given launch parameters.
// The process is not spawned until Start.
func New(cfg Config) *Transport {
	return &Transport{
		cfg:  cfg,
		done: make(chan struct{}),
	}
}

// Start implements Transport.Start: it spawns the server process and begins
// reading messages from its stdout.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return errors.New("stdio: transport already started")
	}

	cmd := exec.Command(t.cfg.Command, t.cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range t.cfg.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.Wrap(err, "stdio: failed to open stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "stdio: failed to open stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errors.Wrap(err, "stdio: failed to open stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "stdio: failed to start server process: %s", t.cfg.Command)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.stdout = stdout
	t.started = true

	go t.readLoop(stdout)
	go t.logStderr(stderr)
	go func() {
		// reap the process when it exits for any reason
		err := cmd.Wait()
		if err != nil {
			logger.KV(xlog.DEBUG,
				"status", "server_process_exited",
				"command", t.cfg.Command,
				"err", err.Error(),
			)
		}
		t.Close()
	}()

	return nil
}

// Send implements Transport.Send. Writes are serialized: the connection
// carries one message at a time.
func (t *Transport) Send(ctx context.Context, message *transport.BaseJsonRpcMessage) error {
	t.mu.RLock()
	stdin := t.stdin
	started := t.started
	t.mu.RUnlock()

	if !started || stdin == nil {
		return errors.New("stdio: transport not started")
	}

	data, err := json.Marshal(message)
	if err != nil {
		return errors.Wrap(err, "stdio: failed to marshal message")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	select {
	case <-t.done:
		return errors.New("stdio: transport closed")
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	default:
	}

	if _, err := stdin.Write(append(data, '\n')); err != nil {
		return errors.Wrap(err, "stdio: failed to write message")
	}
	return nil
}

// Close implements Transport.Close. It releases the subprocess and is safe to
// call multiple times and from multiple goroutines; the close handler fires
// exactly once.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)

		t.mu.Lock()
		stdin := t.stdin
		cmd := t.cmd
		closeHandler := t.closeHandler
		t.mu.Unlock()

		if stdin != nil {
			_ = stdin.Close()
		}
		if cmd != nil && cmd.Process != nil {
			_ = cmd.Process.Kill()
		}

		if closeHandler != nil {
			closeHandler()
		}
	})
	return nil
}

// SetCloseHandler implements Transport.SetCloseHandler
func (t *Transport) SetCloseHandler(handler func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeHandler = handler
}

// SetErrorHandler implements Transport.SetErrorHandler
func (t *Transport) SetErrorHandler(handler func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errorHandler = handler
}

// SetMessageHandler implements Transport.SetMessageHandler
func (t *Transport) SetMessageHandler(handler func(ctx context.Context, message *transport.BaseJsonRpcMessage)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messageHandler = handler
}

func (t *Transport) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		message, err := transport.UnmarshalMessage(line)
		if err != nil {
			t.handleError(errors.WithMessage(err, "stdio: malformed message from server"))
			continue
		}

		t.mu.RLock()
		handler := t.messageHandler
		t.mu.RUnlock()

		if handler != nil {
			handler(context.Background(), message)
		}
	}

	if err := scanner.Err(); err != nil {
		select {
		case <-t.done:
			// expected during shutdown
		default:
			t.handleError(errors.Wrap(err, "stdio: failed to read from server"))
		}
	}
}

func (t *Transport) logStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		logger.KV(xlog.DEBUG,
			"command", t.cfg.Command,
			"stderr", scanner.Text(),
		)
	}
}

func (t *Transport) handleError(err error) {
	t.mu.RLock()
	handler := t.errorHandler
	t.mu.RUnlock()

	if handler != nil {
		handler(err)
		return
	}
	logger.KV(xlog.WARNING, "err", err.Error())
}
