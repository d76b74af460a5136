// mcphost connects a chat model to MCP tool servers.
//
// It launches the configured tool servers as subprocesses, aggregates their
// tool catalogs into one namespace, and runs an interactive chat loop where
// the model can call the aggregated tools.
//
// Usage:
//
//	mcphost -cfg mcphost.yaml [-model <name>] [-debug]
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcphost/callbacks"
	"github.com/effective-security/mcphost/chatmodel"
	"github.com/effective-security/mcphost/config"
	"github.com/effective-security/mcphost/llmfactory"
	"github.com/effective-security/mcphost/mcp"
	"github.com/effective-security/mcphost/mcp/transport/stdio"
	"github.com/effective-security/mcphost/orchestrator"
	"github.com/effective-security/mcphost/pkg/llms"
	"github.com/effective-security/mcphost/registry"
	"github.com/effective-security/mcphost/store"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcphost", "cli")

const connectTimeout = 30 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Stdin, os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, stdin io.Reader, stdout io.Writer, args []string) error {
	fs := flag.NewFlagSet("mcphost", flag.ContinueOnError)
	cfgPath := fs.String("cfg", "", "path to the configuration file")
	modelName := fs.String("model", "", "model to use, overrides the configured default")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return errors.WithStack(err)
	}
	if *cfgPath == "" {
		fs.Usage()
		return errors.New("-cfg flag is required")
	}

	xlog.SetFormatter(xlog.NewStringFormatter(os.Stderr))
	if *debug {
		xlog.SetGlobalLogLevel(xlog.DEBUG)
	} else {
		xlog.SetGlobalLogLevel(xlog.ERROR)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return errors.WithMessage(err, "failed to load configuration")
	}

	model, err := loadModel(cfg, *modelName)
	if err != nil {
		return err
	}

	reg := registry.New()
	defer func() {
		_ = reg.Close()
	}()

	connectServers(ctx, cfg, reg)
	if len(reg.ToolNames()) == 0 {
		logger.KV(xlog.WARNING, "status", "no_tools_available")
	}

	orch := orchestrator.New(model, reg,
		orchestrator.WithSystemPrompt(cfg.SystemPrompt),
		orchestrator.WithStore(store.NewMemoryStore()),
		orchestrator.WithCallback(callbacks.NewPrinter(stdout)),
	)

	return repl(ctx, stdin, stdout, orch, model, reg)
}

func loadModel(cfg *config.Config, override string) (llms.Model, error) {
	f := llmfactory.New(&cfg.LLM)

	name := override
	if name == "" {
		name = cfg.DefaultModel
	}
	if name != "" {
		return f.ModelByName(name)
	}
	return f.DefaultModel()
}

// connectServers launches and registers the configured tool servers. A
// server that fails to connect or list its tools is skipped: the host keeps
// running with a degraded catalog.
func connectServers(ctx context.Context, cfg *config.Config, reg *registry.Registry) {
	for _, srv := range cfg.Servers {
		tr := stdio.New(stdio.Config{
			Command: srv.Command,
			Args:    srv.Args,
			Env:     srv.Env,
		})

		var opts []mcp.ClientOption
		if srv.RequestTimeoutMsec > 0 {
			opts = append(opts, mcp.WithRequestTimeout(time.Duration(srv.RequestTimeoutMsec)*time.Millisecond))
		}
		client := mcp.NewClient(tr, opts...)

		connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		err := client.Connect(connectCtx)
		cancel()
		if err != nil {
			logger.KV(xlog.ERROR,
				"reason", "server_connect",
				"server", srv.Name,
				"command", srv.Command,
				"err", err.Error(),
			)
			_ = client.Close()
			continue
		}

		handle := registry.NewServerHandle(srv.Name, client)
		if err := reg.RegisterServer(ctx, handle); err != nil {
			logger.KV(xlog.ERROR,
				"reason", "server_register",
				"server", srv.Name,
				"err", err.Error(),
			)
			// an unregistered handle is not tracked by the registry, so its
			// subprocess must be stopped here
			_ = handle.Close()
			continue
		}
	}
}

func repl(ctx context.Context, stdin io.Reader, stdout io.Writer, orch *orchestrator.Orchestrator, model llms.Model, reg *registry.Registry) error {
	chatCtx := chatmodel.WithChatContext(ctx, chatmodel.NewChatContext("", nil))

	fmt.Fprintf(stdout, "mcphost: model %s, %d tools. Type 'exit' or 'quit' to leave.\n",
		model.GetName(), len(reg.ToolNames()))

	scanner := bufio.NewScanner(stdin)
	for {
		fmt.Fprint(stdout, "> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}

		result, err := orch.SubmitUserMessage(chatCtx, input)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			fmt.Fprintf(stdout, "error: %s\n", err)
			continue
		}
		fmt.Fprintln(stdout, result)
	}

	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "failed to read input")
	}
	return nil
}
