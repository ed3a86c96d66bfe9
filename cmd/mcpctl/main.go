// mcpctl drives the bridge from the command line, one call at a time, the
// same way a foreign caller of libmcpbridge does.
//
//	mcpctl --url http://localhost:8931/mcp tools
//	mcpctl --url http://localhost:8931/sse --legacy call echo '{"msg":"hi"}'
//	mcpctl --config mcpbridge.yaml stream-call search '{"q":"go"}'
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"github.com/tidwall/gjson"

	"github.com/FlameInTheDark/mcpbridge/internal/bridge"
	"github.com/FlameInTheDark/mcpbridge/internal/config"
	"github.com/FlameInTheDark/mcpbridge/internal/stream"
)

const usage = `Usage: mcpctl [flags] <command> [args]

Commands:
  tools                     list tools
  call <name> [json]        call a tool
  stream-tools              list tools as a stream
  stream-call <name> [json] call a tool and print content items as they arrive

Flags:
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(argv []string) error {
	var (
		configPath string
		url        string
		headers    map[string]string
		legacy     bool
		logLevel   string
		waitMs     uint64
	)

	flagSet := pflag.NewFlagSet("mcpctl", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to configuration file")
	flagSet.StringVar(&url, "url", "", "MCP server URL (overrides server.url)")
	flagSet.StringToStringVarP(&headers, "header", "H", nil, "extra request header as Name=value, repeatable")
	flagSet.BoolVar(&legacy, "legacy", false, "use the legacy HTTP+SSE transport")
	flagSet.StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	flagSet.Uint64Var(&waitMs, "wait-ms", 30000, "how long to wait for each stream chunk")
	flagSet.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flagSet.PrintDefaults()
	}

	if err := flagSet.Parse(argv); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg := config.Default()
	if configPath != "" {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config %s: %w", configPath, err)
		}
	}

	// Flags override the config file.
	if url != "" {
		cfg.Server.URL = url
	}
	if flagSet.Changed("legacy") {
		cfg.Server.Transport = config.TransportStreamableHTTP
		if legacy {
			cfg.Server.Transport = config.TransportSSE
		}
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if len(headers) > 0 {
		if cfg.Server.Headers == nil {
			cfg.Server.Headers = make(map[string]string)
		}
		for k, v := range headers {
			cfg.Server.Headers[k] = v
		}
	}

	args := flagSet.Args()
	if len(args) == 0 {
		flagSet.Usage()
		return errors.New("missing command")
	}
	if cfg.Server.URL == "" {
		return errors.New("no server URL: pass --url or set server.url in the config")
	}

	logger := cfg.Logger()
	a := bridge.FromConfig(cfg)
	defer a.Supervisor().Close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("Received signal, shutting down", "signal", sig)
		a.Disconnect()
		os.Exit(130)
	}()

	var hdrs []byte
	if len(cfg.Server.Headers) > 0 {
		hdrs, _ = json.Marshal(cfg.Server.Headers)
	}
	if out := a.Connect([]byte(cfg.Server.URL), hdrs, cfg.Server.Legacy()); out != nil {
		return failure(out)
	}
	defer a.Disconnect()

	switch cmd := args[0]; cmd {
	case "tools":
		return emit(a.ListTools())
	case "call":
		name, arguments, err := toolArgs(args)
		if err != nil {
			return err
		}
		return emit(a.CallTool(name, arguments))
	case "stream-tools":
		return drain(a, a.StreamListTools(), waitMs)
	case "stream-call":
		name, arguments, err := toolArgs(args)
		if err != nil {
			return err
		}
		return drain(a, a.StreamCallTool(name, arguments), waitMs)
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func toolArgs(args []string) (name, arguments []byte, err error) {
	if len(args) < 2 {
		return nil, nil, fmt.Errorf("%s: missing tool name", args[0])
	}
	if len(args) > 2 {
		arguments = []byte(args[2])
	}
	return []byte(args[1]), arguments, nil
}

// emit prints a result document, or returns its error.
func emit(doc []byte) error {
	if e := gjson.GetBytes(doc, "error"); e.Exists() {
		return errors.New(e.String())
	}
	_, err := fmt.Fprintln(os.Stdout, string(doc))
	return err
}

func failure(doc []byte) error {
	return errors.New(gjson.GetBytes(doc, "error").String())
}

type chunkLine struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
	Text string          `json:"text,omitempty"`
}

// drain prints one JSON line per chunk until Done.
func drain(a *bridge.Adapter, id uint64, waitMs uint64) error {
	if id == 0 {
		return errors.New("stream could not be started")
	}
	defer a.Cleanup(id)

	enc := json.NewEncoder(os.Stdout)
	var streamErr error
	for {
		c, ok := a.Wait(id, waitMs)
		if !ok {
			return fmt.Errorf("stream %d: no chunk within %dms", id, waitMs)
		}

		line := chunkLine{Type: c.Kind.String()}
		switch c.Kind {
		case stream.KindTool:
			line.Data = json.RawMessage(c.Data)
		case stream.KindError:
			streamErr = errors.New(c.Data)
			line.Text = c.Data
		case stream.KindText:
			line.Text = c.Data
		}
		if err := enc.Encode(line); err != nil {
			return err
		}
		if c.Kind == stream.KindDone {
			return streamErr
		}
	}
}
