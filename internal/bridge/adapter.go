// Package bridge is the foreign-call surface of the library in plain Go.
// Inputs arrive as byte slices where nil stands for a C NULL, and every
// result is a JSON document, or nil for "return NULL".
package bridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/FlameInTheDark/mcpbridge/internal/config"
	"github.com/FlameInTheDark/mcpbridge/internal/mcp"
	"github.com/FlameInTheDark/mcpbridge/internal/stream"
	"github.com/FlameInTheDark/mcpbridge/internal/supervisor"
	"github.com/FlameInTheDark/mcpbridge/internal/version"
)

var (
	// ErrInvalidInput marks a NULL, badly encoded or malformed argument.
	ErrInvalidInput = errors.New("invalid input")

	// ErrSerialization marks a result that could not be encoded.
	ErrSerialization = errors.New("serialization failed")
)

const (
	msgInvalidArguments   = "Invalid arguments"
	msgInvalidURL         = "Invalid server URL"
	msgInvalidHeaders     = `Invalid headers JSON format. Expected: {"Header-Name": "value"}`
	msgInvalidHeadersText = "Invalid headers string"
	msgInvalidToolName    = "Invalid tool name"
	msgInvalidArgsJSON    = "Invalid arguments JSON"
	msgArgsNotObject      = "Invalid JSON: arguments must be a JSON object"
)

type op int

const (
	opConnect op = iota
	opDisconnect
	opListTools
	opCallTool
	opEncode
)

type Adapter struct {
	sup    *supervisor.Supervisor
	logger *slog.Logger
}

func New(sup *supervisor.Supervisor, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{sup: sup, logger: logger}
}

// FromConfig starts a supervisor configured by cfg.
func FromConfig(cfg *config.Config) *Adapter {
	logger := cfg.Logger()
	sup := supervisor.New(supervisor.Options{
		Logger: logger.With("component", "supervisor"),
		SessionOptions: mcp.Options{
			ClientName:        cfg.Client.Name,
			ClientVersion:     cfg.Client.Version,
			ProtocolVersion:   cfg.ProtocolVersion,
			ValidateArguments: cfg.ValidateArguments,
		},
	})
	return New(sup, logger.With("component", "bridge"))
}

var defaultAdapter = sync.OnceValues(func() (*Adapter, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		cfg = config.Default()
		cfg.Logger().Error("Failed to load config, using defaults", "env", config.EnvPath, "error", err)
	}
	return FromConfig(cfg), err
})

// Default returns the process-wide adapter, creating it on first use.
func Default() *Adapter {
	a, _ := defaultAdapter()
	return a
}

// Init creates the process-wide adapter and reports a configuration error,
// if any. The adapter is usable with defaults even when it fails.
func Init() error {
	_, err := defaultAdapter()
	return err
}

// Supervisor exposes the supervisor driving this adapter.
func (a *Adapter) Supervisor() *supervisor.Supervisor { return a.sup }

func Version() string { return version.Version }

// Connect returns nil on success.
func (a *Adapter) Connect(url, headers []byte, legacy bool) []byte {
	if url == nil {
		return errorJSON(msgInvalidArguments)
	}
	if !utf8.Valid(url) {
		return errorJSON(msgInvalidURL)
	}

	var hdrs map[string]string
	if headers != nil {
		if !utf8.Valid(headers) {
			return errorJSON(msgInvalidHeadersText)
		}
		var err error
		hdrs, err = parseHeaders(headers)
		if err != nil {
			a.logger.Debug("Rejected headers", "error", err)
			return errorJSON(msgInvalidHeaders)
		}
	}

	err := a.sup.Connect(supervisor.Target{URL: string(url), Headers: hdrs, Legacy: legacy})
	if err != nil {
		return a.fail(opConnect, err)
	}
	return nil
}

// Disconnect returns nil on success, including while not connected.
func (a *Adapter) Disconnect() []byte {
	if err := a.sup.Disconnect(); err != nil {
		return a.fail(opDisconnect, err)
	}
	return nil
}

// ListTools returns {"tools":[...]}.
func (a *Adapter) ListTools() []byte {
	tools, err := a.sup.ListTools()
	if err != nil {
		return a.fail(opListTools, err)
	}
	if tools == nil {
		tools = []mcp.Tool{}
	}
	return a.encode(struct {
		Tools []mcp.Tool `json:"tools"`
	}{tools})
}

// CallTool returns {"result":{...}}. A tool that reports isError still
// produces a result document.
func (a *Adapter) CallTool(name, args []byte) []byte {
	n, arguments, err := parseCall(name, args)
	if err != nil {
		return errorJSON(err.Error())
	}

	res, err := a.sup.CallTool(n, arguments)
	if err != nil {
		return a.fail(opCallTool, err)
	}
	return a.encode(struct {
		Result *mcp.CallToolResult `json:"result"`
	}{res})
}

// StreamListTools returns a stream id, or 0 when the runtime is gone.
func (a *Adapter) StreamListTools() uint64 {
	id, err := a.sup.StreamListTools()
	if err != nil {
		a.logger.Error("Failed to start tool stream", "error", err)
		return 0
	}
	return uint64(id)
}

// StreamCallTool returns a stream id, or 0 for invalid input or when the
// runtime is gone.
func (a *Adapter) StreamCallTool(name, args []byte) uint64 {
	n, arguments, err := parseCall(name, args)
	if err != nil {
		a.logger.Warn("Rejected streaming tool call", "error", err)
		return 0
	}
	id, err := a.sup.StreamCallTool(n, arguments)
	if err != nil {
		a.logger.Error("Failed to start call stream", "tool", n, "error", err)
		return 0
	}
	return uint64(id)
}

// Poll returns the next chunk without blocking. ok is false when nothing is
// ready, the stream is finished or the id is unknown.
func (a *Adapter) Poll(id uint64) (c stream.Chunk, ok bool) {
	c, status := a.sup.Registry().Poll(stream.ID(id))
	return c, status == stream.StatusReady
}

// Wait is Poll that blocks for at most ms milliseconds.
func (a *Adapter) Wait(id uint64, ms uint64) (c stream.Chunk, ok bool) {
	c, status := a.sup.Registry().Wait(stream.ID(id), waitDuration(ms))
	return c, status == stream.StatusReady
}

// waitDuration converts ms, saturating at the longest representable duration.
func waitDuration(ms uint64) time.Duration {
	if ms > uint64(math.MaxInt64/int64(time.Millisecond)) {
		return math.MaxInt64
	}
	return time.Duration(ms) * time.Millisecond
}

func (a *Adapter) Cleanup(id uint64) {
	a.sup.Registry().Cleanup(stream.ID(id))
}

func (a *Adapter) encode(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return a.fail(opEncode, fmt.Errorf("%w: %w", ErrSerialization, err))
	}
	return b
}

// fail logs err and turns it into the error document for o.
func (a *Adapter) fail(o op, err error) []byte {
	msg := a.message(o, err)
	a.logger.Debug("Returning error", "error", err, "message", msg)
	return errorJSON(msg)
}

func (a *Adapter) message(o op, err error) string {
	switch {
	case errors.Is(err, ErrSerialization):
		return "Serialization failed: " + strings.TrimPrefix(err.Error(), ErrSerialization.Error()+": ")
	case errors.Is(err, supervisor.ErrNotConnected):
		return supervisor.NotConnectedMessage
	case errors.Is(err, supervisor.ErrRuntimeUnavailable):
		if cause := a.sup.Err(); cause != nil {
			return fmt.Sprintf("Runtime unavailable: %v", cause)
		}
		return "Runtime unavailable"
	}

	switch o {
	case opConnect:
		return fmt.Sprintf("Failed to connect to MCP server: %v", err)
	case opListTools:
		return fmt.Sprintf("Failed to list tools: %v", err)
	case opCallTool:
		return fmt.Sprintf("Tool call failed: %v", err)
	default:
		return err.Error()
	}
}

func errorJSON(msg string) []byte {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return b
}

// parseHeaders accepts a flat JSON object of string values.
func parseHeaders(b []byte) (map[string]string, error) {
	var h map[string]string
	if err := json.Unmarshal(b, &h); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if h == nil {
		return nil, fmt.Errorf("%w: headers must be an object", ErrInvalidInput)
	}
	return h, nil
}

type inputError string

func (e inputError) Error() string { return string(e) }
func (e inputError) Unwrap() error { return ErrInvalidInput }

// parseCall validates a tool name and its optional JSON object arguments.
// The arguments are passed on byte for byte.
func parseCall(name, args []byte) (string, json.RawMessage, error) {
	if name == nil {
		return "", nil, inputError(msgInvalidArguments)
	}
	if !utf8.Valid(name) || len(bytes.TrimSpace(name)) == 0 {
		return "", nil, inputError(msgInvalidToolName)
	}
	if args == nil {
		return string(name), nil, nil
	}
	if !utf8.Valid(args) {
		return "", nil, inputError(msgInvalidArgsJSON)
	}
	trimmed := bytes.TrimSpace(args)
	if len(trimmed) == 0 {
		return string(name), nil, nil
	}
	if !gjson.ValidBytes(trimmed) || !gjson.ParseBytes(trimmed).IsObject() {
		return "", nil, inputError(msgArgsNotObject)
	}
	return string(name), json.RawMessage(trimmed), nil
}
