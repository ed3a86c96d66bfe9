package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/FlameInTheDark/mcpbridge/internal/upstream"
)

var (
	// ErrHandshake wraps any failure while establishing a session.
	ErrHandshake = errors.New("mcp: handshake failed")

	// ErrInvalidArguments is returned when arguments fail local schema validation.
	ErrInvalidArguments = errors.New("mcp: arguments do not match input schema")
)

// Options configures the client side of the handshake.
type Options struct {
	ClientName      string
	ClientVersion   string
	ProtocolVersion string

	// ValidateArguments checks tool arguments against the input schema seen
	// in the last listing before sending them.
	ValidateArguments bool

	Logger *slog.Logger
}

// Session is an initialized MCP connection. ListTools and CallTool may be
// called from several goroutines at once.
type Session struct {
	id       string
	upstream upstream.Client
	client   *Client
	info     InitializeResult
	validate bool
	logger   *slog.Logger

	schemaMu sync.RWMutex
	schemas  map[string]json.RawMessage

	closeOnce sync.Once
}

// Connect starts the upstream and performs the initialize handshake. On failure
// the upstream is closed and no Session is returned.
func Connect(ctx context.Context, u upstream.Client, opts Options) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.ProtocolVersion == "" {
		opts.ProtocolVersion = ProtocolVersion
	}
	if opts.ClientName == "" {
		opts.ClientName = "mcpbridge"
	}

	id := uuid.NewString()
	logger = logger.With("session", id)

	if err := u.Start(ctx); err != nil {
		u.Close()
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	c := NewClient(u, logger.With("component", "mcp_client"))
	s := &Session{
		id:       id,
		upstream: u,
		client:   c,
		validate: opts.ValidateArguments,
		logger:   logger,
		schemas:  make(map[string]json.RawMessage),
	}

	initParams := InitializeParams{
		ProtocolVersion: opts.ProtocolVersion,
		Capabilities:    json.RawMessage(`{}`),
		ClientInfo: Implementation{
			Name:    opts.ClientName,
			Version: opts.ClientVersion,
		},
	}

	resp, err := c.Call(ctx, "initialize", initParams)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if resp.Error != nil {
		s.Close()
		return nil, fmt.Errorf("%w: %w", ErrHandshake, resp.Error)
	}
	if err := json.Unmarshal(resp.Result, &s.info); err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: malformed initialize result: %w", ErrHandshake, err)
	}

	if err := c.Notify(ctx, "notifications/initialized", nil); err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	logger.Info("Session initialized",
		"server", s.info.ServerInfo.Name,
		"server_version", s.info.ServerInfo.Version,
		"protocol", s.info.ProtocolVersion,
	)
	return s, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) ServerInfo() Implementation { return s.info.ServerInfo }

// ListToolsPages walks tools/list pagination and hands each page to fn as it
// arrives. A non-nil error from fn stops the walk and is returned as is.
func (s *Session) ListToolsPages(ctx context.Context, fn func([]Tool) error) error {
	seen := make(map[string]bool)
	cursor := ""
	for {
		var params interface{}
		if cursor != "" {
			params = ListToolsParams{Cursor: cursor}
		}

		resp, err := s.client.Call(ctx, "tools/list", params)
		if err != nil {
			return err
		}
		if resp.Error != nil {
			return resp.Error
		}

		var page ListToolsResult
		if err := json.Unmarshal(resp.Result, &page); err != nil {
			return fmt.Errorf("malformed tools/list result: %w", err)
		}

		s.schemaMu.Lock()
		for _, t := range page.Tools {
			s.schemas[t.Name] = t.InputSchema
		}
		s.schemaMu.Unlock()

		if err := fn(page.Tools); err != nil {
			return err
		}

		if page.NextCursor == "" || seen[page.NextCursor] {
			return nil
		}
		seen[page.NextCursor] = true
		cursor = page.NextCursor
	}
}

// ListTools returns every tool the server advertises, in server order.
func (s *Session) ListTools(ctx context.Context) ([]Tool, error) {
	tools := []Tool{}
	err := s.ListToolsPages(ctx, func(page []Tool) error {
		tools = append(tools, page...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tools, nil
}

// CallTool invokes a tool. args must be a JSON object or empty and is sent
// byte for byte. A result with IsError set is returned without an error.
func (s *Session) CallTool(ctx context.Context, name string, args json.RawMessage) (*CallToolResult, error) {
	if s.validate {
		if err := s.validateArguments(name, args); err != nil {
			return nil, err
		}
	}

	resp, err := s.client.Call(ctx, "tools/call", CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}

	var result CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("malformed tools/call result: %w", err)
	}
	return &result, nil
}

func (s *Session) validateArguments(name string, args json.RawMessage) error {
	s.schemaMu.RLock()
	schema, ok := s.schemas[name]
	s.schemaMu.RUnlock()
	if !ok || len(schema) == 0 {
		return nil
	}

	doc := args
	if len(doc) == 0 {
		doc = json.RawMessage(`{}`)
	}

	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(schema), gojsonschema.NewBytesLoader(doc))
	if err != nil {
		s.logger.Warn("Skipping argument validation", "tool", name, "error", err)
		return nil
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("%w: %s", ErrInvalidArguments, strings.Join(msgs, "; "))
}

// Close tears down the session. In-flight calls fail with ErrClosed.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.client.Close()
		err = s.upstream.Close()
		s.logger.Info("Session closed")
	})
	return err
}
