// Package supervisor owns the single MCP connection of the process. All
// connection state lives on one worker goroutine that is locked to its own OS
// thread and fed through a command channel; callers block on a one-shot reply.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"

	"github.com/FlameInTheDark/mcpbridge/internal/mcp"
	"github.com/FlameInTheDark/mcpbridge/internal/stream"
)

var (
	// ErrNotConnected is returned by commands that need a session while idle.
	ErrNotConnected = errors.New("not connected")

	// ErrRuntimeUnavailable is returned once the worker has died. It is permanent.
	ErrRuntimeUnavailable = errors.New("runtime unavailable")

	errStopped = errors.New("supervisor closed")
)

// NotConnectedMessage is the text of the Error chunk pushed to streams that
// were started while idle.
const NotConnectedMessage = "Not connected. Call connect() first"

// Session is what the worker needs from an established connection.
// *mcp.Session implements it.
type Session interface {
	ID() string
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	ListToolsPages(ctx context.Context, fn func([]mcp.Tool) error) error
	CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error)
	Close() error
}

// Target describes where to connect.
type Target struct {
	URL     string
	Headers map[string]string
	// Legacy selects the HTTP+SSE transport instead of streamable HTTP.
	Legacy bool
}

// DialFunc builds a transport for t and runs the handshake. The session must
// stay usable until ctx is canceled or it is closed.
type DialFunc func(ctx context.Context, t Target) (Session, error)

type Options struct {
	Logger   *slog.Logger
	Registry *stream.Registry

	// Dial defaults to DialMCP with SessionOptions.
	Dial           DialFunc
	SessionOptions mcp.Options

	// QueueSize is the command channel capacity. Defaults to 64.
	QueueSize int
}

type Supervisor struct {
	cmds     chan command
	dead     chan struct{}
	registry *stream.Registry
	logger   *slog.Logger

	mu      sync.Mutex
	failure error
}

// New starts the worker and returns immediately.
func New(opts Options) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	registry := opts.Registry
	if registry == nil {
		registry = stream.NewRegistry()
	}
	dial := opts.Dial
	if dial == nil {
		sessOpts := opts.SessionOptions
		if sessOpts.Logger == nil {
			sessOpts.Logger = logger.With("component", "session")
		}
		dial = DialMCP(sessOpts, logger.With("component", "upstream"))
	}
	size := opts.QueueSize
	if size <= 0 {
		size = 64
	}

	s := &Supervisor{
		cmds:     make(chan command, size),
		dead:     make(chan struct{}),
		registry: registry,
		logger:   logger,
	}

	w := &worker{
		sup:      s,
		dial:     dial,
		registry: registry,
		logger:   logger.With("component", "worker"),
		ctx:      context.Background(),
	}
	go w.run()
	return s
}

// Registry returns the stream registry streaming commands push into.
func (s *Supervisor) Registry() *stream.Registry { return s.registry }

// Err returns the reason the worker died, or nil while it is alive.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	s.failure = err
	s.mu.Unlock()
	close(s.dead)
}

func (s *Supervisor) unavailable() error {
	if err := s.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrRuntimeUnavailable, err)
	}
	return ErrRuntimeUnavailable
}

func (s *Supervisor) enqueue(cmd command) error {
	select {
	case <-s.dead:
		return s.unavailable()
	default:
	}
	select {
	case s.cmds <- cmd:
		return nil
	case <-s.dead:
		return s.unavailable()
	}
}

// submit enqueues cmd and blocks until the worker answers on reply or dies.
func submit[T any](s *Supervisor, cmd command, reply <-chan result[T]) (T, error) {
	var zero T
	if err := s.enqueue(cmd); err != nil {
		return zero, err
	}
	select {
	case r := <-reply:
		return r.val, r.err
	case <-s.dead:
		return zero, s.unavailable()
	}
}

// Connect replaces the current session with a new one for t. Any previous
// session is closed first, so a failed connect leaves the supervisor idle.
func (s *Supervisor) Connect(t Target) error {
	reply := make(chan result[struct{}], 1)
	_, err := submit(s, connectCmd{target: t, reply: reply}, reply)
	return err
}

// Disconnect closes the current session. It is a no-op while idle.
func (s *Supervisor) Disconnect() error {
	reply := make(chan result[struct{}], 1)
	_, err := submit(s, disconnectCmd{reply: reply}, reply)
	return err
}

func (s *Supervisor) ListTools() ([]mcp.Tool, error) {
	reply := make(chan result[[]mcp.Tool], 1)
	return submit(s, listToolsCmd{reply: reply}, reply)
}

func (s *Supervisor) CallTool(name string, args json.RawMessage) (*mcp.CallToolResult, error) {
	reply := make(chan result[*mcp.CallToolResult], 1)
	return submit(s, callToolCmd{name: name, args: args, reply: reply}, reply)
}

// StreamListTools starts listing tools into a new stream and returns its id
// without waiting for the listing.
func (s *Supervisor) StreamListTools() (stream.ID, error) {
	reply := make(chan result[stream.ID], 1)
	return submit(s, streamListToolsCmd{reply: reply}, reply)
}

// StreamCallTool starts a tool call whose content items arrive as Text chunks.
func (s *Supervisor) StreamCallTool(name string, args json.RawMessage) (stream.ID, error) {
	reply := make(chan result[stream.ID], 1)
	return submit(s, streamCallToolCmd{name: name, args: args, reply: reply}, reply)
}

// Close disconnects and stops the worker. Every later call fails with
// ErrRuntimeUnavailable.
func (s *Supervisor) Close() error {
	reply := make(chan result[struct{}], 1)
	if err := s.enqueue(stopCmd{reply: reply}); err != nil {
		return nil
	}
	select {
	case <-reply:
	case <-s.dead:
	}
	return nil
}

// worker is only ever touched from its own goroutine.
type worker struct {
	sup      *Supervisor
	dial     DialFunc
	registry *stream.Registry
	logger   *slog.Logger
	ctx      context.Context

	session    Session
	sessionCtx context.Context
	cancel     context.CancelFunc
}

func (w *worker) run() {
	runtime.LockOSThread()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("worker panic: %v", r)
			w.logger.Error("Worker died", "error", err)
			w.sup.fail(err)
			w.closeSession()
		}
	}()

	w.logger.Debug("Worker started")
	for cmd := range w.sup.cmds {
		if stop, ok := cmd.(stopCmd); ok {
			w.closeSession()
			w.sup.fail(errStopped)
			stop.reply <- result[struct{}]{}
			return
		}
		cmd.execute(w)
	}
}

func (w *worker) closeSession() {
	if w.session == nil {
		return
	}
	w.logger.Info("Closing session", "session", w.session.ID())
	w.cancel()
	if err := w.session.Close(); err != nil {
		w.logger.Warn("Session close failed", "error", err)
	}
	w.session = nil
	w.sessionCtx = nil
	w.cancel = nil
}

func (w *worker) connect(t Target) error {
	w.closeSession()

	ctx, cancel := context.WithCancel(w.ctx)
	sess, err := w.dial(ctx, t)
	if err != nil {
		cancel()
		w.logger.Error("Connect failed", "url", t.URL, "error", err)
		return err
	}
	w.session = sess
	w.sessionCtx = ctx
	w.cancel = cancel
	w.logger.Info("Connected", "url", t.URL, "legacy", t.Legacy, "session", sess.ID())
	return nil
}
