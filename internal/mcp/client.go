package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FlameInTheDark/mcpbridge/internal/upstream"
)

// ErrClosed is returned for calls pending when the upstream goes away.
var ErrClosed = errors.New("mcp: connection closed")

// replyTimeout bounds answering a server request.
const replyTimeout = 10 * time.Second

// Client wraps an upstream.Client to provide structured JSON-RPC interaction.
type Client struct {
	upstream upstream.Client
	logger   *slog.Logger

	pendingMu sync.Mutex
	pending   map[string]chan JSONRPCResponse

	passthrough chan []byte
	done        chan struct{}
	closeOnce   sync.Once

	idCounter atomic.Int64
}

func NewClient(u upstream.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Client{
		upstream:    u,
		logger:      logger,
		pending:     make(map[string]chan JSONRPCResponse),
		passthrough: make(chan []byte, 100),
		done:        make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	defer close(c.passthrough)
	for {
		select {
		case msgBytes, ok := <-c.upstream.Messages():
			if !ok {
				c.closePending()
				return
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal(msgBytes, &msg); err != nil {
				c.logger.Warn("Failed to unmarshal upstream message", "error", err)
				continue
			}

			// Responses carry an id and no method.
			if msg.ID != nil && msg.Method == "" {
				idStr := idKey(msg.ID)
				c.pendingMu.Lock()
				ch, ok := c.pending[idStr]
				if ok {
					delete(c.pending, idStr)
				}
				c.pendingMu.Unlock()

				if ok {
					ch <- JSONRPCResponse{
						JSONRPC: msg.JSONRPC,
						Result:  msg.Result,
						Error:   msg.Error,
						ID:      msg.ID,
					}
					continue
				}
				c.logger.Debug("Dropping response with no pending request", "id", idStr)
				continue
			}

			// Server requests must be answered or the server may drop the session.
			if msg.ID != nil && msg.Method != "" {
				c.answer(msg)
				continue
			}

			// Server notifications. Nobody is required to read
			// them, so a full buffer drops instead of stalling responses.
			select {
			case c.passthrough <- msgBytes:
			default:
				c.logger.Debug("Passthrough buffer full, dropping message", "method", msg.Method)
			}
		case <-c.done:
			c.closePending()
			return
		}
	}
}

// answer replies to a server request. Only ping is supported.
func (c *Client) answer(msg JSONRPCMessage) {
	resp := JSONRPCResponse{JSONRPC: JSONRPCVersion, ID: msg.ID}
	if msg.Method == "ping" {
		resp.Result = json.RawMessage(`{}`)
	} else {
		resp.Error = &JSONRPCError{Code: -32601, Message: "Method not found: " + msg.Method}
	}
	b, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error("Failed to encode reply", "method", msg.Method, "error", err)
		return
	}

	// Sending may block on HTTP, so it must not hold up the read loop.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), replyTimeout)
		defer cancel()
		if err := c.upstream.Send(ctx, upstream.Message(b)); err != nil {
			c.logger.Debug("Failed to answer server request", "method", msg.Method, "error", err)
		}
	}()
}

func (c *Client) closePending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for _, ch := range c.pending {
		close(ch)
	}
	c.pending = nil
}

// Call sends a request and waits for the matching response.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (*JSONRPCResponse, error) {
	id := c.idCounter.Add(1)
	req := JSONRPCRequest{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		ID:      id,
	}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		req.Params = b
	}

	reqBytes, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	respCh := make(chan JSONRPCResponse, 1)
	idStr := idKey(id)

	c.pendingMu.Lock()
	if c.pending == nil {
		c.pendingMu.Unlock()
		return nil, ErrClosed
	}
	c.pending[idStr] = respCh
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		if c.pending != nil {
			delete(c.pending, idStr)
		}
		c.pendingMu.Unlock()
	}()

	if err := c.upstream.Send(ctx, upstream.Message(reqBytes)); err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-respCh:
		if !ok {
			return nil, ErrClosed
		}
		return &resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) Notify(ctx context.Context, method string, params interface{}) error {
	req := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
	}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return err
		}
		req.Params = b
	}

	reqBytes, err := json.Marshal(req)
	if err != nil {
		return err
	}

	return c.upstream.Send(ctx, upstream.Message(reqBytes))
}

// idKey normalizes a JSON-RPC id. Numeric ids come back from the decoder as
// float64 and must map to the same key as the int64 we sent.
func idKey(id interface{}) string {
	switch v := id.(type) {
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Passthrough delivers server-initiated messages.
func (c *Client) Passthrough() <-chan []byte {
	return c.passthrough
}

// Close stops the read loop and fails every pending call. It does not close
// the upstream.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}
