package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"sync"
	"time"
)

// SessionHeader carries the server-assigned session id on streamable HTTP.
const SessionHeader = "Mcp-Session-Id"

// StreamableHTTPClient speaks the streamable HTTP transport: every message is
// a POST and the reply comes back as a JSON body or as an event stream.
type StreamableHTTPClient struct {
	endpoint   string
	authHeader string
	client     *http.Client
	msgs       chan Message
	done       chan struct{}
	ctx        context.Context // canceled on Close
	cancel     context.CancelFunc
	logger     *slog.Logger

	mu        sync.Mutex // Protects sessionID and running state
	sessionID string
	running   bool
	readers   sync.WaitGroup
}

// NewStreamableHTTPClient creates a client for endpoint. authHeader, when not
// empty, is sent verbatim as the Authorization header of every request.
func NewStreamableHTTPClient(endpoint, authHeader string, client *http.Client, logger *slog.Logger) *StreamableHTTPClient {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if client == nil {
		client = &http.Client{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &StreamableHTTPClient{
		endpoint:   endpoint,
		authHeader: authHeader,
		client:     client,
		msgs:       make(chan Message, 100),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger,
	}
}

// Start marks the client usable. No request is made until the first Send.
func (c *StreamableHTTPClient) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("already running")
	}
	select {
	case <-c.done:
		return ErrNotRunning
	default:
	}
	c.running = true
	c.logger.Info("Using streamable HTTP upstream", "url", c.endpoint)
	return nil
}

// SessionID returns the id assigned by the server, if any.
func (c *StreamableHTTPClient) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *StreamableHTTPClient) newRequest(ctx context.Context, method string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint, body)
	if err != nil {
		return nil, err
	}
	if c.authHeader != "" {
		req.Header.Set("Authorization", c.authHeader)
	}
	if sid := c.SessionID(); sid != "" {
		req.Header.Set(SessionHeader, sid)
	}
	return req, nil
}

func (c *StreamableHTTPClient) Send(ctx context.Context, msg Message) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrNotRunning
	}
	c.readers.Add(1)
	c.mu.Unlock()

	handedOff := false
	defer func() {
		if !handedOff {
			c.readers.Done()
		}
	}()

	// A streamed reply may outlive ctx, so the request is bound to the
	// client's lifetime and ctx only bounds the round trip.
	reqCtx, cancel := context.WithCancel(c.ctx)
	defer func() {
		if !handedOff {
			cancel()
		}
	}()

	req, err := c.newRequest(reqCtx, http.MethodPost, bytes.NewReader(msg))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	stop := context.AfterFunc(ctx, cancel)
	resp, err := c.client.Do(req)
	stop()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}

	if sid := resp.Header.Get(SessionHeader); sid != "" {
		c.mu.Lock()
		c.sessionID = sid
		c.mu.Unlock()
	}

	if resp.StatusCode >= 400 {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return fmt.Errorf("upstream POST failed with status %d", resp.StatusCode)
	}
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent {
		resp.Body.Close()
		return nil
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch mediaType {
	case "text/event-stream":
		// The reply may trail progress events, so the body is read in the
		// background and Send returns once headers arrive.
		handedOff = true
		go func() {
			defer c.readers.Done()
			defer cancel()
			defer resp.Body.Close()
			c.readStream(resp.Body)
		}()
		return nil

	case "application/json":
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxEventSize))
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}
		body = bytes.TrimSpace(body)
		if len(body) == 0 {
			return nil
		}
		c.deliver(c.splitBatch(body)...)
		return nil

	default:
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if mediaType == "" {
			return nil
		}
		return fmt.Errorf("unexpected response content type %q", mediaType)
	}
}

// splitBatch turns a JSON array reply into its elements.
func (c *StreamableHTTPClient) splitBatch(body []byte) []Message {
	if body[0] != '[' {
		return []Message{body}
	}
	var batch []json.RawMessage
	if err := json.Unmarshal(body, &batch); err != nil {
		c.logger.Warn("Malformed batch response", "error", err)
		return nil
	}
	out := make([]Message, 0, len(batch))
	for _, m := range batch {
		out = append(out, Message(m))
	}
	return out
}

func (c *StreamableHTTPClient) readStream(r io.Reader) {
	err := scanEvents(r, func(eventType string, data []byte) bool {
		if eventType != "" && eventType != "message" {
			return true
		}
		return c.deliver(data)
	})
	if err != nil {
		select {
		case <-c.done:
		default:
			c.logger.Warn("Error reading response stream", "error", err)
		}
	}
}

func (c *StreamableHTTPClient) deliver(msgs ...Message) bool {
	for _, m := range msgs {
		if len(m) == 0 {
			continue
		}
		select {
		case c.msgs <- m:
		case <-c.done:
			return false
		}
	}
	return true
}

func (c *StreamableHTTPClient) Messages() <-chan Message {
	return c.msgs
}

// Close ends the server session with a best-effort DELETE and closes the
// messages channel once every in-flight reader has exited.
func (c *StreamableHTTPClient) Close() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	sid := c.sessionID
	close(c.done)
	c.mu.Unlock()
	c.cancel()

	if sid != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if req, err := c.newRequest(ctx, http.MethodDelete, nil); err == nil {
			req.Header.Set(SessionHeader, sid)
			if resp, err := c.client.Do(req); err == nil {
				resp.Body.Close()
			} else {
				c.logger.Debug("Session DELETE failed", "error", err)
			}
		}
	}

	go func() {
		c.readers.Wait()
		close(c.msgs)
	}()
	return nil
}
