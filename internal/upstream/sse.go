package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// endpointTimeout bounds how long Start and Send wait for the endpoint event.
var endpointTimeout = 10 * time.Second

// SSEClient speaks the legacy HTTP+SSE transport: a long-lived GET event
// stream for server messages and POSTs to the endpoint it announces.
type SSEClient struct {
	baseURL     string
	postURL     string
	client      *http.Client
	msgs        chan Message
	done        chan struct{}
	cancel      context.CancelFunc
	mu          sync.Mutex // Protects postURL and running state
	running     bool
	logger      *slog.Logger
	initialized chan struct{} // Closed when 'endpoint' event is received
}

func NewSSEClient(u string, client *http.Client, logger *slog.Logger) *SSEClient {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if client == nil {
		client = &http.Client{}
	}
	return &SSEClient{
		baseURL:     u,
		client:      client,
		msgs:        make(chan Message, 100),
		done:        make(chan struct{}),
		logger:      logger,
		initialized: make(chan struct{}),
	}
}

// Start opens the event stream and waits for the endpoint event.
func (c *SSEClient) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("already running")
	}
	// The stream outlives ctx, which only bounds the startup.
	streamCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.running = true
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		c.Close()
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	c.logger.Info("Connecting to SSE upstream", "url", c.baseURL)

	stop := context.AfterFunc(ctx, cancel)
	resp, err := c.client.Do(req)
	stop()
	if err != nil {
		c.Close()
		return fmt.Errorf("failed to connect to SSE upstream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		c.Close()
		return fmt.Errorf("SSE upstream returned status %d", resp.StatusCode)
	}

	go func() {
		defer close(c.msgs)
		defer resp.Body.Close()
		c.readLoop(resp.Body)
	}()

	timer := time.NewTimer(endpointTimeout)
	defer timer.Stop()

	select {
	case <-c.initialized:
		return nil
	case <-c.done:
		return fmt.Errorf("SSE stream closed before endpoint event")
	case <-ctx.Done():
		c.Close()
		return ctx.Err()
	case <-timer.C:
		c.Close()
		return fmt.Errorf("no endpoint event within %s", endpointTimeout)
	}
}

func (c *SSEClient) readLoop(r io.Reader) {
	err := scanEvents(r, func(eventType string, data []byte) bool {
		return c.handleEvent(eventType, data)
	})
	if err != nil {
		select {
		case <-c.done:
		default:
			c.logger.Error("Error reading SSE stream", "error", err)
		}
	}
	c.Close()
}

func (c *SSEClient) handleEvent(eventType string, data []byte) bool {
	switch eventType {
	case "endpoint":
		endpoint := string(data)

		u, err := url.Parse(endpoint)
		if err != nil {
			c.logger.Error("Invalid endpoint URL received", "endpoint", endpoint, "error", err)
			return true
		}

		base, err := url.Parse(c.baseURL)
		if err != nil {
			c.logger.Error("Invalid base URL", "url", c.baseURL, "error", err)
			return true
		}

		resolved := base.ResolveReference(u).String()

		c.mu.Lock()
		c.postURL = resolved
		c.mu.Unlock()

		select {
		case <-c.initialized:
		default:
			close(c.initialized)
			c.logger.Debug("SSE upstream initialized", "post_url", resolved)
		}
		return true

	case "message", "":
		if len(data) == 0 {
			return true
		}
		select {
		case c.msgs <- data:
			return true
		case <-c.done:
			return false
		}

	default:
		c.logger.Debug("Ignoring SSE event", "event", eventType)
		return true
	}
}

func (c *SSEClient) Send(ctx context.Context, msg Message) error {
	select {
	case <-c.initialized:
	case <-c.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(endpointTimeout):
		return fmt.Errorf("timeout waiting for SSE initialization")
	}

	c.mu.Lock()
	targetURL := c.postURL
	running := c.running
	c.mu.Unlock()

	if !running {
		return ErrNotRunning
	}
	if targetURL == "" {
		return fmt.Errorf("no post URL available")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(msg))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("upstream POST failed with status %d", resp.StatusCode)
	}

	return nil
}

func (c *SSEClient) Messages() <-chan Message {
	return c.msgs
}

// Close cancels the event stream. The messages channel is closed once the
// read loop has exited.
func (c *SSEClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil
	}
	c.running = false
	close(c.done)
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}
