package upstream

import (
	"context"
	"errors"
)

// Message represents a raw JSON message (request or response)
type Message []byte

// ErrNotRunning is returned by Send before Start or after Close.
var ErrNotRunning = errors.New("upstream: client not running")

// Client is the interface for an MCP upstream connection.
type Client interface {
	// Start initializes the connection. It returns once the transport can
	// accept Send calls.
	Start(ctx context.Context) error
	// Send sends a message to the upstream server.
	Send(ctx context.Context, msg Message) error
	// Messages returns a channel to receive messages from the upstream server.
	// It is closed after Close once no more messages can arrive.
	Messages() <-chan Message
	// Close terminates the connection.
	Close() error
}
