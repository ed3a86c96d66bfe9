package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"github.com/FlameInTheDark/mcpbridge/internal/mcp"
	"github.com/FlameInTheDark/mcpbridge/internal/upstream"
)

// ErrInvalidTarget is returned when the server URL cannot be used.
var ErrInvalidTarget = errors.New("invalid server URL")

// NewUpstream builds the transport for t. With streamable HTTP the
// Authorization header is handed to the transport itself and every other
// header becomes a default header of the HTTP client.
func NewUpstream(t Target, logger *slog.Logger) (upstream.Client, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	u, err := url.Parse(t.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTarget, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTarget, t.URL)
	}

	if t.Legacy {
		client, err := upstream.NewHTTPClient(t.Headers)
		if err != nil {
			return nil, err
		}
		return upstream.NewSSEClient(t.URL, client, logger.With("transport", "sse")), nil
	}

	var auth string
	rest := make(map[string]string, len(t.Headers))
	for k, v := range t.Headers {
		if strings.EqualFold(k, "Authorization") {
			auth = v
			continue
		}
		rest[k] = v
	}
	client, err := upstream.NewHTTPClient(rest)
	if err != nil {
		return nil, err
	}
	return upstream.NewStreamableHTTPClient(t.URL, auth, client, logger.With("transport", "streamable-http")), nil
}

// DialMCP returns a DialFunc that connects with the real transports and runs
// the MCP handshake with opts.
func DialMCP(opts mcp.Options, logger *slog.Logger) DialFunc {
	return func(ctx context.Context, t Target) (Session, error) {
		u, err := NewUpstream(t, logger)
		if err != nil {
			return nil, err
		}
		sess, err := mcp.Connect(ctx, u, opts)
		if err != nil {
			return nil, err
		}
		return sess, nil
	}
}
