package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sseServer is a minimal legacy SSE endpoint: GET /sse announces
// /messages, and every POST body is echoed back on the stream.
type sseServer struct {
	mu      sync.Mutex
	headers []http.Header
	stream  chan []byte
}

func newSSEServer(t *testing.T) (*sseServer, *httptest.Server) {
	s := &sseServer{stream: make(chan []byte, 10)}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sse", func(w http.ResponseWriter, r *http.Request) {
		s.record(r)
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprintf(w, "event: endpoint\ndata: /messages?sessionId=abc\n\n")
		flusher.Flush()
		for {
			select {
			case msg := <-s.stream:
				fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg)
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
	mux.HandleFunc("POST /messages", func(w http.ResponseWriter, r *http.Request) {
		s.record(r)
		if r.URL.Query().Get("sessionId") != "abc" {
			http.Error(w, "bad session", http.StatusNotFound)
			return
		}
		body, _ := io.ReadAll(r.Body)
		s.stream <- body
		w.WriteHeader(http.StatusAccepted)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return s, srv
}

func (s *sseServer) record(r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headers = append(s.headers, r.Header.Clone())
}

func TestSSEClient_EndpointAndRoundTrip(t *testing.T) {
	srv, ts := newSSEServer(t)

	httpClient, err := NewHTTPClient(map[string]string{"X-Test": "yes"})
	require.NoError(t, err)

	c := NewSSEClient(ts.URL+"/sse", httpClient, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, c.Start(ctx))
	defer c.Close()

	assert.Equal(t, ts.URL+"/messages?sessionId=abc", c.postURL)

	msg := Message(`{"jsonrpc":"2.0","method":"ping","id":1}`)
	require.NoError(t, c.Send(ctx, msg))

	select {
	case got := <-c.Messages():
		assert.JSONEq(t, string(msg), string(got))
	case <-ctx.Done():
		t.Fatal("timeout waiting for echoed message")
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.Len(t, srv.headers, 2)
	for _, h := range srv.headers {
		assert.Equal(t, "yes", h.Get("X-Test"))
	}
}

func TestSSEClient_StartFailsOnBadStatus(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()

	c := NewSSEClient(ts.URL+"/sse", nil, nil)
	err := c.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")

	assert.ErrorIs(t, c.Send(context.Background(), Message(`{}`)), ErrNotRunning)
}

func TestSSEClient_StartTimesOutWithoutEndpoint(t *testing.T) {
	saved := endpointTimeout
	endpointTimeout = 100 * time.Millisecond
	defer func() { endpointTimeout = saved }()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer func() {
		ts.CloseClientConnections()
		ts.Close()
	}()

	c := NewSSEClient(ts.URL+"/sse", nil, nil)
	start := time.Now()
	err := c.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoint")
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.ErrorIs(t, c.Send(context.Background(), Message(`{}`)), ErrNotRunning)
}

func TestSSEClient_CloseClosesMessages(t *testing.T) {
	_, ts := newSSEServer(t)

	c := NewSSEClient(ts.URL+"/sse", nil, nil)
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	select {
	case _, ok := <-c.Messages():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("messages channel not closed")
	}
}

func TestNewHTTPClient_RejectsInvalidHeaders(t *testing.T) {
	_, err := NewHTTPClient(map[string]string{"Bad Header": "v"})
	assert.Error(t, err)

	_, err = NewHTTPClient(map[string]string{"X-Ok": "line\nbreak"})
	assert.Error(t, err)

	_, err = NewHTTPClient(nil)
	assert.NoError(t, err)
}

func TestScanEvents(t *testing.T) {
	in := ": comment\n" +
		"event: endpoint\ndata: /a\n\n" +
		"data: {\"x\":\n" +
		"data: 1}\n\n" +
		"event: message\ndata:{}\n\n"

	type ev struct {
		typ  string
		data string
	}
	var got []ev
	err := scanEvents(strings.NewReader(in), func(typ string, data []byte) bool {
		got = append(got, ev{typ, string(data)})
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []ev{
		{"endpoint", "/a"},
		{"", "{\"x\":\n1}"},
		{"message", "{}"},
	}, got)
}
