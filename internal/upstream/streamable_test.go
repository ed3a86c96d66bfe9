package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type streamableServer struct {
	mu       sync.Mutex
	requests []*http.Request
	deleted  string
	useSSE   bool
}

func (s *streamableServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, r.Clone(context.Background()))
	useSSE := s.useSSE
	s.mu.Unlock()

	switch r.Method {
	case http.MethodDelete:
		s.mu.Lock()
		s.deleted = r.Header.Get(SessionHeader)
		s.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		return
	case http.MethodPost:
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, _ := io.ReadAll(r.Body)
	w.Header().Set(SessionHeader, "sess-1")

	if string(body) == `{"notify":true}` {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if useSSE {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event: ping\ndata: ignored\n\n")
		fmt.Fprintf(w, "event: message\ndata: %s\n\n", body)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

func TestStreamableHTTPClient_JSONReply(t *testing.T) {
	srv := &streamableServer{}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	httpClient, err := NewHTTPClient(map[string]string{"X-Extra": "1"})
	require.NoError(t, err)
	c := NewStreamableHTTPClient(ts.URL, "Bearer T", httpClient, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Start(ctx))

	require.NoError(t, c.Send(ctx, Message(`{"id":1}`)))
	select {
	case got := <-c.Messages():
		assert.Equal(t, `{"id":1}`, string(got))
	case <-ctx.Done():
		t.Fatal("timeout")
	}
	assert.Equal(t, "sess-1", c.SessionID())

	require.NoError(t, c.Send(ctx, Message(`{"notify":true}`)))
	require.NoError(t, c.Close())

	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.Len(t, srv.requests, 3)

	first := srv.requests[0]
	assert.Equal(t, "Bearer T", first.Header.Get("Authorization"))
	assert.Equal(t, "1", first.Header.Get("X-Extra"))
	assert.Contains(t, first.Header.Get("Accept"), "text/event-stream")
	assert.Empty(t, first.Header.Get(SessionHeader))

	assert.Equal(t, "sess-1", srv.requests[1].Header.Get(SessionHeader))
	assert.Equal(t, "sess-1", srv.deleted)
}

func TestStreamableHTTPClient_SSEReply(t *testing.T) {
	srv := &streamableServer{useSSE: true}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	c := NewStreamableHTTPClient(ts.URL, "", nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Start(ctx))
	defer c.Close()

	require.NoError(t, c.Send(ctx, Message(`{"id":7}`)))
	select {
	case got := <-c.Messages():
		assert.Equal(t, `{"id":7}`, string(got))
	case <-ctx.Done():
		t.Fatal("timeout")
	}
}

func TestStreamableHTTPClient_ErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer ts.Close()

	c := NewStreamableHTTPClient(ts.URL, "", nil, nil)
	require.NoError(t, c.Start(context.Background()))
	defer c.Close()

	err := c.Send(context.Background(), Message(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestStreamableHTTPClient_SendAfterClose(t *testing.T) {
	c := NewStreamableHTTPClient("http://127.0.0.1:1", "", nil, nil)
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Close())

	assert.ErrorIs(t, c.Send(context.Background(), Message(`{}`)), ErrNotRunning)

	select {
	case _, ok := <-c.Messages():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("messages channel not closed")
	}
}
