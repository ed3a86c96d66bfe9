// Package mcptest runs an in-process MCP tool server for tests. It serves
// the legacy SSE transport under /sse and /messages and the streamable HTTP
// transport under /mcp.
package mcptest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/FlameInTheDark/mcpbridge/internal/mcp"
)

// Handler produces the result of one tools/call.
type Handler func(args json.RawMessage) mcp.CallToolResult

type registeredTool struct {
	tool    mcp.Tool
	handler Handler
}

type Server struct {
	*httptest.Server

	mu           sync.Mutex
	tools        []registeredTool
	pageSize     int
	streamed     bool
	rejectInit   bool
	headers      []http.Header
	arguments    map[string]json.RawMessage
	sessions     map[string]chan []byte
	deletedCount int
}

func NewServer() *Server {
	s := &Server{
		arguments: make(map[string]json.RawMessage),
		sessions:  make(map[string]chan []byte),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /sse", s.handleSSE)
	mux.HandleFunc("POST /messages", s.handleSSEMessage)
	mux.HandleFunc("POST /mcp", s.handleStreamable)
	mux.HandleFunc("DELETE /mcp", s.handleDelete)

	s.Server = httptest.NewServer(mux)
	return s
}

// Close drops open event streams before shutting the server down.
func (s *Server) Close() {
	s.Server.CloseClientConnections()
	s.Server.Close()
}

// SSEURL is the legacy transport entry point.
func (s *Server) SSEURL() string { return s.URL + "/sse" }

// StreamableURL is the streamable HTTP endpoint.
func (s *Server) StreamableURL() string { return s.URL + "/mcp" }

// AddTool registers a tool. Tools are listed in registration order.
func (s *Server) AddTool(tool mcp.Tool, h Handler) {
	if len(tool.InputSchema) == 0 {
		tool.InputSchema = json.RawMessage(`{"type":"object"}`)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools = append(s.tools, registeredTool{tool: tool, handler: h})
}

// SetPageSize makes tools/list paginate. Zero disables pagination.
func (s *Server) SetPageSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pageSize = n
}

// SetStreamedReplies makes /mcp answer with text/event-stream bodies.
func (s *Server) SetStreamedReplies(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamed = on
}

// SetRejectInitialize makes initialize fail with a JSON-RPC error.
func (s *Server) SetRejectInitialize(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectInit = on
}

// Headers returns the headers of every request received so far.
func (s *Server) Headers() []http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]http.Header(nil), s.headers...)
}

// Arguments returns the raw arguments of the last call to tool.
func (s *Server) Arguments(tool string) json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.arguments[tool]
}

// Deletes counts streamable session DELETE requests.
func (s *Server) Deletes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deletedCount
}

func (s *Server) record(r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headers = append(s.headers, r.Header.Clone())
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	s.record(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	sessionID := uuid.NewString()
	msgChan := make(chan []byte, 100)

	s.mu.Lock()
	s.sessions[sessionID] = msgChan
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sessionID)
		s.mu.Unlock()
	}()

	fmt.Fprintf(w, "event: endpoint\ndata: /messages?sessionId=%s\n\n", sessionID)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case msg := <-msgChan:
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg)
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) handleSSEMessage(w http.ResponseWriter, r *http.Request) {
	s.record(r)

	sessionID := r.URL.Query().Get("sessionId")
	s.mu.Lock()
	msgChan, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusAccepted)

	// Replies travel over the event stream, so slow tools must not hold the POST.
	go func() {
		if resp := s.handle(body); resp != nil {
			msgChan <- resp
		}
	}()
}

func (s *Server) handleStreamable(w http.ResponseWriter, r *http.Request) {
	s.record(r)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	w.Header().Set("Mcp-Session-Id", "mcptest-session")
	resp := s.handle(body)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	s.mu.Lock()
	streamed := s.streamed
	s.mu.Unlock()

	if streamed {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event: message\ndata: %s\n\n", resp)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(resp)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	s.record(r)
	s.mu.Lock()
	s.deletedCount++
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

// handle answers one JSON-RPC message. Notifications yield nil.
func (s *Server) handle(body []byte) []byte {
	var msg mcp.JSONRPCMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return jsonRPCError(nil, -32700, "Parse error")
	}
	if msg.ID == nil {
		return nil
	}

	switch msg.Method {
	case "initialize":
		return s.handleInitialize(msg)
	case "tools/list":
		return s.handleListTools(msg)
	case "tools/call":
		return s.handleCallTool(msg)
	case "ping":
		return jsonRPCResponse(msg.ID, json.RawMessage(`{}`))
	default:
		return jsonRPCError(msg.ID, -32601, "Method not found")
	}
}

func (s *Server) handleInitialize(msg mcp.JSONRPCMessage) []byte {
	var params mcp.InitializeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return jsonRPCError(msg.ID, -32602, "Invalid params")
	}

	s.mu.Lock()
	reject := s.rejectInit
	s.mu.Unlock()
	if reject {
		return jsonRPCError(msg.ID, -32603, "initialize rejected")
	}

	result := mcp.InitializeResult{
		ProtocolVersion: params.ProtocolVersion,
		Capabilities:    json.RawMessage(`{"tools":{}}`),
		ServerInfo:      mcp.Implementation{Name: "mcptest", Version: "1.0.0"},
	}
	b, _ := json.Marshal(result)
	return jsonRPCResponse(msg.ID, b)
}

func (s *Server) handleListTools(msg mcp.JSONRPCMessage) []byte {
	var params mcp.ListToolsParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return jsonRPCError(msg.ID, -32602, "Invalid params")
		}
	}

	s.mu.Lock()
	all := make([]mcp.Tool, 0, len(s.tools))
	for _, t := range s.tools {
		all = append(all, t.tool)
	}
	pageSize := s.pageSize
	s.mu.Unlock()

	start := 0
	if params.Cursor != "" {
		n, err := strconv.Atoi(params.Cursor)
		if err != nil || n < 0 || n > len(all) {
			return jsonRPCError(msg.ID, -32602, "Invalid cursor")
		}
		start = n
	}

	res := mcp.ListToolsResult{Tools: all[start:]}
	if pageSize > 0 && len(all)-start > pageSize {
		res.Tools = all[start : start+pageSize]
		res.NextCursor = strconv.Itoa(start + pageSize)
	}

	b, _ := json.Marshal(res)
	return jsonRPCResponse(msg.ID, b)
}

func (s *Server) handleCallTool(msg mcp.JSONRPCMessage) []byte {
	var params mcp.CallToolParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return jsonRPCError(msg.ID, -32602, "Invalid params")
	}

	s.mu.Lock()
	var handler Handler
	for _, t := range s.tools {
		if t.tool.Name == params.Name {
			handler = t.handler
			break
		}
	}
	s.arguments[params.Name] = params.Arguments
	s.mu.Unlock()

	if handler == nil {
		return jsonRPCError(msg.ID, -32602, fmt.Sprintf("Unknown tool: %s", params.Name))
	}

	b, _ := json.Marshal(handler(params.Arguments))
	return jsonRPCResponse(msg.ID, b)
}

// Echo returns the "msg" argument as a single text item.
func Echo(args json.RawMessage) mcp.CallToolResult {
	var in struct {
		Msg string `json:"msg"`
	}
	json.Unmarshal(args, &in)
	return mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent(in.Msg)}}
}

// Fragments returns a handler producing the given text items.
func Fragments(parts ...string) Handler {
	return func(json.RawMessage) mcp.CallToolResult {
		res := mcp.CallToolResult{}
		for _, p := range parts {
			res.Content = append(res.Content, mcp.TextContent(p))
		}
		return res
	}
}

// Failing returns a handler reporting a tool-level error.
func Failing(msg string) Handler {
	return func(json.RawMessage) mcp.CallToolResult {
		return mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent(msg)}, IsError: true}
	}
}

// Slow delays h by d.
func Slow(d time.Duration, h Handler) Handler {
	return func(args json.RawMessage) mcp.CallToolResult {
		time.Sleep(d)
		return h(args)
	}
}

func jsonRPCError(id interface{}, code int, message string) []byte {
	resp := mcp.JSONRPCResponse{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      id,
		Error: &mcp.JSONRPCError{
			Code:    code,
			Message: message,
		},
	}
	b, _ := json.Marshal(resp)
	return b
}

func jsonRPCResponse(id interface{}, result json.RawMessage) []byte {
	resp := mcp.JSONRPCResponse{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      id,
		Result:  result,
	}
	b, _ := json.Marshal(resp)
	return b
}
