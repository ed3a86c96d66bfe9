// Command libmcpbridge is the C ABI of mcpbridge. Build it with
//
//	go build -buildmode=c-shared -o libmcpbridge.so ./cmd/libmcpbridge
//
// which also writes libmcpbridge.h. Every char* and StreamResult* handed out
// is allocated with malloc and must be released exactly once with
// mcp_free_string or mcp_stream_free_result.
//
// Strings cross the boundary NUL-terminated in both directions, so a value
// containing a NUL byte is cut at the first one.
package main

/*
#include <stdint.h>
#include <stdlib.h>
#include <string.h>

typedef struct McpClient McpClient;

typedef struct StreamResult {
	int result_type;
	char *data;
} StreamResult;

#define STREAM_TYPE_TOOL  0
#define STREAM_TYPE_TEXT  1
#define STREAM_TYPE_ERROR 2
#define STREAM_TYPE_DONE  3
*/
import "C"

import (
	"unsafe"

	"github.com/FlameInTheDark/mcpbridge/internal/bridge"
	"github.com/FlameInTheDark/mcpbridge/internal/stream"
)

// Values of StreamResult.result_type.
const (
	resultTool  C.int = C.STREAM_TYPE_TOOL
	resultText  C.int = C.STREAM_TYPE_TEXT
	resultError C.int = C.STREAM_TYPE_ERROR
	resultDone  C.int = C.STREAM_TYPE_DONE
)

func main() {}

// goBytes copies a C string. NULL becomes nil so the adapter can tell it
// apart from "".
func goBytes(p *C.char) []byte {
	if p == nil {
		return nil
	}
	n := C.strlen(p)
	if n == 0 {
		return []byte{}
	}
	return C.GoBytes(unsafe.Pointer(p), C.int(n))
}

func cString(b []byte) *C.char {
	if b == nil {
		return nil
	}
	return C.CString(string(b))
}

//export mcp_init
func mcp_init() C.int32_t {
	if err := bridge.Init(); err != nil {
		return 1
	}
	return 0
}

//export mcp_get_version
func mcp_get_version() *C.char {
	return C.CString(bridge.Version())
}

//export mcp_free_string
func mcp_free_string(s *C.char) {
	if s != nil {
		C.free(unsafe.Pointer(s))
	}
}

// mcp_client_new returns an opaque token. The connection is process-wide, so
// the token only exists for callers that expect a handle.
//
//export mcp_client_new
func mcp_client_new() *C.McpClient {
	bridge.Default()
	return (*C.McpClient)(C.malloc(1))
}

//export mcp_client_free
func mcp_client_free(client *C.McpClient) {
	if client != nil {
		C.free(unsafe.Pointer(client))
	}
}

//export mcp_connect
func mcp_connect(client *C.McpClient, serverURL *C.char, headersJSON *C.char, legacySSE C.int32_t) *C.char {
	return cString(bridge.Default().Connect(goBytes(serverURL), goBytes(headersJSON), legacySSE != 0))
}

//export mcp_disconnect
func mcp_disconnect() *C.char {
	return cString(bridge.Default().Disconnect())
}

//export mcp_list_tools_json
func mcp_list_tools_json(client unsafe.Pointer) *C.char {
	return cString(bridge.Default().ListTools())
}

//export mcp_call_tool_json
func mcp_call_tool_json(client unsafe.Pointer, toolName *C.char, arguments *C.char) *C.char {
	return cString(bridge.Default().CallTool(goBytes(toolName), goBytes(arguments)))
}

// mcp_list_tools_init returns a stream id, or 0 if the stream could not start.
//
//export mcp_list_tools_init
func mcp_list_tools_init() C.size_t {
	return C.size_t(bridge.Default().StreamListTools())
}

//export mcp_call_tool_init
func mcp_call_tool_init(toolName *C.char, arguments *C.char) C.size_t {
	return C.size_t(bridge.Default().StreamCallTool(goBytes(toolName), goBytes(arguments)))
}

func streamResult(c stream.Chunk) *C.StreamResult {
	r := (*C.StreamResult)(C.malloc(C.size_t(unsafe.Sizeof(C.StreamResult{}))))
	switch c.Kind {
	case stream.KindTool:
		r.result_type = resultTool
	case stream.KindText:
		r.result_type = resultText
	case stream.KindError:
		r.result_type = resultError
	default:
		r.result_type = resultDone
	}
	if c.Kind == stream.KindDone {
		r.data = nil
	} else {
		r.data = C.CString(c.Data)
	}
	return r
}

// mcp_stream_next never blocks. It returns NULL when no chunk is ready, the
// stream is finished or the id is unknown.
//
//export mcp_stream_next
func mcp_stream_next(streamID C.size_t) *C.StreamResult {
	c, ok := bridge.Default().Poll(uint64(streamID))
	if !ok {
		return nil
	}
	return streamResult(c)
}

//export mcp_stream_wait
func mcp_stream_wait(streamID C.size_t, timeoutMs C.uint64_t) *C.StreamResult {
	c, ok := bridge.Default().Wait(uint64(streamID), uint64(timeoutMs))
	if !ok {
		return nil
	}
	return streamResult(c)
}

//export mcp_stream_cleanup
func mcp_stream_cleanup(streamID C.size_t) {
	bridge.Default().Cleanup(uint64(streamID))
}

//export mcp_stream_free_result
func mcp_stream_free_result(r *C.StreamResult) {
	if r == nil {
		return
	}
	if r.data != nil {
		C.free(unsafe.Pointer(r.data))
	}
	C.free(unsafe.Pointer(r))
}

//export mcp_parse_tools_json
func mcp_parse_tools_json(jsonStr *C.char) C.size_t {
	return C.size_t(bridge.ToolCount(goBytes(jsonStr)))
}

//export mcp_get_tool_field
func mcp_get_tool_field(jsonStr *C.char, toolIndex C.size_t, fieldName *C.char) *C.char {
	if fieldName == nil {
		return nil
	}
	v, ok := bridge.ToolField(goBytes(jsonStr), int(toolIndex), C.GoString(fieldName))
	if !ok {
		return nil
	}
	return C.CString(v)
}

//export mcp_parse_call_result_json
func mcp_parse_call_result_json(jsonStr *C.char) C.size_t {
	return C.size_t(bridge.ContentCount(goBytes(jsonStr)))
}

//export mcp_get_call_result_text
func mcp_get_call_result_text(jsonStr *C.char, contentIndex C.size_t) *C.char {
	v, ok := bridge.ContentText(goBytes(jsonStr), int(contentIndex))
	if !ok {
		return nil
	}
	return C.CString(v)
}
