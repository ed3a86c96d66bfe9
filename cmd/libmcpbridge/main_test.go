package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FlameInTheDark/mcpbridge/internal/stream"
)

func TestStrings(t *testing.T) {
	assert.Nil(t, cString(nil))
	assert.Nil(t, goBytes(nil))

	s := cString([]byte(`{"error":"x"}`))
	require.NotNil(t, s)
	assert.Equal(t, []byte(`{"error":"x"}`), goBytes(s))
	mcp_free_string(s)

	empty := cString([]byte{})
	require.NotNil(t, empty)
	b := goBytes(empty)
	assert.NotNil(t, b)
	assert.Empty(t, b)
	mcp_free_string(empty)

	mcp_free_string(nil)
}

func TestStrings_CutAtNUL(t *testing.T) {
	s := cString([]byte("a\x00b"))
	defer mcp_free_string(s)
	assert.Equal(t, []byte("a"), goBytes(s))
}

func TestStreamResult(t *testing.T) {
	cases := []struct {
		chunk stream.Chunk
		kind  any
		data  string
	}{
		{stream.Tool([]byte(`{"name":"a"}`)), resultTool, `{"name":"a"}`},
		{stream.Text("hi"), resultText, "hi"},
		{stream.Error("boom"), resultError, "boom"},
	}
	for _, tc := range cases {
		r := streamResult(tc.chunk)
		require.NotNil(t, r)
		assert.Equal(t, tc.kind, r.result_type)
		assert.Equal(t, tc.data, string(goBytes(r.data)))
		mcp_stream_free_result(r)
	}

	r := streamResult(stream.Done())
	assert.Equal(t, resultDone, r.result_type)
	assert.Nil(t, r.data)
	mcp_stream_free_result(r)

	mcp_stream_free_result(nil)
}

func TestStream_UnknownID(t *testing.T) {
	assert.Nil(t, mcp_stream_next(0))
	assert.Nil(t, mcp_stream_wait(0, 1))
	mcp_stream_cleanup(0)
}

func TestFieldAccessors(t *testing.T) {
	tools := cString([]byte(`{"tools":[{"name":"echo","description":"Echoes"}]}`))
	defer mcp_free_string(tools)
	assert.EqualValues(t, 1, mcp_parse_tools_json(tools))

	field := cString([]byte("name"))
	defer mcp_free_string(field)
	v := mcp_get_tool_field(tools, 0, field)
	require.NotNil(t, v)
	assert.Equal(t, "echo", string(goBytes(v)))
	mcp_free_string(v)

	assert.Nil(t, mcp_get_tool_field(tools, 0, nil))
	assert.Nil(t, mcp_get_tool_field(tools, 3, field))

	result := cString([]byte(`{"result":{"content":[{"type":"text","text":"hi"}]}}`))
	defer mcp_free_string(result)
	assert.EqualValues(t, 1, mcp_parse_call_result_json(result))
	text := mcp_get_call_result_text(result, 0)
	require.NotNil(t, text)
	assert.Equal(t, "hi", string(goBytes(text)))
	mcp_free_string(text)
	assert.Nil(t, mcp_get_call_result_text(result, 1))
}

func TestVersion(t *testing.T) {
	v := mcp_get_version()
	require.NotNil(t, v)
	defer mcp_free_string(v)
	assert.NotEmpty(t, goBytes(v))
}
