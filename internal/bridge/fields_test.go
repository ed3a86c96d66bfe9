package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const toolsDoc = `{"tools":[
	{"name":"query","title":"Query","description":"Run SQL","inputSchema":{"type":"object","properties":{"sql":{"type":"string"}}}},
	{"name":"noop","description":"","inputSchema":{"type":"object"},"annotations":null}
]}`

func TestToolFields(t *testing.T) {
	doc := []byte(toolsDoc)
	assert.Equal(t, 2, ToolCount(doc))

	v, ok := ToolField(doc, 0, "name")
	assert.True(t, ok)
	assert.Equal(t, "query", v)

	v, ok = ToolField(doc, 0, "inputSchema")
	assert.True(t, ok)
	assert.JSONEq(t, `{"type":"object","properties":{"sql":{"type":"string"}}}`, v)

	_, ok = ToolField(doc, 1, "title")
	assert.False(t, ok)
	_, ok = ToolField(doc, 1, "annotations")
	assert.False(t, ok)
	_, ok = ToolField(doc, 2, "name")
	assert.False(t, ok)
	_, ok = ToolField(doc, -1, "name")
	assert.False(t, ok)
}

func TestToolFields_SingleDescriptor(t *testing.T) {
	doc := []byte(`{"name":"query","description":"Run SQL","inputSchema":{"type":"object"}}`)
	assert.Equal(t, 1, ToolCount(doc))

	v, ok := ToolField(doc, 0, "description")
	assert.True(t, ok)
	assert.Equal(t, "Run SQL", v)
}

func TestToolFields_Invalid(t *testing.T) {
	assert.Zero(t, ToolCount(nil))
	assert.Zero(t, ToolCount([]byte(`{"error":"Not connected"}`)))
	assert.Zero(t, ToolCount([]byte(`{"tools":`)))
}

func TestContentFields(t *testing.T) {
	doc := []byte(`{"result":{"content":[
		{"type":"text","text":"first"},
		{"type":"image","data":"AAAA","mimeType":"image/png"}
	]}}`)
	assert.Equal(t, 2, ContentCount(doc))

	v, ok := ContentText(doc, 0)
	assert.True(t, ok)
	assert.Equal(t, "first", v)

	v, ok = ContentText(doc, 1)
	assert.True(t, ok)
	assert.JSONEq(t, `{"type":"image","data":"AAAA","mimeType":"image/png"}`, v)

	_, ok = ContentText(doc, 2)
	assert.False(t, ok)

	assert.Equal(t, 1, ContentCount([]byte(`{"content":[{"type":"text","text":"bare"}]}`)))
	assert.Zero(t, ContentCount([]byte(`{"error":"Tool call failed: x"}`)))
	assert.Zero(t, ContentCount([]byte(`not json`)))
}
