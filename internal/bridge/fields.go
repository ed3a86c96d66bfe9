package bridge

import (
	"strconv"

	"github.com/tidwall/gjson"
)

// toolsOf finds the tool array in a tools document. It accepts
// {"tools":[...]}, a bare array, or a single descriptor, which is treated as
// a list of one.
func toolsOf(doc []byte) []gjson.Result {
	if !gjson.ValidBytes(doc) {
		return nil
	}
	root := gjson.ParseBytes(doc)
	switch {
	case root.IsArray():
		return root.Array()
	case root.Get("tools").IsArray():
		return root.Get("tools").Array()
	case root.IsObject() && root.Get("name").Exists():
		return []gjson.Result{root}
	}
	return nil
}

// ToolCount returns the number of tools in a ListTools document.
func ToolCount(doc []byte) int {
	return len(toolsOf(doc))
}

// ToolField returns one field of the tool at index. Strings come back
// unquoted, anything else as JSON text. ok is false when the tool or field
// does not exist or is null.
func ToolField(doc []byte, index int, field string) (value string, ok bool) {
	tools := toolsOf(doc)
	if index < 0 || index >= len(tools) {
		return "", false
	}
	v := tools[index].Get(gjson.Escape(field))
	if !v.Exists() || v.Type == gjson.Null {
		return "", false
	}
	if v.Type == gjson.String {
		return v.String(), true
	}
	return v.Raw, true
}

// contentOf finds the content array of a CallTool document, either wrapped in
// "result" or bare.
func contentOf(doc []byte) gjson.Result {
	if !gjson.ValidBytes(doc) {
		return gjson.Result{}
	}
	if c := gjson.GetBytes(doc, "result.content"); c.IsArray() {
		return c
	}
	return gjson.GetBytes(doc, "content")
}

// ContentCount returns the number of content items in a CallTool document.
func ContentCount(doc []byte) int {
	c := contentOf(doc)
	if !c.IsArray() {
		return 0
	}
	return int(c.Get("#").Int())
}

// ContentText returns the text of the content item at index. Items without
// a text field come back as their JSON.
func ContentText(doc []byte, index int) (string, bool) {
	if index < 0 {
		return "", false
	}
	item := contentOf(doc).Get(strconv.Itoa(index))
	if !item.Exists() {
		return "", false
	}
	if t := item.Get("text"); t.Exists() {
		return t.String(), true
	}
	return item.Raw, true
}
