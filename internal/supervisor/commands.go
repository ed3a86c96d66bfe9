package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/FlameInTheDark/mcpbridge/internal/mcp"
	"github.com/FlameInTheDark/mcpbridge/internal/stream"
)

type result[T any] struct {
	val T
	err error
}

// command is one unit of work for the worker. Replies go to a channel with
// capacity 1 so the worker never blocks on a caller.
type command interface {
	execute(w *worker)
}

type connectCmd struct {
	target Target
	reply  chan<- result[struct{}]
}

func (c connectCmd) execute(w *worker) {
	c.reply <- result[struct{}]{err: w.connect(c.target)}
}

type disconnectCmd struct {
	reply chan<- result[struct{}]
}

func (c disconnectCmd) execute(w *worker) {
	w.closeSession()
	c.reply <- result[struct{}]{}
}

type listToolsCmd struct {
	reply chan<- result[[]mcp.Tool]
}

func (c listToolsCmd) execute(w *worker) {
	if w.session == nil {
		c.reply <- result[[]mcp.Tool]{err: ErrNotConnected}
		return
	}
	tools, err := w.session.ListTools(w.sessionCtx)
	c.reply <- result[[]mcp.Tool]{val: tools, err: err}
}

type callToolCmd struct {
	name  string
	args  json.RawMessage
	reply chan<- result[*mcp.CallToolResult]
}

func (c callToolCmd) execute(w *worker) {
	if w.session == nil {
		c.reply <- result[*mcp.CallToolResult]{err: ErrNotConnected}
		return
	}
	res, err := w.session.CallTool(w.sessionCtx, c.name, c.args)
	c.reply <- result[*mcp.CallToolResult]{val: res, err: err}
}

type streamListToolsCmd struct {
	reply chan<- result[stream.ID]
}

func (c streamListToolsCmd) execute(w *worker) {
	id := w.registry.Open()
	if w.session == nil {
		w.abort(id, NotConnectedMessage)
	} else {
		go w.produceTools(w.sessionCtx, w.session, id)
	}
	c.reply <- result[stream.ID]{val: id}
}

type streamCallToolCmd struct {
	name  string
	args  json.RawMessage
	reply chan<- result[stream.ID]
}

func (c streamCallToolCmd) execute(w *worker) {
	id := w.registry.Open()
	if w.session == nil {
		w.abort(id, NotConnectedMessage)
	} else {
		go w.produceCall(w.sessionCtx, w.session, id, c.name, c.args)
	}
	c.reply <- result[stream.ID]{val: id}
}

type stopCmd struct {
	reply chan<- result[struct{}]
}

func (stopCmd) execute(*worker) {}

// errAbandoned stops a producer whose stream was cleaned up.
var errAbandoned = errors.New("stream abandoned")

func (w *worker) push(id stream.ID, c stream.Chunk) error {
	err := w.registry.Push(id, c)
	if errors.Is(err, stream.ErrUnknownStream) {
		return errAbandoned
	}
	return err
}

// abort pushes the one Error chunk and the Done that end a failed stream.
func (w *worker) abort(id stream.ID, msg string) {
	if w.push(id, stream.Error(msg)) != nil {
		return
	}
	w.push(id, stream.Done())
}

// produceTools runs outside the worker and only reads sess.
func (w *worker) produceTools(ctx context.Context, sess Session, id stream.ID) {
	err := sess.ListToolsPages(ctx, func(tools []mcp.Tool) error {
		for _, t := range tools {
			b, err := json.Marshal(t)
			if err != nil {
				return fmt.Errorf("encode tool %s: %w", t.Name, err)
			}
			if err := w.push(id, stream.Tool(b)); err != nil {
				return err
			}
		}
		return nil
	})
	w.finish(id, "Failed to list tools", err)
}

func (w *worker) produceCall(ctx context.Context, sess Session, id stream.ID, name string, args json.RawMessage) {
	res, err := sess.CallTool(ctx, name, args)
	if err == nil {
		for _, item := range res.Content {
			text := item.Text
			if item.Type != "text" {
				b, merr := json.Marshal(item)
				if merr != nil {
					err = fmt.Errorf("encode content: %w", merr)
					break
				}
				text = string(b)
			}
			if err = w.push(id, stream.Text(text)); err != nil {
				break
			}
		}
	}
	w.finish(id, "Tool call failed", err)
}

func (w *worker) finish(id stream.ID, prefix string, err error) {
	switch {
	case errors.Is(err, errAbandoned):
		w.logger.Debug("Stream abandoned", "stream", uint64(id))
	case err != nil:
		w.logger.Warn("Stream failed", "stream", uint64(id), "error", err)
		w.abort(id, fmt.Sprintf("%s: %v", prefix, err))
	default:
		w.push(id, stream.Done())
	}
}
