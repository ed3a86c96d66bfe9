// Package stream holds per-stream chunk queues that a producer pushes into and
// a synchronous caller drains by polling or waiting.
package stream

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ChunkKind tags a Chunk. The numeric values are part of the C ABI.
type ChunkKind int

const (
	KindTool  ChunkKind = 0
	KindText  ChunkKind = 1
	KindError ChunkKind = 2
	KindDone  ChunkKind = 3
)

func (k ChunkKind) String() string {
	switch k {
	case KindTool:
		return "tool"
	case KindText:
		return "text"
	case KindError:
		return "error"
	case KindDone:
		return "done"
	default:
		return "unknown"
	}
}

// Chunk is one unit of streamed output.
type Chunk struct {
	Kind ChunkKind
	Data string
}

func Tool(descriptor []byte) Chunk { return Chunk{Kind: KindTool, Data: string(descriptor)} }
func Text(s string) Chunk          { return Chunk{Kind: KindText, Data: s} }
func Error(msg string) Chunk       { return Chunk{Kind: KindError, Data: msg} }
func Done() Chunk                  { return Chunk{Kind: KindDone} }

// ID identifies a stream. Zero is never issued.
type ID uint64

// Status reports the outcome of Poll and Wait.
type Status int

const (
	StatusReady Status = iota
	StatusEmpty
	StatusUnknown
	StatusTimeout
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusEmpty:
		return "empty"
	case StatusUnknown:
		return "unknown stream"
	case StatusTimeout:
		return "timed out"
	case StatusClosed:
		return "stream closed"
	default:
		return "invalid"
	}
}

var (
	ErrUnknownStream  = errors.New("stream: unknown stream")
	ErrStreamFinished = errors.New("stream: chunk pushed after done")
)

type entry struct {
	mu       sync.Mutex
	queue    []Chunk
	finished bool          // Done has been pushed
	drained  bool          // Done has been handed to the caller
	notify   chan struct{} // 1-buffered wakeup for waiters
	closed   chan struct{} // closed on cleanup
}

// pop removes the head of the queue. Callers hold e.mu.
func (e *entry) pop() (Chunk, bool) {
	if len(e.queue) == 0 {
		return Chunk{}, false
	}
	c := e.queue[0]
	e.queue[0] = Chunk{}
	e.queue = e.queue[1:]
	if c.Kind == KindDone {
		e.drained = true
	}
	return c, true
}

// Registry maps stream ids to chunk queues. It is safe for concurrent use.
type Registry struct {
	next atomic.Uint64

	mu      sync.Mutex
	streams map[ID]*entry
}

func NewRegistry() *Registry {
	return &Registry{streams: make(map[ID]*entry)}
}

// Open registers an empty queue and returns its id. The queue exists before the
// id is visible to anyone, so a poll can never race the registration.
func (r *Registry) Open() ID {
	id := ID(r.next.Add(1))
	e := &entry{
		notify: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	r.mu.Lock()
	r.streams[id] = e
	r.mu.Unlock()
	return id
}

func (r *Registry) lookup(id ID) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streams[id]
}

// Push appends a chunk to the stream. It fails once the stream was cleaned up
// or after Done was pushed.
func (r *Registry) Push(id ID, c Chunk) error {
	e := r.lookup(id)
	if e == nil {
		return ErrUnknownStream
	}

	e.mu.Lock()
	if e.finished {
		e.mu.Unlock()
		return ErrStreamFinished
	}
	e.queue = append(e.queue, c)
	if c.Kind == KindDone {
		e.finished = true
	}
	e.mu.Unlock()

	select {
	case e.notify <- struct{}{}:
	default:
	}
	return nil
}

// Poll returns the next chunk without blocking.
func (r *Registry) Poll(id ID) (Chunk, Status) {
	e := r.lookup(id)
	if e == nil {
		return Chunk{}, StatusUnknown
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.pop(); ok {
		return c, StatusReady
	}
	if e.drained {
		return Chunk{}, StatusClosed
	}
	return Chunk{}, StatusEmpty
}

// Wait blocks for at most timeout until a chunk is available.
func (r *Registry) Wait(id ID, timeout time.Duration) (Chunk, Status) {
	e := r.lookup(id)
	if e == nil {
		return Chunk{}, StatusUnknown
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		e.mu.Lock()
		c, ok := e.pop()
		drained := e.drained
		e.mu.Unlock()
		if ok {
			return c, StatusReady
		}
		if drained {
			return Chunk{}, StatusClosed
		}

		select {
		case <-e.notify:
		case <-e.closed:
			return Chunk{}, StatusClosed
		case <-timer.C:
			return Chunk{}, StatusTimeout
		}
	}
}

// Cleanup drops the stream. Unknown or already removed ids are ignored.
func (r *Registry) Cleanup(id ID) {
	r.mu.Lock()
	e, ok := r.streams[id]
	delete(r.streams, id)
	r.mu.Unlock()

	if ok {
		close(e.closed)
	}
}

// Len returns the number of registered streams.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}
