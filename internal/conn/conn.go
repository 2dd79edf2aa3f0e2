// Package conn implements the per-socket, suspension-based connection
// state machine described in spec.md §4.4: each state is the resumption
// point after the most recent poll wait, consuming whatever the kernel has
// buffered and either completing, suspending, or failing — never blocking.
// It is grounded on original_source/src/client.c's computed-goto dispatch,
// re-expressed as explicit Go state constants and a switch-based resume
// loop (the idiomatic replacement for the C source's labels-as-values).
package conn

import (
	logging "github.com/ipfs/go-log/v2"

	"github.com/google/uuid"

	"github.com/arkanis/smeb/internal/buffer"
	"github.com/arkanis/smeb/internal/stream"
)

var log = logging.Logger("conn")

// State names a resumable step of the publisher or viewer state machine.
type State int

const (
	StateRequestLine State = iota
	StateHeaders
	StateIngestInit
	StateIngestHeader
	StateIngestClusters
	StateIngestTeardown
	StateEgressInit
	StateEgress
	StateSendAndClose
	StateStatusJSON
	StateDone
)

func (s State) String() string {
	switch s {
	case StateRequestLine:
		return "request_line"
	case StateHeaders:
		return "headers"
	case StateIngestInit:
		return "ingest_init"
	case StateIngestHeader:
		return "ingest_header"
	case StateIngestClusters:
		return "ingest_clusters"
	case StateIngestTeardown:
		return "ingest_teardown"
	case StateEgressInit:
		return "egress_init"
	case StateEgress:
		return "egress"
	case StateSendAndClose:
		return "send_and_close"
	case StateStatusJSON:
		return "status_json"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Flags is the per-connection bitset named in spec.md §3.
type Flags uint32

const (
	PollForRead Flags = 1 << iota
	PollForWrite
	Stalled
	IsPostRequest
	NoKeyframeYet
)

// Dispatcher is the event loop's side of a Connection: stream lookup and
// creation, and broadcasting a just-ingested Cluster to every other
// connection bound to the same stream. Implemented by *relay.Server; kept
// as an interface here so this package never imports relay (relay owns the
// connection registry the fan-out step needs to walk).
type Dispatcher interface {
	StreamFor(path string, create bool) (s *stream.Stream, ok bool)
	FanOut(s *stream.Stream, b *buffer.Buffer, publisher *Connection)
	Forget(c *Connection)
	WalkStreams(fn func(*stream.Stream))
}

// Connection is one accepted socket's resumable state machine (spec.md §3).
type Connection struct {
	Fd    int
	State State
	Flags Flags

	Method   string
	Resource string
	Path     string
	Query    map[string]string

	Stream     *stream.Stream
	Generation uuid.UUID // snapshot of Stream.Generation at bind time; recorded only, never compared

	scratch []byte // unconsumed request bytes, or the ingest accumulator

	current      *buffer.Buffer // next buffer to drain (egress)
	bufferToFree *buffer.Buffer // one-shot egress payload (status_json / send_and_close)

	writeOff int // bytes of current.Data already written

	host Dispatcher
}

const initialIngestScratch = 64 * 1024

// New creates a freshly accepted connection bound to fd, awaiting a request
// line.
func New(fd int, host Dispatcher) *Connection {
	return &Connection{
		Fd:    fd,
		State: StateRequestLine,
		Flags: PollForRead,
		Query: map[string]string{},
		host:  host,
	}
}

// WantRead reports whether the connection currently wants POLLIN.
func (c *Connection) WantRead() bool { return c.Flags&PollForRead != 0 }

// WantWrite reports whether the connection currently wants POLLOUT.
func (c *Connection) WantWrite() bool { return c.Flags&PollForWrite != 0 }

// ReleaseBuffers drops every reference this connection still holds on its
// egress buffer chain: the node it is (or was) parked on, plus every
// successor it was ref'd for by a FanOut it never got to read (spec.md §7
// viewer I/O failure: "unref remaining buffers, close"; invariant 1).
// Grounded on original_source/src/client.c's leave_send_stream, which walks
// client->current_stream_buffer to the end unref'ing each node. Freed nodes
// that aren't ClientPrivate are also unlinked from the stream's list; a
// ClientPrivate node (this viewer's own preamble/header/intro chain) is
// never part of that list and must not be passed to it.
func (c *Connection) ReleaseBuffers() {
	for b := c.current; b != nil; {
		next := b.Next()
		if freed := b.Unref(); freed && !b.IsClientPrivate() && c.Stream != nil {
			c.Stream.Buffers.Remove(b)
		}
		b = next
	}
	c.current = nil

	if c.bufferToFree != nil {
		c.bufferToFree.Unref()
		c.bufferToFree = nil
	}
}

// AttachNext re-wires a STALLED viewer onto a freshly fanned-out buffer:
// point its write cursor at b, re-admit it to the write poll set, and
// clear STALLED (spec.md §4.3 "Fan-out trigger").
func (c *Connection) AttachNext(b *buffer.Buffer) {
	c.current = b
	c.writeOff = 0
	c.Flags |= PollForWrite
	c.Flags &^= Stalled
}

// growScratch doubles the scratch buffer (starting at initialIngestScratch)
// until it can hold extra additional bytes, per spec.md §4.4 ingest_clusters
// ("growing by doubling when full").
func (c *Connection) growScratch(extra int) {
	need := len(c.scratch) + extra
	if cap(c.scratch) >= need {
		return
	}
	size := cap(c.scratch)
	if size == 0 {
		size = initialIngestScratch
	}
	for size < need {
		size *= 2
	}
	grown := make([]byte, len(c.scratch), size)
	copy(grown, c.scratch)
	c.scratch = grown
}

// appendScratch appends p to the scratch buffer, growing as needed.
func (c *Connection) appendScratch(p []byte) {
	c.growScratch(len(p))
	c.scratch = append(c.scratch, p...)
}

// shiftScratch discards the first n consumed bytes of scratch in place.
func (c *Connection) shiftScratch(n int) {
	copy(c.scratch, c.scratch[n:])
	c.scratch = c.scratch[:len(c.scratch)-n]
}
