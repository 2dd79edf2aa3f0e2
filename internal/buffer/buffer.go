// Package buffer implements the reference-counted payload and the
// doubly-linked per-stream buffer list described in spec.md §4.2: every
// viewer of a stream holds a cursor into this list, and fan-out is an O(1)
// append plus a refcount bump per attached viewer.
package buffer

import (
	"fmt"
	"math/bits"
	"time"
)

// Flags on a Buffer.
type Flags uint32

const (
	// DontFreeContent means the payload memory is not owned by this buffer
	// (a static string, or bytes shared with the stream's header/intro).
	DontFreeContent Flags = 1 << iota
	// ClientPrivate marks a buffer allocated by a viewer for its own
	// HTTP/video-header/intro snapshot. It is never spliced into the
	// stream's buffer list, so unref'ing it to zero must not attempt to
	// remove it from that list.
	ClientPrivate
)

// Now returns wall-clock microseconds since epoch. It is a package variable
// so tests can fix the clock.
var Now = func() int64 { return time.Now().UnixMicro() }

// Buffer is a refcounted, HTTP-chunk-encapsulated payload. Once linked into
// a List its address is stable: List never moves or reallocates a Buffer,
// only unlinks it.
type Buffer struct {
	Data     []byte
	Flags    Flags
	Timecode int64

	refcount   int
	prev, next *Buffer
}

// New allocates a buffer with refcount 1 and the current wall-clock
// timecode, wrapping no framing around data — used for payloads that are
// already framed (chunk-encapsulated) or don't need to be (DONT_FREE static
// strings).
func New(data []byte, flags Flags) *Buffer {
	return &Buffer{Data: data, Flags: flags, Timecode: Now(), refcount: 1}
}

// NewChunked allocates a buffer with refcount 1 whose content is payload
// wrapped in HTTP chunked framing (hex-length CRLF payload CRLF).
func NewChunked(payload []byte, flags Flags) *Buffer {
	return &Buffer{Data: EncapsulateChunk(payload), Flags: flags, Timecode: Now(), refcount: 1}
}

// Refcount reports the buffer's current reference count (for tests and
// diagnostics; invariant 1 of spec.md §8).
func (b *Buffer) Refcount() int { return b.refcount }

// Ref increments the buffer's refcount.
func (b *Buffer) Ref() { b.refcount++ }

// Unref decrements the buffer's refcount and, if it drops to zero, frees the
// payload unless DontFreeContent is set. Returns whether the refcount is
// now zero, including when the payload was kept because of DontFreeContent.
func (b *Buffer) Unref() bool {
	if b.refcount > 0 {
		b.refcount--
	}
	if b.refcount == 0 {
		if b.Flags&DontFreeContent == 0 {
			b.Data = nil
		}
		return true
	}
	return false
}

// IsClientPrivate reports whether this buffer was allocated outside the
// stream's buffer list and must never be unlinked from it.
func (b *Buffer) IsClientPrivate() bool { return b.Flags&ClientPrivate != 0 }

// Next returns the buffer's successor in whatever chain it belongs to
// (the stream's list, or a viewer's private header/intro chain).
func (b *Buffer) Next() *Buffer { return b.next }

// LinkNext threads b directly onto next without touching next's own
// prev pointer or any List bookkeeping. A viewer's private preamble/header/
// intro chain is never spliced into the stream's List; its last node is
// simply pointed at whatever the list tail was at attach time (spec.md
// §4.4 egress_init), so the same next pointer carries the viewer straight
// on into the real list once its private chain is drained.
func (b *Buffer) LinkNext(next *Buffer) { b.next = next }

// EncapsulatedSize returns the size of an HTTP-chunk-encapsulated payload of
// payloadSize bytes: ceil(bits_of(size)/4) + 2 + size + 2 (spec.md §4.2).
func EncapsulatedSize(payloadSize int) int {
	return hexDigits(payloadSize) + 2 + payloadSize + 2
}

// EncapsulateChunk wraps payload in HTTP chunked framing: the lowercase hex
// length (no leading zeros) + CRLF + payload + CRLF.
func EncapsulateChunk(payload []byte) []byte {
	prefix := fmt.Sprintf("%x\r\n", len(payload))
	out := make([]byte, 0, len(prefix)+len(payload)+2)
	out = append(out, prefix...)
	out = append(out, payload...)
	out = append(out, '\r', '\n')
	return out
}

func hexDigits(n int) int {
	if n == 0 {
		return 1
	}
	return (bits.Len(uint(n)) + 3) / 4
}
