package buffer_test

import (
	"bytes"
	"testing"

	"github.com/arkanis/smeb/internal/buffer"
)

func TestEncapsulateChunkWireFormat(t *testing.T) {
	payload := []byte("hello world")
	enc := buffer.EncapsulateChunk(payload)

	prefixLen := len("b\r\n") // len(payload) == 11 == 0xb
	if !bytes.Equal(enc[:prefixLen], []byte("b\r\n")) {
		t.Fatalf("unexpected prefix: %q", enc[:prefixLen])
	}
	if !bytes.Equal(enc[prefixLen:prefixLen+len(payload)], payload) {
		t.Fatalf("payload not verbatim at expected offset")
	}
	suffix := enc[prefixLen+len(payload):]
	if !bytes.Equal(suffix, []byte("\r\n")) {
		t.Fatalf("unexpected suffix: %q", suffix)
	}
	if len(enc) != buffer.EncapsulatedSize(len(payload)) {
		t.Fatalf("EncapsulatedSize mismatch: got %d want %d", buffer.EncapsulatedSize(len(payload)), len(enc))
	}
}

func TestEncapsulateChunkLowercaseNoLeadingZeros(t *testing.T) {
	enc := buffer.EncapsulateChunk(make([]byte, 0xabc))
	if !bytes.HasPrefix(enc, []byte("abc\r\n")) {
		t.Fatalf("expected lowercase hex length with no leading zeros, got %q", enc[:8])
	}
}

func TestUnrefFreesAtZero(t *testing.T) {
	b := buffer.New([]byte("data"), 0)
	if b.Refcount() != 1 {
		t.Fatalf("expected refcount 1, got %d", b.Refcount())
	}
	b.Ref()
	if freed := b.Unref(); freed {
		t.Fatal("buffer should not free while refcount > 0")
	}
	if freed := b.Unref(); !freed {
		t.Fatal("buffer should free once refcount reaches 0")
	}
	if b.Data != nil {
		t.Fatal("expected payload to be released")
	}
}

func TestUnrefDoesNotFreeDontFreeContent(t *testing.T) {
	data := []byte("static")
	b := buffer.New(data, buffer.DontFreeContent)
	b.Unref()
	if b.Data == nil {
		t.Fatal("DontFreeContent payload must survive refcount reaching zero")
	}
}

func TestListAppendAndRemove(t *testing.T) {
	var l buffer.List
	a := buffer.New([]byte("a"), 0)
	b := buffer.New([]byte("b"), 0)
	c := buffer.New([]byte("c"), 0)
	l.Append(a)
	l.Append(b)
	l.Append(c)

	if l.Head() != a || l.Tail() != c {
		t.Fatal("unexpected head/tail after appends")
	}

	l.Remove(b)
	if a.Next() != c {
		t.Fatal("removing the middle node should splice neighbors together")
	}
	if l.Tail() != c {
		t.Fatal("tail should be unaffected by removing a non-tail node")
	}

	l.Remove(c)
	if l.Tail() != a {
		t.Fatal("removing the tail should move tail back to its predecessor")
	}

	l.Remove(a)
	if l.Head() != nil || l.Tail() != nil {
		t.Fatal("list should be empty after removing all nodes")
	}
}

func TestClientPrivateNeverEntersList(t *testing.T) {
	var l buffer.List
	priv := buffer.New([]byte("priv"), buffer.ClientPrivate)
	// A ClientPrivate buffer is simply never appended; unref to zero must
	// not require (or tolerate) list surgery.
	if freed := priv.Unref(); !freed {
		t.Fatal("expected private buffer to free at refcount 0")
	}
	if l.Head() != nil {
		t.Fatal("list must remain empty; private buffers never join it")
	}
}
