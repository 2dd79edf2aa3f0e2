package ebml_test

import (
	"testing"

	"github.com/arkanis/smeb/internal/ebml"
)

func TestReadVINTIDInsufficientBytes(t *testing.T) {
	// A 4-byte ID (leading 0001...) with only 2 bytes available must report
	// n=0 so the caller retries once more bytes arrive.
	buf := []byte{0x1A, 0x45}
	id, n := ebml.ReadVINTID(buf)
	if n != 0 || id != 0 {
		t.Fatalf("expected insufficient-bytes signal, got id=%x n=%d", id, n)
	}
}

func TestReadVINTIDPreservesMarkerBit(t *testing.T) {
	id, n := ebml.ReadVINTID([]byte{0x1A, 0x45, 0xDF, 0xA3})
	if n != 4 {
		t.Fatalf("expected 4 byte id, got %d", n)
	}
	if id != ebml.IDEBML {
		t.Fatalf("got %x want %x", id, ebml.IDEBML)
	}
}

func TestReadElementHeaderAdvancesPastHeaderOnly(t *testing.T) {
	// SimpleBlock(0xA3) with a 1-byte size of 3, followed by 3 payload bytes.
	buf := []byte{0xA3, 0x83, 0xAA, 0xBB, 0xCC}
	pos := 0
	el, ok := ebml.ReadElementHeader(buf, &pos)
	if !ok {
		t.Fatal("expected header to parse")
	}
	if el.ID != ebml.IDSimpleBlock || el.DataSize != 3 {
		t.Fatalf("got id=%x size=%d", el.ID, el.DataSize)
	}
	if pos != 2 {
		t.Fatalf("expected cursor to sit right after the header, got %d", pos)
	}
}

func TestReadElementRequiresFullPayload(t *testing.T) {
	buf := []byte{0xA3, 0x83, 0xAA, 0xBB} // declares 3 bytes, only 2 present
	pos := 0
	_, ok := ebml.ReadElement(buf, &pos)
	if ok {
		t.Fatal("expected incomplete element to be rejected")
	}
	if pos != 0 {
		t.Fatal("cursor must not advance on incomplete element")
	}
}

func TestReadElementUnknownSizeNeverComplete(t *testing.T) {
	buf := []byte{0x18, 0x53, 0x80, 0x67, 0xFF, 1, 2, 3}
	pos := 0
	_, ok := ebml.ReadElement(buf, &pos)
	if ok {
		t.Fatal("an unknown-size element must never be reported complete")
	}
}
