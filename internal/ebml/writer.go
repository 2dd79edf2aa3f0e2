package ebml

import (
	"encoding/binary"
	"io"
	"math"
	"math/bits"
)

// Writer emits EBML elements to an append-only byte sink that supports
// seek/tell, so container sizes reserved by ElementStart can be back-patched
// by ElementEnd once the element's length is known (spec.md §4.1).
type Writer struct {
	w WriteSeekTeller
}

// WriteSeekTeller is the sink contract the writer needs: Write to append,
// Seek to back-patch, Tell to compute element sizes.
type WriteSeekTeller interface {
	Write(p []byte) (int, error)
	Seek(offset int64, whence int) (int64, error)
	Tell() int64
}

// NewWriter wraps a sink in an EBML element writer.
func NewWriter(w WriteSeekTeller) *Writer { return &Writer{w: w} }

// WriteID emits the minimum big-endian bytes of id, skipping leading zero
// bytes. EBML IDs already carry their VINT marker bit in the raw value.
func (w *Writer) WriteID(id uint32) {
	leadingZeroBits := bits.LeadingZeros32(id)
	length := 4 - leadingZeroBits/8
	if length == 0 {
		length = 1
	}
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], id)
	w.w.Write(buf[4-length:])
}

// WriteSize picks the minimum width >= 1 that can hold value's payload
// bits (bumping to the next width if every payload bit would be reserved
// all-ones), unless widthHint is non-zero, in which case exactly that many
// bytes are written (used for back-patching a previously reserved field).
func (w *Writer) WriteSize(value uint64, widthHint int) int {
	width := widthHint
	if width == 0 {
		width = requiredSizeBytes(value)
		if bits.OnesCount64(value) >= width*7 {
			width++
		}
	}
	prefix := uint64(1) << uint(8-width+8*(width-1))
	encoded := value | prefix
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], encoded)
	w.w.Write(buf[8-width:])
	return width
}

// WriteUnknownSize writes a single all-ones byte denoting "unknown size".
func (w *Writer) WriteUnknownSize() { w.w.Write([]byte{0xFF}) }

// UnknownSizeBytes returns the width-byte encoding of "unknown size" at a
// fixed width, for back-patching an already-written size field in place
// (spec.md §4.3: a Segment's declared size is rewritten to unknown-size by
// memcpy of an all-ones VINT over the existing size bytes at the same
// width).
func UnknownSizeBytes(width int) []byte {
	buf := make([]byte, width)
	buf[0] = 0xFF >> uint(width-1)
	for i := 1; i < width; i++ {
		buf[i] = 0xFF
	}
	return buf
}

// ElementStart writes id and a reserved 4-byte size field, returning the
// sink offset of that field so ElementEnd can back-patch it.
func (w *Writer) ElementStart(id uint32) int64 {
	w.WriteID(id)
	offset := w.w.Tell()
	w.WriteSize(0, 4)
	return offset
}

// ElementEnd computes the payload length written since offset and
// back-patches it into the reserved 4-byte size field at offset.
func (w *Writer) ElementEnd(offset int64) {
	current := w.w.Tell()
	w.w.Seek(offset, io.SeekStart)
	w.WriteSize(uint64(current-offset-4), 4)
	w.w.Seek(current, io.SeekStart)
}

// ElementStartUnknownSize writes id and a single-byte unknown size; the
// element is never back-patched (used for the top-level Segment so players
// don't expect EOF at a declared length).
func (w *Writer) ElementStartUnknownSize(id uint32) {
	w.WriteID(id)
	w.WriteUnknownSize()
}

// WriteUint writes a uint element using the minimum byte count.
func (w *Writer) WriteUint(id uint32, value uint64) {
	n := unencodedUintBytes(value)
	w.WriteID(id)
	w.WriteSize(uint64(n), 0)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], value)
	w.w.Write(buf[8-n:])
}

// WriteInt writes a signed int element using the minimum byte count
// preserving sign.
func (w *Writer) WriteInt(id uint32, value int64) {
	n := unencodedIntBytes(value)
	w.WriteID(id)
	w.WriteSize(uint64(n), 0)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(value))
	w.w.Write(buf[8-n:])
}

// WriteString writes a string element.
func (w *Writer) WriteString(id uint32, value string) {
	w.WriteID(id)
	w.WriteSize(uint64(len(value)), 0)
	w.w.Write([]byte(value))
}

// WriteFloat writes a 32-bit float element.
func (w *Writer) WriteFloat(id uint32, value float32) {
	w.WriteID(id)
	w.WriteSize(4, 0)
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], math.Float32bits(value))
	w.w.Write(buf[:])
}

// WriteDouble writes a 64-bit float element.
func (w *Writer) WriteDouble(id uint32, value float64) {
	w.WriteID(id)
	w.WriteSize(8, 0)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], math.Float64bits(value))
	w.w.Write(buf[:])
}

// requiredSizeBytes returns the minimum VINT width that can hold value's
// payload bits. It does not check for an all-ones payload; WriteSize
// applies that bump.
func requiredSizeBytes(value uint64) int {
	if value == 0 {
		return 1
	}
	leadingZeros := bits.LeadingZeros64(value)
	width := 8 - (leadingZeros-8)/7
	if width < 1 {
		width = 1
	}
	if width > 8 {
		width = 8
	}
	return width
}

func unencodedUintBytes(value uint64) int {
	if value == 0 {
		return 1
	}
	leadingZeros := bits.LeadingZeros64(value)
	valueBits := 64 - leadingZeros
	return (valueBits-1)/8 + 1
}

func unencodedIntBytes(value int64) int {
	var leadingSignBits int
	if value >= 0 {
		leadingSignBits = bits.LeadingZeros64(uint64(value)) - 1
	} else {
		leadingSignBits = bits.LeadingZeros64(^uint64(value)) - 1
	}
	if leadingSignBits < 0 {
		leadingSignBits = 0
	}
	valueBits := 64 - leadingSignBits
	return (valueBits-1)/8 + 1
}
