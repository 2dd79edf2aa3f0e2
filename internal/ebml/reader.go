package ebml

import "math/bits"

// Element is the result of reading one EBML element header: its ID, the
// number of header bytes consumed (ID + size), the declared data size, and
// the offset in the source buffer where the element's payload begins.
type Element struct {
	ID         uint32
	HeaderSize int
	DataSize   uint64
	DataOffset int
}

// ReadVINTID decodes an EBML element ID from buf. IDs keep their marker bit
// in the decoded value (they are written back verbatim), unlike data sizes.
// Returns id=0, n=0 if buf doesn't yet hold a complete ID.
func ReadVINTID(buf []byte) (id uint32, n int) {
	if len(buf) < 1 {
		return 0, 0
	}
	leadingZeros := bits.LeadingZeros8(buf[0])
	octets := leadingZeros + 1
	if len(buf) < octets || octets > 4 {
		return 0, 0
	}
	var v uint32
	for i := 0; i < octets; i++ {
		v = v<<8 | uint32(buf[i])
	}
	return v, octets
}

// ReadVINTSize decodes an EBML data size. The marker bit is stripped from
// the returned value. A size whose data bits are all ones decodes to the
// Unknown sentinel. Returns n=0 if buf doesn't yet hold a complete size.
func ReadVINTSize(buf []byte) (size uint64, n int) {
	if len(buf) < 1 {
		return 0, 0
	}
	leadingZeros := bits.LeadingZeros8(buf[0])
	octets := leadingZeros + 1
	if len(buf) < octets || octets > 8 {
		return 0, 0
	}
	payloadBitsFirstByte := 8 - octets
	v := uint64(buf[0]) &^ (1 << uint(payloadBitsFirstByte))
	for i := 1; i < octets; i++ {
		v = v<<8 | uint64(buf[i])
	}
	if bits.OnesCount64(v) == octets*7 {
		return Unknown, octets
	}
	return v, octets
}

// ReadElementHeader reads one element's ID and data size at buf[pos:] and
// advances *pos past the header only (not the payload). Returns ok=false
// (and leaves *pos untouched) when buf doesn't yet hold a complete header.
func ReadElementHeader(buf []byte, pos *int) (Element, bool) {
	p := *pos
	id, idLen := ReadVINTID(buf[p:])
	if idLen == 0 {
		return Element{}, false
	}
	size, sizeLen := ReadVINTSize(buf[p+idLen:])
	if sizeLen == 0 {
		return Element{}, false
	}
	headerSize := idLen + sizeLen
	*pos = p + headerSize
	return Element{ID: id, HeaderSize: headerSize, DataSize: size, DataOffset: p + headerSize}, true
}

// ReadElement reads a whole element (header and payload) at buf[pos:] and
// advances *pos past it. Returns ok=false (and leaves *pos untouched) when
// the header or the declared payload isn't fully present yet. An element
// with Unknown data size is never considered complete by this function.
func ReadElement(buf []byte, pos *int) (Element, bool) {
	p := *pos
	var e Element
	scan := p
	id, idLen := ReadVINTID(buf[scan:])
	if idLen == 0 {
		return Element{}, false
	}
	size, sizeLen := ReadVINTSize(buf[scan+idLen:])
	if sizeLen == 0 {
		return Element{}, false
	}
	headerSize := idLen + sizeLen
	if size == Unknown {
		return Element{}, false
	}
	if uint64(len(buf)-scan-headerSize) < size {
		return Element{}, false
	}
	e = Element{ID: id, HeaderSize: headerSize, DataSize: size, DataOffset: scan + headerSize}
	*pos = scan + headerSize + int(size)
	return e, true
}

// ReadUint decodes a big-endian unsigned integer of 1-8 bytes.
func ReadUint(buf []byte) uint64 {
	var v uint64
	for _, b := range buf {
		v = v<<8 | uint64(b)
	}
	return v
}

// ReadInt decodes a big-endian sign-extended integer of 1-8 bytes.
func ReadInt(buf []byte) int64 {
	if len(buf) == 0 {
		return 0
	}
	v := ReadUint(buf)
	shift := uint(64 - 8*len(buf))
	return int64(v<<shift) >> shift
}
