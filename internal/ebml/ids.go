// Package ebml implements the variable-length integer codec and element
// framing used by Matroska/WebM: VINT read/write, typed scalar read/write,
// and an element-header framer with seek/tell back-patching.
package ebml

// Matroska element IDs, as specified.
// http://matroska.org/technical/specs/index.html
const (
	IDEBML          uint32 = 0x1A45DFA3
	IDDocType       uint32 = 0x4282
	IDSegment       uint32 = 0x18538067
	IDInfo          uint32 = 0x1549A966
	IDTimecodeScale uint32 = 0x2AD7B1
	IDMuxingApp     uint32 = 0x4D80
	IDWritingApp    uint32 = 0x5741
	IDTracks        uint32 = 0x1654AE6B
	IDCluster       uint32 = 0x1F43B675
	IDTimecode      uint32 = 0xE7
	IDSimpleBlock   uint32 = 0xA3
)

// SimpleBlock flag bits (spec.md §6).
const (
	FlagKeyframe    byte = 0x80
	FlagInvisible   byte = 0x08
	FlagLacing      byte = 0x06
	FlagDiscardable byte = 0x01
)

// Unknown is the sentinel data size meaning "unknown/unbounded", decoded
// from a VINT whose data bits are all ones.
const Unknown uint64 = ^uint64(0)
