package stream

import (
	"github.com/arkanis/smeb/internal/buffer"
	"github.com/arkanis/smeb/internal/ebml"
)

// ExtractHeader scans data as a sequence of top-level EBML elements,
// rewriting Segment's declared size to unknown-size in place the first
// time it is seen, and stops the first time Tracks is fully consumed.
// It returns the number of bytes consumed ([0, after_tracks)) and whether
// a complete header was found. It is non-destructive to everything but
// the Segment size field (spec.md §4.3 "Header extraction", grounded on
// client.c's streamer_try_to_extract_mkv_header).
func ExtractHeader(data []byte) (consumed int, ok bool) {
	pos := 0
	for {
		id, idLen := ebml.ReadVINTID(data[pos:])
		if idLen == 0 {
			return 0, false
		}
		size, sizeLen := ebml.ReadVINTSize(data[pos+idLen:])
		if sizeLen == 0 {
			return 0, false
		}
		headerSize := idLen + sizeLen

		if id == ebml.IDSegment {
			// Patch the declared size to unknown in place, same width, and
			// keep scanning as if we had just entered the segment's body.
			copy(data[pos+idLen:pos+headerSize], ebml.UnknownSizeBytes(sizeLen))
			pos += headerSize
			continue
		}

		if uint64(len(data)-pos-headerSize) < size {
			return 0, false
		}
		pos += headerSize + int(size)
		if id == ebml.IDTracks {
			return pos, true
		}
	}
}

// ExtractCluster scans data from its start for successive complete
// top-level elements, skipping everything but Cluster, until a complete
// Cluster is found. It returns that Cluster's raw bytes (header + data),
// the total bytes consumed to reach and include it, and whether one was
// found. Clusters declared with unknown size are never considered
// complete (spec.md §4.3 "Cluster framing").
func ExtractCluster(data []byte) (cluster []byte, consumed int, ok bool) {
	pos := 0
	for {
		el, ok := ebml.ReadElement(data, &pos)
		if !ok {
			return nil, 0, false
		}
		if el.ID == ebml.IDCluster {
			start := el.DataOffset - el.HeaderSize
			return data[start:pos], pos, true
		}
	}
}

// IngestCluster rewrites one complete Cluster (as returned by
// ExtractCluster) into a patched buffer with its Timecode element shifted
// by PrevSourcesOffset, maintains keyframe tracking and the intro
// accumulator, appends the patched payload as a new chunked Buffer to the
// stream's buffer list, and returns that buffer. The caller (the relay's
// fan-out step) owns ref'ing it per viewer and dropping the pipeline's own
// temporary reference once fan-out completes (spec.md §4.3 "Fan-out
// trigger"), grounded on client.c's streamer_inspect_cluster.
func (s *Stream) IngestCluster(raw []byte, now int64) *buffer.Buffer {
	pos := 0
	ebml.ReadElementHeader(raw, &pos) // consume the outer Cluster id+size

	pbSink := getSink()
	defer putSink(pbSink)
	pb := ebml.NewWriter(pbSink)
	pbClusterStart := pb.ElementStart(ebml.IDCluster)

	intro := ebml.NewWriter(s.intro.sink)
	s.intro.clusterStart = intro.ElementStart(ebml.IDCluster)

	var clusterTimecode uint64
	for pos < len(raw) {
		el, ok := ebml.ReadElementHeader(raw, &pos)
		if !ok {
			break
		}
		payload := raw[el.DataOffset : el.DataOffset+int(el.DataSize)]

		switch el.ID {
		case ebml.IDTimecode:
			clusterTimecode = ebml.ReadUint(payload)
			pb.WriteUint(ebml.IDTimecode, s.PrevSourcesOffset+clusterTimecode)
			intro.WriteUint(ebml.IDTimecode, s.PrevSourcesOffset+clusterTimecode)
		default:
			rawElem := raw[el.DataOffset-el.HeaderSize : el.DataOffset+int(el.DataSize)]
			pbSink.Write(rawElem)
			if el.ID == ebml.IDSimpleBlock {
				trackNumber, tLen := ebml.ReadVINTSize(payload)
				blockTimecode := ebml.ReadInt(payload[tLen : tLen+2])
				flags := payload[tLen+2]

				s.LastObservedTimecode = clusterTimecode + uint64(blockTimecode)

				if flags&ebml.FlagKeyframe != 0 && trackNumber == 1 {
					log.Debugf("stream %s: keyframe at timecode %d, resetting intro cluster", s.Path, s.LastObservedTimecode)
					s.resetIntro(clusterTimecode)
					intro = ebml.NewWriter(s.intro.sink)
				}
				s.intro.sink.Write(rawElem)
			}
		}
		pos += int(el.DataSize)
	}

	pb.ElementEnd(pbClusterStart)
	intro.ElementEnd(s.intro.clusterStart)

	s.LatestClusterReceivedAt = now
	b := buffer.NewChunked(append([]byte(nil), pbSink.Bytes()...), 0)
	s.Buffers.Append(b)
	return b
}

// resetIntro discards the intro accumulator's current byte image and
// starts a fresh one with a new Cluster header and a Timecode element at
// prev_sources_offset + clusterTimecode, immediately before the keyframe
// block that triggered it is appended (spec.md §4.3 "Keyframe tracking and
// intro cluster").
func (s *Stream) resetIntro(clusterTimecode uint64) {
	putSink(s.intro.sink)
	s.intro.sink = getSink()
	w := ebml.NewWriter(s.intro.sink)
	s.intro.clusterStart = w.ElementStart(ebml.IDCluster)
	w.WriteUint(ebml.IDTimecode, s.PrevSourcesOffset+clusterTimecode)
}
