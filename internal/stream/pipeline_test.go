package stream_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/arkanis/smeb/internal/ebml"
	"github.com/arkanis/smeb/internal/stream"
)

// buildHeader assembles a minimal but structurally real EBML+Segment(+Info)
// +Tracks prefix, the shape ExtractHeader is specified to consume.
func buildHeader() []byte {
	sink := &ebml.Sink{}
	w := ebml.NewWriter(sink)

	ebmlStart := w.ElementStart(ebml.IDEBML)
	w.WriteString(ebml.IDDocType, "webm")
	w.ElementEnd(ebmlStart)

	w.ElementStart(ebml.IDSegment) // left with declared (not yet unknown) size; ExtractHeader patches it

	infoStart := w.ElementStart(ebml.IDInfo)
	w.WriteUint(ebml.IDTimecodeScale, 1000000)
	w.ElementEnd(infoStart)

	tracksStart := w.ElementStart(ebml.IDTracks)
	w.WriteString(ebml.IDMuxingApp, "smeb-test")
	w.ElementEnd(tracksStart)

	return sink.Bytes()
}

type fixtureBlock struct {
	track       byte
	relTimecode int16
	keyframe    bool
	payload     string
}

// buildCluster assembles one complete Cluster element containing the given
// SimpleBlocks, each laid out as (track VINT, int16 timecode, flags byte,
// frame data) per spec.md §4.3.
func buildCluster(clusterTimecode uint64, blocks ...fixtureBlock) []byte {
	sink := &ebml.Sink{}
	w := ebml.NewWriter(sink)
	start := w.ElementStart(ebml.IDCluster)
	w.WriteUint(ebml.IDTimecode, clusterTimecode)

	for _, blk := range blocks {
		var flags byte
		if blk.keyframe {
			flags = ebml.FlagKeyframe
		}
		body := []byte{0x80 | blk.track, byte(blk.relTimecode >> 8), byte(blk.relTimecode), flags}
		body = append(body, blk.payload...)
		w.WriteID(ebml.IDSimpleBlock)
		w.WriteSize(uint64(len(body)), 0)
		sink.Write(body)
	}

	w.ElementEnd(start)
	return sink.Bytes()
}

// unwrapChunk strips HTTP chunk framing (hex-length CRLF ... CRLF) to
// recover the raw payload a buffer carries.
func unwrapChunk(data []byte) []byte {
	i := 0
	for data[i] != '\r' {
		i++
	}
	size := 0
	for _, c := range data[:i] {
		size <<= 4
		switch {
		case c >= '0' && c <= '9':
			size |= int(c - '0')
		case c >= 'a' && c <= 'f':
			size |= int(c-'a') + 10
		}
	}
	start := i + 2
	return data[start : start+size]
}

var _ = Describe("header extraction", func() {
	It("consumes through Tracks and rewrites Segment to unknown size", func() {
		data := buildHeader()
		consumed, ok := stream.ExtractHeader(data)
		Expect(ok).To(BeTrue())
		Expect(consumed).To(Equal(len(data)))

		pos := 0
		for {
			id, idLen := ebml.ReadVINTID(data[pos:])
			Expect(idLen).NotTo(BeZero())
			size, sizeLen := ebml.ReadVINTSize(data[pos+idLen:])
			Expect(sizeLen).NotTo(BeZero())
			if id == ebml.IDSegment {
				Expect(size).To(Equal(ebml.Unknown))
				return
			}
			pos += idLen + sizeLen + int(size)
		}
	})

	It("reports incomplete on a truncated header", func() {
		data := buildHeader()
		_, ok := stream.ExtractHeader(data[:len(data)-5])
		Expect(ok).To(BeFalse())
	})
})

var _ = Describe("cluster framing", func() {
	It("isolates exactly one complete cluster", func() {
		data := buildCluster(0, fixtureBlock{track: 1, keyframe: true, payload: "frame0"})
		cluster, consumed, ok := stream.ExtractCluster(data)
		Expect(ok).To(BeTrue())
		Expect(consumed).To(Equal(len(data)))
		Expect(cluster).To(Equal(data))
	})

	It("reports incomplete when the cluster is only partially buffered", func() {
		data := buildCluster(0, fixtureBlock{track: 1, keyframe: true, payload: "frame0"})
		_, _, ok := stream.ExtractCluster(data[:len(data)-3])
		Expect(ok).To(BeFalse())
	})
})

var _ = Describe("timecode patching and fan-out", func() {
	It("shifts the Cluster Timecode by prev_sources_offset", func() {
		s := stream.New("/a")
		s.PrevSourcesOffset = 5000

		cluster := buildCluster(100, fixtureBlock{track: 1, keyframe: true, payload: "k"})
		b := s.IngestCluster(cluster, 42)

		Expect(b.Refcount()).To(Equal(1))
		Expect(s.Buffers.Tail()).To(Equal(b))
		Expect(s.LatestClusterReceivedAt).To(Equal(int64(42)))

		patched := unwrapChunk(b.Data)
		pos := 0
		outer, ok := ebml.ReadElementHeader(patched, &pos)
		Expect(ok).To(BeTrue())
		Expect(outer.ID).To(Equal(ebml.IDCluster))

		inner, ok := ebml.ReadElement(patched, &pos)
		Expect(ok).To(BeTrue())
		Expect(inner.ID).To(Equal(ebml.IDTimecode))
		Expect(ebml.ReadUint(patched[inner.DataOffset : inner.DataOffset+int(inner.DataSize)])).To(Equal(uint64(5100)))
	})

	It("updates last_observed_timecode from cluster + relative block timecode", func() {
		s := stream.New("/a")
		cluster := buildCluster(1000, fixtureBlock{track: 1, relTimecode: 40, keyframe: true, payload: "k"})
		s.IngestCluster(cluster, 1)
		Expect(s.LastObservedTimecode).To(Equal(uint64(1040)))
	})

	It("resets the intro accumulator on a track-1 keyframe and grows between keyframes", func() {
		s := stream.New("/a")

		k1 := buildCluster(0, fixtureBlock{track: 1, keyframe: true, payload: "k1"})
		s.IngestCluster(k1, 1)
		afterK1 := len(s.IntroSnapshot())

		c2 := buildCluster(100, fixtureBlock{track: 1, payload: "c2"})
		s.IngestCluster(c2, 2)
		afterC2 := len(s.IntroSnapshot())
		Expect(afterC2).To(BeNumerically(">", afterK1))

		c3 := buildCluster(200, fixtureBlock{track: 1, payload: "c3"})
		s.IngestCluster(c3, 3)
		afterC3 := len(s.IntroSnapshot())
		Expect(afterC3).To(BeNumerically(">", afterC2))

		k4 := buildCluster(0, fixtureBlock{track: 1, keyframe: true, payload: "k4"})
		s.IngestCluster(k4, 4)
		afterK4 := len(s.IntroSnapshot())
		Expect(afterK4).To(BeNumerically("<", afterC3))
		Expect(afterK4).To(Equal(afterK1)) // same single-block shape as the first keyframe reset
	})

	It("does not reset the intro on a track-2 keyframe", func() {
		s := stream.New("/a")
		k1 := buildCluster(0, fixtureBlock{track: 1, keyframe: true, payload: "k1"})
		s.IngestCluster(k1, 1)
		afterK1 := len(s.IntroSnapshot())

		other := buildCluster(100, fixtureBlock{track: 2, keyframe: true, payload: "audio-keyframe"})
		s.IngestCluster(other, 2)
		afterOther := len(s.IntroSnapshot())

		Expect(afterOther).To(BeNumerically(">", afterK1))
	})
})

var _ = Describe("publisher reconnect and idle GC", func() {
	It("commits prev_sources_offset and last_disconnect_at on disconnect", func() {
		s := stream.New("/a")
		cluster := buildCluster(0, fixtureBlock{track: 1, relTimecode: 200, keyframe: true, payload: "k"})
		s.IngestCluster(cluster, 1)

		s.CommitDisconnect(9_000_000)
		Expect(s.PrevSourcesOffset).To(Equal(uint64(200)))
		Expect(s.LastDisconnectAt).To(Equal(int64(9_000_000)))
	})

	It("is never idle before any disconnect", func() {
		s := stream.New("/a")
		Expect(s.Idle(30, 1<<40)).To(BeFalse())
	})

	It("is idle once the timeout has elapsed in wall-clock microseconds", func() {
		s := stream.New("/a")
		s.CommitDisconnect(1_000_000)
		Expect(s.Idle(30, 30_000_000)).To(BeFalse())
		Expect(s.Idle(30, 31_000_000)).To(BeTrue())
	})
})
