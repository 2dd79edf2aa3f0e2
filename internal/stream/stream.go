// Package stream implements the per-path WebM pipeline described in
// spec.md §4.3: header extraction, Cluster framing, timecode patching and
// intro-cluster maintenance, grounded on the C reference's
// streamer_try_to_extract_mkv_header / streamer_try_to_extract_mkv_cluster /
// streamer_inspect_cluster (original_source/src/client.c) and re-expressed
// with the Go EBML codec in internal/ebml.
package stream

import (
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/google/uuid"

	"github.com/arkanis/smeb/internal/buffer"
	"github.com/arkanis/smeb/internal/ebml"
)

var log = logging.Logger("stream")

// Stream holds everything the pipeline needs to keep publishing a single
// named path monotonic and viewer-attachable: the buffer list viewers
// cursor through, the extracted video header, the running intro-cluster
// accumulator, and the bookkeeping that survives a publisher reconnect
// (spec.md §3).
type Stream struct {
	Path   string
	Params map[string]string

	// Generation is a per-instance identifier assigned at creation, so a
	// stream recreated at the same path after a GC sweep carries a different
	// value. Nothing in the relay compares it; the GC sweep that removes a
	// stream also disconnects every connection bound to it.
	Generation uuid.UUID

	Buffers buffer.List
	Header  []byte // chunk-framed video header payload, DONT_FREE_CONTENT shared with viewers

	intro introAccumulator

	PrevSourcesOffset       uint64
	LastObservedTimecode    uint64
	LastDisconnectAt        int64 // wall-clock us; 0 while a publisher is attached
	LatestClusterReceivedAt int64
}

// introAccumulator is the continuously-refreshed "blocks since the last
// keyframe" byte image (spec.md §4.3). sinkPool lets it reuse a pooled,
// Seek-capable ebml.Sink instead of allocating on every keyframe reset.
type introAccumulator struct {
	sink         *ebml.Sink
	clusterStart int64 // offset of the currently open Cluster element, for ElementEnd
}

// sinkPool recycles the *ebml.Sink instances used by every stream's intro
// accumulator and by the pipeline's scratch patched-cluster buffer. bpool's
// BufferPool only pools *bytes.Buffer, which has no Seek, so the back-patch
// paths in this package need their own pool of the Seek/Tell-capable Sink
// instead (DESIGN.md, internal/stream libraries).
var sinkPool = sync.Pool{New: func() any { return &ebml.Sink{} }}

func getSink() *ebml.Sink  { return sinkPool.Get().(*ebml.Sink) }
func putSink(s *ebml.Sink) { s.Reset(); sinkPool.Put(s) }

// New creates an empty stream bound to path, with a fresh intro accumulator.
func New(path string) *Stream {
	s := &Stream{
		Path:       path,
		Params:     map[string]string{},
		Generation: uuid.New(),
		intro:      introAccumulator{sink: getSink()},
	}
	log.Debugf("stream %s created, generation %s", path, s.Generation)
	return s
}

// IntroSnapshot returns an owned copy of the current intro-cluster byte
// image, chunk-framed, for a newly attaching viewer's private buffer
// (spec.md §4.4 egress_init: "a snapshot ... wrapped in chunked framing
// (owned copy)").
func (s *Stream) IntroSnapshot() []byte {
	return buffer.EncapsulateChunk(append([]byte(nil), s.intro.sink.Bytes()...))
}

// CommitDisconnect folds the departing publisher's timecode progress into
// PrevSourcesOffset so the next publisher's clusters continue monotonically
// (spec.md §4.3 "Publisher reconnect").
func (s *Stream) CommitDisconnect(now int64) {
	s.PrevSourcesOffset += s.LastObservedTimecode
	s.LastDisconnectAt = now
}

// Idle reports whether this stream has had no publisher for at least
// timeoutSec seconds as of now (spec.md: "Stream idle | no publisher for T
// seconds | GC stream, disconnect viewers").
func (s *Stream) Idle(timeoutSec int, now int64) bool {
	if s.LastDisconnectAt == 0 {
		return false
	}
	return now-s.LastDisconnectAt >= int64(timeoutSec)*1_000_000
}

// Release drops the stream's intro sink back to the pool. Called once the
// stream itself is being torn down by the idle GC (Registry.Remove).
func (s *Stream) Release() {
	if s.intro.sink != nil {
		putSink(s.intro.sink)
		s.intro.sink = nil
	}
}
