package ebml

import "io"

// Sink is an in-memory, append-biased byte buffer that supports Seek/Tell,
// standing in for the C source's open_memstream(): a FILE* backed by a
// growable in-memory buffer. bytes.Buffer has no Seek, so element_start /
// element_end's back-patching (spec.md §4.1) needs this instead.
type Sink struct {
	buf []byte
	pos int
}

var _ io.WriteSeeker = (*Sink)(nil)

// Write writes p at the current position, growing the buffer if needed,
// and advances the position past it. Reused sinks (see Reset) keep their
// backing array as long as it fits, same as bytes.Buffer's grow discipline.
func (s *Sink) Write(p []byte) (int, error) {
	end := s.pos + len(p)
	switch {
	case end > cap(s.buf):
		grown := make([]byte, end, end*2+64)
		copy(grown, s.buf)
		s.buf = grown
	case end > len(s.buf):
		s.buf = s.buf[:end]
	}
	copy(s.buf[s.pos:end], p)
	s.pos = end
	return len(p), nil
}

// Seek repositions the write cursor. Whence follows io.Seeker semantics.
func (s *Sink) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		s.pos = int(offset)
	case io.SeekCurrent:
		s.pos += int(offset)
	case io.SeekEnd:
		s.pos = len(s.buf) + int(offset)
	}
	return int64(s.pos), nil
}

// Tell returns the current write position.
func (s *Sink) Tell() int64 { return int64(s.pos) }

// Bytes returns the sink's current byte image.
func (s *Sink) Bytes() []byte { return s.buf }

// Len returns the number of bytes written so far.
func (s *Sink) Len() int { return len(s.buf) }

// Reset empties the sink so it can be reused.
func (s *Sink) Reset() {
	s.buf = s.buf[:0]
	s.pos = 0
}
