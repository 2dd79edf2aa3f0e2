package stream

// Registry owns every live stream by path (spec.md §3: "the Server ...
// streams by path"). It is only ever touched from the event loop's single
// goroutine, so no locking is needed.
type Registry struct {
	streams map[string]*Stream
}

// NewRegistry returns an empty stream registry.
func NewRegistry() *Registry {
	return &Registry{streams: make(map[string]*Stream)}
}

// Get returns the stream at path, if any.
func (r *Registry) Get(path string) (*Stream, bool) {
	s, ok := r.streams[path]
	return s, ok
}

// GetOrCreate returns the existing stream at path, creating one if absent
// (spec.md §4.4 ingest_init: "create stream if absent").
func (r *Registry) GetOrCreate(path string) *Stream {
	if s, ok := r.streams[path]; ok {
		return s
	}
	s := New(path)
	r.streams[path] = s
	return s
}

// Remove deletes the stream at path from the registry and releases its
// pooled resources. The caller is responsible for disconnecting any
// remaining viewers first (spec.md: "Stream idle ... GC stream, disconnect
// viewers").
func (r *Registry) Remove(path string) {
	if s, ok := r.streams[path]; ok {
		s.Release()
		delete(r.streams, path)
	}
}

// IdleSweep returns every stream that has been idle (no publisher) for at
// least timeoutSec seconds as of now, for the relay's idle-GC timer path.
func (r *Registry) IdleSweep(timeoutSec int, now int64) []*Stream {
	var idle []*Stream
	for _, s := range r.streams {
		if s.Idle(timeoutSec, now) {
			idle = append(idle, s)
		}
	}
	return idle
}

// Len reports the number of live streams.
func (r *Registry) Len() int { return len(r.streams) }

// Each calls fn for every live stream, for the status document.
func (r *Registry) Each(fn func(*Stream)) {
	for _, s := range r.streams {
		fn(s)
	}
}
