package conn

import "errors"

// Sentinel errors classifying how the event loop and state machine react
// (spec.md §7's error taxonomy), in the idiom of database.go's Err*
// vars from the teacher repo. Not every sentinel here is returned by
// Resume: ErrUnknownResource and ErrStreamNotFound mark an orderly 404
// response rather than a failure, and ErrConnectionStalled is logged as an
// internal control-flow marker when egress suspends for want of a buffer,
// never propagated.
var (
	ErrMalformedRequest  = errors.New("conn: malformed request")
	ErrUnknownResource   = errors.New("conn: unknown resource")
	ErrStreamNotFound    = errors.New("conn: stream not found")
	ErrConnectionStalled = errors.New("conn: stalled waiting for next buffer")
	ErrViewerStale       = errors.New("conn: viewer fell more than 30s behind live")
	ErrStreamIdle        = errors.New("stream: idle past timeout, garbage collected")
)
