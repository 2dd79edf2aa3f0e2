package relay

import (
	"golang.org/x/sys/unix"
)

// newIdleTimer creates a pollable, repeating timer that fires roughly once
// a second, driving the "Stream GC" timer path from spec.md §4.5.
func newIdleTimer(idleTimeoutSec int) (int, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, 0)
	if err != nil {
		return -1, err
	}
	interval := unix.NsecToTimespec(int64(1 * 1e9))
	spec := &unix.ItimerSpec{Interval: interval, Value: interval}
	if err := unix.TimerfdSettime(fd, 0, spec, nil); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// drainTimer reads (and discards) the expiration counter timerfd delivers
// on each readable event.
func drainTimer(fd int) {
	var b [8]byte
	unix.Read(fd, b[:])
}
