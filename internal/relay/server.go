// Package relay implements the single-threaded, poll-driven event loop and
// the two registries it owns (spec.md §4.5 / §5): the stream registry
// (path -> *stream.Stream) and the connection registry (socket fd ->
// *conn.Connection). It is the only package that touches epoll, accept,
// and the signal/timer bridges, grounded on golang.org/x/sys/unix usage
// elsewhere in the retrieved pack (e.g. ios/fsutils_linux.go's direct
// unix.Statfs_t use) generalized here to the full epoll surface the C
// reference's poll()-based loop needs.
package relay

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sys/unix"

	"github.com/arkanis/smeb/internal/buffer"
	"github.com/arkanis/smeb/internal/conn"
	"github.com/arkanis/smeb/internal/stream"
)

var log = logging.Logger("relay")

// Config holds the relay's tunables (SPEC_FULL.md §3's CLI surface).
type Config struct {
	Addr           string
	IdleTimeoutSec int
}

// Server owns the listening socket, the epoll instance, both registries,
// and the signal/timer bridge fds. Everything here runs on one goroutine
// except the signal-forwarding goroutine started by newSignalBridge, which
// never touches a Stream or Connection directly — it only writes a single
// byte to a pipe (spec.md §5: "no data races are possible within the
// core").
type Server struct {
	cfg Config

	epfd     int
	listenFd int
	sigReadFd int
	timerFd  int

	streams *stream.Registry
	conns   map[int]*conn.Connection
}

// New creates a relay bound to cfg but does not yet open any fd; call Run
// to do that and block until shutdown.
func New(cfg Config) *Server {
	return &Server{
		cfg:      cfg,
		streams:  stream.NewRegistry(),
		conns:    make(map[int]*conn.Connection),
	}
}

// Run opens the listening socket, epoll instance, signal bridge and idle
// timer, then drives the event loop until SIGINT/SIGTERM. Returns nil on
// clean shutdown, or a setup/fatal error (spec.md §7: "Setup | bind/listen/
// signalfd failure | log and exit 1").
func (s *Server) Run() error {
	var err error
	s.epfd, err = unix.EpollCreate1(0)
	if err != nil {
		return fmt.Errorf("relay: epoll_create1: %w", err)
	}
	defer unix.Close(s.epfd)

	if err := s.listen(); err != nil {
		return err
	}
	defer unix.Close(s.listenFd)

	sigFd, stopSignals := newSignalBridge()
	s.sigReadFd = sigFd
	defer stopSignals()
	if err := s.epollAdd(s.sigReadFd, unix.EPOLLIN); err != nil {
		return fmt.Errorf("relay: registering signal bridge: %w", err)
	}

	s.timerFd, err = newIdleTimer(s.cfg.IdleTimeoutSec)
	if err != nil {
		return fmt.Errorf("relay: timerfd_create: %w", err)
	}
	defer unix.Close(s.timerFd)
	if err := s.epollAdd(s.timerFd, unix.EPOLLIN); err != nil {
		return fmt.Errorf("relay: registering idle timer: %w", err)
	}

	if err := s.epollAdd(s.listenFd, unix.EPOLLIN); err != nil {
		return fmt.Errorf("relay: registering listener: %w", err)
	}

	log.Infof("listening on %s", s.cfg.Addr)
	return s.loop()
}

func (s *Server) listen() error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return fmt.Errorf("relay: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return fmt.Errorf("relay: setsockopt SO_REUSEADDR: %w", err)
	}

	sa, err := resolveSockaddr(s.cfg.Addr)
	if err != nil {
		unix.Close(fd)
		return err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return fmt.Errorf("relay: bind %s: %w", s.cfg.Addr, err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return fmt.Errorf("relay: listen: %w", err)
	}
	s.listenFd = fd
	return nil
}

func (s *Server) epollAdd(fd int, events uint32) error {
	return unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd), Events: events})
}

func (s *Server) epollMod(fd int, events uint32) error {
	return unix.EpollCtl(s.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Fd: int32(fd), Events: events})
}

func (s *Server) epollDel(fd int) {
	unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// loop is the single poll-driven core (spec.md §4.5). Each iteration: wait
// for readiness, service the signal and timer fds, resume every connection
// whose interest matches what fired, then accept new connections last so
// the connection registry mutates only at well-defined points.
func (s *Server) loop() error {
	events := make([]unix.EpollEvent, 256)
	for {
		n, err := unix.EpollWait(s.epfd, events, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("relay: epoll_wait: %w", err)
		}

		acceptReady := false
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			switch fd {
			case s.sigReadFd:
				drainSignalBridge(s.sigReadFd)
				return nil
			case s.timerFd:
				drainTimer(s.timerFd)
				s.gcIdleStreams()
			case s.listenFd:
				acceptReady = true
			default:
				s.service(fd, events[i].Events)
			}
		}

		if acceptReady {
			s.acceptAll()
		}
	}
}

func (s *Server) service(fd int, events uint32) {
	c, ok := s.conns[fd]
	if !ok {
		return
	}

	if events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		s.disconnect(c)
		return
	}

	if err := c.Resume(); err != nil {
		log.Debugf("connection %d closing: %v", fd, err)
		s.disconnect(c)
		return
	}
	if c.Done() {
		s.disconnect(c)
		return
	}

	want := uint32(0)
	if c.WantRead() {
		want |= unix.EPOLLIN
	}
	if c.WantWrite() {
		want |= unix.EPOLLOUT
	}
	if err := s.epollMod(fd, want); err != nil {
		s.disconnect(c)
	}
}

func (s *Server) acceptAll() {
	for {
		fd, _, err := unix.Accept4(s.listenFd, unix.SOCK_NONBLOCK)
		if err != nil {
			if !errors.Is(err, unix.EAGAIN) {
				log.Warnf("accept: %v", err)
			}
			return
		}

		c := conn.New(fd, s)
		s.conns[fd] = c
		if err := s.epollAdd(fd, unix.EPOLLIN); err != nil {
			s.disconnect(c)
			continue
		}
	}
}

// disconnect tidies both the connection-registry entry and the socket,
// regardless of which handler triggered it (spec.md §5: "it must do so via
// the event-loop's disconnect helper"). ReleaseBuffers must run first: a
// viewer disconnecting mid-stream still holds refs on every buffer from its
// current cursor through the list tail (FanOut ref's every non-publisher
// connection bound to a stream whether or not it has caught up yet), and
// those refs would otherwise never reach zero, pinning the stream's buffer
// list (spec.md §7, §8 invariant 1).
func (s *Server) disconnect(c *conn.Connection) {
	c.ReleaseBuffers()
	s.epollDel(c.Fd)
	unix.Close(c.Fd)
	delete(s.conns, c.Fd)
}

// gcIdleStreams implements spec.md §4.5's "Stream GC": every stream idle
// past the configured timeout has its viewers disconnected and is removed.
func (s *Server) gcIdleStreams() {
	now := buffer.Now()
	for _, st := range s.streams.IdleSweep(s.cfg.IdleTimeoutSec, now) {
		for _, c := range s.conns {
			if c.Stream == st {
				s.disconnect(c)
			}
		}
		s.streams.Remove(st.Path)
		log.Infof("%s: %v", st.Path, conn.ErrStreamIdle)
	}
}

// StreamFor implements conn.Dispatcher.
func (s *Server) StreamFor(path string, create bool) (*stream.Stream, bool) {
	if create {
		return s.streams.GetOrCreate(path), true
	}
	return s.streams.Get(path)
}

// FanOut implements conn.Dispatcher: spec.md §4.3's fan-out trigger. Every
// connection bound to st except publisher gets the new buffer ref'd once;
// a STALLED viewer is re-wired onto it and re-admitted to the write set.
// The pipeline's own temporary reference is dropped last.
func (s *Server) FanOut(st *stream.Stream, b *buffer.Buffer, publisher *conn.Connection) {
	for _, c := range s.conns {
		if c == publisher || c.Stream != st {
			continue
		}
		b.Ref()
		if c.Flags&conn.Stalled != 0 {
			c.AttachNext(b)
			if err := s.epollMod(c.Fd, unix.EPOLLOUT); err != nil {
				s.disconnect(c)
			}
		}
	}
	if freed := b.Unref(); freed {
		st.Buffers.RemoveLast()
	}
}

// Forget implements conn.Dispatcher. The connection registry is keyed by
// fd, not by stream, so no per-stream bookkeeping needs undoing here; buffer
// release is handled by disconnect calling c.ReleaseBuffers() directly, not
// through this hook.
func (s *Server) Forget(c *conn.Connection) {}

// WalkStreams implements conn.Dispatcher for the status-JSON document.
func (s *Server) WalkStreams(fn func(*stream.Stream)) { s.streams.Each(fn) }

// newSignalBridge bridges SIGINT/SIGTERM into a pollable fd: Go exposes no
// pollable signalfd equivalent, so a pipe plus a single forwarding
// goroutine stands in (SPEC_FULL.md §6) — the sole goroutine outside the
// event loop, and it never touches a Stream or Connection.
func newSignalBridge() (readFd int, stop func()) {
	r, w, err := os.Pipe()
	if err != nil {
		panic(fmt.Sprintf("relay: os.Pipe: %v", err))
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case <-ch:
			w.Write([]byte{0})
		case <-done:
		}
		w.Close()
	}()
	return int(r.Fd()), func() {
		signal.Stop(ch)
		close(done)
		r.Close()
	}
}

func drainSignalBridge(fd int) {
	var b [1]byte
	unix.Read(fd, b[:])
}
