package conn

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/oxtoacart/bpool"
	"golang.org/x/sys/unix"

	"github.com/arkanis/smeb/internal/buffer"
	"github.com/arkanis/smeb/internal/stream"
)

const staleCutoffMicros = 30 * 1_000_000

// statusBufPool reuses *bytes.Buffer for the status-JSON body, the same
// idiom templates/renderer.go uses bpool for (there, HTML bodies; here, the
// `/` and `/index.json` status document — spec.md §6).
var statusBufPool = bpool.NewBufferPool(64)

// Resume runs the connection's state machine forward from wherever it last
// suspended, until it suspends again (waiting on the next poll-readiness
// event), reaches StateDone, or fails.
func (c *Connection) Resume() error {
	for {
		var suspend bool
		var err error

		switch c.State {
		case StateRequestLine:
			suspend, err = c.stepRequestLine()
		case StateHeaders:
			suspend, err = c.stepHeaders()
		case StateIngestInit:
			suspend, err = c.stepIngestInit()
		case StateIngestHeader:
			suspend, err = c.stepIngestHeader()
		case StateIngestClusters:
			suspend, err = c.stepIngestClusters()
		case StateIngestTeardown:
			suspend, err = c.stepIngestTeardown()
		case StateEgressInit:
			suspend, err = c.stepEgressInit()
		case StateEgress:
			suspend, err = c.stepEgress()
		case StateSendAndClose:
			suspend, err = c.stepSendAndClose()
		case StateStatusJSON:
			suspend, err = c.stepStatusJSON()
		case StateDone:
			return nil
		default:
			return fmt.Errorf("conn: unknown state %v", c.State)
		}

		if err != nil {
			return err
		}
		if suspend {
			return nil
		}
	}
}

// Done reports whether the state machine has run to completion and the
// socket should be closed.
func (c *Connection) Done() bool { return c.State == StateDone }

// fill drains every byte currently available on the socket into scratch,
// stopping at EWOULDBLOCK. Returns eof=true on an orderly close.
func (c *Connection) fill() (eof bool, err error) {
	var buf [4096]byte
	for {
		n, rerr := unix.Read(c.Fd, buf[:])
		if n > 0 {
			c.appendScratch(buf[:n])
		}
		if rerr != nil {
			if errors.Is(rerr, unix.EAGAIN) {
				return false, nil
			}
			return false, rerr
		}
		if n == 0 {
			return true, nil
		}
	}
}

func (c *Connection) stepRequestLine() (bool, error) {
	idx := bytes.IndexByte(c.scratch, '\n')
	if idx < 0 {
		eof, err := c.fill()
		if err != nil {
			return false, err
		}
		idx = bytes.IndexByte(c.scratch, '\n')
		if idx < 0 {
			if eof {
				return false, ErrMalformedRequest
			}
			return true, nil
		}
	}

	line := strings.TrimRight(string(c.scratch[:idx]), "\r\n")
	c.shiftScratch(idx + 1)

	fields := strings.Fields(line)
	if len(fields) != 3 {
		return false, ErrMalformedRequest
	}
	c.Method, c.Resource = fields[0], fields[1]
	if c.Method == "POST" {
		c.Flags |= IsPostRequest
	}
	c.State = StateHeaders
	return false, nil
}

func (c *Connection) stepHeaders() (bool, error) {
	for {
		idx := bytes.IndexByte(c.scratch, '\n')
		if idx < 0 {
			eof, err := c.fill()
			if err != nil {
				return false, err
			}
			idx = bytes.IndexByte(c.scratch, '\n')
			if idx < 0 {
				if eof {
					return false, ErrMalformedRequest
				}
				return true, nil
			}
		}

		line := strings.TrimRight(string(c.scratch[:idx]), "\r\n")
		c.shiftScratch(idx + 1)
		if line == "" {
			c.scratch = c.scratch[:0]
			return false, c.dispatch()
		}
		// `name: value` lines are consumed but not retained; unparseable
		// lines are skipped (spec.md §4.4).
	}
}

func (c *Connection) dispatch() error {
	path, query := splitResource(c.Resource)
	c.Path = path
	c.Query = parseQuery(query)

	if path == "/" || path == "/index.json" {
		c.State = StateStatusJSON
		return nil
	}

	if c.Flags&IsPostRequest != 0 {
		c.State = StateIngestInit
		return nil
	}

	if c.Method != "GET" {
		return c.enter404(ErrUnknownResource)
	}

	if s, ok := c.host.StreamFor(path, false); ok {
		c.Stream = s
		c.Generation = s.Generation
		c.State = StateEgressInit
		return nil
	}

	return c.enter404(ErrStreamNotFound)
}

func (c *Connection) enter404(reason error) error {
	log.Debugf("404 %s: %v", c.Resource, reason)
	body := "not found\n"
	resp := fmt.Sprintf(
		"HTTP/1.1 404 Not Found\r\nConnection: close\r\nContent-Type: text/plain\r\nContent-Length: %d\r\n\r\n%s",
		len(body), body)
	c.bufferToFree = buffer.New([]byte(resp), 0)
	c.writeOff = 0
	c.Flags = PollForWrite
	c.State = StateSendAndClose
	return nil
}

func (c *Connection) stepIngestInit() (bool, error) {
	s, _ := c.host.StreamFor(c.Path, true)
	c.Stream = s
	c.Generation = s.Generation
	s.LastDisconnectAt = 0
	for k, v := range c.Query {
		s.Params[k] = v
	}

	c.scratch = c.scratch[:0]
	c.growScratch(initialIngestScratch)
	c.Flags = PollForRead
	c.State = StateIngestHeader
	return false, nil
}

func (c *Connection) stepIngestHeader() (bool, error) {
	eof, err := c.fill()
	if err != nil {
		return false, err
	}

	consumed, ok := stream.ExtractHeader(c.scratch)
	if !ok {
		if eof {
			c.State = StateIngestTeardown
			return false, nil
		}
		return true, nil
	}

	c.Stream.Header = buffer.EncapsulateChunk(append([]byte(nil), c.scratch[:consumed]...))
	c.shiftScratch(consumed)
	c.State = StateIngestClusters
	return false, nil
}

func (c *Connection) stepIngestClusters() (bool, error) {
	eof, err := c.fill()
	if err != nil {
		return false, err
	}

	for {
		raw, consumed, ok := stream.ExtractCluster(c.scratch)
		if !ok {
			break
		}
		b := c.Stream.IngestCluster(raw, buffer.Now())
		c.host.FanOut(c.Stream, b, c)
		c.shiftScratch(consumed)
	}

	if eof {
		c.State = StateIngestTeardown
		return false, nil
	}
	return true, nil
}

func (c *Connection) stepIngestTeardown() (bool, error) {
	if c.Flags&IsPostRequest != 0 && c.Stream != nil {
		c.Stream.CommitDisconnect(buffer.Now())
		log.Infof("publisher left %s, prev_sources_offset now %d", c.Stream.Path, c.Stream.PrevSourcesOffset)
	}
	c.State = StateDone
	return false, nil
}

func (c *Connection) stepEgressInit() (bool, error) {
	const preamble = "HTTP/1.1 200 OK\r\n" +
		"Server: smeb v1\r\n" +
		"Transfer-Encoding: chunked\r\n" +
		"Connection: close\r\n" +
		"Cache-Control: no-cache\r\n" +
		"Content-Type: video/webm\r\n\r\n"

	preambleBuf := buffer.New([]byte(preamble), buffer.DontFreeContent|buffer.ClientPrivate)
	headerBuf := buffer.New(c.Stream.Header, buffer.DontFreeContent|buffer.ClientPrivate)
	introBuf := buffer.New(c.Stream.IntroSnapshot(), buffer.ClientPrivate)

	preambleBuf.LinkNext(headerBuf)
	headerBuf.LinkNext(introBuf)
	if tail := c.Stream.Buffers.Tail(); tail != nil {
		tail.Ref()
		introBuf.LinkNext(tail)
	}

	c.current = preambleBuf
	c.writeOff = 0
	c.Flags = PollForWrite | NoKeyframeYet
	c.State = StateEgress
	return false, nil
}

func (c *Connection) stepEgress() (bool, error) {
	for c.current != nil {
		data := c.current.Data
		for c.writeOff < len(data) {
			n, err := unix.Write(c.Fd, data[c.writeOff:])
			if n > 0 {
				c.writeOff += n
			}
			if err != nil {
				if errors.Is(err, unix.EAGAIN) {
					return true, nil
				}
				return false, err
			}
		}

		next := c.current.Next()
		if freed := c.current.Unref(); freed && !c.current.IsClientPrivate() {
			c.Stream.Buffers.Remove(c.current)
		}

		if next == nil {
			c.current = nil
			c.Flags &^= PollForWrite
			c.Flags |= Stalled
			log.Debugf("connection %d: %v", c.Fd, ErrConnectionStalled)
			return true, nil
		}
		if next.Timecode < c.Stream.LatestClusterReceivedAt-staleCutoffMicros {
			c.current = next
			return false, ErrViewerStale
		}
		c.current = next
		c.writeOff = 0
	}
	return true, nil
}

// stepSendAndClose drains c.bufferToFree, the one-shot owned payload set by
// enter404/stepStatusJSON (spec.md §4.4 status_json: "set buffer_to_free to
// it"), then unrefs and drops it before closing.
func (c *Connection) stepSendAndClose() (bool, error) {
	data := c.bufferToFree.Data
	for c.writeOff < len(data) {
		n, err := unix.Write(c.Fd, data[c.writeOff:])
		if n > 0 {
			c.writeOff += n
		}
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return true, nil
			}
			return false, err
		}
	}
	c.bufferToFree.Unref()
	c.bufferToFree = nil
	c.State = StateDone
	return false, nil
}

func (c *Connection) stepStatusJSON() (bool, error) {
	body := c.buildStatusJSON()
	resp := fmt.Sprintf(
		"HTTP/1.1 200 OK\r\nContent-Type: application/json\r\nConnection: close\r\nContent-Length: %d\r\n\r\n%s",
		len(body), body)
	c.bufferToFree = buffer.New([]byte(resp), 0)
	c.writeOff = 0
	c.Flags = PollForWrite
	c.State = StateSendAndClose
	return false, nil
}

func (c *Connection) buildStatusJSON() string {
	buf := statusBufPool.Get()
	defer statusBufPool.Put(buf)
	buf.Reset()

	buf.WriteByte('{')
	first := true
	c.host.WalkStreams(func(s *stream.Stream) {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		fmt.Fprintf(buf, `"%s":{`, jsonEscape(s.Path))
		firstParam := true
		for k, v := range s.Params {
			if !firstParam {
				buf.WriteByte(',')
			}
			firstParam = false
			fmt.Fprintf(buf, `"%s":"%s"`, jsonEscape(k), jsonEscape(v))
		}
		buf.WriteByte('}')
	})
	buf.WriteByte('}')
	return buf.String()
}
