package arqudp

import (
	"errors"
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hashicorp/go-multierror"

	"github.com/lock4u/vproxy/bytebuf"
	"github.com/lock4u/vproxy/eventloop"
)

// clockInterval is the cadence the ARQ engine is updated on.
const clockInterval = 10 * time.Millisecond

// DatagramFD is the unreliable packet socket underneath one connection.
// Recv must not block: it returns (nil, nil) when no packet is pending.
// Drivers report readiness to the loop with MarkReadable/MarkWritable.
type DatagramFD interface {
	fmt.Stringer

	Recv() ([]byte, error)
	Send(p []byte) (int, error)
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	Close() error
}

// SocketFD is a virtual byte-stream socket: application bytes written here
// come out of the peer's SocketFD in order, carried by the ARQ engine over
// the datagram fd. It implements the read/write surface the streamed
// handler drives, with readiness delivered through the loop's virtual sets.
type SocketFD struct {
	raw     DatagramFD
	loop    eventloop.Loop
	handler Handler

	epoch time.Time
	tick  eventloop.Timer

	readBuf     *bytebuf.ByteArray
	readOff     int
	outQ        []*bytebuf.Channel
	writableSet bool

	failErr error
}

// NewSocketFD wires the datagram fd and a fresh ARQ handler into the loop:
// the raw fd is registered for reads, and the engine clock starts ticking
// every 10 ms.
func NewSocketFD(loop eventloop.Loop, raw DatagramFD, build HandlerBuilder) (*SocketFD, error) {
	s := &SocketFD{
		raw:   raw,
		loop:  loop,
		epoch: time.Now(),
	}
	s.handler = build(s.emit)

	if err := loop.Register(raw, eventloop.Readable, &rawHandler{s}); err != nil {
		return nil, err
	}
	// datagram sockets accept packets without blocking
	loop.MarkWritable(raw, true)
	s.tick = loop.Period(clockInterval, s.clock)
	return s, nil
}

func (s *SocketFD) String() string {
	return fmt.Sprintf("ArqUDPSocketFD(%v -> %v)", s.raw.LocalAddr(), s.raw.RemoteAddr())
}

func (s *SocketFD) log() *log.Entry {
	return log.WithField("fd", s.String())
}

// LocalAddr returns the datagram socket's local address.
func (s *SocketFD) LocalAddr() net.Addr {
	return s.raw.LocalAddr()
}

// RemoteAddr returns the datagram socket's remote address.
func (s *SocketFD) RemoteAddr() net.Addr {
	return s.raw.RemoteAddr()
}

// emit queues one outgoing datagram and asks for write readiness on the raw
// fd. It is the output sink handed to the ARQ engine.
func (s *SocketFD) emit(pkt *bytebuf.Channel) {
	s.outQ = append(s.outQ, pkt)
	s.loop.AddOps(s.raw, eventloop.Writable)
}

// clock runs the periodic engine update and maintains the virtual writable
// edge based on the engine's backpressure signal.
func (s *SocketFD) clock() {
	if s.failErr != nil {
		return
	}
	now := uint32(time.Since(s.epoch) / time.Millisecond)
	if err := s.handler.Clock(now); err != nil {
		s.fail(err)
		return
	}
	if s.handler.Writable() {
		if !s.writableSet {
			s.writableSet = true
			s.loop.RegisterVirtualWritable(s)
		}
	} else if s.writableSet {
		s.writableSet = false
		s.loop.RemoveVirtualWritable(s)
	}
}

func (s *SocketFD) fail(err error) {
	if s.failErr != nil {
		return
	}
	s.failErr = err
	s.log().WithError(err).Error("arq udp socket failed")
	if s.writableSet {
		s.writableSet = false
		s.loop.RemoveVirtualWritable(s)
	}
	// surface the error on the owner's next read
	s.loop.RegisterVirtualReadable(s)
}

// Read copies decoded stream bytes into p. It returns 0 with a nil error
// when nothing is pending.
func (s *SocketFD) Read(p []byte) (int, error) {
	if s.readBuf == nil || s.readOff >= s.readBuf.Len() {
		if s.failErr != nil {
			return 0, s.failErr
		}
		return 0, nil
	}
	n := copy(p, s.readBuf.Bytes()[s.readOff:])
	s.readOff += n
	if s.readOff >= s.readBuf.Len() {
		s.readBuf = nil
		s.readOff = 0
		if s.failErr == nil {
			s.loop.RemoveVirtualReadable(s)
		}
	}
	return n, nil
}

// Write hands p to the ARQ engine. It returns 0 with a nil error when the
// engine is backpressured; the virtual writable edge fires again once the
// send queue drained.
func (s *SocketFD) Write(p []byte) (int, error) {
	if s.failErr != nil {
		return 0, s.failErr
	}
	if len(p) == 0 {
		return 0, nil
	}
	if !s.handler.Writable() {
		if s.writableSet {
			s.writableSet = false
			s.loop.RemoveVirtualWritable(s)
		}
		return 0, nil
	}
	if err := s.handler.Write(bytebuf.Copy(p)); err != nil {
		s.fail(err)
		return 0, err
	}
	return len(p), nil
}

// Close stops the clock and tears the datagram fd down.
func (s *SocketFD) Close() error {
	var result *multierror.Error
	if s.tick != nil {
		s.tick.Cancel()
	}
	if s.failErr == nil {
		s.failErr = errors.New("arq udp socket closed")
	}
	s.loop.Remove(s.raw)
	if err := s.raw.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// rawHandler is the loop handler for the underlying datagram fd.
type rawHandler struct {
	s *SocketFD
}

// Readable drains every pending datagram into the ARQ engine and publishes
// decoded bytes on the socket's virtual readable edge.
func (h *rawHandler) Readable() {
	s := h.s
	for {
		pkt, err := s.raw.Recv()
		if err != nil {
			s.fail(err)
			return
		}
		if pkt == nil {
			return
		}
		arr, err := s.handler.Parse(bytebuf.FromFull(bytebuf.From(pkt)))
		if err != nil {
			s.fail(err)
			return
		}
		if arr.Len() > 0 {
			s.readBuf = s.readBuf.Concat(arr)
			s.loop.RegisterVirtualReadable(s)
		}
	}
}

// Writable flushes queued datagrams onto the wire.
func (h *rawHandler) Writable() {
	s := h.s
	for len(s.outQ) > 0 {
		pkt := s.outQ[0]
		n, err := s.raw.Send(pkt.Bytes())
		if err != nil {
			s.fail(err)
			return
		}
		if n < pkt.Used() {
			// datagram sockets send whole packets; anything else is a driver bug
			s.fail(fmt.Errorf("short datagram write: %d < %d", n, pkt.Used()))
			return
		}
		s.outQ = s.outQ[1:]
	}
	s.loop.RmOps(s.raw, eventloop.Writable)
}

func (h *rawHandler) Removed() {
	h.s.log().Warn("underlying datagram fd removed from loop")
	h.s.fail(errors.New("datagram fd removed from loop"))
}
