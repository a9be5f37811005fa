package streamed

import (
	"fmt"
	"io"
	"net"

	log "github.com/sirupsen/logrus"

	"github.com/lock4u/vproxy/bytebuf"
	"github.com/lock4u/vproxy/eventloop"
)

// FD is the per-stream virtual socket. The handler owns the stream's entry
// in its map; the application holds this handle and reads, writes and
// closes through it. Readable and writable edges are published into the
// loop's virtual ready sets.
type FD struct {
	streamID uint32
	handler  *Handler
	loop     eventloop.Loop

	local  net.Addr
	remote net.Addr

	state State

	readBuf *bytebuf.ByteArray
	readOff int

	rst         bool
	rstReported bool

	readableSet bool
	writableSet bool
}

func newFD(streamID uint32, handler *Handler, local, remote net.Addr) *FD {
	return &FD{
		streamID: streamID,
		handler:  handler,
		loop:     handler.loop,
		local:    local,
		remote:   remote,
		state:    StateNone,
	}
}

func (fd *FD) String() string {
	return fmt.Sprintf("StreamedFD(%d, %v -> %v, %v)", fd.streamID, fd.local, fd.remote, fd.state)
}

// StreamID returns the stream's identifier.
func (fd *FD) StreamID() uint32 {
	return fd.streamID
}

// State returns the stream's lifecycle phase.
func (fd *FD) State() State {
	return fd.state
}

// LocalAddr returns the synthetic local address of the stream.
func (fd *FD) LocalAddr() net.Addr {
	return fd.local
}

// RemoteAddr returns the synthetic remote address of the stream.
func (fd *FD) RemoteAddr() net.Addr {
	return fd.remote
}

func (fd *FD) setState(s State) {
	if fd.state == StateDead {
		return
	}
	log.WithFields(log.Fields{
		"fd":  fd.String(),
		"old": fd.state.String(),
		"new": s.String(),
	}).Debug("stream state transition")
	fd.state = s
	if s == StateFinRecv {
		// let the application observe EOF
		fd.setReadable()
	}
}

func (fd *FD) setRst() {
	fd.rst = true
	fd.setReadable()
}

// inputData appends peer bytes to the inbound buffer; invoked by the
// handler when a PSH frame arrives.
func (fd *FD) inputData(data *bytebuf.ByteArray) {
	fd.readBuf = fd.readBuf.Concat(data)
	fd.setReadable()
}

func (fd *FD) setReadable() {
	fd.readableSet = true
	fd.loop.RegisterVirtualReadable(fd)
}

func (fd *FD) cancelReadable() {
	fd.readableSet = false
	fd.loop.RemoveVirtualReadable(fd)
}

func (fd *FD) setWritable() {
	if !fd.writableSet {
		fd.writableSet = true
		fd.loop.RegisterVirtualWritable(fd)
	}
}

func (fd *FD) cancelWritable() {
	if fd.writableSet {
		fd.writableSet = false
		fd.loop.RemoveVirtualWritable(fd)
	}
}

func (fd *FD) pending() int {
	return fd.readBuf.Len() - fd.readOff
}

// Read copies buffered inbound bytes into p. It returns 0 with a nil error
// when nothing is pending, io.EOF once the peer's FIN was seen and the
// buffer drained, and ErrConnectionReset exactly once after a RST.
func (fd *FD) Read(p []byte) (int, error) {
	if fd.rst {
		if !fd.rstReported {
			fd.rstReported = true
			return 0, ErrConnectionReset
		}
		return 0, io.EOF
	}
	if fd.pending() > 0 {
		n := copy(p, fd.readBuf.Bytes()[fd.readOff:])
		fd.readOff += n
		if fd.pending() == 0 {
			fd.readBuf = nil
			fd.readOff = 0
			if fd.state != StateFinRecv {
				fd.cancelReadable()
			}
		}
		return n, nil
	}
	if fd.state == StateFinRecv || fd.state == StateDead {
		return 0, io.EOF
	}
	return 0, nil
}

// Write frames p as a PSH via the handler's write queue. The bytes are
// copied; ownership stays with the caller. Writing is valid in syn_sent,
// established and fin_recv only.
func (fd *FD) Write(p []byte) (int, error) {
	return fd.handler.send(fd, p)
}

// Close enqueues a FIN for the stream.
func (fd *FD) Close() error {
	return fd.handler.SendFIN(fd)
}
