package arqudp

import (
	"errors"
	"fmt"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/lock4u/vproxy/eventloop"
)

const udpReadBufSize = 65536

// UDPFD is a connected UDP socket driver. A pump goroutine moves packets
// from the kernel into an in-memory queue and injects read readiness into
// the loop; Recv then drains the queue on the loop goroutine.
type UDPFD struct {
	conn *net.UDPConn
	loop eventloop.Loop

	mu     sync.Mutex
	queue  [][]byte
	closed bool
}

// DialUDP connects to the remote address and starts the packet pump.
func DialUDP(loop eventloop.Loop, remote string) (*UDPFD, error) {
	addr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, err
	}
	fd := &UDPFD{conn: conn, loop: loop}
	go fd.pump()
	return fd, nil
}

func (fd *UDPFD) String() string {
	return fmt.Sprintf("UDPFD(%v -> %v)", fd.conn.LocalAddr(), fd.conn.RemoteAddr())
}

func (fd *UDPFD) pump() {
	buf := make([]byte, udpReadBufSize)
	for {
		n, err := fd.conn.Read(buf)
		if err != nil {
			fd.mu.Lock()
			closed := fd.closed
			fd.mu.Unlock()
			if !closed {
				log.WithField("fd", fd.String()).WithError(err).Debug("udp pump stopped")
				fd.loop.MarkReadable(fd, true)
			}
			return
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		fd.mu.Lock()
		fd.queue = append(fd.queue, pkt)
		fd.mu.Unlock()
		fd.loop.MarkReadable(fd, true)
	}
}

// Recv pops one pending packet, or returns (nil, nil) when the queue is
// empty.
func (fd *UDPFD) Recv() ([]byte, error) {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	if len(fd.queue) == 0 {
		if fd.closed {
			return nil, errors.New("udp socket closed")
		}
		fd.loop.MarkReadable(fd, false)
		return nil, nil
	}
	pkt := fd.queue[0]
	fd.queue = fd.queue[1:]
	return pkt, nil
}

// Send writes one datagram to the connected remote.
func (fd *UDPFD) Send(p []byte) (int, error) {
	return fd.conn.Write(p)
}

func (fd *UDPFD) LocalAddr() net.Addr {
	return fd.conn.LocalAddr()
}

func (fd *UDPFD) RemoteAddr() net.Addr {
	return fd.conn.RemoteAddr()
}

func (fd *UDPFD) Close() error {
	fd.mu.Lock()
	fd.closed = true
	fd.mu.Unlock()
	return fd.conn.Close()
}

// UDPListener demultiplexes one listening UDP socket into per-peer
// DatagramFDs, keyed by the remote address. Fresh peers are announced
// through the onNew callback on the loop goroutine.
type UDPListener struct {
	conn  *net.UDPConn
	loop  eventloop.Loop
	onNew func(*UDPChildFD)

	mu       sync.Mutex
	children map[string]*UDPChildFD
	closed   bool
}

// ListenUDP binds the local address and starts demultiplexing.
func ListenUDP(loop eventloop.Loop, local string, onNew func(*UDPChildFD)) (*UDPListener, error) {
	addr, err := net.ResolveUDPAddr("udp", local)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	l := &UDPListener{
		conn:     conn,
		loop:     loop,
		onNew:    onNew,
		children: make(map[string]*UDPChildFD),
	}
	go l.pump()
	return l, nil
}

// Addr returns the bound local address.
func (l *UDPListener) Addr() net.Addr {
	return l.conn.LocalAddr()
}

func (l *UDPListener) pump() {
	buf := make([]byte, udpReadBufSize)
	for {
		n, remote, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			children := l.children
			l.mu.Unlock()
			if !closed {
				log.WithError(err).Warn("udp listener pump stopped")
			}
			for _, child := range children {
				l.loop.MarkReadable(child, true)
			}
			return
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])

		key := remote.String()
		l.mu.Lock()
		child, ok := l.children[key]
		if !ok {
			child = &UDPChildFD{parent: l, remote: remote}
			l.children[key] = child
		}
		child.queue = append(child.queue, pkt)
		l.mu.Unlock()

		if !ok && l.onNew != nil {
			c := child
			l.loop.Submit(func() { l.onNew(c) })
		}
		l.loop.MarkReadable(child, true)
	}
}

func (l *UDPListener) forget(child *UDPChildFD) {
	l.mu.Lock()
	delete(l.children, child.remote.String())
	l.mu.Unlock()
}

// Close shuts the listening socket down.
func (l *UDPListener) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return l.conn.Close()
}

// UDPChildFD is the per-peer datagram fd carved out of a UDPListener.
type UDPChildFD struct {
	parent *UDPListener
	remote *net.UDPAddr

	// queue is guarded by the parent's mutex
	queue  [][]byte
	closed bool
}

func (fd *UDPChildFD) String() string {
	return fmt.Sprintf("UDPChildFD(%v -> %v)", fd.parent.conn.LocalAddr(), fd.remote)
}

// Recv pops one pending packet, or returns (nil, nil) when the queue is
// empty.
func (fd *UDPChildFD) Recv() ([]byte, error) {
	fd.parent.mu.Lock()
	defer fd.parent.mu.Unlock()
	if len(fd.queue) == 0 {
		if fd.closed || fd.parent.closed {
			return nil, errors.New("udp socket closed")
		}
		fd.parent.loop.MarkReadable(fd, false)
		return nil, nil
	}
	pkt := fd.queue[0]
	fd.queue = fd.queue[1:]
	return pkt, nil
}

// Send writes one datagram back to the peer.
func (fd *UDPChildFD) Send(p []byte) (int, error) {
	return fd.parent.conn.WriteToUDP(p, fd.remote)
}

func (fd *UDPChildFD) LocalAddr() net.Addr {
	return fd.parent.conn.LocalAddr()
}

func (fd *UDPChildFD) RemoteAddr() net.Addr {
	return fd.remote
}

func (fd *UDPChildFD) Close() error {
	fd.parent.mu.Lock()
	fd.closed = true
	fd.parent.mu.Unlock()
	fd.parent.forget(fd)
	return nil
}
