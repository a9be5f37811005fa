package arqudp

import (
	"bytes"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/lock4u/vproxy/bytebuf"
	"github.com/lock4u/vproxy/eventloop"
)

// fakeLoop records registrations, readiness and timers; tasks run inline.
// Tests drive handlers and clocks by hand.
type fakeLoop struct {
	regs  map[eventloop.FD]*fakeReg
	virtR map[eventloop.FD]bool
	virtW map[eventloop.FD]bool

	periodics []func()
}

type fakeReg struct {
	ops     eventloop.Events
	handler eventloop.Handler
}

type fakeTimer struct {
	f        func()
	canceled bool
}

func (t *fakeTimer) Cancel() { t.canceled = true }

func newFakeLoop() *fakeLoop {
	return &fakeLoop{
		regs:  make(map[eventloop.FD]*fakeReg),
		virtR: make(map[eventloop.FD]bool),
		virtW: make(map[eventloop.FD]bool),
	}
}

func (l *fakeLoop) Register(fd eventloop.FD, ops eventloop.Events, h eventloop.Handler) error {
	if _, ok := l.regs[fd]; ok {
		return eventloop.ErrAlreadyRegistered
	}
	l.regs[fd] = &fakeReg{ops: ops, handler: h}
	return nil
}

func (l *fakeLoop) AddOps(fd eventloop.FD, ops eventloop.Events) {
	if reg, ok := l.regs[fd]; ok {
		reg.ops |= ops
	}
}

func (l *fakeLoop) RmOps(fd eventloop.FD, ops eventloop.Events) {
	if reg, ok := l.regs[fd]; ok {
		reg.ops &^= ops
	}
}

func (l *fakeLoop) Remove(fd eventloop.FD) {
	if reg, ok := l.regs[fd]; ok {
		delete(l.regs, fd)
		reg.handler.Removed()
	}
}

func (l *fakeLoop) Delay(d time.Duration, f func()) eventloop.Timer {
	return &fakeTimer{f: f}
}

func (l *fakeLoop) Period(d time.Duration, f func()) eventloop.Timer {
	l.periodics = append(l.periodics, f)
	return &fakeTimer{f: f}
}

func (l *fakeLoop) Submit(f func()) { f() }

func (l *fakeLoop) RegisterVirtualReadable(fd eventloop.FD) { l.virtR[fd] = true }
func (l *fakeLoop) RemoveVirtualReadable(fd eventloop.FD)   { delete(l.virtR, fd) }
func (l *fakeLoop) RegisterVirtualWritable(fd eventloop.FD) { l.virtW[fd] = true }
func (l *fakeLoop) RemoveVirtualWritable(fd eventloop.FD)   { delete(l.virtW, fd) }

func (l *fakeLoop) MarkReadable(fd eventloop.FD, ready bool) {}
func (l *fakeLoop) MarkWritable(fd eventloop.FD, ready bool) {}

// mockDatagramFD is an in-memory packet socket; its peer field points at the
// other end's inbound queue.
type mockDatagramFD struct {
	name   string
	local  net.Addr
	remote net.Addr

	queue [][]byte
	peer  *mockDatagramFD

	closed bool
}

func (fd *mockDatagramFD) String() string { return fmt.Sprintf("mockDatagramFD(%s)", fd.name) }

func (fd *mockDatagramFD) Recv() ([]byte, error) {
	if len(fd.queue) == 0 {
		return nil, nil
	}
	pkt := fd.queue[0]
	fd.queue = fd.queue[1:]
	return pkt, nil
}

func (fd *mockDatagramFD) Send(p []byte) (int, error) {
	dup := make([]byte, len(p))
	copy(dup, p)
	fd.peer.queue = append(fd.peer.queue, dup)
	return len(p), nil
}

func (fd *mockDatagramFD) LocalAddr() net.Addr  { return fd.local }
func (fd *mockDatagramFD) RemoteAddr() net.Addr { return fd.remote }
func (fd *mockDatagramFD) Close() error {
	fd.closed = true
	return nil
}

func mockPair() (*mockDatagramFD, *mockDatagramFD) {
	aAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1111}
	bAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2222}
	a := &mockDatagramFD{name: "a", local: aAddr, remote: bAddr}
	b := &mockDatagramFD{name: "b", local: bAddr, remote: aAddr}
	a.peer = b
	b.peer = a
	return a, b
}

// sockPair builds two connected SocketFDs on one fake loop.
func sockPair(t *testing.T) (*fakeLoop, *SocketFD, *SocketFD, *mockDatagramFD, *mockDatagramFD) {
	t.Helper()
	loop := newFakeLoop()
	rawA, rawB := mockPair()
	build := func(ident string) HandlerBuilder {
		return func(emit func(*bytebuf.Channel)) Handler {
			return NewKCPHandler(emit, 9, ident)
		}
	}
	sockA, err := NewSocketFD(loop, rawA, build("a"))
	if err != nil {
		t.Fatal(err)
	}
	sockB, err := NewSocketFD(loop, rawB, build("b"))
	if err != nil {
		t.Fatal(err)
	}
	return loop, sockA, sockB, rawA, rawB
}

// pump runs the clocks and shuffles packets both ways until idle.
func pump(loop *fakeLoop, rawA, rawB *mockDatagramFD) {
	for i := 0; i < 64; i++ {
		for _, tick := range loop.periodics {
			tick()
		}
		progress := false
		for _, raw := range []*mockDatagramFD{rawA, rawB} {
			reg := loop.regs[eventloop.FD(raw)]
			if reg == nil {
				continue
			}
			if reg.ops.Has(eventloop.Writable) {
				reg.handler.Writable()
				progress = true
			}
			if len(raw.queue) > 0 {
				reg.handler.Readable()
				progress = true
			}
		}
		if !progress {
			return
		}
	}
}

func TestSocketTransfer(t *testing.T) {
	loop, sockA, sockB, rawA, rawB := sockPair(t)

	payload := bytes.Repeat([]byte("streamed-bytes."), 200)
	if n, err := sockA.Write(payload); err != nil {
		t.Fatal(err)
	} else if n != len(payload) {
		t.Fatalf("short write: %d of %d", n, len(payload))
	}

	pump(loop, rawA, rawB)

	if !loop.virtR[eventloop.FD(sockB)] {
		t.Fatal("peer socket should be virtually readable")
	}

	got := make([]byte, 0, len(payload))
	buf := make([]byte, 999)
	for {
		n, err := sockB.Read(buf)
		if err != nil {
			t.Fatal(err)
		}
		if n == 0 {
			break
		}
		got = append(got, buf[:n]...)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("transfer mismatch: %d of %d bytes", len(got), len(payload))
	}
	if loop.virtR[eventloop.FD(sockB)] {
		t.Fatal("drained socket should not stay virtually readable")
	}
}

func TestSocketBidirectional(t *testing.T) {
	loop, sockA, sockB, rawA, rawB := sockPair(t)

	if _, err := sockA.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	if _, err := sockB.Write([]byte("pong")); err != nil {
		t.Fatal(err)
	}
	pump(loop, rawA, rawB)

	buf := make([]byte, 16)
	if n, _ := sockB.Read(buf); string(buf[:n]) != "ping" {
		t.Fatalf("unexpected bytes on b: %q", buf[:n])
	}
	if n, _ := sockA.Read(buf); string(buf[:n]) != "pong" {
		t.Fatalf("unexpected bytes on a: %q", buf[:n])
	}
}

func TestSocketMalformedInput(t *testing.T) {
	loop, _, sockB, rawA, rawB := sockPair(t)

	// bypass the engine: deliver garbage straight to b
	rawA.Send([]byte("this is not a kcp segment at all."))
	reg := loop.regs[eventloop.FD(rawB)]
	reg.handler.Readable()

	buf := make([]byte, 16)
	if _, err := sockB.Read(buf); err == nil {
		t.Fatal("malformed datagram should surface an error on read")
	}
	if !loop.virtR[eventloop.FD(sockB)] {
		t.Fatal("failed socket should raise its readable edge")
	}
}

func TestSocketClose(t *testing.T) {
	loop, sockA, _, rawA, _ := sockPair(t)

	if err := sockA.Close(); err != nil {
		t.Fatal(err)
	}
	if !rawA.closed {
		t.Fatal("closing the socket should close the datagram fd")
	}
	if _, ok := loop.regs[eventloop.FD(rawA)]; ok {
		t.Fatal("closing the socket should deregister the datagram fd")
	}
	if _, err := sockA.Write([]byte("x")); err == nil {
		t.Fatal("write after close should fail")
	}
}
