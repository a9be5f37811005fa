package streamed

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/lock4u/vproxy/eventloop"
)

// fakeLoop records registrations, readiness and timers. Tasks run inline and
// timers fire only when the test says so.
type fakeLoop struct {
	regs  map[eventloop.FD]*fakeReg
	virtR map[eventloop.FD]bool
	virtW map[eventloop.FD]bool

	timers []*fakeTimer
}

type fakeReg struct {
	ops     eventloop.Events
	handler eventloop.Handler
}

type fakeTimer struct {
	d        time.Duration
	f        func()
	canceled bool
	fired    bool
}

func (t *fakeTimer) Cancel() { t.canceled = true }

func (t *fakeTimer) fire() {
	if t.canceled || t.fired {
		return
	}
	t.fired = true
	t.f()
}

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
	t := &fakeTimer{d: d, f: f}
	l.timers = append(l.timers, t)
	return t
}

func (l *fakeLoop) Period(d time.Duration, f func()) eventloop.Timer {
	return &fakeTimer{d: d, f: f}
}

func (l *fakeLoop) Submit(f func()) { f() }

func (l *fakeLoop) RegisterVirtualReadable(fd eventloop.FD) { l.virtR[fd] = true }
func (l *fakeLoop) RemoveVirtualReadable(fd eventloop.FD)   { delete(l.virtR, fd) }
func (l *fakeLoop) RegisterVirtualWritable(fd eventloop.FD) { l.virtW[fd] = true }
func (l *fakeLoop) RemoveVirtualWritable(fd eventloop.FD)   { delete(l.virtW, fd) }

func (l *fakeLoop) MarkReadable(fd eventloop.FD, ready bool) {}
func (l *fakeLoop) MarkWritable(fd eventloop.FD, ready bool) {}

// delaysOf returns the recorded live timers with the given duration, in
// order; canceled ones are skipped.
func (l *fakeLoop) delaysOf(d time.Duration) []*fakeTimer {
	var out []*fakeTimer
	for _, t := range l.timers {
		if t.d == d && !t.canceled {
			out = append(out, t)
		}
	}
	return out
}

// mockTransport is an in-memory byte-stream fd: Read drains the in buffer,
// Write appends to the out buffer, honoring an optional per-call byte cap
// so tests can force partial writes.
type mockTransport struct {
	name   string
	local  net.Addr
	remote net.Addr

	in  []byte
	out []byte

	// writeLimit caps the bytes accepted per Write call; 0 means no cap and
	// -1 blocks the transport entirely.
	writeLimit int

	readErr error
}

func (m *mockTransport) String() string { return fmt.Sprintf("mockTransport(%s)", m.name) }

func (m *mockTransport) Read(p []byte) (int, error) {
	if len(m.in) == 0 && m.readErr != nil {
		return 0, m.readErr
	}
	n := copy(p, m.in)
	m.in = m.in[n:]
	return n, nil
}

func (m *mockTransport) Write(p []byte) (int, error) {
	if m.writeLimit < 0 {
		return 0, nil
	}
	n := len(p)
	if m.writeLimit > 0 && n > m.writeLimit {
		n = m.writeLimit
	}
	m.out = append(m.out, p[:n]...)
	return n, nil
}

func (m *mockTransport) LocalAddr() net.Addr  { return m.local }
func (m *mockTransport) RemoteAddr() net.Addr { return m.remote }

// duo is a connected client/server handler pair over mock transports.
type duo struct {
	t    *testing.T
	loop *fakeLoop

	cT, sT *mockTransport
	ch, sh *Handler
	srv    *ServerFD

	cReady, sReady     int
	cInvalid, sInvalid int
}

func newDuo(t *testing.T, accept func(*FD) bool) *duo {
	t.Helper()
	d := &duo{t: t, loop: newFakeLoop()}

	cAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1111}
	sAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2222}
	d.cT = &mockTransport{name: "client", local: cAddr, remote: sAddr}
	d.sT = &mockTransport{name: "server", local: sAddr, remote: cAddr}

	d.ch = New(d.loop, d.cT, RoleClient, NewVFramer(), Callbacks{
		Ready:   func(TransportFD) { d.cReady++ },
		Invalid: func(TransportFD) { d.cInvalid++ },
	})
	d.sh = New(d.loop, d.sT, RoleServer, NewVFramer(), Callbacks{
		Ready:   func(TransportFD) { d.sReady++ },
		Invalid: func(TransportFD) { d.sInvalid++ },
		Accept:  accept,
	})

	var err error
	if d.srv, err = NewServerFD(d.sh, sAddr); err != nil {
		t.Fatal(err)
	}

	if err := d.sh.Register(); err != nil {
		t.Fatal(err)
	}
	if err := d.ch.Register(); err != nil {
		t.Fatal(err)
	}
	return d
}

// serviceWritable fires the writable event for every handler whose interest
// is registered.
func (d *duo) serviceWritable() bool {
	progress := false
	for _, pair := range []struct {
		fd TransportFD
		h  *Handler
	}{{d.cT, d.ch}, {d.sT, d.sh}} {
		if reg, ok := d.loop.regs[pair.fd]; ok && reg.ops.Has(eventloop.Writable) {
			pair.h.Writable()
			progress = true
		}
	}
	return progress
}

// drive shuffles bytes both ways and services writable interests until the
// pair is idle.
func (d *duo) drive() {
	for i := 0; i < 64; i++ {
		progress := d.serviceWritable()
		if len(d.cT.out) > 0 {
			d.sT.in = append(d.sT.in, d.cT.out...)
			d.cT.out = nil
			d.sh.Readable()
			progress = true
		}
		if len(d.sT.out) > 0 {
			d.cT.in = append(d.cT.in, d.sT.out...)
			d.sT.out = nil
			d.ch.Readable()
			progress = true
		}
		if !progress {
			return
		}
	}
	d.t.Fatal("drive did not become idle")
}

// handshake drives the pair to state 2 on both sides.
func (d *duo) handshake() {
	d.t.Helper()
	d.drive()
	if d.ch.HandshakeState() != 2 || d.sh.HandshakeState() != 2 {
		d.t.Fatalf("handshake incomplete: client=%d server=%d",
			d.ch.HandshakeState(), d.sh.HandshakeState())
	}
}

// openStream opens a client stream, sends the SYN and drives until it is
// established and accepted on the server.
func (d *duo) openStream() (*FD, *FD) {
	d.t.Helper()
	cs, err := d.ch.Open()
	if err != nil {
		d.t.Fatal(err)
	}
	if err := d.ch.SendSYN(cs); err != nil {
		d.t.Fatal(err)
	}
	d.drive()

	ss, err := d.srv.Accept()
	if err != nil {
		d.t.Fatal(err)
	}
	if ss == nil {
		d.t.Fatal("no stream in the accept queue")
	}
	return cs, ss
}

// parseFrames decodes every complete frame in b.
func parseFrames(t *testing.T, b []byte) []frame {
	t.Helper()
	var out []frame
	for len(b) > 0 {
		f, n, err := parseFrame(b)
		if err != nil {
			t.Fatal(err)
		}
		if n == 0 {
			t.Fatalf("trailing partial frame of %d bytes", len(b))
		}
		out = append(out, f)
		b = b[n:]
	}
	return out
}
