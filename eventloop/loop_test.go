package eventloop

import (
	"sync/atomic"
	"testing"
	"time"
)

type testFD struct {
	name string
}

func (fd *testFD) String() string {
	return fd.name
}

type countHandler struct {
	fd *testFD
	l  *EventLoop

	readable int32
	writable int32
	removed  int32

	// onReadable runs on the loop goroutine before the counter bumps.
	onReadable func()
}

func (h *countHandler) Readable() {
	if h.onReadable != nil {
		h.onReadable()
	} else {
		// drain, otherwise the level-triggered loop spins
		h.l.MarkReadable(h.fd, false)
		h.l.RemoveVirtualReadable(h.fd)
	}
	atomic.AddInt32(&h.readable, 1)
}

func (h *countHandler) Writable() {
	h.l.MarkWritable(h.fd, false)
	h.l.RemoveVirtualWritable(h.fd)
	atomic.AddInt32(&h.writable, 1)
}

func (h *countHandler) Removed() {
	atomic.AddInt32(&h.removed, 1)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRegisterAndDispatch(t *testing.T) {
	l := New("test")
	defer l.Close()

	fd := &testFD{name: "fd0"}
	h := &countHandler{fd: fd, l: l}

	if err := l.Register(fd, Readable|Writable, h); err != nil {
		t.Fatal(err)
	}
	if err := l.Register(fd, Readable, h); err != ErrAlreadyRegistered {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}

	l.MarkReadable(fd, true)
	waitFor(t, "readable dispatch", func() bool {
		return atomic.LoadInt32(&h.readable) == 1
	})

	l.MarkWritable(fd, true)
	waitFor(t, "writable dispatch", func() bool {
		return atomic.LoadInt32(&h.writable) == 1
	})
}

func TestVirtualReadiness(t *testing.T) {
	l := New("test")
	defer l.Close()

	fd := &testFD{name: "virt"}
	h := &countHandler{fd: fd, l: l}

	if err := l.Register(fd, Readable, h); err != nil {
		t.Fatal(err)
	}

	l.RegisterVirtualReadable(fd)
	waitFor(t, "virtual readable dispatch", func() bool {
		return atomic.LoadInt32(&h.readable) == 1
	})

	// writable readiness without interest must not dispatch
	l.RegisterVirtualWritable(fd)
	l.Submit(func() {})
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&h.writable) != 0 {
		t.Fatal("writable fired without a registered interest")
	}

	// adding the interest delivers the still-pending readiness
	l.AddOps(fd, Writable)
	waitFor(t, "writable after AddOps", func() bool {
		return atomic.LoadInt32(&h.writable) == 1
	})
}

func TestRmOps(t *testing.T) {
	l := New("test")
	defer l.Close()

	fd := &testFD{name: "rmops"}
	h := &countHandler{fd: fd, l: l}

	if err := l.Register(fd, Readable, h); err != nil {
		t.Fatal(err)
	}
	l.RmOps(fd, Readable)
	l.RegisterVirtualReadable(fd)
	l.Submit(func() {})
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&h.readable) != 0 {
		t.Fatal("readable fired after RmOps")
	}
}

func TestRemoveFiresRemoved(t *testing.T) {
	l := New("test")
	defer l.Close()

	fd := &testFD{name: "rm"}
	h := &countHandler{fd: fd, l: l}

	if err := l.Register(fd, Readable, h); err != nil {
		t.Fatal(err)
	}
	l.Remove(fd)
	waitFor(t, "removed callback", func() bool {
		return atomic.LoadInt32(&h.removed) == 1
	})
}

func TestCloseFiresRemoved(t *testing.T) {
	l := New("test")

	fd := &testFD{name: "close"}
	h := &countHandler{fd: fd, l: l}

	if err := l.Register(fd, Readable, h); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	if atomic.LoadInt32(&h.removed) != 1 {
		t.Fatal("Close should fire Removed for registered fds")
	}
}

func TestDelay(t *testing.T) {
	l := New("test")
	defer l.Close()

	var fired int32
	l.Delay(10*time.Millisecond, func() {
		atomic.AddInt32(&fired, 1)
	})
	waitFor(t, "delayed task", func() bool {
		return atomic.LoadInt32(&fired) == 1
	})

	canceled := l.Delay(10*time.Millisecond, func() {
		atomic.AddInt32(&fired, 100)
	})
	canceled.Cancel()
	time.Sleep(30 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 1 {
		t.Fatal("canceled timer fired")
	}
}

func TestPeriod(t *testing.T) {
	l := New("test")
	defer l.Close()

	var ticks int32
	timer := l.Period(5*time.Millisecond, func() {
		atomic.AddInt32(&ticks, 1)
	})
	waitFor(t, "periodic ticks", func() bool {
		return atomic.LoadInt32(&ticks) >= 3
	})
	timer.Cancel()
	n := atomic.LoadInt32(&ticks)
	time.Sleep(30 * time.Millisecond)
	if atomic.LoadInt32(&ticks) > n+1 {
		t.Fatal("periodic timer kept firing after Cancel")
	}
}
