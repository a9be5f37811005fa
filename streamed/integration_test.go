package streamed

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/lock4u/vproxy/arqudp"
	"github.com/lock4u/vproxy/bytebuf"
	"github.com/lock4u/vproxy/eventloop"
)

// itDatagramFD is an in-memory packet socket for the real event loop; Send
// delivers straight into the peer's queue and raises its readiness.
type itDatagramFD struct {
	name   string
	loop   *eventloop.EventLoop
	local  net.Addr
	remote net.Addr

	mu    sync.Mutex
	queue [][]byte
	peer  *itDatagramFD
}

func (fd *itDatagramFD) String() string { return fmt.Sprintf("itDatagramFD(%s)", fd.name) }

func (fd *itDatagramFD) Recv() ([]byte, error) {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	if len(fd.queue) == 0 {
		fd.loop.MarkReadable(fd, false)
		return nil, nil
	}
	pkt := fd.queue[0]
	fd.queue = fd.queue[1:]
	return pkt, nil
}

func (fd *itDatagramFD) Send(p []byte) (int, error) {
	dup := make([]byte, len(p))
	copy(dup, p)
	fd.peer.mu.Lock()
	fd.peer.queue = append(fd.peer.queue, dup)
	fd.peer.mu.Unlock()
	fd.loop.MarkReadable(fd.peer, true)
	return len(p), nil
}

func (fd *itDatagramFD) LocalAddr() net.Addr  { return fd.local }
func (fd *itDatagramFD) RemoteAddr() net.Addr { return fd.remote }
func (fd *itDatagramFD) Close() error         { return nil }

// itStreamHandler collects received bytes into a channel.
type itStreamHandler struct {
	loop   *eventloop.EventLoop
	stream *FD
	data   chan []byte
	echo   bool
}

func (h *itStreamHandler) Readable() {
	buf := make([]byte, 4096)
	for {
		n, err := h.stream.Read(buf)
		if err != nil {
			// EOF or reset: this stream is finished
			h.loop.Remove(h.stream)
			return
		}
		if n == 0 {
			return
		}
		out := make([]byte, n)
		copy(out, buf[:n])
		if h.echo {
			_, _ = h.stream.Write(out)
		}
		select {
		case h.data <- out:
		default:
		}
	}
}

func (h *itStreamHandler) Writable() {}
func (h *itStreamHandler) Removed()  {}

// itAcceptHandler registers an echoing handler on every accepted stream.
type itAcceptHandler struct {
	loop     *eventloop.EventLoop
	server   *ServerFD
	accepted chan *FD
}

func (h *itAcceptHandler) Readable() {
	for {
		stream, err := h.server.Accept()
		if err != nil || stream == nil {
			return
		}
		sh := &itStreamHandler{loop: h.loop, stream: stream, data: make(chan []byte, 16), echo: true}
		_ = h.loop.Register(stream, eventloop.Readable, sh)
		select {
		case h.accepted <- stream:
		default:
		}
	}
}

func (h *itAcceptHandler) Writable() {}
func (h *itAcceptHandler) Removed()  {}

func TestIntegrationEchoOverKCP(t *testing.T) {
	loop := eventloop.New("integration")
	defer loop.Close()

	cAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40001}
	sAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40002}
	rawC := &itDatagramFD{name: "client", loop: loop, local: cAddr, remote: sAddr}
	rawS := &itDatagramFD{name: "server", loop: loop, local: sAddr, remote: cAddr}
	rawC.peer = rawS
	rawS.peer = rawC

	build := func(ident string) arqudp.HandlerBuilder {
		return func(emit func(*bytebuf.Channel)) arqudp.Handler {
			return arqudp.NewKCPHandler(emit, 3, ident)
		}
	}

	sockC, err := arqudp.NewSocketFD(loop, rawC, build("client"))
	if err != nil {
		t.Fatal(err)
	}
	sockS, err := arqudp.NewSocketFD(loop, rawS, build("server"))
	if err != nil {
		t.Fatal(err)
	}

	clientReady := make(chan struct{}, 1)
	accepted := make(chan *FD, 1)

	ch := New(loop, sockC, RoleClient, NewVFramer(), Callbacks{
		Ready: func(TransportFD) { clientReady <- struct{}{} },
	})
	sh := New(loop, sockS, RoleServer, NewVFramer(), Callbacks{})
	srv, err := NewServerFD(sh, sAddr)
	if err != nil {
		t.Fatal(err)
	}
	if err := loop.Register(srv, eventloop.Readable, &itAcceptHandler{loop: loop, server: srv, accepted: accepted}); err != nil {
		t.Fatal(err)
	}
	if err := sh.Register(); err != nil {
		t.Fatal(err)
	}
	if err := ch.Register(); err != nil {
		t.Fatal(err)
	}

	select {
	case <-clientReady:
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not complete")
	}

	// open a stream and push a message, all on the loop goroutine
	received := make(chan []byte, 16)
	opened := make(chan *FD, 1)
	loop.Submit(func() {
		stream, err := ch.Open()
		if err != nil {
			t.Errorf("Open errored: %v", err)
			return
		}
		if err := ch.SendSYN(stream); err != nil {
			t.Errorf("SendSYN errored: %v", err)
			return
		}
		_ = loop.Register(stream, eventloop.Readable, &itStreamHandler{loop: loop, stream: stream, data: received})
		if _, err := stream.Write([]byte("ping over kcp")); err != nil {
			t.Errorf("Write errored: %v", err)
		}
		opened <- stream
	})

	var stream *FD
	select {
	case stream = <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("stream was not opened")
	}

	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not accept the stream")
	}

	select {
	case echo := <-received:
		if string(echo) != "ping over kcp" {
			t.Fatalf("unexpected echo: %q", echo)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no echo arrived")
	}

	// graceful close
	closed := make(chan error, 1)
	loop.Submit(func() { closed <- stream.Close() })
	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("Close errored: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("close did not finish")
	}
}
