package streamed

import (
	"errors"
	"fmt"
	"net"

	log "github.com/sirupsen/logrus"

	"github.com/lock4u/vproxy/eventloop"
)

// ErrDuplicateListener is returned when a second ServerFD is attached to the
// same handler.
var ErrDuplicateListener = errors.New("cannot create more than one streamed server socket fd")

// ErrListenerClosed is returned by Accept after Close.
var ErrListenerClosed = errors.New("the listening fd is closed")

// ServerFD is the virtual listening socket of the server role: newly
// established incoming streams queue up here and are handed out through
// Accept. There is at most one ServerFD per handler.
type ServerFD struct {
	handler *Handler
	loop    eventloop.Loop
	local   net.Addr

	isOpen      bool
	acceptQueue []*FD

	readableSet bool
}

// NewServerFD attaches the singleton listener to the handler.
func NewServerFD(h *Handler, local net.Addr) (*ServerFD, error) {
	if h.server != nil {
		return nil, ErrDuplicateListener
	}
	s := &ServerFD{
		handler: h,
		loop:    h.loop,
		local:   local,
		isOpen:  true,
	}
	h.server = s
	return s, nil
}

func (s *ServerFD) String() string {
	return fmt.Sprintf("StreamedServerSocketFD(local=%v)", s.local)
}

// LocalAddr returns the address the listener stands for.
func (s *ServerFD) LocalAddr() net.Addr {
	return s.local
}

// Bind only validates: the listener is already bound to its one address.
func (s *ServerFD) Bind(addr net.Addr) error {
	if addr.String() != s.local.String() {
		return fmt.Errorf("cannot bind %v (you could only bind %v)", addr, s.local)
	}
	return nil
}

// Accept pops one established stream, or returns nil when the queue is
// empty; the virtual readable edge is dropped in that case.
func (s *ServerFD) Accept() (*FD, error) {
	log.WithField("fd", s.String()).Debug("accept() called")
	if !s.isOpen {
		return nil, ErrListenerClosed
	}
	if len(s.acceptQueue) == 0 {
		s.cancelReadable()
		return nil, nil
	}
	sfd := s.acceptQueue[0]
	s.acceptQueue = s.acceptQueue[1:]
	return sfd, nil
}

// accepted is called by the handler once an incoming stream established.
func (s *ServerFD) accepted(sfd *FD) {
	log.WithFields(log.Fields{
		"fd":     s.String(),
		"stream": sfd.String(),
	}).Debug("stream accepted")
	s.acceptQueue = append(s.acceptQueue, sfd)
	s.setReadable()
}

func (s *ServerFD) setReadable() {
	s.readableSet = true
	s.loop.RegisterVirtualReadable(s)
}

func (s *ServerFD) cancelReadable() {
	s.readableSet = false
	s.loop.RemoveVirtualReadable(s)
}

// Close releases the listener slot on the handler.
func (s *ServerFD) Close() error {
	s.isOpen = false
	if s.handler.server == s {
		s.handler.server = nil
	}
	return nil
}
