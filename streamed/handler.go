package streamed

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/lock4u/vproxy/bytebuf"
	"github.com/lock4u/vproxy/eventloop"
)

// Role selects which side of the handshake and stream protocol a Handler
// plays.
type Role bool

const (
	RoleClient Role = true
	RoleServer Role = false
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// TransportFD is the reliable byte-stream socket a Handler drives,
// implemented by arqudp.SocketFD. Read and Write never block: both return 0
// with a nil error when the transport cannot make progress right now.
type TransportFD interface {
	eventloop.FD

	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

const (
	handshakeTimeout = 5 * time.Second
	keepaliveTimeout = 5 * time.Second

	// invalidDelay gives the reliable transport a chance to deliver the
	// final error frame before the owner is told the fd is gone.
	invalidDelay = time.Second

	keepaliveMaxSuccess = 2
)

// Callbacks notify the Handler's owner. Any field may be nil.
type Callbacks struct {
	// Ready fires once when the handshake completed.
	Ready func(TransportFD)

	// Invalid fires once when the handler failed terminally.
	Invalid func(TransportFD)

	// Accept decides whether an incoming stream is taken. When nil,
	// streams are accepted iff a ServerFD is attached.
	Accept func(*FD) bool
}

// Handler is the multiplexing state machine for one reliable connection: it
// runs the handshake, frames and parses all messages through the injected
// Framer, owns the stream map and serializes every outgoing frame through a
// single write queue.
type Handler struct {
	fd     TransportFD
	loop   eventloop.Loop
	role   Role
	framer Framer

	readyCallback   func(TransportFD)
	invalidCallback func(TransportFD)
	acceptCallback  func(*FD) bool

	// state is the handshake phase.
	// client: 0 initial, 1 hello sent, 2 established
	// server: 0 awaiting hello, 1 hello received and own hello being sent,
	// 2 established
	// -1 failed
	state int

	isFailed       bool
	handshakeTimer eventloop.Timer

	pendingWrite *bytebuf.Channel
	writeQueue   []*bytebuf.ByteArray

	recvBuf *bytebuf.ByteArray

	fdMap map[uint32]*FD

	keepaliveTimeouts map[uint64]eventloop.Timer
	nextKeepaliveID   uint64
	keepaliveSuccess  int

	server *ServerFD
}

// New creates a Handler for the given role on top of fd. The handler is not
// live until Register is called.
func New(loop eventloop.Loop, fd TransportFD, role Role, framer Framer, cbs Callbacks) *Handler {
	h := &Handler{
		fd:                fd,
		loop:              loop,
		role:              role,
		framer:            framer,
		readyCallback:     cbs.Ready,
		invalidCallback:   cbs.Invalid,
		acceptCallback:    cbs.Accept,
		fdMap:             make(map[uint32]*FD),
		keepaliveTimeouts: make(map[uint64]eventloop.Timer),
		keepaliveSuccess:  keepaliveMaxSuccess,
	}
	if h.readyCallback == nil {
		h.readyCallback = func(TransportFD) {}
	}
	if h.invalidCallback == nil {
		h.invalidCallback = func(TransportFD) {}
	}
	return h
}

func (h *Handler) log() *log.Entry {
	return log.WithFields(log.Fields{
		"fd":   h.fd.String(),
		"role": h.role.String(),
	})
}

// Register adds the handler to the loop and, on the client role, starts the
// handshake.
func (h *Handler) Register() error {
	if err := h.loop.Register(h.fd, eventloop.Readable, h); err != nil {
		return err
	}
	if h.role == RoleClient {
		h.loop.Submit(h.connected)
	}
	return nil
}

// HandshakeState exposes the handshake phase, mainly for diagnostics.
func (h *Handler) HandshakeState() int {
	return h.state
}

func (h *Handler) fail(err error) {
	h.failWith(err, true)
}

func (h *Handler) failWith(err error, sendRst bool) {
	if h.isFailed {
		return
	}
	h.isFailed = true
	for _, sfd := range h.fdMap {
		sfd.setState(StateDead)
	}
	h.log().WithError(err).Error("the stream connection failed")
	h.state = -1
	// nothing more will be parsed, stop the readable interest
	h.recvBuf = nil
	h.loop.RmOps(h.fd, eventloop.Readable)
	if sendRst {
		// push the error frame to the very front of the queue and give the
		// transport one second to deliver it
		h.pushMessageToWrite(h.framer.FormatError(err))
		h.loop.Delay(invalidDelay, func() { h.invalidCallback(h.fd) })
	} else {
		h.invalidCallback(h.fd)
	}
}

// ErrorReceived handles an error frame from the peer: terminal, but no RST
// is sent back.
func (h *Handler) ErrorReceived(err error) {
	h.failWith(err, false)
}

// write drains the pending buffer into the transport. It returns 1 when the
// buffer emptied, 0 when the transport blocked, -1 on failure.
func (h *Handler) write() int {
	n, err := h.fd.Write(h.pendingWrite.Bytes())
	if err != nil {
		h.fail(err)
		// the transport is gone, writing cannot resume
		h.unwatchWritable()
		return -1
	}
	if n == 0 {
		return 0
	}
	if n == h.pendingWrite.Used() {
		h.pendingWrite = nil
		return 1
	}
	h.pendingWrite.Skip(n)
	return 0
}

// connected starts the client handshake: arm the timer, send the hello.
func (h *Handler) connected() {
	if h.role != RoleClient {
		h.log().Error("server should not fire `connected` event")
		return
	}
	h.handshakeTimer = h.loop.Delay(handshakeTimeout, func() {
		h.fail(ErrHandshakeTimeout)
	})

	h.pendingWrite = bytebuf.FromFull(h.framer.ClientHandshake())
	n := h.write()
	if n < 0 {
		return
	}
	if n == 0 {
		// wants to write more, wait for the writable event
		h.watchWritable()
		return
	}
	h.state = 1
	h.unwatchWritable()
	h.watchReadable()
}

// read drains the transport into recvBuf.
func (h *Handler) read() {
	var array *bytebuf.ByteArray
	buf := make([]byte, 1024)
	for {
		n, err := h.fd.Read(buf)
		if err != nil {
			if array == nil {
				h.fail(err)
				return
			}
			break
		}
		if n == 0 {
			break
		}
		array = array.Concat(bytebuf.Copy(buf[:n]))
	}
	if array.Len() > 0 {
		h.recvBuf = h.recvBuf.Concat(array)
	}
}

func (h *Handler) reduceRecvBuf(consumed int) {
	if consumed == h.recvBuf.Len() {
		h.recvBuf = nil
	} else {
		h.recvBuf = h.recvBuf.Sub(consumed, h.recvBuf.Len()-consumed)
	}
}

func (h *Handler) handshakeDone() {
	h.handshakeTimer.Cancel()
	h.state = 2
	h.readyCallback(h.fd)
}

func (h *Handler) clientReadable() {
	switch h.state {
	case 0:
		h.log().Error("client readable should not see state == 0")
	case 1:
		n, err := h.framer.ParseClientHandshake(h.recvBuf)
		if err != nil {
			h.fail(err)
			return
		}
		if n == 0 {
			// message not complete
			return
		}
		h.reduceRecvBuf(n)
		h.handshakeDone()
	}
}

func (h *Handler) serverReadable() {
	switch h.state {
	case 0:
		n, err := h.framer.ParseServerHandshake(h.recvBuf)
		if err != nil {
			h.fail(err)
			return
		}
		if n == 0 {
			// message not complete
			return
		}
		h.reduceRecvBuf(n)
		h.state = 1

		h.handshakeTimer = h.loop.Delay(handshakeTimeout, func() {
			h.fail(ErrHandshakeTimeout)
		})

		h.pendingWrite = bytebuf.FromFull(h.framer.ServerHandshake())
		w := h.write()
		if w < 0 {
			return
		}
		if w == 0 {
			h.watchWritable()
			return
		}
		h.handshakeDone()
	case 1:
		h.log().Error("server should not fire readable in state = 1")
	}
}

// Readable implements the loop handler: buffer transport bytes, then run
// either the handshake parser or the framer loop.
func (h *Handler) Readable() {
	h.read()
	if h.recvBuf.Len() == 0 {
		// nothing read
		return
	}
	if h.state == 0 || h.state == 1 {
		if h.role == RoleClient {
			h.clientReadable()
		} else {
			h.serverReadable()
		}
		return
	}

	for {
		var n int
		var err error
		if h.role == RoleClient {
			n, err = h.framer.ClientFeed(h.recvBuf, h)
		} else {
			n, err = h.framer.ServerFeed(h.recvBuf, h)
		}
		if err != nil {
			h.fail(err)
			return
		}
		if n == 0 {
			// nothing fed
			return
		}
		if h.recvBuf == nil {
			// cleared by a fail() from inside the framer
			return
		}
		h.reduceRecvBuf(n)
		if h.recvBuf == nil {
			return
		}
	}
}

func (h *Handler) clientWritable() {
	switch h.state {
	case 0:
		// the hello is fully written
		h.state = 1
		h.unwatchWritable()
		h.watchReadable()
	case 1:
		h.log().Error("client should not fire writable in state = 1")
	}
}

func (h *Handler) serverWritable() {
	switch h.state {
	case 0:
		h.log().Error("server should not fire writable in state = 0")
	case 1:
		// the hello is fully written
		h.handshakeDone()
		h.unwatchWritable()
	}
}

// Writable implements the loop handler: drain the pending frame, then keep
// popping the queue.
func (h *Handler) Writable() {
	for {
		if h.pendingWrite != nil {
			n := h.write()
			if n < 0 {
				return
			}
			if n == 0 {
				// the transport blocked mid-frame, downstream streams cannot
				// make progress either
				for _, sfd := range h.fdMap {
					sfd.cancelWritable()
				}
				return
			}
		}
		if h.state == 0 || h.state == 1 {
			if h.role == RoleClient {
				h.clientWritable()
			} else {
				h.serverWritable()
			}
			return
		}

		if len(h.writeQueue) == 0 {
			h.unwatchWritable()
			for _, sfd := range h.fdMap {
				if sfd.state == StateEstablished {
					sfd.setWritable()
				}
			}
			return
		}
		arr := h.writeQueue[0]
		h.writeQueue = h.writeQueue[1:]
		for _, sfd := range h.fdMap {
			if sfd.state == StateEstablished {
				sfd.setWritable()
			}
		}
		h.pendingWrite = bytebuf.FromFull(arr)
	}
}

// Removed implements the loop handler: losing the transport fd is fatal.
func (h *Handler) Removed() {
	h.log().Warn("fd removed from loop, we have to invalid the fd")
	h.fail(fmt.Errorf("arq udp socket removed from loop: %v", h.fd))
}

func (h *Handler) watchReadable() {
	h.loop.AddOps(h.fd, eventloop.Readable)
}

func (h *Handler) watchWritable() {
	h.loop.AddOps(h.fd, eventloop.Writable)
}

func (h *Handler) unwatchWritable() {
	h.loop.RmOps(h.fd, eventloop.Writable)
}

func (h *Handler) addMessageToWrite(arr *bytebuf.ByteArray) {
	if arr.Len() == 0 {
		return
	}
	h.writeQueue = append(h.writeQueue, arr)
	h.watchWritable()
}

func (h *Handler) pushMessageToWrite(arr *bytebuf.ByteArray) {
	if arr.Len() == 0 {
		return
	}
	h.writeQueue = append([]*bytebuf.ByteArray{arr}, h.writeQueue...)
	h.watchWritable()
}

// HasStream reports whether a stream with the given id exists.
func (h *Handler) HasStream(streamID uint32) bool {
	_, ok := h.fdMap[streamID]
	return ok
}

// portOf extracts the L4 port from an address.
func portOf(addr net.Addr) int {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.Port
	case *net.TCPAddr:
		return a.Port
	default:
		if _, portStr, err := net.SplitHostPort(addr.String()); err == nil {
			if port, err := strconv.Atoi(portStr); err == nil {
				return port
			}
		}
		return 0
	}
}

// newStream materializes a stream with its synthetic address pair: the
// stream id rendered as an IPv4 address, the port borrowed from the
// underlying UDP socket (local port on the client, remote port on the
// server).
func (h *Handler) newStream(streamID uint32) bool {
	if h.HasStream(streamID) {
		h.log().WithField("stream", streamID).Debug("trying to add existing stream to fdMap")
		return false
	}

	virtualIP := net.IPv4(
		byte(streamID>>24), byte(streamID>>16), byte(streamID>>8), byte(streamID))

	var virtualPort int
	if h.role == RoleClient {
		virtualPort = portOf(h.fd.LocalAddr())
	} else {
		virtualPort = portOf(h.fd.RemoteAddr())
	}
	virtual := &net.UDPAddr{IP: virtualIP, Port: virtualPort}

	var local, remote net.Addr
	if h.role == RoleClient {
		local = virtual
		remote = h.fd.RemoteAddr()
	} else {
		local = h.fd.LocalAddr()
		remote = virtual
	}

	sfd := newFD(streamID, h, local, remote)
	h.fdMap[streamID] = sfd
	h.log().WithField("stream", streamID).Debug("adding new stream to fdMap")
	return true
}

func (h *Handler) removeStream(streamID uint32) bool {
	if _, ok := h.fdMap[streamID]; !ok {
		h.log().WithField("stream", streamID).Debug("trying to remove non-exist stream from fdMap")
		return false
	}
	delete(h.fdMap, streamID)
	h.log().WithField("stream", streamID).Debug("removing stream from fdMap")
	return true
}

// DataForStream implements Sink: deliver PSH payload to the stream's
// inbound buffer, or drop it if the stream is gone.
func (h *Handler) DataForStream(streamID uint32, data *bytebuf.ByteArray) bool {
	sfd, ok := h.fdMap[streamID]
	if !ok {
		h.log().WithField("stream", streamID).Debug("data for non-existing stream")
		return false
	}
	sfd.inputData(data)
	return true
}

// accept allocates the stream and asks the owner whether to take it.
func (h *Handler) accept(streamID uint32) bool {
	if h.role == RoleClient {
		panic("accept called on client handler")
	}
	if !h.newStream(streamID) {
		return false
	}
	sfd := h.fdMap[streamID]
	if h.acceptCallback != nil {
		if !h.acceptCallback(sfd) {
			h.log().WithField("stream", streamID).Warn("acceptCallback returns false")
			return false
		}
		return true
	}
	if h.server == nil {
		h.log().WithField("stream", streamID).Warn("no accept sink for incoming stream")
		return false
	}
	return true
}

// SynReceived implements Sink. On the client it acknowledges a stream in
// syn_sent (the frame was a SYN-ACK); on the server it accepts a fresh
// stream and answers with a SYN-ACK.
func (h *Handler) SynReceived(streamID uint32) bool {
	if h.role == RoleClient {
		if !h.HasStream(streamID) {
			h.log().WithField("stream", streamID).Debug("syn-ack for non-existing stream")
			return false
		}
	} else {
		if h.HasStream(streamID) {
			h.log().WithField("stream", streamID).Debug("syn for existing stream")
			return false
		}
		if !h.accept(streamID) {
			err := fmt.Errorf("accepting %d failed in arq udp socket %v", streamID, h.fd)
			h.log().WithError(err).Error("stream not accepted")
			h.fail(err)
			return false
		}
	}

	sfd := h.fdMap[streamID]
	if h.role == RoleClient && sfd.state != StateSynSent {
		h.log().WithFields(log.Fields{
			"stream": streamID,
			"state":  sfd.state.String(),
		}).Debug("syn-ack for stream not in syn_sent")
		return false
	}
	sfd.setState(StateEstablished)
	if h.role == RoleServer {
		h.addMessageToWrite(h.framer.FormatSYNACK(streamID))
		if h.server != nil {
			h.server.accepted(sfd)
		}
	}
	if h.pendingWrite == nil && len(h.writeQueue) == 0 {
		// the write queue is idle, the stream can take data right away
		sfd.setWritable()
	}
	return true
}

// FinReceived implements Sink: established streams move to fin_recv;
// streams in syn_sent, fin_sent or fin_recv die and leave the map; a FIN for
// a stream in state none is ignored. No response frame.
func (h *Handler) FinReceived(streamID uint32) bool {
	sfd, ok := h.fdMap[streamID]
	if !ok {
		h.log().WithField("stream", streamID).Debug("fin for non-existing stream")
		return false
	}
	switch sfd.state {
	case StateNone:
		h.log().WithField("stream", streamID).Debug("fin for stream in state none")
		return false
	case StateDead:
		h.log().WithField("stream", streamID).Error("closed streams should be removed from fdMap")
		return false
	case StateEstablished:
		sfd.setState(StateFinRecv)
	default:
		sfd.setState(StateDead)
		h.removeStream(streamID)
	}
	return true
}

// RstReceived implements Sink: the stream dies with the reset flag and a RST
// is echoed back.
func (h *Handler) RstReceived(streamID uint32) bool {
	sfd, ok := h.fdMap[streamID]
	if !ok {
		h.log().WithField("stream", streamID).Debug("rst for non-existing stream")
		return false
	}
	if sfd.state == StateDead {
		return false
	}
	sfd.setState(StateDead)
	sfd.setRst()
	h.addMessageToWrite(h.framer.FormatRST(streamID))
	return true
}

// KeepaliveReceived implements Sink: acks cancel the pending timer and add
// one back to the success budget, capped at its maximum; requests are
// answered ahead of everything queued.
func (h *Handler) KeepaliveReceived(keepaliveID uint64, isAck bool) {
	if isAck {
		te, ok := h.keepaliveTimeouts[keepaliveID]
		if !ok {
			h.log().WithField("keepalive", keepaliveID).Warn("the timer is already canceled or missing")
			return
		}
		delete(h.keepaliveTimeouts, keepaliveID)
		h.log().WithField("keepalive", keepaliveID).Debug("receiving keepalive ack message")
		h.keepaliveSuccess++
		if h.keepaliveSuccess > keepaliveMaxSuccess {
			h.keepaliveSuccess = keepaliveMaxSuccess
		}
		te.Cancel()
	} else {
		h.log().WithField("keepalive", keepaliveID).Debug("receiving remote keepalive message")
		h.pushMessageToWrite(h.framer.FormatKeepalive(keepaliveID, true))
	}
}

// Probe sends a keepalive request if the connection is idle, and logs the
// live stream records. The owner drives the cadence.
func (h *Handler) Probe() {
	if h.pendingWrite == nil && len(h.writeQueue) == 0 {
		h.nextKeepaliveID++
		kid := h.nextKeepaliveID
		h.keepaliveTimeouts[kid] = h.loop.Delay(keepaliveTimeout, func() {
			delete(h.keepaliveTimeouts, kid)
			if h.keepaliveSuccess <= 0 {
				h.fail(ErrKeepaliveTimeout)
				return
			}
			h.keepaliveSuccess--
		})
		h.pushMessageToWrite(h.framer.FormatKeepalive(kid, false))
		h.log().WithField("keepalive", kid).Debug("keepalive message sent")
	}

	for streamID, sfd := range h.fdMap {
		h.log().WithFields(log.Fields{
			"stream": streamID,
			"local":  sfd.local.String(),
			"remote": sfd.remote.String(),
			"state":  sfd.state.String(),
		}).Debug("stream record")
	}
}

// Open creates a fresh outgoing stream on the client. The stream starts in
// state none; call SendSYN to take it onto the wire.
func (h *Handler) Open() (*FD, error) {
	if h.role != RoleClient {
		return nil, errors.New("open is a client operation")
	}
	if h.state != 2 {
		return nil, ErrNotReady
	}
	streamID := h.framer.NextStreamID()
	if !h.newStream(streamID) {
		h.log().WithField("stream", streamID).Error("streamId already exists")
		return nil, fmt.Errorf("streamId %d already exists", streamID)
	}
	return h.fdMap[streamID], nil
}

func (h *Handler) checkOwned(sfd *FD) error {
	if h.fdMap[sfd.streamID] != sfd {
		return fmt.Errorf("fdMap does not contain fd %v", sfd)
	}
	return nil
}

// SendSYN frames a SYN for a freshly opened stream.
func (h *Handler) SendSYN(sfd *FD) error {
	if err := h.checkOwned(sfd); err != nil {
		return err
	}
	if sfd.state != StateNone {
		return fmt.Errorf("syn of %v is already sent", sfd)
	}
	h.addMessageToWrite(h.framer.FormatSYN(sfd.streamID))
	sfd.setState(StateSynSent)
	return nil
}

// send frames application bytes as a PSH. Only streams in syn_sent,
// established or fin_recv may write.
func (h *Handler) send(sfd *FD, src []byte) (int, error) {
	if err := h.checkOwned(sfd); err != nil {
		return 0, err
	}
	switch sfd.state {
	case StateSynSent, StateEstablished, StateFinRecv:
	default:
		return 0, fmt.Errorf("%v is not connected: %v", sfd, sfd.state)
	}
	if len(src) == 0 {
		// nothing to be sent
		return 0, nil
	}
	h.addMessageToWrite(h.framer.FormatPSH(sfd.streamID, bytebuf.Copy(src)))
	return len(src), nil
}

// SendFIN closes the stream's write side. Streams that never established or
// already saw the peer's FIN die immediately and leave the map; established
// streams wait in fin_sent for the peer.
func (h *Handler) SendFIN(sfd *FD) error {
	if err := h.checkOwned(sfd); err != nil {
		return err
	}
	if sfd.state == StateDead {
		return ErrClosedStream
	}
	if sfd.state != StateFinSent {
		h.addMessageToWrite(h.framer.FormatFIN(sfd.streamID))
	}

	switch sfd.state {
	case StateNone, StateSynSent, StateFinRecv:
		sfd.setState(StateDead)
		h.removeStream(sfd.streamID)
	case StateEstablished:
		sfd.setState(StateFinSent)
	case StateFinSent:
		// nothing to do
	}
	return nil
}

// SendRST aborts the stream.
func (h *Handler) SendRST(sfd *FD) error {
	if err := h.checkOwned(sfd); err != nil {
		return err
	}
	if sfd.state == StateDead {
		return ErrClosedStream
	}
	h.addMessageToWrite(h.framer.FormatRST(sfd.streamID))
	sfd.setState(StateDead)
	return nil
}

// Clear tears every stream and timer down and empties the queues. The
// handler is unusable afterwards.
func (h *Handler) Clear() {
	for _, sfd := range h.fdMap {
		sfd.setState(StateDead)
	}
	for _, te := range h.keepaliveTimeouts {
		te.Cancel()
	}
	h.pendingWrite = nil
	h.recvBuf = nil
	h.writeQueue = nil
	h.fdMap = make(map[uint32]*FD)
	h.keepaliveTimeouts = make(map[uint64]eventloop.Timer)
}
