// Package arqudp binds an ARQ engine to a datagram socket and exposes the
// result as a virtual byte-stream fd for the event loop. The engine itself is
// pluggable through the Handler contract; the KCP binding below is the one
// the streamed multiplexer runs on.
package arqudp

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/lock4u/vproxy/bytebuf"
	"github.com/lock4u/vproxy/kcp"
)

// Handler adapts one ARQ protocol engine. Implementations receive incoming
// datagrams through Parse, application bytes through Write, and a
// millisecond clock through Clock; decoded stream bytes flow back out of
// Parse and raw datagrams out of the emit callback handed to the
// constructor.
type Handler interface {
	// Parse feeds a received datagram and returns whatever ordered bytes
	// became available, possibly nil.
	Parse(pkt *bytebuf.Channel) (*bytebuf.ByteArray, error)

	// Write enqueues application bytes for reliable delivery.
	Write(data *bytebuf.ByteArray) error

	// Clock drives retransmission; it must be invoked at least every 10 ms.
	// An error means the connection is beyond recovery.
	Clock(nowMillis uint32) error

	// Writable reports whether the engine accepts more application bytes
	// without ballooning its send queue.
	Writable() bool
}

// HandlerBuilder constructs a Handler whose outgoing datagrams are passed to
// emit. The emitted channel is owned by the receiver.
type HandlerBuilder func(emit func(*bytebuf.Channel)) Handler

// KCPHandler runs the KCP engine with the fast3 tuning: 10 ms internal
// clock, fast resend after 2 duplicate ACKs, no congestion window.
type KCPHandler struct {
	kcp   *kcp.KCP
	ident string
}

// NewKCPHandler creates the KCP binding for one connection. conv must be
// equal on both peers; ident only labels log output.
func NewKCPHandler(emit func(*bytebuf.Channel), conv uint32, ident string) *KCPHandler {
	h := &KCPHandler{ident: ident}
	h.kcp = kcp.NewKCP(conv, func(buf []byte) {
		log.WithFields(log.Fields{
			"arq":  ident,
			"size": len(buf),
		}).Trace("kcp emits datagram")
		// the engine reuses buf, hand a copy down
		emit(bytebuf.FromFull(bytebuf.Copy(buf)))
	})
	h.kcp.NoDelay(1, 10, 2, true)
	return h
}

// Parse feeds the datagram into KCP and drains every decoded message,
// concatenated in order.
func (h *KCPHandler) Parse(pkt *bytebuf.Channel) (*bytebuf.ByteArray, error) {
	if ret := h.kcp.Input(pkt.Bytes()); ret < 0 {
		return nil, fmt.Errorf("writing from network to kcp failed: %d", ret)
	}

	var array *bytebuf.ByteArray
	for h.kcp.CanRecv() {
		buf := make([]byte, h.kcp.PeekSize())
		n := h.kcp.Recv(buf)
		if n <= 0 {
			break
		}
		array = array.Concat(bytebuf.From(buf[:n]))
	}
	return array, nil
}

// Write pushes application bytes into the KCP send queue.
func (h *KCPHandler) Write(data *bytebuf.ByteArray) error {
	if ret := h.kcp.Send(data.Bytes()); ret < 0 {
		return fmt.Errorf("writing from app to kcp failed: %d", ret)
	}
	return nil
}

// Clock updates the engine and checks its health.
func (h *KCPHandler) Clock(nowMillis uint32) error {
	h.kcp.Update(nowMillis)
	if state := h.kcp.State(); state < 0 {
		log.WithField("arq", h.ident).Debug("kcp connection is invalid")
		return fmt.Errorf("the kcp connection is invalid: state = %d", state)
	}
	return nil
}

// Writable applies backpressure once twice the send window is in flight.
func (h *KCPHandler) Writable() bool {
	return h.kcp.WaitSnd() < 2*defaultBackpressureWindow
}

const defaultBackpressureWindow = 32
