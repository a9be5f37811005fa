package streamed

import (
	"bytes"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/lock4u/vproxy/bytebuf"
)

// VFramer is the default Framer: fixed binary frames (kind, stream id,
// payload length) plus the CBOR hello handshake. Stream ids are allocated
// from a plain counter on the initiating side.
type VFramer struct {
	nextStreamID uint32
}

// NewVFramer returns a fresh default framer.
func NewVFramer() *VFramer {
	return &VFramer{}
}

func (v *VFramer) formatHello(role uint8) *bytebuf.ByteArray {
	hm := helloMessage{Role: role, Version: helloVersion}
	var buf bytes.Buffer
	if err := hm.Marshal(&buf); err != nil {
		// writing into a bytes.Buffer cannot fail
		log.WithError(err).Error("marshalling hello failed")
		return nil
	}
	return bytebuf.From(buf.Bytes())
}

// ClientHandshake builds the client's hello.
func (v *VFramer) ClientHandshake() *bytebuf.ByteArray {
	return v.formatHello(helloRoleClient)
}

// ServerHandshake builds the server's hello.
func (v *VFramer) ServerHandshake() *bytebuf.ByteArray {
	return v.formatHello(helloRoleServer)
}

// ParseClientHandshake consumes the server hello on the client side.
func (v *VFramer) ParseClientHandshake(buf *bytebuf.ByteArray) (int, error) {
	_, n, err := parseHello(buf.Bytes(), helloRoleServer)
	return n, err
}

// ParseServerHandshake consumes the client hello on the server side.
func (v *VFramer) ParseServerHandshake(buf *bytebuf.ByteArray) (int, error) {
	_, n, err := parseHello(buf.Bytes(), helloRoleClient)
	return n, err
}

// ClientFeed parses one frame for the client role.
func (v *VFramer) ClientFeed(buf *bytebuf.ByteArray, sink Sink) (int, error) {
	return v.feed(buf, sink, true)
}

// ServerFeed parses one frame for the server role.
func (v *VFramer) ServerFeed(buf *bytebuf.ByteArray, sink Sink) (int, error) {
	return v.feed(buf, sink, false)
}

func (v *VFramer) feed(buf *bytebuf.ByteArray, sink Sink, client bool) (int, error) {
	f, consumed, err := parseFrame(buf.Bytes())
	if err != nil {
		return 0, err
	}
	if consumed == 0 {
		return 0, nil
	}
	log.WithField("frame", f.String()).Trace("frame received")

	switch f.Kind {
	case frameSYN:
		if client {
			return 0, errors.New("client received a plain SYN")
		}
		sink.SynReceived(f.StreamID)
	case frameSYNACK:
		if !client {
			return 0, errors.New("server received a SYN-ACK")
		}
		sink.SynReceived(f.StreamID)
	case framePSH:
		sink.DataForStream(f.StreamID, bytebuf.Copy(f.Payload))
	case frameFIN:
		sink.FinReceived(f.StreamID)
	case frameRST:
		sink.RstReceived(f.StreamID)
	case frameKEEP:
		kid, isAck, err := parseKeepalivePayload(f.Payload)
		if err != nil {
			return 0, err
		}
		sink.KeepaliveReceived(kid, isAck)
	case frameERR:
		sink.ErrorReceived(fmt.Errorf("peer reported: %s", string(f.Payload)))
	}
	return consumed, nil
}

func (v *VFramer) format(kind uint8, streamID uint32, payload []byte) *bytebuf.ByteArray {
	var buf bytes.Buffer
	f := frame{Kind: kind, StreamID: streamID, Payload: payload}
	if err := f.Marshal(&buf); err != nil {
		log.WithError(err).WithField("frame", f.String()).Error("marshalling frame failed")
		return nil
	}
	return bytebuf.From(buf.Bytes())
}

// FormatSYN builds a SYN frame.
func (v *VFramer) FormatSYN(streamID uint32) *bytebuf.ByteArray {
	return v.format(frameSYN, streamID, nil)
}

// FormatSYNACK builds a SYN-ACK frame.
func (v *VFramer) FormatSYNACK(streamID uint32) *bytebuf.ByteArray {
	return v.format(frameSYNACK, streamID, nil)
}

// FormatPSH builds a data frame carrying exactly data's bytes.
func (v *VFramer) FormatPSH(streamID uint32, data *bytebuf.ByteArray) *bytebuf.ByteArray {
	return v.format(framePSH, streamID, data.Bytes())
}

// FormatFIN builds a FIN frame.
func (v *VFramer) FormatFIN(streamID uint32) *bytebuf.ByteArray {
	return v.format(frameFIN, streamID, nil)
}

// FormatRST builds a RST frame.
func (v *VFramer) FormatRST(streamID uint32) *bytebuf.ByteArray {
	return v.format(frameRST, streamID, nil)
}

// FormatKeepalive builds a keepalive request or reply.
func (v *VFramer) FormatKeepalive(keepaliveID uint64, isAck bool) *bytebuf.ByteArray {
	return v.format(frameKEEP, 0, keepalivePayload(keepaliveID, isAck))
}

// FormatError builds the final best-effort error frame.
func (v *VFramer) FormatError(err error) *bytebuf.ByteArray {
	return v.format(frameERR, 0, []byte(err.Error()))
}

// NextStreamID hands out ids from a plain counter, starting at 1.
func (v *VFramer) NextStreamID() uint32 {
	v.nextStreamID++
	return v.nextStreamID
}
