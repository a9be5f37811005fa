package streamed

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame kind codes of the default wire format.
const (
	frameSYN    uint8 = 0x01
	frameSYNACK uint8 = 0x02
	framePSH    uint8 = 0x03
	frameFIN    uint8 = 0x04
	frameRST    uint8 = 0x05
	frameKEEP   uint8 = 0x06
	frameERR    uint8 = 0x07
)

// frameHeaderLen is kind (1) + stream id (4) + payload length (4).
const frameHeaderLen = 9

// maxFramePayload guards the parser against absurd length fields.
const maxFramePayload = 1 << 24

func frameKindString(kind uint8) string {
	switch kind {
	case frameSYN:
		return "SYN"
	case frameSYNACK:
		return "SYN-ACK"
	case framePSH:
		return "PSH"
	case frameFIN:
		return "FIN"
	case frameRST:
		return "RST"
	case frameKEEP:
		return "KEEPALIVE"
	case frameERR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// frame is one multiplexing protocol unit on the wire: a fixed header of
// kind, stream id and payload length, followed by the payload.
type frame struct {
	Kind     uint8
	StreamID uint32
	Payload  []byte
}

func (f frame) String() string {
	return fmt.Sprintf("%s(stream=%d, len=%d)", frameKindString(f.Kind), f.StreamID, len(f.Payload))
}

func (f frame) Marshal(w io.Writer) error {
	var fields = []interface{}{
		f.Kind,
		f.StreamID,
		uint32(len(f.Payload)),
	}
	for _, field := range fields {
		if err := binary.Write(w, binary.BigEndian, field); err != nil {
			return err
		}
	}

	if n, err := w.Write(f.Payload); err != nil {
		return err
	} else if n != len(f.Payload) {
		return fmt.Errorf("frame payload length is %d, but only wrote %d bytes", len(f.Payload), n)
	}
	return nil
}

// parseFrame decodes one frame from the head of b. It returns the consumed
// byte count, 0 when b does not yet hold a complete frame. The payload is a
// view into b.
func parseFrame(b []byte) (f frame, consumed int, err error) {
	if len(b) < frameHeaderLen {
		return frame{}, 0, nil
	}
	f.Kind = b[0]
	f.StreamID = binary.BigEndian.Uint32(b[1:5])
	length := binary.BigEndian.Uint32(b[5:9])

	if f.Kind < frameSYN || f.Kind > frameERR {
		return frame{}, 0, fmt.Errorf("unknown frame kind 0x%02x", f.Kind)
	}
	if length > maxFramePayload {
		return frame{}, 0, fmt.Errorf("frame payload length %d exceeds limit", length)
	}
	if len(b) < frameHeaderLen+int(length) {
		return frame{}, 0, nil
	}
	f.Payload = b[frameHeaderLen : frameHeaderLen+int(length)]
	return f, frameHeaderLen + int(length), nil
}

// keepalivePayloadLen is keepalive id (8) + ack flag (1).
const keepalivePayloadLen = 9

func keepalivePayload(keepaliveID uint64, isAck bool) []byte {
	p := make([]byte, keepalivePayloadLen)
	binary.BigEndian.PutUint64(p, keepaliveID)
	if isAck {
		p[8] = 1
	}
	return p
}

func parseKeepalivePayload(p []byte) (keepaliveID uint64, isAck bool, err error) {
	if len(p) != keepalivePayloadLen {
		return 0, false, fmt.Errorf("keepalive payload length is %d, expected %d", len(p), keepalivePayloadLen)
	}
	return binary.BigEndian.Uint64(p), p[8] != 0, nil
}
