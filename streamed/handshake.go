package streamed

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dtn7/cboring"
	"github.com/howeyc/crc16"
)

// The handshake hello on the wire: a four byte magic, the sender's role, a
// CRC-16 of the body and the body length, followed by the CBOR encoded body.
// Each role sends exactly one hello; the exchange is complete when both were
// observed.

var helloMagic = [4]byte{'V', 'P', 'M', 'X'}

const (
	helloRoleClient uint8 = 0x01
	helloRoleServer uint8 = 0x02
)

// helloHeaderLen is magic (4) + role (1) + crc (2) + body length (2).
const helloHeaderLen = 9

const helloVersion = 1

var crc16table = crc16.MakeTable(crc16.CCITT)

// helloMessage is the CBOR body of a handshake hello.
type helloMessage struct {
	Role     uint8
	Version  uint64
	Features uint64
}

func (hm *helloMessage) String() string {
	return fmt.Sprintf("HELLO(role=%d, version=%d, features=%#x)", hm.Role, hm.Version, hm.Features)
}

// MarshalCbor writes the hello body.
func (hm *helloMessage) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(hm.Version, w); err != nil {
		return err
	}
	return cboring.WriteUInt(hm.Features, w)
}

// UnmarshalCbor reads the hello body.
func (hm *helloMessage) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 2 {
		return fmt.Errorf("hello body has array length %d, expected 2", l)
	}

	var err error
	if hm.Version, err = cboring.ReadUInt(r); err != nil {
		return err
	}
	hm.Features, err = cboring.ReadUInt(r)
	return err
}

// Marshal writes the framed hello, header included.
func (hm *helloMessage) Marshal(w io.Writer) error {
	var body bytes.Buffer
	if err := hm.MarshalCbor(&body); err != nil {
		return err
	}

	if _, err := w.Write(helloMagic[:]); err != nil {
		return err
	}
	var fields = []interface{}{
		hm.Role,
		crc16.Checksum(body.Bytes(), crc16table),
		uint16(body.Len()),
	}
	for _, field := range fields {
		if err := binary.Write(w, binary.BigEndian, field); err != nil {
			return err
		}
	}
	_, err := w.Write(body.Bytes())
	return err
}

// parseHello decodes one hello from the head of b, checking magic, expected
// role and checksum. It returns the consumed byte count, 0 when b does not
// yet hold the complete message.
func parseHello(b []byte, wantRole uint8) (hm helloMessage, consumed int, err error) {
	if len(b) < helloHeaderLen {
		return helloMessage{}, 0, nil
	}
	if !bytes.Equal(b[:4], helloMagic[:]) {
		return helloMessage{}, 0, fmt.Errorf("handshake magic mismatch: %x", b[:4])
	}
	role := b[4]
	if role != wantRole {
		return helloMessage{}, 0, fmt.Errorf("handshake role is %d, expected %d", role, wantRole)
	}
	crc := binary.BigEndian.Uint16(b[5:7])
	bodyLen := int(binary.BigEndian.Uint16(b[7:9]))
	if len(b) < helloHeaderLen+bodyLen {
		return helloMessage{}, 0, nil
	}

	body := b[helloHeaderLen : helloHeaderLen+bodyLen]
	if got := crc16.Checksum(body, crc16table); got != crc {
		return helloMessage{}, 0, fmt.Errorf("handshake checksum mismatch: %#04x != %#04x", got, crc)
	}

	hm.Role = role
	if err := hm.UnmarshalCbor(bytes.NewReader(body)); err != nil {
		return helloMessage{}, 0, err
	}
	if hm.Version != helloVersion {
		return helloMessage{}, 0, fmt.Errorf("unsupported handshake version %d", hm.Version)
	}
	return hm, helloHeaderLen + bodyLen, nil
}
