package streamed

import (
	"github.com/lock4u/vproxy/bytebuf"
)

// Sink receives the protocol events a Framer extracts from the byte stream.
// It is implemented by the Handler; the bool-returning methods report
// whether the event was applied. A false return is a logged no-op, except
// for a SYN the server refuses to accept, which fails the handler.
type Sink interface {
	DataForStream(streamID uint32, data *bytebuf.ByteArray) bool
	SynReceived(streamID uint32) bool
	FinReceived(streamID uint32) bool
	RstReceived(streamID uint32) bool
	ErrorReceived(err error)
	KeepaliveReceived(keepaliveID uint64, isAck bool)
}

// Framer bundles the wire format of the multiplexing protocol: it formats
// every outgoing message kind and parses the inbound byte stream, feeding
// events into a Sink. Parse-direction methods return the number of bytes
// consumed, with 0 meaning "incomplete, keep buffering". The handler takes
// a Framer by injection; the byte format is known nowhere else.
type Framer interface {
	ClientHandshake() *bytebuf.ByteArray
	ServerHandshake() *bytebuf.ByteArray

	// ParseClientHandshake runs on the client and consumes the server's
	// handshake message; ParseServerHandshake runs on the server and
	// consumes the client's.
	ParseClientHandshake(buf *bytebuf.ByteArray) (int, error)
	ParseServerHandshake(buf *bytebuf.ByteArray) (int, error)

	// ClientFeed and ServerFeed parse one frame from buf, dispatch it into
	// sink and return the consumed byte count.
	ClientFeed(buf *bytebuf.ByteArray, sink Sink) (int, error)
	ServerFeed(buf *bytebuf.ByteArray, sink Sink) (int, error)

	FormatSYN(streamID uint32) *bytebuf.ByteArray
	FormatSYNACK(streamID uint32) *bytebuf.ByteArray
	FormatPSH(streamID uint32, data *bytebuf.ByteArray) *bytebuf.ByteArray
	FormatFIN(streamID uint32) *bytebuf.ByteArray
	FormatRST(streamID uint32) *bytebuf.ByteArray
	FormatKeepalive(keepaliveID uint64, isAck bool) *bytebuf.ByteArray
	FormatError(err error) *bytebuf.ByteArray

	// NextStreamID allocates a fresh stream id on the initiating side.
	NextStreamID() uint32
}
