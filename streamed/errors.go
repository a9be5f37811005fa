package streamed

import "errors"

// ErrConnectionReset is surfaced by FD.Read exactly once after a RST was
// received for the stream; further reads report io.EOF.
var ErrConnectionReset = errors.New("connection reset by peer")

// ErrNotReady is returned by Open before the handshake completed.
var ErrNotReady = errors.New("not ready")

// ErrClosedStream is returned by SendFIN and SendRST for a dead stream.
var ErrClosedStream = errors.New("stream is already closed")

// ErrHandshakeTimeout is the failure reason when the peer handshake did not
// complete within the timeout.
var ErrHandshakeTimeout = errors.New("handshake timed out")

// ErrKeepaliveTimeout is the failure reason when the keepalive budget ran
// out.
var ErrKeepaliveTimeout = errors.New("keepalive response timeout")
