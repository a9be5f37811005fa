// Package streamed implements the stream multiplexing layer running on top
// of an arqudp byte-stream socket: a role-based handshake, TCP-like per
// stream lifecycles (SYN / SYN-ACK / PSH / FIN / RST), a keepalive probe
// protocol, and virtual sockets handed to the application through the event
// loop's virtual ready sets.
package streamed

// State is the lifecycle phase of one stream. Transitions only ever move
// toward StateDead.
type State int

const (
	StateNone State = iota
	StateSynSent
	StateEstablished
	StateFinSent
	StateFinRecv
	StateDead
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateSynSent:
		return "syn_sent"
	case StateEstablished:
		return "established"
	case StateFinSent:
		return "fin_sent"
	case StateFinRecv:
		return "fin_recv"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}
