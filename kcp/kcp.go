// Package kcp implements the ARQ engine carrying the streamed multiplexer:
// an ordered, retransmitted byte transport over unreliable datagrams, wire
// compatible with the well known KCP segment layout (24-byte header holding
// conv, cmd, frg, wnd, ts, sn, una and the payload length).
//
// Unlike most ports, this engine never reads the wall clock. All time flows
// in through Update's millisecond argument, which keeps retransmission fully
// deterministic under test and lets the event loop own the clock.
package kcp

import "encoding/binary"

const (
	rtoNoDelay = 30
	rtoMin     = 100
	rtoDefault = 200
	rtoMax     = 60000

	cmdPush uint8 = 81
	cmdAck  uint8 = 82
	cmdWask uint8 = 83
	cmdWins uint8 = 84

	askSend uint32 = 1
	askTell uint32 = 2

	defaultSndWnd = 32
	defaultRcvWnd = 32
	defaultMtu    = 1400

	// Overhead is the segment header size in bytes.
	Overhead = 24

	defaultInterval = 100
	deadLinkXmit    = 20
	threshInit      = 2
	threshMin       = 2
	probeInit       = 7000
	probeLimit      = 120000

	// stateDead marks a connection that exceeded the retransmission limit.
	stateDead uint32 = 0xFFFFFFFF
)

func encode8u(p []byte, c byte) []byte {
	p[0] = c
	return p[1:]
}

func decode8u(p []byte, c *byte) []byte {
	*c = p[0]
	return p[1:]
}

func encode16u(p []byte, w uint16) []byte {
	binary.LittleEndian.PutUint16(p, w)
	return p[2:]
}

func decode16u(p []byte, w *uint16) []byte {
	*w = binary.LittleEndian.Uint16(p)
	return p[2:]
}

func encode32u(p []byte, l uint32) []byte {
	binary.LittleEndian.PutUint32(p, l)
	return p[4:]
}

func decode32u(p []byte, l *uint32) []byte {
	*l = binary.LittleEndian.Uint32(p)
	return p[4:]
}

func umin(a, b uint32) uint32 {
	if a <= b {
		return a
	}
	return b
}

func umax(a, b uint32) uint32 {
	if a >= b {
		return a
	}
	return b
}

func ubound(lower, middle, upper uint32) uint32 {
	return umin(umax(lower, middle), upper)
}

// timediff treats the operands as a wrapping millisecond clock.
func timediff(later, earlier uint32) int32 {
	return int32(later - earlier)
}

// segment is one KCP protocol unit, either queued for (re)transmission or
// sitting in the receive reassembly buffer.
type segment struct {
	conv     uint32
	cmd      uint8
	frg      uint8
	wnd      uint16
	ts       uint32
	sn       uint32
	una      uint32
	rto      uint32
	xmit     uint32
	resendts uint32
	fastack  uint32
	acked    bool
	data     []byte
}

func (seg *segment) encode(ptr []byte) []byte {
	ptr = encode32u(ptr, seg.conv)
	ptr = encode8u(ptr, seg.cmd)
	ptr = encode8u(ptr, seg.frg)
	ptr = encode16u(ptr, seg.wnd)
	ptr = encode32u(ptr, seg.ts)
	ptr = encode32u(ptr, seg.sn)
	ptr = encode32u(ptr, seg.una)
	ptr = encode32u(ptr, uint32(len(seg.data)))
	return ptr
}

type ackItem struct {
	sn uint32
	ts uint32
}

// OutputFunc is invoked whenever the engine wants a datagram on the wire. The
// slice is only valid for the duration of the call.
type OutputFunc func(buf []byte)

// KCP is a single ARQ connection.
type KCP struct {
	conv, mtu, mss uint32
	state          uint32

	sndUna, sndNxt, rcvNxt uint32

	ssthresh         uint32
	rxRttVar, rxSrtt int32
	rxRto, rxMinRto  uint32

	sndWnd, rcvWnd, rmtWnd uint32
	cwnd, probe            uint32

	interval, tsFlush uint32
	tsProbe, probeTO  uint32

	nodelay, updated   uint32
	fastresend         int32
	nocwnd, streamMode bool

	current uint32
	incr    uint32

	sndQueue, sndBuf []segment
	rcvQueue, rcvBuf []segment

	acklist []ackItem

	buffer []byte
	output OutputFunc
}

// NewKCP creates an engine. conv must match on both peers; output is called
// whenever a datagram is due.
func NewKCP(conv uint32, output OutputFunc) *KCP {
	kcp := &KCP{
		conv:     conv,
		sndWnd:   defaultSndWnd,
		rcvWnd:   defaultRcvWnd,
		rmtWnd:   defaultRcvWnd,
		mtu:      defaultMtu,
		mss:      defaultMtu - Overhead,
		rxRto:    rtoDefault,
		rxMinRto: rtoMin,
		interval: defaultInterval,
		tsFlush:  defaultInterval,
		ssthresh: threshInit,
		output:   output,
	}
	kcp.buffer = make([]byte, kcp.mtu)
	return kcp
}

// State reports the connection health: 0 while alive, -1 once the dead-link
// retransmission limit was exceeded.
func (kcp *KCP) State() int {
	if kcp.state == stateDead {
		return -1
	}
	return 0
}

// PeekSize returns the byte size of the next complete message in the receive
// queue, or -1 if none is ready.
func (kcp *KCP) PeekSize() (length int) {
	if len(kcp.rcvQueue) == 0 {
		return -1
	}

	seg := &kcp.rcvQueue[0]
	if seg.frg == 0 {
		return len(seg.data)
	}
	if len(kcp.rcvQueue) < int(seg.frg+1) {
		return -1
	}

	for k := range kcp.rcvQueue {
		seg := &kcp.rcvQueue[k]
		length += len(seg.data)
		if seg.frg == 0 {
			break
		}
	}
	return
}

// CanRecv reports whether Recv would deliver bytes.
func (kcp *KCP) CanRecv() bool {
	return kcp.PeekSize() > 0
}

// Recv moves one complete message into buffer. It returns the number of
// bytes read, -1 if nothing is ready, or -2 if buffer is too small.
func (kcp *KCP) Recv(buffer []byte) (n int) {
	peeksize := kcp.PeekSize()
	if peeksize < 0 {
		return -1
	}
	if peeksize > len(buffer) {
		return -2
	}

	fastRecover := len(kcp.rcvQueue) >= int(kcp.rcvWnd)

	// merge fragments
	count := 0
	for k := range kcp.rcvQueue {
		seg := &kcp.rcvQueue[k]
		copy(buffer, seg.data)
		buffer = buffer[len(seg.data):]
		n += len(seg.data)
		count++
		if seg.frg == 0 {
			break
		}
	}
	if count > 0 {
		kcp.rcvQueue = removeFront(kcp.rcvQueue, count)
	}

	kcp.moveRcvBuf()

	if len(kcp.rcvQueue) < int(kcp.rcvWnd) && fastRecover {
		// window freed up again, tell the remote
		kcp.probe |= askTell
	}
	return
}

// Send enqueues application bytes for reliable delivery. It returns a
// negative value on misuse (empty buffer or oversized message).
func (kcp *KCP) Send(buffer []byte) int {
	if len(buffer) == 0 {
		return -1
	}

	// in stream mode, try to fill up the tail segment first
	if kcp.streamMode {
		if n := len(kcp.sndQueue); n > 0 {
			seg := &kcp.sndQueue[n-1]
			if len(seg.data) < int(kcp.mss) {
				capacity := int(kcp.mss) - len(seg.data)
				extend := capacity
				if len(buffer) < capacity {
					extend = len(buffer)
				}
				seg.data = append(seg.data, buffer[:extend]...)
				buffer = buffer[extend:]
			}
		}
		if len(buffer) == 0 {
			return 0
		}
	}

	var count int
	if len(buffer) <= int(kcp.mss) {
		count = 1
	} else {
		count = (len(buffer) + int(kcp.mss) - 1) / int(kcp.mss)
	}
	if count > 255 {
		return -2
	}

	for i := 0; i < count; i++ {
		size := len(buffer)
		if size > int(kcp.mss) {
			size = int(kcp.mss)
		}
		var seg segment
		seg.data = make([]byte, size)
		copy(seg.data, buffer[:size])
		if kcp.streamMode {
			seg.frg = 0
		} else {
			seg.frg = uint8(count - i - 1)
		}
		kcp.sndQueue = append(kcp.sndQueue, seg)
		buffer = buffer[size:]
	}
	return 0
}

func (kcp *KCP) updateAck(rtt int32) {
	// RFC 6298 style smoothing
	var rto uint32
	if kcp.rxSrtt == 0 {
		kcp.rxSrtt = rtt
		kcp.rxRttVar = rtt >> 1
	} else {
		delta := rtt - kcp.rxSrtt
		kcp.rxSrtt += delta >> 3
		if delta < 0 {
			delta = -delta
		}
		if rtt < kcp.rxSrtt-kcp.rxRttVar {
			kcp.rxRttVar += (delta - kcp.rxRttVar) >> 5
		} else {
			kcp.rxRttVar += (delta - kcp.rxRttVar) >> 2
		}
	}
	rto = uint32(kcp.rxSrtt) + umax(kcp.interval, uint32(kcp.rxRttVar)<<2)
	kcp.rxRto = ubound(kcp.rxMinRto, rto, rtoMax)
}

func (kcp *KCP) shrinkBuf() {
	if len(kcp.sndBuf) > 0 {
		kcp.sndUna = kcp.sndBuf[0].sn
	} else {
		kcp.sndUna = kcp.sndNxt
	}
}

func (kcp *KCP) parseAck(sn uint32) {
	if timediff(sn, kcp.sndUna) < 0 || timediff(sn, kcp.sndNxt) >= 0 {
		return
	}
	for k := range kcp.sndBuf {
		seg := &kcp.sndBuf[k]
		if sn == seg.sn {
			// keep the slot, delete on una, so the window never shifts here
			seg.acked = true
			seg.data = nil
			break
		}
		if timediff(sn, seg.sn) < 0 {
			break
		}
	}
}

func (kcp *KCP) parseFastack(sn, ts uint32) {
	if timediff(sn, kcp.sndUna) < 0 || timediff(sn, kcp.sndNxt) >= 0 {
		return
	}
	for k := range kcp.sndBuf {
		seg := &kcp.sndBuf[k]
		if timediff(sn, seg.sn) < 0 {
			break
		} else if sn != seg.sn && timediff(seg.ts, ts) <= 0 {
			seg.fastack++
		}
	}
}

func (kcp *KCP) parseUna(una uint32) int {
	count := 0
	for k := range kcp.sndBuf {
		seg := &kcp.sndBuf[k]
		if timediff(una, seg.sn) > 0 {
			seg.data = nil
			count++
		} else {
			break
		}
	}
	if count > 0 {
		kcp.sndBuf = removeFront(kcp.sndBuf, count)
	}
	return count
}

func (kcp *KCP) ackPush(sn, ts uint32) {
	kcp.acklist = append(kcp.acklist, ackItem{sn, ts})
}

// moveRcvBuf shifts in-order segments from the reassembly buffer into the
// receive queue, bounded by the receive window.
func (kcp *KCP) moveRcvBuf() {
	count := 0
	for k := range kcp.rcvBuf {
		seg := &kcp.rcvBuf[k]
		if seg.sn == kcp.rcvNxt && len(kcp.rcvQueue)+count < int(kcp.rcvWnd) {
			kcp.rcvNxt++
			count++
		} else {
			break
		}
	}
	if count > 0 {
		kcp.rcvQueue = append(kcp.rcvQueue, kcp.rcvBuf[:count]...)
		kcp.rcvBuf = removeFront(kcp.rcvBuf, count)
	}
}

// parseData inserts a data segment into the reassembly buffer. It reports
// whether the segment was a duplicate.
func (kcp *KCP) parseData(newseg segment) bool {
	sn := newseg.sn
	if timediff(sn, kcp.rcvNxt+kcp.rcvWnd) >= 0 || timediff(sn, kcp.rcvNxt) < 0 {
		return true
	}

	n := len(kcp.rcvBuf) - 1
	insertIdx := 0
	repeat := false
	for i := n; i >= 0; i-- {
		seg := &kcp.rcvBuf[i]
		if seg.sn == sn {
			repeat = true
			break
		}
		if timediff(sn, seg.sn) > 0 {
			insertIdx = i + 1
			break
		}
	}

	if !repeat {
		dataCopy := make([]byte, len(newseg.data))
		copy(dataCopy, newseg.data)
		newseg.data = dataCopy

		if insertIdx == n+1 {
			kcp.rcvBuf = append(kcp.rcvBuf, newseg)
		} else {
			kcp.rcvBuf = append(kcp.rcvBuf, segment{})
			copy(kcp.rcvBuf[insertIdx+1:], kcp.rcvBuf[insertIdx:])
			kcp.rcvBuf[insertIdx] = newseg
		}
	}

	kcp.moveRcvBuf()
	return repeat
}

// Input feeds one received datagram into the engine. It returns 0 on
// success and a negative value on malformed input, which the owner must
// treat as fatal.
func (kcp *KCP) Input(data []byte) int {
	sndUna := kcp.sndUna
	if len(data) < Overhead {
		return -1
	}

	var latest uint32
	var ackFlag bool
	var windowSlides bool

	for {
		var ts, sn, length, una, conv uint32
		var wnd uint16
		var cmd, frg uint8

		if len(data) < Overhead {
			break
		}

		data = decode32u(data, &conv)
		if conv != kcp.conv {
			return -1
		}

		data = decode8u(data, &cmd)
		data = decode8u(data, &frg)
		data = decode16u(data, &wnd)
		data = decode32u(data, &ts)
		data = decode32u(data, &sn)
		data = decode32u(data, &una)
		data = decode32u(data, &length)
		if len(data) < int(length) {
			return -2
		}

		switch cmd {
		case cmdPush, cmdAck, cmdWask, cmdWins:
		default:
			return -3
		}

		kcp.rmtWnd = uint32(wnd)
		if kcp.parseUna(una) > 0 {
			windowSlides = true
		}
		kcp.shrinkBuf()

		switch cmd {
		case cmdAck:
			kcp.parseAck(sn)
			kcp.parseFastack(sn, ts)
			ackFlag = true
			latest = ts
		case cmdPush:
			if timediff(sn, kcp.rcvNxt+kcp.rcvWnd) < 0 {
				kcp.ackPush(sn, ts)
				if timediff(sn, kcp.rcvNxt) >= 0 {
					var seg segment
					seg.conv = conv
					seg.frg = frg
					seg.wnd = wnd
					seg.ts = ts
					seg.sn = sn
					seg.una = una
					seg.data = data[:length]
					kcp.parseData(seg)
				}
			}
		case cmdWask:
			kcp.probe |= askTell
		case cmdWins:
			// window announcement, nothing to do
		}

		data = data[length:]
	}

	if ackFlag {
		if timediff(kcp.current, latest) >= 0 {
			kcp.updateAck(timediff(kcp.current, latest))
		}
	}

	// grow the congestion window as acknowledged data leaves the pipe
	if !kcp.nocwnd {
		if timediff(kcp.sndUna, sndUna) > 0 && kcp.cwnd < kcp.rmtWnd {
			mss := kcp.mss
			if kcp.cwnd < kcp.ssthresh {
				kcp.cwnd++
				kcp.incr += mss
			} else {
				if kcp.incr < mss {
					kcp.incr = mss
				}
				kcp.incr += (mss*mss)/kcp.incr + (mss / 16)
				if (kcp.cwnd+1)*mss <= kcp.incr {
					kcp.cwnd = (kcp.incr + mss - 1) / mss
				}
			}
			if kcp.cwnd > kcp.rmtWnd {
				kcp.cwnd = kcp.rmtWnd
				kcp.incr = kcp.rmtWnd * mss
			}
		}
	}

	if windowSlides {
		kcp.flush(false)
	} else if len(kcp.acklist) > 0 {
		kcp.flush(true)
	}
	return 0
}

func (kcp *KCP) wndUnused() uint16 {
	if len(kcp.rcvQueue) < int(kcp.rcvWnd) {
		return uint16(int(kcp.rcvWnd) - len(kcp.rcvQueue))
	}
	return 0
}

// flush moves due segments onto the wire. With ackOnly only pending ACKs are
// emitted.
func (kcp *KCP) flush(ackOnly bool) {
	var seg segment
	seg.conv = kcp.conv
	seg.cmd = cmdAck
	seg.wnd = kcp.wndUnused()
	seg.una = kcp.rcvNxt

	buffer := kcp.buffer
	ptr := buffer

	makeSpace := func(space int) {
		size := len(buffer) - len(ptr)
		if size+space > int(kcp.mtu) {
			kcp.output(buffer[:size])
			ptr = buffer
		}
	}

	flushBuffer := func() {
		if size := len(buffer) - len(ptr); size > 0 {
			kcp.output(buffer[:size])
		}
	}

	// pending acknowledges first
	for i, ack := range kcp.acklist {
		makeSpace(Overhead)
		// filter jitters caused by bufferbloat
		if timediff(ack.sn, kcp.rcvNxt) >= 0 || len(kcp.acklist)-1 == i {
			seg.sn, seg.ts = ack.sn, ack.ts
			ptr = seg.encode(ptr)
		}
	}
	kcp.acklist = kcp.acklist[:0]

	if ackOnly {
		flushBuffer()
		return
	}

	// probe the remote window while it announces zero
	if kcp.rmtWnd == 0 {
		current := kcp.current
		if kcp.probeTO == 0 {
			kcp.probeTO = probeInit
			kcp.tsProbe = current + kcp.probeTO
		} else if timediff(current, kcp.tsProbe) >= 0 {
			if kcp.probeTO < probeInit {
				kcp.probeTO = probeInit
			}
			kcp.probeTO += kcp.probeTO / 2
			if kcp.probeTO > probeLimit {
				kcp.probeTO = probeLimit
			}
			kcp.tsProbe = current + kcp.probeTO
			kcp.probe |= askSend
		}
	} else {
		kcp.tsProbe = 0
		kcp.probeTO = 0
	}

	if kcp.probe&askSend != 0 {
		seg.cmd = cmdWask
		makeSpace(Overhead)
		ptr = seg.encode(ptr)
	}
	if kcp.probe&askTell != 0 {
		seg.cmd = cmdWins
		makeSpace(Overhead)
		ptr = seg.encode(ptr)
	}
	kcp.probe = 0

	cwnd := umin(kcp.sndWnd, kcp.rmtWnd)
	if !kcp.nocwnd {
		cwnd = umin(kcp.cwnd, cwnd)
	}

	// slide segments from the send queue into the in-flight buffer
	newSegsCount := 0
	for k := range kcp.sndQueue {
		if timediff(kcp.sndNxt, kcp.sndUna+cwnd) >= 0 {
			break
		}
		newseg := kcp.sndQueue[k]
		newseg.conv = kcp.conv
		newseg.cmd = cmdPush
		newseg.sn = kcp.sndNxt
		kcp.sndBuf = append(kcp.sndBuf, newseg)
		kcp.sndNxt++
		newSegsCount++
	}
	if newSegsCount > 0 {
		kcp.sndQueue = removeFront(kcp.sndQueue, newSegsCount)
	}

	resent := uint32(kcp.fastresend)
	if kcp.fastresend <= 0 {
		resent = 0xffffffff
	}

	current := kcp.current
	var change, lostSegs int

	for k := range kcp.sndBuf {
		seg := &kcp.sndBuf[k]
		if seg.acked {
			continue
		}
		needsend := false
		switch {
		case seg.xmit == 0:
			// initial transmit
			needsend = true
			seg.rto = kcp.rxRto
			seg.resendts = current + seg.rto
		case seg.fastack >= resent:
			// fast retransmit after enough duplicate ACKs skipped it
			needsend = true
			seg.fastack = 0
			seg.rto = kcp.rxRto
			seg.resendts = current + seg.rto
			change++
		case seg.fastack > 0 && newSegsCount == 0:
			// early retransmit
			needsend = true
			seg.fastack = 0
			seg.rto = kcp.rxRto
			seg.resendts = current + seg.rto
			change++
		case timediff(current, seg.resendts) >= 0:
			// RTO expired
			needsend = true
			if kcp.nodelay == 0 {
				seg.rto += kcp.rxRto
			} else {
				seg.rto += kcp.rxRto / 2
			}
			seg.fastack = 0
			seg.resendts = current + seg.rto
			lostSegs++
		}

		if needsend {
			seg.xmit++
			seg.ts = current
			seg.wnd = kcp.wndUnused()
			seg.una = kcp.rcvNxt

			makeSpace(Overhead + len(seg.data))
			ptr = seg.encode(ptr)
			copy(ptr, seg.data)
			ptr = ptr[len(seg.data):]

			if seg.xmit >= deadLinkXmit {
				kcp.state = stateDead
			}
		}
	}

	flushBuffer()

	if !kcp.nocwnd {
		// rate halving on fast retransmit
		if change > 0 {
			inflight := kcp.sndNxt - kcp.sndUna
			kcp.ssthresh = inflight / 2
			if kcp.ssthresh < threshMin {
				kcp.ssthresh = threshMin
			}
			kcp.cwnd = kcp.ssthresh + resent
			kcp.incr = kcp.cwnd * kcp.mss
		}
		// multiplicative decrease on loss
		if lostSegs > 0 {
			kcp.ssthresh = cwnd / 2
			if kcp.ssthresh < threshMin {
				kcp.ssthresh = threshMin
			}
			kcp.cwnd = 1
			kcp.incr = kcp.mss
		}
		if kcp.cwnd < 1 {
			kcp.cwnd = 1
			kcp.incr = kcp.mss
		}
	}
}

// Update drives retransmission and ACK emission. current is a millisecond
// clock owned by the caller; it must be called at least every 10 ms while
// the connection lives.
func (kcp *KCP) Update(current uint32) {
	kcp.current = current

	if kcp.updated == 0 {
		kcp.updated = 1
		kcp.tsFlush = current
	}

	slap := timediff(current, kcp.tsFlush)
	if slap >= 10000 || slap < -10000 {
		kcp.tsFlush = current
		slap = 0
	}

	if slap >= 0 {
		kcp.tsFlush += kcp.interval
		if timediff(current, kcp.tsFlush) >= 0 {
			kcp.tsFlush = current + kcp.interval
		}
		kcp.flush(false)
	}
}

// SetMtu changes the maximum datagram size, default 1400.
func (kcp *KCP) SetMtu(mtu int) int {
	if mtu < 50 || mtu < Overhead {
		return -1
	}
	kcp.mtu = uint32(mtu)
	kcp.mss = kcp.mtu - Overhead
	kcp.buffer = make([]byte, mtu)
	return 0
}

// NoDelay tunes the retransmission behavior:
// nodelay 0/1, internal interval in ms (clamped to [10, 5000]), number of
// duplicate ACKs triggering a fast resend (0 disables), nc disabling
// congestion control.
func (kcp *KCP) NoDelay(nodelay, interval, resend int, nc bool) {
	if nodelay >= 0 {
		kcp.nodelay = uint32(nodelay)
		if nodelay != 0 {
			kcp.rxMinRto = rtoNoDelay
		} else {
			kcp.rxMinRto = rtoMin
		}
	}
	if interval >= 0 {
		if interval > 5000 {
			interval = 5000
		} else if interval < 10 {
			interval = 10
		}
		kcp.interval = uint32(interval)
	}
	if resend >= 0 {
		kcp.fastresend = int32(resend)
	}
	kcp.nocwnd = nc
}

// WndSize sets the maximum send and receive window sizes, 32 by default.
func (kcp *KCP) WndSize(sndwnd, rcvwnd int) {
	if sndwnd > 0 {
		kcp.sndWnd = uint32(sndwnd)
	}
	if rcvwnd > 0 {
		kcp.rcvWnd = uint32(rcvwnd)
	}
}

// WaitSnd returns how many segments are waiting to be acknowledged or sent.
func (kcp *KCP) WaitSnd() int {
	return len(kcp.sndBuf) + len(kcp.sndQueue)
}

// removeFront drops the first n elements, shifting when that keeps the
// backing array from growing without bound.
func removeFront(q []segment, n int) []segment {
	if n > cap(q)/2 {
		newn := copy(q, q[n:])
		return q[:newn]
	}
	return q[n:]
}
