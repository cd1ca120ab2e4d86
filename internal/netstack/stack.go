package netstack

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oshobby/tcpstack/internal/pcap"
)

// TCPHz is the timer tick rate, 4 per second. The tick source itself is an
// external collaborator; Stack.Tick is the entry point it calls.
const TCPHz = 4

// Config carries the stack-wide tunables, loaded from YAML by cmd/tcpstackd
// rather than hardcoded.
type Config struct {
	SndBufferSize       int
	RcvBufferSize       int
	MaxConnectionBacklog int
	RTOMin              int32 // ticks
	RTOMax              int32 // ticks
	SynInitialRTO       int32 // ticks
	TCPMSL              int32 // ticks
	ClampMinMSS         bool  // raise a sub-536 peer MSS to the floor; default false
}

// DefaultConfig carries the classic constants: RTO_MIN=1s, SYN initial
// RTO=15s, MSL=30s, all in ticks.
func DefaultConfig() Config {
	return Config{
		SndBufferSize:        8192,
		RcvBufferSize:        8192,
		MaxConnectionBacklog: 8,
		RTOMin:               1 * TCPHz,
		RTOMax:               64 * TCPHz,
		SynInitialRTO:        15 * TCPHz,
		TCPMSL:               30 * TCPHz,
	}
}

// Stack ties the TCB table, the external IP layer, and the tick-driven
// timers together. NewStack is the explicit init path; there is no hidden
// package-level state.
type Stack struct {
	log   *slog.Logger
	ip    IPLayer
	cfg   Config
	table *Table

	isnCounter atomic.Uint32

	metrics *Metrics

	mu       sync.Mutex
	allConns map[*TCB]struct{} // for Tick's iteration; guarded by mu

	capMu  sync.Mutex
	capture *pcap.Writer
}

// EnableCapture turns on pcap recording of every segment this Stack sends
// or receives, writing a DLT_RAW stream (no Ethernet framing, since this
// core never builds one) to w. Capture is off by default and wired in
// explicitly by the embedding daemon, never started implicitly by NewStack.
func (s *Stack) EnableCapture(w *pcap.Writer) {
	s.capMu.Lock()
	s.capture = w
	s.capMu.Unlock()
}

// capturePacket records msg as an IPv4 datagram if capture is enabled. The
// core never builds the IP header it transmits (see addr.go's IPLayer
// split), so a minimal 20-byte one is synthesized from msg.IPSrc/IPDst.
func (s *Stack) capturePacket(msg *Message) {
	s.capMu.Lock()
	w := s.capture
	s.capMu.Unlock()
	if w == nil {
		return
	}
	seg := msg.Segment()
	pkt := make([]byte, 20+len(seg))
	pkt[0] = 0x45 // version 4, IHL 5
	pkt[2], pkt[3] = byte(len(pkt)>>8), byte(len(pkt))
	pkt[8] = 64 // TTL
	pkt[9] = tcpProtocolNumber
	copy(pkt[12:16], msg.IPSrc[:])
	copy(pkt[16:20], msg.IPDst[:])
	cksum := foldChecksum(pkt[:20], 0)
	pkt[10], pkt[11] = byte(cksum>>8), byte(cksum)
	copy(pkt[20:], seg)
	ci := pcap.CaptureInfoForSegment(time.Now(), pkt, 0)
	if err := w.WritePacket(ci, pkt); err != nil {
		s.log.Debug("tcp: pcap write failed", "err", err)
	}
}

// NewStack is tcp_init: it allocates the table and wires the external IP
// layer. Call Close to tear it down.
func NewStack(ip IPLayer, log *slog.Logger, cfg Config) *Stack {
	if log == nil {
		log = slog.Default()
	}
	s := &Stack{
		log:      log,
		ip:       ip,
		cfg:      cfg,
		table:    newTable(),
		allConns: make(map[*TCB]struct{}),
		metrics:  NewMetrics(),
	}
	s.isnCounter.Store(uint32(time.Now().UnixMicro()))
	return s
}

// Close is the teardown path: every live TCB is reset and dropped, and any
// blocked user call wakes up with the latched error.
func (s *Stack) Close() {
	s.mu.Lock()
	conns := make([]*TCB, 0, len(s.allConns))
	for t := range s.allConns {
		conns = append(conns, t)
	}
	s.allConns = make(map[*TCB]struct{})
	s.mu.Unlock()

	s.table.mu.Lock()
	listeners := make([]*TCB, 0, len(s.table.listen))
	for _, lt := range s.table.listen {
		listeners = append(listeners, lt)
	}
	s.table.mu.Unlock()

	for _, t := range conns {
		t.mu.Lock()
		t.setError(ECONNRESET)
		s.destroyLocked(t)
		t.mu.Unlock()
	}
	for _, lt := range listeners {
		lt.mu.Lock()
		s.destroyLocked(lt)
		lt.mu.Unlock()
	}
}

// nextISN draws an initial sequence number from a monotonic clock XORed
// with a per-stack counter.
func (s *Stack) nextISN() uint32 {
	c := s.isnCounter.Add(250_000) // RFC 793's ~4us/tick growth rate, coarsened
	return c ^ uint32(time.Now().UnixNano())
}

func (s *Stack) trackConn(t *TCB) {
	s.mu.Lock()
	s.allConns[t] = struct{}{}
	s.mu.Unlock()
}

func (s *Stack) untrackConn(t *TCB) {
	s.mu.Lock()
	delete(s.allConns, t)
	s.mu.Unlock()
}

// transmit hands msg to the external IP layer. An outbound send failure is
// the ENOMEM/link-down case: logged and dropped, never propagated to the
// protocol handlers.
func (s *Stack) transmit(msg *Message) {
	s.capturePacket(msg)
	if h, ok := decodeSegment(msg.Segment()); ok {
		s.metrics.bytesOut(len(h.payload))
	}
	if err := s.ip.Transmit(msg); err != nil {
		s.log.Debug("tcp: ip_tx failed", "err", err)
	}
}

// Tick is tcp_tick: it advances every TCB's timers by one tick and
// processes whatever just crossed zero, all synchronously and under that
// TCB's own lock.
func (s *Stack) Tick() {
	s.mu.Lock()
	conns := make([]*TCB, 0, len(s.allConns))
	for t := range s.allConns {
		conns = append(conns, t)
	}
	s.mu.Unlock()

	for _, t := range conns {
		t.mu.Lock()
		s.tickTCB(t)
		t.mu.Unlock()
	}
}

func (s *Stack) tickTCB(t *TCB) {
	if t.timedSegment != -1 {
		t.currentRTT++
	}
	fired := t.timers.tickAll()
	for _, kind := range fired {
		switch kind {
		case timerRetransmit:
			s.onRetransmitExpiry(t)
		case timerPersist:
			s.onPersistExpiry(t)
		case timerDelayedACK:
			s.sendPureACK(t)
		case timerTimeWait:
			s.onTimeWaitExpiry(t)
		case timerConnection:
			s.onConnectionTimerExpiry(t)
		}
	}
}

// onRetransmitExpiry handles a retransmission-timer
// expiry: resend snd_una..min(smss,flight), double RTO, and either abort
// the connection after five expiries (post-establishment) or after five
// SYN retries (SYN_SENT/SYN_RCVD).
func (s *Stack) onRetransmitExpiry(t *TCB) {
	if t.status == StateSynSent || t.status == StateSynRcvd {
		t.synRetryCount++
		if t.synRetryCount > 5 {
			t.setError(ECONNREFUSED)
			if t.status == StateSynRcvd {
				s.dropChildLocked(t)
			} else {
				s.destroyLocked(t)
			}
			return
		}
		t.backoffRTO()
		if t.status == StateSynSent {
			s.transmit(t.buildSYN())
		} else {
			s.transmit(t.buildSYNACK())
		}
		t.timers.armRetransmit(t.rto)
		return
	}

	t.retxCount++
	if t.retxCount > 5 {
		t.setError(ETIMEDOUT)
		s.destroyLocked(t)
		return
	}

	t.onRTOLoss(t.flightSize())
	t.clearTimingOnRetransmit()
	t.backoffRTO()
	s.retransmitOldest(t)
	t.timers.armRetransmit(t.rto)
	s.metrics.retransmits.Inc()
}

func (s *Stack) retransmitOldest(t *TCB) {
	// A FIN consumes a sequence number past the last byte ever buffered; if
	// snd_una has reached it, the only outstanding "data" is the FIN itself,
	// which needs its flag resent, not a bare ACK at that sequence number.
	if t.finSent && !t.finAcked && t.sndUna == t.finSeq {
		s.transmit(t.buildFINACK(t.finSeq))
		return
	}

	length := int(t.sndMax - t.sndUna)
	if t.finSent {
		length-- // exclude the FIN's own sequence slot from the data length
	}
	if length > int(t.smss) {
		length = int(t.smss)
	}
	if length <= 0 {
		return
	}
	payload := t.sndBuf.peek(0, length)
	msg := t.buildACK(t.sndUna, payload, false)
	s.transmit(msg)
}

// onPersistExpiry sends a zero-window probe. A probe that carries a real
// data byte consumes one sequence number exactly like any other new
// transmission, even though it never produces an RTT sample (Karn) and
// never counts toward the retransmit retry cap.
func (s *Stack) onPersistExpiry(t *TCB) {
	if t.sndWnd != 0 {
		return
	}
	msg, newByte := t.buildWindowProbe()
	s.transmit(msg)
	if newByte {
		t.sndNxt++
		if seqGT(t.sndNxt, t.sndMax) {
			t.sndMax = t.sndNxt
		}
	}
	t.clearTimingOnRetransmit() // probes never produce an RTT sample
	t.backoffPersist()
	t.timers.armPersist(t.rto)
	s.metrics.persistProbes.Inc()
}

func (s *Stack) onTimeWaitExpiry(t *TCB) {
	s.destroyLocked(t)
}

// onConnectionTimerExpiry is the overall handshake deadline: a TCB still in
// SYN_SENT or SYN_RCVD when it fires is abandoned outright, independent of
// the per-retry cap in onRetransmitExpiry. Each child under a listener owns
// its own connection timer; a sibling timing out never disturbs the rest of
// the accept queue.
func (s *Stack) onConnectionTimerExpiry(t *TCB) {
	switch t.status {
	case StateSynSent:
		t.setError(ETIMEDOUT)
		s.destroyLocked(t)
	case StateSynRcvd:
		t.setError(ETIMEDOUT)
		s.dropChildLocked(t)
	}
}

// destroyLocked removes t from the table and marks it closed. Caller holds
// t.mu; table removal itself takes the table's own lock. The table's own
// reference is dropped here; the facade's reference is dropped separately
// by Release. Idempotent: two timers crossing zero in the same tick may
// both route here, and the second call must not drop a second reference.
func (s *Stack) destroyLocked(t *TCB) {
	if t.status == StateClosed {
		return
	}
	wasListen := t.status == StateListen
	t.status = StateClosed
	t.cond.Broadcast()
	s.table.removeAs(t, wasListen)
	if t.refCount > 0 {
		t.refCount--
	}
	// A closed TCB needs no further ticks; leaving it tracked would let
	// dead connections pile up in allConns for the stack's lifetime.
	s.untrackConn(t)
	s.metrics.connClosed(t)
}

func (s *Stack) sendPureACK(t *TCB) {
	msg := t.buildACK(t.sndNxt, nil, false)
	s.transmit(msg)
}
