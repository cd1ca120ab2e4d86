package netstack

import (
	"sync"
	"sync/atomic"
)

// State is one of the eleven RFC 793 connection states.
type State int

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynRcvd
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateLastAck
	StateClosing
	StateTimeWait
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateListen:
		return "LISTEN"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynRcvd:
		return "SYN_RCVD"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN_WAIT_1"
	case StateFinWait2:
		return "FIN_WAIT_2"
	case StateCloseWait:
		return "CLOSE_WAIT"
	case StateLastAck:
		return "LAST_ACK"
	case StateClosing:
		return "CLOSING"
	case StateTimeWait:
		return "TIME_WAIT"
	default:
		return "UNKNOWN"
	}
}

// FourTuple identifies a connection; ForeignIP/ForeignPort may be wildcard
// (zero) on a LISTEN TCB.
type FourTuple struct {
	LocalIP    [4]byte
	LocalPort  uint16
	ForeignIP  [4]byte
	ForeignPort uint16
}

const defaultSMSS = 536

// TCB is a Transmission Control Block: all per-connection state. It is
// accessed only through Stack/Socket methods, all of which take tcb.mu
// before touching it.
type TCB struct {
	mu sync.Mutex

	tuple  FourTuple
	status State

	// Send variables.
	sndUna uint32
	sndNxt uint32
	sndMax uint32
	sndWnd uint32
	maxWnd uint32
	iss    uint32

	// Receive variables.
	rcvNxt uint32
	rcvWnd uint32
	irs    uint32
	// lastAdvertisedRight is the right edge (rcvNxt+rcvWnd) of the last
	// window we advertised, for the receiver-side SWS never-shrink rule.
	lastAdvertisedRight uint32

	// sndWl1/sndWl2 record the (seg_seq, seg_ack) of the segment that last
	// updated snd_wnd, so a stale segment arriving out of order can never
	// roll the window backwards (classic BSD tcp_input window-update test).
	sndWl1 uint32
	sndWl2 uint32

	// FIN bookkeeping: finSeq is the sequence number our own FIN consumed;
	// finSent/finAcked track whether it has gone out and been acknowledged.
	finSeq   uint32
	finSent  bool
	finAcked bool

	// Capability.
	smss             uint16
	mssToAdvertise   uint16
	peerHasMSS       bool

	// RTT/RTO (RFC 2988), all in ticks.
	srtt          int32 // scaled by 1<<srttShift
	rttvar        int32 // scaled by 1<<srttShift
	rto           int32
	timedSegment  int64 // end sequence number of the timed segment; -1 if none
	currentRTT    int32 // ticks elapsed since timedSegment was sent
	hasRTTSample  bool

	// Congestion control (RFC 5681).
	cwnd          uint32
	ssthresh      uint32
	dupacks       int
	recoveryPoint uint32
	inRecovery    bool

	sndBuf *sendRing
	rcvBuf *recvRing

	timers timerSet

	bound     bool
	connected bool
	eof       bool
	errCode   Errno
	refCount  int32

	// Listen-queue linkage.
	soQueueHead *TCB
	soQueueLen  int
	maxBacklog  int
	next        *TCB // sibling link when queued on a parent's accept queue
	listenPort  uint16

	// retry bookkeeping
	retxCount      int
	synRetryCount  int
	probeBackoffN  int

	// Wakeable on buffer-state changes; guarded by mu.
	cond *sync.Cond

	// acceptReady lets Socket.Accept poll a queued child's readiness
	// without taking the child's lock while holding the parent's —
	// Accept only ever holds the listening TCB's lock (see fsm.go's
	// note on accept-queue lock ordering).
	acceptReady atomic.Bool

	stack *Stack

	snapID string // debug-facing connection id (rs/xid), assigned lazily
}

func newTCB(stack *Stack) *TCB {
	t := &TCB{
		stack:    stack,
		status:   StateClosed,
		smss:     defaultSMSS,
		cwnd:     uint32(defaultSMSS),
		ssthresh: 65535,
		rto:      int32(stack.cfg.RTOMin),
		timedSegment: -1,
		refCount: 2, // one for the facade, one for the table
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// allocBuffers lazily allocates send/receive buffers. A TCB in LISTEN never
// has them; only the listen queue is allocated there.
func (t *TCB) allocBuffers() {
	if t.sndBuf == nil {
		t.sndBuf = newSendRing(t.stack.cfg.SndBufferSize)
	}
	if t.rcvBuf == nil {
		t.rcvBuf = newRecvRing(t.stack.cfg.RcvBufferSize)
		t.rcvWnd = uint32(t.stack.cfg.RcvBufferSize)
		t.lastAdvertisedRight = t.rcvNxt + t.rcvWnd
	}
}

// recomputeRcvWnd updates rcv_wnd from buffer occupancy.
func (t *TCB) recomputeRcvWnd() {
	if t.rcvBuf == nil {
		return
	}
	t.rcvWnd = uint32(t.rcvBuf.capacity() - t.rcvBuf.len())
}

// advertisedWindow computes the value placed in an outbound segment's
// window field, with receiver-side SWS avoidance: the
// receiver holds its advertised right edge flat until at least one SMSS of
// new space has opened up (via recv draining the buffer) rather than
// dribbling out small increments, and never advertises a right edge behind
// rcv_nxt.
func (t *TCB) advertisedWindow() uint32 {
	if t.rcvBuf == nil {
		return clampWindow(t.rcvWnd)
	}
	if seqLT(t.lastAdvertisedRight, t.rcvNxt) {
		t.lastAdvertisedRight = t.rcvNxt
	}
	trueRight := t.rcvNxt + t.rcvWnd
	if seqGTE(trueRight, t.lastAdvertisedRight) {
		growth := trueRight - t.lastAdvertisedRight
		if growth >= uint32(t.smss) || t.lastAdvertisedRight == t.rcvNxt {
			t.lastAdvertisedRight = trueRight
		}
	}
	return clampWindow(t.lastAdvertisedRight - t.rcvNxt)
}

// snapshotQueueLocked copies the accept queue into a slice so Socket.Close
// can tear children down without holding the parent's lock while also
// locking each child (the one nesting direction this package forbids — see
// fsm.go's lock-ordering note). Caller holds t.mu.
func (t *TCB) snapshotQueueLocked() []*TCB {
	out := make([]*TCB, 0, t.soQueueLen)
	for c := t.soQueueHead; c != nil; c = c.next {
		out = append(out, c)
	}
	return out
}

// addRef/dropRef implement the TCB's shared ownership: the
// table holds one reference, the socket facade holds one. addRef expects
// the caller to hold t.mu. dropRef takes t.mu itself and, when the count
// reaches zero, removes the TCB from the table and from the stack's
// connection set after releasing it, so it must be called WITHOUT t.mu
// held (Socket.Release is its caller).
func (t *TCB) addRef() {
	t.refCount++
}

func (t *TCB) dropRef() {
	t.mu.Lock()
	t.refCount--
	n := t.refCount
	t.mu.Unlock()
	if n <= 0 {
		t.stack.table.remove(t)
		t.stack.untrackConn(t)
	}
}

// setError latches a permanent error and wakes any blocked
// caller so it can observe it.
func (t *TCB) setError(e Errno) {
	if e.sticky() || t.errCode == errnoNone {
		t.errCode = e
	}
	t.cond.Broadcast()
}

// effectiveSMSS derives smss from the peer's MSS option (if any) and the
// local link MTU: min(peer MSS option, local_MTU - 40), default 536.
// clampMin optionally raises a peer MSS below 536 back to the floor; the
// default is to accept it as given.
func effectiveSMSS(hasPeerMSS bool, peerMSS uint16, mtu int, clampMin bool) uint16 {
	candidate := uint16(defaultSMSS)
	if hasPeerMSS {
		candidate = peerMSS
	}
	if mtu > 40 {
		if localCap := uint16(mtu - 40); localCap < candidate {
			candidate = localCap
		}
	}
	if candidate == 0 {
		candidate = defaultSMSS
	}
	if clampMin && candidate < defaultSMSS {
		candidate = defaultSMSS
	}
	return candidate
}

// Table is the process-wide collection of TCBs, keyed by four-tuple, with
// LISTEN wildcard matching and ephemeral port allocation.
type Table struct {
	mu sync.RWMutex

	conns  map[FourTuple]*TCB
	listen map[uint16]*TCB // keyed by local port; local IP checked in lookup

	nextEphemeral uint16
}

const ephemeralPortStart = 49152

func newTable() *Table {
	return &Table{
		conns:         make(map[FourTuple]*TCB),
		listen:        make(map[uint16]*TCB),
		nextEphemeral: ephemeralPortStart,
	}
}

func (tb *Table) lookup(local [4]byte, localPort uint16, foreign [4]byte, foreignPort uint16) (*TCB, bool) {
	tb.mu.RLock()
	defer tb.mu.RUnlock()

	key := FourTuple{LocalIP: local, LocalPort: localPort, ForeignIP: foreign, ForeignPort: foreignPort}
	if t, ok := tb.conns[key]; ok {
		return t, true
	}
	if lt, ok := tb.listen[localPort]; ok {
		if lt.tuple.LocalIP == local || lt.tuple.LocalIP == INADDRAny {
			return lt, true
		}
	}
	return nil, false
}

func (tb *Table) insert(t *TCB) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if t.status == StateListen {
		tb.listen[t.tuple.LocalPort] = t
		return
	}
	tb.conns[t.tuple] = t
}

func (tb *Table) remove(t *TCB) {
	tb.removeAs(t, t.status == StateListen)
}

// removeAs removes t from the table using wasListen to pick the map, rather
// than t's current status — needed because destroyLocked sets t.status to
// StateClosed before calling this, which would otherwise misroute a LISTEN
// TCB's removal into the conns map it was never inserted into.
func (tb *Table) removeAs(t *TCB, wasListen bool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if wasListen {
		delete(tb.listen, t.tuple.LocalPort)
		return
	}
	delete(tb.conns, t.tuple)
}

// reserveEphemeralPort picks the next free ephemeral port >= 49152,
// wrapping back around and skipping ports already bound to a connection or
// listener on the given local address.
func (tb *Table) reserveEphemeralPort(local [4]byte) (uint16, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	start := tb.nextEphemeral
	for {
		port := tb.nextEphemeral
		tb.nextEphemeral++
		if tb.nextEphemeral == 0 {
			tb.nextEphemeral = ephemeralPortStart
		}
		if !tb.portInUseLocked(local, port) {
			return port, nil
		}
		if tb.nextEphemeral == start {
			return 0, EADDRINUSE
		}
	}
}

func (tb *Table) portInUseLocked(local [4]byte, port uint16) bool {
	if _, ok := tb.listen[port]; ok {
		return true
	}
	for k := range tb.conns {
		if k.LocalPort == port && (k.LocalIP == local || local == INADDRAny || k.LocalIP == INADDRAny) {
			return true
		}
	}
	return false
}

// bindCheck reports EADDRINUSE for a conflicting local address without
// mutating the table.
func (tb *Table) bindCheck(local [4]byte, port uint16) error {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	if tb.portInUseLocked(local, port) {
		return EADDRINUSE
	}
	return nil
}

// lookupListener finds the LISTEN TCB bound to port, if any — used to find
// a SYN_RCVD child's parent without the child keeping a strong pointer to
// it.
func (tb *Table) lookupListener(port uint16) (*TCB, bool) {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	t, ok := tb.listen[port]
	return t, ok
}
