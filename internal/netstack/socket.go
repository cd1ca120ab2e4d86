package netstack

import (
	"context"
)

// Socket is the BSD-style facade over a TCB: create, bind, listen,
// connect, send, recv, select, close, release. It blocks on a per-TCB
// sync.Cond rather than a buffered channel, since a socket must wake on
// distinct conditions (readable, writable, acceptable, erred) that a
// single channel can't multiplex without one extra goroutine per
// condition — which the tick-driven, run-to-completion handler model this
// core uses has no room for.
type Socket struct {
	stack *Stack
	tcb   *TCB
}

// NewSocket is socket(): it allocates a TCB in CLOSED state holding the
// facade's half of the ref_count=2 lifecycle.
func NewSocket(stack *Stack) *Socket {
	return &Socket{stack: stack, tcb: newTCB(stack)}
}

// Bind implements bind(): it reserves local as the TCB's local half of the
// four-tuple, failing with EADDRINUSE if already taken.
func (so *Socket) Bind(local SockaddrIn) error {
	t := so.tcb
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bound {
		return EINVAL
	}
	if err := t.stack.table.bindCheck(local.IP, local.Port); err != nil {
		return err
	}
	t.tuple.LocalIP = local.IP
	t.tuple.LocalPort = local.Port
	t.bound = true
	return nil
}

// Listen implements listen(): it transitions an unconnected, bound TCB to
// LISTEN and installs it in the table under its local port, with no
// receive/send buffers allocated.
func (so *Socket) Listen(backlog int) error {
	t := so.tcb
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.bound {
		return EINVAL
	}
	if t.status != StateClosed {
		return EINVAL
	}
	if backlog <= 0 {
		backlog = 1
	}
	t.maxBacklog = backlog
	t.status = StateListen
	t.stack.table.insert(t)
	return nil
}

// Connect implements connect(): active open. It blocks until the
// three-way handshake completes, the connection is refused/reset, or ctx is
// canceled (EINTR).
func (so *Socket) Connect(ctx context.Context, foreign SockaddrIn) error {
	t := so.tcb
	t.mu.Lock()
	if t.status != StateClosed {
		t.mu.Unlock()
		return EINVAL
	}
	if !t.bound {
		port, err := t.stack.table.reserveEphemeralPort(t.stack.ip.SourceFor(foreign.IP))
		if err != nil {
			t.mu.Unlock()
			return err
		}
		t.tuple.LocalIP = t.stack.ip.SourceFor(foreign.IP)
		t.tuple.LocalPort = port
		t.bound = true
	}
	t.tuple.ForeignIP = foreign.IP
	t.tuple.ForeignPort = foreign.Port
	t.allocBuffers()

	t.iss = t.stack.nextISN()
	t.sndUna = t.iss
	t.sndNxt = t.iss + 1
	t.sndMax = t.sndNxt
	mtu := t.stack.ip.MTU(t.tuple.LocalIP)
	t.mssToAdvertise = uint16(mtu - 40)
	t.status = StateSynSent
	t.stack.table.insert(t)
	t.stack.trackConn(t)
	t.timers.armRetransmit(t.stack.cfg.SynInitialRTO)
	t.timers.arm(timerConnection, 6*t.stack.cfg.SynInitialRTO)

	stop := context.AfterFunc(ctx, func() {
		t.mu.Lock()
		t.cond.Broadcast()
		t.mu.Unlock()
	})
	defer stop()

	t.stack.transmit(t.buildSYN())

	for t.status == StateSynSent && t.errCode == errnoNone && ctx.Err() == nil {
		t.cond.Wait()
	}
	defer t.mu.Unlock()

	if ctx.Err() != nil && t.status == StateSynSent {
		return EINTR
	}
	if t.errCode != errnoNone {
		return t.errCode
	}
	return nil
}

// Accept implements accept(): it blocks on the listening socket until a
// queued child reaches ESTABLISHED (signaled via the child's lock-free
// acceptReady flag, never by locking the child while holding the parent's
// lock — see fsm.go's lock-ordering note), or ctx is canceled.
func (so *Socket) Accept(ctx context.Context) (*Socket, error) {
	t := so.tcb
	t.mu.Lock()

	stop := context.AfterFunc(ctx, func() {
		t.mu.Lock()
		t.cond.Broadcast()
		t.mu.Unlock()
	})
	defer stop()

	for {
		if t.status != StateListen {
			t.mu.Unlock()
			return nil, EINVAL
		}
		if child := firstReadyChildLocked(t); child != nil {
			dequeueChildLocked(t, child)
			t.mu.Unlock()
			return &Socket{stack: so.stack, tcb: child}, nil
		}
		if ctx.Err() != nil {
			t.mu.Unlock()
			return nil, EINTR
		}
		t.cond.Wait()
	}
}

// firstReadyChildLocked scans the accept queue for the first child whose
// handshake has completed. Caller holds the parent's lock only.
func firstReadyChildLocked(parent *TCB) *TCB {
	for c := parent.soQueueHead; c != nil; c = c.next {
		if c.acceptReady.Load() {
			return c
		}
	}
	return nil
}

// dequeueChildLocked unlinks child from parent's queue. Caller already
// holds parent's lock (unlike dequeueChild in fsm.go, which takes it).
func dequeueChildLocked(parent, child *TCB) {
	if parent.soQueueHead == child {
		parent.soQueueHead = child.next
		parent.soQueueLen--
		return
	}
	prev := parent.soQueueHead
	for prev != nil && prev.next != child {
		prev = prev.next
	}
	if prev != nil {
		prev.next = child.next
		parent.soQueueLen--
	}
}

// Send implements send(): it appends data to the send buffer, kicks the
// output scheduler, and blocks for room if the buffer is currently full.
func (so *Socket) Send(ctx context.Context, data []byte) (int, error) {
	t := so.tcb
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := so.sendPrecheckLocked(); err != nil {
		return 0, err
	}

	stop := context.AfterFunc(ctx, func() {
		t.mu.Lock()
		t.cond.Broadcast()
		t.mu.Unlock()
	})
	defer stop()

	written := 0
	for written < len(data) {
		n := t.sndBuf.write(data[written:])
		written += n
		if msg := t.schedule(); msg != nil {
			t.stack.transmit(msg)
		}
		if written == len(data) {
			break
		}
		if err := so.sendPrecheckLocked(); err != nil {
			if written > 0 {
				return written, nil
			}
			return 0, err
		}
		if ctx.Err() != nil {
			if written > 0 {
				return written, nil
			}
			return 0, EINTR
		}
		t.cond.Wait()
	}
	return written, nil
}

func (so *Socket) sendPrecheckLocked() error {
	t := so.tcb
	if t.errCode != errnoNone {
		return t.errCode
	}
	if !t.connected && t.status != StateCloseWait {
		return ENOTCONN
	}
	if t.finSent {
		return EINVAL // send-side already shut down
	}
	return nil
}

// Recv implements recv(): it copies available bytes out of the receive
// buffer, blocking until data arrives, EOF (peer FIN) is reached, or ctx is
// canceled. A zero-length, nil-error return signals EOF.
func (so *Socket) Recv(ctx context.Context, buf []byte) (int, error) {
	t := so.tcb
	t.mu.Lock()
	defer t.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		t.mu.Lock()
		t.cond.Broadcast()
		t.mu.Unlock()
	})
	defer stop()

	for {
		if t.rcvBuf != nil && t.rcvBuf.len() > 0 {
			n := t.rcvBuf.read(buf)
			t.recomputeRcvWnd()
			// A buffer flush discharges any pending delayed ACK, and a
			// window update goes out once at least one MSS of new space
			// exists relative to the last advertisement; a smaller opening
			// would just invite silly-window segments.
			trueRight := t.rcvNxt + t.rcvWnd
			if t.timers.running(timerDelayedACK) ||
				seqGTE(trueRight, t.lastAdvertisedRight+uint32(t.smss)) {
				t.stack.forceACK(t)
			}
			return n, nil
		}
		if t.eof {
			return 0, nil
		}
		if t.errCode != errnoNone {
			return 0, t.errCode
		}
		if !t.connected && t.status != StateCloseWait {
			return 0, ENOTCONN
		}
		if ctx.Err() != nil {
			return 0, EINTR
		}
		t.cond.Wait()
	}
}

// RecvFrom is Recv plus the peer's address, filled in from the TCB's
// four-tuple the way recvfrom fills its sockaddr out-parameter.
func (so *Socket) RecvFrom(ctx context.Context, buf []byte) (int, SockaddrIn, error) {
	n, err := so.Recv(ctx, buf)
	t := so.tcb
	t.mu.Lock()
	addr := NewSockaddrIn(t.tuple.ForeignIP, t.tuple.ForeignPort)
	t.mu.Unlock()
	return n, addr, err
}

// Readiness bits reported by Select.
const (
	SelectRead  = 1 << 0 // readable: queued data, EOF, or a latched error
	SelectWrite = 1 << 1 // writable: send buffer has room
)

// Select reports the socket's readiness without blocking: SelectRead when a
// Recv would not block (data queued, EOF reached, or an error latched),
// SelectWrite when a Send would accept at least one byte.
func (so *Socket) Select() int {
	t := so.tcb
	t.mu.Lock()
	defer t.mu.Unlock()

	var ready int
	if (t.rcvBuf != nil && t.rcvBuf.len() > 0) || t.eof || t.errCode != errnoNone {
		ready |= SelectRead
	}
	if t.sndBuf != nil && t.sndBuf.free() > 0 && !t.finSent && t.errCode == errnoNone {
		ready |= SelectWrite
	}
	if t.status == StateListen && firstReadyChildLocked(t) != nil {
		ready |= SelectRead
	}
	return ready
}

// Shutdown implements a BSD-standard half-duplex send shutdown: it emits a
// FIN without dropping either reference, letting the caller keep receiving.
func (so *Socket) Shutdown() error {
	t := so.tcb
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finSent {
		return nil
	}
	switch t.status {
	case StateEstablished:
		t.status = StateFinWait1
	case StateCloseWait:
		t.status = StateLastAck
	default:
		return ENOTCONN
	}
	t.finSeq = t.sndNxt
	t.finSent = true
	msg := t.buildFINACK(t.finSeq)
	t.sndNxt++
	if seqGT(t.sndNxt, t.sndMax) {
		t.sndMax = t.sndNxt
	}
	t.stack.transmit(msg)
	if !t.timers.running(timerRetransmit) {
		t.timers.armRetransmit(t.rto)
	}
	return nil
}

// Close implements close(): application-initiated teardown. From
// ESTABLISHED/CLOSE_WAIT it is exactly Shutdown's FIN-path transition; from
// any pre-handshake state it tears the TCB down immediately. It does not by
// itself drop the facade's reference — close transitions state, Release
// drops the reference.
func (so *Socket) Close() error {
	t := so.tcb
	t.mu.Lock()

	switch t.status {
	case StateListen:
		children := t.snapshotQueueLocked()
		t.stack.destroyLocked(t)
		t.mu.Unlock()
		for _, c := range children {
			c.mu.Lock()
			t.stack.destroyLocked(c)
			c.mu.Unlock()
		}
		return nil
	case StateEstablished, StateCloseWait:
		t.mu.Unlock()
		return so.Shutdown()
	case StateSynSent, StateSynRcvd:
		t.setError(ECONNRESET)
		t.stack.destroyLocked(t)
		t.mu.Unlock()
		return nil
	default:
		t.mu.Unlock()
		return nil
	}
}

// Release implements release(): it drops the facade's share of the TCB's
// references, freeing the TCB once the table has also let go. The caller
// must not use so again afterwards.
func (so *Socket) Release() {
	so.tcb.dropRef()
}

// LocalAddr and RemoteAddr report the socket's bound/connected endpoints.
func (so *Socket) LocalAddr() SockaddrIn {
	t := so.tcb
	t.mu.Lock()
	defer t.mu.Unlock()
	return NewSockaddrIn(t.tuple.LocalIP, t.tuple.LocalPort)
}

func (so *Socket) RemoteAddr() SockaddrIn {
	t := so.tcb
	t.mu.Lock()
	defer t.mu.Unlock()
	return NewSockaddrIn(t.tuple.ForeignIP, t.tuple.ForeignPort)
}

// State reports the TCB's current RFC 793 state, for tests and the debug
// snapshot endpoint.
func (so *Socket) State() State {
	t := so.tcb
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}
