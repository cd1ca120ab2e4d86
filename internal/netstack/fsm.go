package netstack

// Input processor: the RFC 793 eleven-state machine with the RFC 1122
// ESTABLISHED-family ordered checks (sequence acceptability, RST,
// SYN-in-window, ACK, text, FIN).
//
// Lock ordering note: a child TCB never
// holds a strong pointer to its parent listener, only listenPort (a weak,
// copyable value). This package nests TCB locks in two places, dequeueChild
// and handleSynRcvd's wakeup of the listener; both run while the caller
// already holds the CHILD's lock and take the PARENT's lock only as an inner
// lock, never the other way around. Socket.Close (socket.go) observes the same rule in reverse by
// never holding both locks at once: it snapshots the parent's accept queue
// while holding only the parent's lock, releases it, then locks each child
// individually.

// Rx is tcp_rx: the external IP layer's entry point for an inbound segment.
// msg.IPSrc/IPDst must already carry the segment's actual source (peer) and
// destination (local) addresses. Ownership of msg passes to Rx, which frees
// it unconditionally.
func (s *Stack) Rx(msg *Message) {
	defer FreeMessage(msg)
	s.capturePacket(msg)

	seg := msg.Segment()
	if !verifyChecksum(msg.IPSrc, msg.IPDst, seg) {
		s.log.Debug("tcp: bad checksum, dropping segment")
		return
	}
	h, ok := decodeSegment(seg)
	if !ok {
		s.log.Debug("tcp: malformed segment, dropping")
		return
	}

	local, foreign := msg.IPDst, msg.IPSrc
	t, ok := s.table.lookup(local, h.dstPort, foreign, h.srcPort)
	if !ok {
		s.handleUnmatched(local, foreign, h)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	s.dispatch(t, h, local, foreign)
}

func (s *Stack) dispatch(t *TCB, h segmentHeader, local, foreign [4]byte) {
	switch t.status {
	case StateListen:
		s.handleListen(t, h, local, foreign)
	case StateSynSent:
		s.handleSynSent(t, h)
	case StateSynRcvd:
		s.handleSynRcvd(t, h)
	case StateTimeWait:
		s.handleTimeWait(t, h)
	case StateClosed:
		// A closed TCB should already be unreachable via the table; ignore
		// defensively rather than act on a segment for a dead connection.
	default:
		s.handleEstablishedFamily(t, h)
	}
}

// handleUnmatched answers a segment matching no TCB: RST(seq=seg.ack) if it
// carried an ACK, otherwise RST+ACK(seq=0, ack=seg.seq+seg_len).
func (s *Stack) handleUnmatched(local, foreign [4]byte, h segmentHeader) {
	if h.has(flagRST) {
		return
	}
	if h.has(flagACK) {
		s.transmit(buildStatelessRST(local, foreign, h.dstPort, h.srcPort, h.ack))
		return
	}
	segLen := len(h.payload)
	if h.has(flagSYN) {
		segLen++
	}
	if h.has(flagFIN) {
		segLen++
	}
	ackVal := h.seq + uint32(segLen)
	s.transmit(buildStatelessRSTACK(local, foreign, h.dstPort, h.srcPort, ackVal))
}

// handleListen processes a segment addressed to a LISTEN TCB: only a SYN
// gets anywhere, spawning a SYN_RCVD child on the accept queue.
func (s *Stack) handleListen(parent *TCB, h segmentHeader, local, foreign [4]byte) {
	if foreign == INADDRAny {
		return
	}
	if h.has(flagRST) {
		return // an RST to a listener needs no action
	}
	if !h.has(flagSYN) {
		if h.has(flagACK) {
			s.transmit(buildStatelessRST(local, foreign, h.dstPort, h.srcPort, h.ack))
		}
		return
	}
	if parent.soQueueLen >= parent.maxBacklog {
		return // drop silently, backlog full
	}

	child := newTCB(s)
	child.tuple = FourTuple{LocalIP: local, LocalPort: h.dstPort, ForeignIP: foreign, ForeignPort: h.srcPort}
	child.status = StateSynRcvd
	child.listenPort = parent.tuple.LocalPort
	child.maxBacklog = parent.maxBacklog
	child.irs = h.seq
	child.rcvNxt = h.seq + 1
	child.iss = s.nextISN()
	child.sndUna = child.iss
	child.sndNxt = child.iss + 1
	child.sndMax = child.sndNxt
	child.allocBuffers()

	mtu := s.ip.MTU(local)
	child.mssToAdvertise = uint16(mtu - 40)
	child.smss = effectiveSMSS(h.hasMSS, h.mss, mtu, s.cfg.ClampMinMSS)
	child.peerHasMSS = h.hasMSS
	child.initCongestion()

	enqueueChildLocked(parent, child)
	s.table.insert(child)
	s.trackConn(child)
	child.timers.armRetransmit(s.cfg.SynInitialRTO)
	child.timers.arm(timerConnection, 6*s.cfg.SynInitialRTO)

	s.transmit(child.buildSYNACK())
}

// handleSynSent completes (or aborts) an active open.
func (s *Stack) handleSynSent(t *TCB, h segmentHeader) {
	if h.has(flagSYN) && h.has(flagACK) {
		if h.ack == t.iss+1 {
			t.irs = h.seq
			t.rcvNxt = h.seq + 1
			t.sndUna = h.ack
			t.sndWnd = uint32(h.window)
			t.maxWnd = t.sndWnd
			t.sndWl1 = h.seq
			t.sndWl2 = h.ack
			t.smss = effectiveSMSS(h.hasMSS, h.mss, s.ip.MTU(t.tuple.LocalIP), s.cfg.ClampMinMSS)
			t.peerHasMSS = h.hasMSS
			t.status = StateEstablished
			t.connected = true
			t.initCongestion()
			t.timers.disable(timerRetransmit)
			t.timers.disable(timerConnection)
			t.synRetryCount = 0
			s.metrics.connEstablished(t)
			s.transmit(t.buildACK(t.sndNxt, nil, false))
			t.cond.Broadcast()
			return
		}
		if seqLTE(h.ack, t.iss) || seqGT(h.ack, t.sndMax) {
			s.transmit(t.buildRST(h.ack))
		}
		return
	}
	if h.has(flagRST) {
		if h.has(flagACK) && h.ack == t.sndNxt {
			t.setError(ECONNREFUSED)
			s.destroyLocked(t)
		}
		return
	}
	if h.has(flagSYN) {
		// Simultaneous open.
		t.irs = h.seq
		t.rcvNxt = h.seq + 1
		t.status = StateSynRcvd
		s.transmit(t.buildSYNACK())
		return
	}
}

// handleSynRcvd completes a passive open: an ACK in (snd_una, snd_max]
// promotes the child to ESTABLISHED.
func (s *Stack) handleSynRcvd(t *TCB, h segmentHeader) {
	if h.has(flagRST) {
		s.dropChildLocked(t)
		return
	}
	if h.has(flagFIN) {
		t.rcvNxt = h.seq + uint32(len(h.payload)) + 1
		t.status = StateCloseWait
		t.eof = true
		s.transmit(t.buildACK(t.sndNxt, nil, false))
		t.cond.Broadcast()
		return
	}
	if !h.has(flagACK) {
		return
	}
	if seqLT(t.sndUna, h.ack) && seqLTE(h.ack, t.sndMax) {
		t.sndUna = h.ack
		t.sndWnd = uint32(h.window)
		t.maxWnd = t.sndWnd
		t.sndWl1 = h.seq
		t.sndWl2 = h.ack
		t.status = StateEstablished
		t.connected = true
		t.acceptReady.Store(true)
		t.initCongestion()
		t.timers.disable(timerRetransmit)
		t.timers.disable(timerConnection)
		t.synRetryCount = 0
		s.metrics.connEstablished(t)
		// Wake a blocked Accept on the parent listener. Taking the parent's
		// lock here nests child -> parent, the one direction the
		// lock-ordering note at the top of this file permits.
		if parent, ok := s.table.lookupListener(t.listenPort); ok {
			parent.mu.Lock()
			parent.cond.Broadcast()
			parent.mu.Unlock()
		}
		if len(h.payload) > 0 || h.has(flagFIN) {
			s.handleEstablishedFamily(t, h)
		}
		return
	}
	s.transmit(t.buildRST(h.ack))
	s.dropChildLocked(t)
}

// handleTimeWait re-ACKs a retransmitted FIN and re-arms the 2*MSL timer;
// everything else is ignored (the TCB is already fully wound down).
func (s *Stack) handleTimeWait(t *TCB, h segmentHeader) {
	if h.has(flagRST) {
		return
	}
	if h.has(flagFIN) {
		s.transmit(t.buildACK(t.sndNxt, nil, false))
		s.armTimeWait(t)
	}
}

// handleEstablishedFamily runs the six ordered checks shared by
// ESTABLISHED, FIN_WAIT_1, FIN_WAIT_2, CLOSE_WAIT, LAST_ACK, and CLOSING.
func (s *Stack) handleEstablishedFamily(t *TCB, h segmentHeader) {
	segLen := len(h.payload)
	if h.has(flagFIN) {
		segLen++
	}

	// 1. Sequence acceptability.
	if !segmentAcceptable(h.seq, segLen, t.rcvNxt, t.rcvWnd) {
		if !h.has(flagRST) {
			s.transmit(t.buildACK(t.sndNxt, nil, false))
		}
		return
	}

	// 2. RST check.
	if h.has(flagRST) {
		t.setError(ECONNRESET)
		s.destroyLocked(t)
		return
	}

	// 3. SYN-in-window.
	if h.has(flagSYN) {
		s.transmit(t.buildRST(h.ack))
		t.setError(ECONNRESET)
		s.destroyLocked(t)
		return
	}

	// 4. ACK check.
	if !h.has(flagACK) {
		return
	}
	if seqGT(h.ack, t.sndMax) {
		s.transmit(t.buildACK(t.sndNxt, nil, false))
		return
	}

	// Window update applies whether or not the ACK itself is new
	// (classic BSD tcp_input behavior), guarded by snd_wl1/snd_wl2 so a
	// stale, reordered segment can never roll the window backwards.
	oldWnd := t.sndWnd
	if seqLT(t.sndWl1, h.seq) || (t.sndWl1 == h.seq && seqLTE(t.sndWl2, h.ack)) {
		t.sndWnd = uint32(h.window)
		if t.sndWnd > t.maxWnd {
			t.maxWnd = t.sndWnd
		}
		t.sndWl1 = h.seq
		t.sndWl2 = h.ack
	}

	finAckedNow := false
	ackAdvanced := false
	if seqLTE(h.ack, t.sndUna) {
		s.handleDuplicateACK(t, h)
	} else {
		ackAdvanced = true
		ackedBytes := int(h.ack - t.sndUna)
		t.sndUna = h.ack
		t.sndBuf.advance(ackedBytes)
		t.onACKAdvance(h.ack)
		if t.inRecovery && seqGTE(h.ack, t.recoveryPoint) {
			t.onFullRecoveryACK()
		} else {
			t.onNewDataACK(ackedBytes)
		}
		if t.sndUna == t.sndMax {
			t.timers.disable(timerRetransmit)
			t.retxCount = 0
		} else if !t.timers.running(timerRetransmit) {
			t.timers.armRetransmit(t.rto)
		}
		if t.finSent && !t.finAcked && seqGTE(h.ack, t.finSeq+1) {
			t.finAcked = true
			finAckedNow = true
		}
		t.cond.Broadcast()
	}
	s.applyCloseTransitions(t, finAckedNow)

	// Kick the output scheduler only when this ACK opened something: new
	// snd_una or a changed peer window. A duplicate ACK opens neither, and
	// transmitting fresh data on one would bury the fast retransmit.
	if ackAdvanced || t.sndWnd != oldWnd {
		if msg := t.schedule(); msg != nil {
			s.transmit(msg)
		}
	}

	// 5. Text processing.
	if len(h.payload) > 0 {
		s.processText(t, h)
	}

	// 6. FIN processing.
	if h.has(flagFIN) {
		s.processFIN(t, h)
	}
}

// handleDuplicateACK feeds an ACK that does not advance snd_una into the
// fast retransmit/recovery machinery.
func (s *Stack) handleDuplicateACK(t *TCB, h segmentHeader) {
	if h.ack != t.sndUna || t.flightSize() == 0 {
		return
	}
	if retransmit := t.onDupAck(t.flightSize()); retransmit {
		s.retransmitOldest(t)
		t.clearTimingOnRetransmit()
		s.metrics.fastRetransmits.Inc()
	}
}

// applyCloseTransitions advances the closing-state machine when an ACK in
// step 4 newly covers our outstanding FIN.
func (s *Stack) applyCloseTransitions(t *TCB, finAckedNow bool) {
	if !finAckedNow {
		return
	}
	switch t.status {
	case StateFinWait1:
		t.status = StateFinWait2
	case StateClosing:
		t.status = StateTimeWait
		s.armTimeWait(t)
	case StateLastAck:
		s.destroyLocked(t)
	}
}

// processText delivers in-order payload to the receive buffer and applies
// the delayed-ACK policy: in-order data waits up to one tick, anything
// irregular forces an immediate ACK.
func (s *Stack) processText(t *TCB, h segmentHeader) {
	seq := h.seq
	data := h.payload
	rightEdge := seq + uint32(len(data))

	if seqGT(seq, t.rcvNxt) {
		// Strictly right of rcv_nxt: a gap. Drop and force a duplicate ACK.
		s.transmit(t.buildACK(t.sndNxt, nil, false))
		return
	}
	if seqLTE(rightEdge, t.rcvNxt) {
		// Entirely to the left: already delivered. Duplicate ACK.
		s.transmit(t.buildACK(t.sndNxt, nil, false))
		return
	}

	newOffset := t.rcvNxt - seq
	newData := data[newOffset:]
	n := t.rcvBuf.write(newData)
	t.rcvNxt += uint32(n)
	t.recomputeRcvWnd()
	t.cond.Broadcast()
	s.metrics.bytesIn(n)

	if n < len(newData) {
		// Receive buffer couldn't hold everything offered; ack what made it
		// in and drop the remainder.
		s.transmit(t.buildACK(t.sndNxt, nil, false))
		return
	}

	if t.timers.running(timerDelayedACK) {
		// A second in-order segment arrived before the delayed-ACK timer
		// fired: force an immediate ACK.
		t.timers.disable(timerDelayedACK)
		s.transmit(t.buildACK(t.sndNxt, nil, false))
		return
	}
	t.timers.arm(timerDelayedACK, 1)
}

// processFIN consumes the FIN's sequence number, forces an immediate ACK,
// and advances the closing-state machine. A FIN is processed only when in
// sequence: if a gap precedes it (its data was dropped by processText, or
// it arrived as a pure FIN right of rcv_nxt), it is left unconsumed until
// the retransmission that fills the hole.
func (s *Stack) processFIN(t *TCB, h segmentHeader) {
	finSeq := h.seq + uint32(len(h.payload))
	if seqGT(finSeq, t.rcvNxt) {
		// Duplicate-ACK the gap unless text processing already did.
		if len(h.payload) == 0 {
			s.transmit(t.buildACK(t.sndNxt, nil, false))
		}
		return
	}
	if finSeq == t.rcvNxt {
		t.rcvNxt = finSeq + 1
	}
	t.timers.disable(timerDelayedACK)
	s.transmit(t.buildACK(t.sndNxt, nil, false))
	t.eof = true
	t.cond.Broadcast()

	switch t.status {
	case StateEstablished:
		t.status = StateCloseWait
	case StateFinWait1:
		if t.finSent && t.finAcked {
			t.status = StateTimeWait
			s.armTimeWait(t)
		} else {
			t.status = StateClosing
		}
	case StateFinWait2:
		t.status = StateTimeWait
		s.armTimeWait(t)
	case StateCloseWait, StateClosing, StateLastAck:
		// Retransmitted FIN in an already-closing state: the ACK above is
		// enough, no further transition.
	}
}

// armTimeWait cancels the data timers and starts the 2*MSL TIME_WAIT
// countdown.
func (s *Stack) armTimeWait(t *TCB) {
	t.timers.disable(timerRetransmit)
	t.timers.disable(timerPersist)
	t.timers.arm(timerTimeWait, 2*s.cfg.TCPMSL)
}

// forceACK cancels any pending delayed ACK and sends one immediately —
// used by Socket.Recv on a buffer flush and by the SWS
// window-update path.
func (s *Stack) forceACK(t *TCB) {
	t.timers.disable(timerDelayedACK)
	s.transmit(t.buildACK(t.sndNxt, nil, false))
}

// enqueueChildLocked appends child to parent's accept queue. Caller must
// already hold parent's lock (true of handleListen, the only caller).
func enqueueChildLocked(parent, child *TCB) {
	child.next = nil
	if parent.soQueueHead == nil {
		parent.soQueueHead = child
	} else {
		tail := parent.soQueueHead
		for tail.next != nil {
			tail = tail.next
		}
		tail.next = child
	}
	parent.soQueueLen++
}

// dequeueChild removes child from parent's accept queue, taking parent's
// lock itself. Callers hold CHILD's lock (never parent's) when calling
// this — see the file-level lock-ordering note.
func (s *Stack) dequeueChild(parent, child *TCB) {
	parent.mu.Lock()
	defer parent.mu.Unlock()
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

// dropChildLocked removes a SYN_RCVD child from its parent's accept queue
// (if still linked) and tears it down. Caller holds child's lock.
func (s *Stack) dropChildLocked(t *TCB) {
	if parent, ok := s.table.lookupListener(t.listenPort); ok {
		s.dequeueChild(parent, t)
	}
	s.destroyLocked(t)
}
