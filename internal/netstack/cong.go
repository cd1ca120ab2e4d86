package netstack

// Congestion control, RFC 5681: slow start, congestion avoidance, fast
// retransmit, and fast recovery, driven entirely off ACKs and timeouts.

const fastRetransmitDupAcks = 3

// initCongestion sets the initial window
func (t *TCB) initCongestion() {
	t.cwnd = uint32(t.smss)
	t.ssthresh = 65535
	t.dupacks = 0
	t.inRecovery = false
}

// onNewDataACK is called when an ACK advances snd_una by ackedBytes > 0 and
// we are not (or are exiting) fast recovery.
func (t *TCB) onNewDataACK(ackedBytes int) {
	mss := uint32(t.smss)
	if t.cwnd < t.ssthresh {
		grow := uint32(ackedBytes)
		if grow > mss {
			grow = mss
		}
		t.cwnd += grow
	} else {
		if t.cwnd == 0 {
			t.cwnd = mss
		}
		increment := (mss * mss) / t.cwnd
		if increment < 1 {
			increment = 1
		}
		t.cwnd += increment
	}
	t.dupacks = 0
}

// onDupAck processes a duplicate ACK for the current snd_una. It reports
// whether this is the third duplicate ACK, at which point the caller must
// retransmit the segment at snd_una (fast retransmit).
func (t *TCB) onDupAck(flightSize uint32) bool {
	t.dupacks++
	mss := uint32(t.smss)

	switch {
	case t.dupacks == fastRetransmitDupAcks:
		t.ssthresh = flightSize / 2
		if min := 2 * mss; t.ssthresh < min {
			t.ssthresh = min
		}
		t.cwnd = t.ssthresh + fastRetransmitDupAcks*mss
		t.inRecovery = true
		t.recoveryPoint = t.sndMax
		return true
	case t.dupacks > fastRetransmitDupAcks:
		t.cwnd += mss
	}
	return false
}

// onFullRecoveryACK collapses cwnd to ssthresh when an ACK covers the
// recovery point (full recovery, RFC 5681 step 5).
func (t *TCB) onFullRecoveryACK() {
	t.cwnd = t.ssthresh
	t.dupacks = 0
	t.inRecovery = false
}

// onRTOLoss applies the timer-based-loss transition:
// ssthresh = max(2*mss, flight/2); cwnd = mss; back to slow start. Also
// exits fast recovery if one was in progress.
func (t *TCB) onRTOLoss(flightSize uint32) {
	mss := uint32(t.smss)
	t.ssthresh = flightSize / 2
	if min := 2 * mss; t.ssthresh < min {
		t.ssthresh = min
	}
	t.cwnd = mss
	t.dupacks = 0
	t.inRecovery = false
}

// flightSize returns snd_nxt - snd_una.
func (t *TCB) flightSize() uint32 {
	return t.sndNxt - t.sndUna
}

// effectiveWindow is min(snd_wnd, cwnd).
func (t *TCB) effectiveWindow() uint32 {
	if t.cwnd < t.sndWnd {
		return t.cwnd
	}
	return t.sndWnd
}
