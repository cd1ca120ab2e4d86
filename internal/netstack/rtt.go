package netstack

// RTT/RTO estimation, RFC 2988 (Jacobson/Karn). Values are carried in
// ticks (TCP_HZ=4) rather than wall-clock durations, since the only clock
// this core has is the external tick source. Arithmetic follows the
// traditional fixed-point SRTT_SHIFT=3 scaling rather than the simpler
// unscaled RFC 6298 form.
const srttShift = 3

// onSample processes one RTT measurement of r ticks (must be >= 0). srtt and
// rttvar are stored scaled by 1<<srttShift throughout.
func (t *TCB) onSample(r int32) {
	if !t.hasRTTSample {
		t.srtt = r << srttShift
		t.rttvar = r << (srttShift - 1) // R/2, scaled
		t.hasRTTSample = true
	} else {
		srttUnscaled := t.srtt >> srttShift
		diff := srttUnscaled - r
		if diff < 0 {
			diff = -diff
		}
		t.rttvar = t.rttvar - (t.rttvar >> 2) + (diff << 1)
		t.srtt = t.srtt - (t.srtt >> srttShift) + r
	}
	t.rto = (t.srtt >> srttShift) + max32(1, 4*(t.rttvar>>srttShift))
	t.clampRTO()
	t.retxCount = 0
	t.probeBackoffN = 0
}

func (t *TCB) clampRTO() {
	if t.rto < t.stack.cfg.RTOMin {
		t.rto = t.stack.cfg.RTOMin
	}
	if t.rto > t.stack.cfg.RTOMax {
		t.rto = t.stack.cfg.RTOMax
	}
}

// backoffRTO doubles RTO on a retransmission-timer expiry (exponential
// backoff), clamped to RTO_MAX.
func (t *TCB) backoffRTO() {
	t.rto *= 2
	t.clampRTO()
}

// backoffPersist grows the persist-probe interval the same way.
func (t *TCB) backoffPersist() {
	t.probeBackoffN++
	t.rto *= 2
	t.clampRTO()
}

func max32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}

// startTiming starts timing a segment, if none is already being timed. seq
// is the segment's end (the ACK value that covers it); an ACK at or beyond
// seq completes the sample.
func (t *TCB) startTiming(seq uint32) {
	if t.timedSegment == -1 {
		t.timedSegment = int64(seq)
		t.currentRTT = 0
	}
}

// onACKAdvance is called once per inbound ACK that advances snd_una. It
// takes an RTT sample if the ACK covers the timed segment, per Karn's
// algorithm (no sample for retransmitted segments — startTiming is simply
// never called again for a segment once it has been retransmitted, via
// clearTimingOnRetransmit).
func (t *TCB) onACKAdvance(ack uint32) {
	if t.timedSegment == -1 {
		return
	}
	if seqGTE(ack, uint32(t.timedSegment)) {
		t.onSample(t.currentRTT)
		t.timedSegment = -1
	}
}

// clearTimingOnRetransmit is Karn's algorithm: a retransmitted segment (or
// a window probe) must never produce an RTT sample.
func (t *TCB) clearTimingOnRetransmit() {
	t.timedSegment = -1
}
