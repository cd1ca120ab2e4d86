package netstack

// Output scheduler: Nagle's algorithm plus silly-window-syndrome avoidance,
// deciding when buffered data is actually worth putting on the wire.

// schedule is invoked whenever data enters the send buffer, an ACK opens
// snd_una or snd_wnd, cwnd grows, or the persist timer fires. It emits at
// most one segment and returns it (nil if nothing was sent).
func (t *TCB) schedule() *Message {
	if t.sndBuf == nil {
		return nil
	}

	usable := t.effectiveWindow() - (t.sndNxt - t.sndUna)
	if int32(usable) < 0 {
		usable = 0
	}
	occupiedFromNxt := t.sndBuf.occupied - int(t.sndNxt-t.sndUna)
	if occupiedFromNxt < 0 {
		occupiedFromNxt = 0
	}
	mss := int(t.smss)

	length := occupiedFromNxt
	if int(usable) < length {
		length = int(usable)
	}
	if mss < length {
		length = mss
	}

	send := false
	psh := false
	switch {
	case length >= mss && length > 0:
		send = true
	case length > 0 && length == occupiedFromNxt && t.sndNxt == t.sndUna:
		send = true
		psh = true
	case usable > 0 && usable >= t.maxWnd/2:
		send = true
	}

	if !send || length == 0 {
		t.maybeArmPersist(occupiedFromNxt)
		return nil
	}

	payload := t.sndBuf.peek(int(t.sndNxt-t.sndUna), length)
	seq := t.sndNxt
	msg := t.buildACK(seq, payload, psh)

	t.sndNxt += uint32(len(payload))
	if seqGT(t.sndNxt, t.sndMax) {
		t.sndMax = t.sndNxt
		t.startTiming(t.sndNxt)
	}
	if !t.timers.running(timerRetransmit) {
		t.timers.armRetransmit(t.rto)
	}

	remaining := occupiedFromNxt - length
	t.maybeArmPersist(remaining)
	return msg
}

// maybeArmPersist arms the persist timer when data remains unsent, the
// peer's window is closed, and neither the persist nor retransmission
// timer is already running.
func (t *TCB) maybeArmPersist(remaining int) {
	if remaining > 0 && t.sndWnd == 0 && !t.timers.running(timerPersist) && !t.timers.running(timerRetransmit) {
		t.timers.armPersist(t.rto)
	}
}
