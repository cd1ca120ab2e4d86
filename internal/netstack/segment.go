package netstack

// Segment constructor: assembles the canonical outbound segment shapes —
// SYN, SYN-ACK, ACK, FIN-ACK, RST, RST-ACK, and the zero-window probe —
// filling source/dest ports and IPs in from the owning TCB.

// advertisedMSS returns mss_to_advertise for an outbound SYN/SYN-ACK.
func (t *TCB) advertisedMSS() uint16 {
	if t.mssToAdvertise != 0 {
		return t.mssToAdvertise
	}
	return defaultSMSS
}

func (t *TCB) newMessage(h segmentHeader) *Message {
	hlen := tcpHeaderLen
	if h.hasMSS {
		hlen += tcpMSSOptLen
	}
	total := hlen + len(h.payload)
	msg := AllocMessage(total)
	msg.growTo(total)
	seg := msg.Segment()
	n := encodeSegment(seg, h)
	local := t.tuple.LocalIP
	foreign := t.tuple.ForeignIP
	finalizeChecksum(seg, n, local, foreign)
	msg.IPSrc = local
	msg.IPDst = foreign
	msg.IPLength = n
	return msg
}

func (t *TCB) buildSYN() *Message {
	h := segmentHeader{
		srcPort: t.tuple.LocalPort,
		dstPort: t.tuple.ForeignPort,
		seq:     t.iss,
		flags:   flagSYN,
		window:  uint16(t.advertisedWindow()),
		hasMSS:  true,
		mss:     t.advertisedMSS(),
	}
	return t.newMessage(h)
}

func (t *TCB) buildSYNACK() *Message {
	h := segmentHeader{
		srcPort: t.tuple.LocalPort,
		dstPort: t.tuple.ForeignPort,
		seq:     t.iss,
		ack:     t.rcvNxt,
		flags:   flagSYN | flagACK,
		window:  uint16(t.advertisedWindow()),
		hasMSS:  true,
		mss:     t.advertisedMSS(),
	}
	return t.newMessage(h)
}

// buildACK builds a pure or data-bearing ACK at seq, with the given payload
// and optional PSH.
func (t *TCB) buildACK(seq uint32, payload []byte, psh bool) *Message {
	flags := flagACK
	if psh {
		flags |= flagPSH
	}
	h := segmentHeader{
		srcPort: t.tuple.LocalPort,
		dstPort: t.tuple.ForeignPort,
		seq:     seq,
		ack:     t.rcvNxt,
		flags:   flags,
		window:  uint16(t.advertisedWindow()),
		payload: payload,
	}
	return t.newMessage(h)
}

// buildFINACK builds FIN|ACK at seq, the sequence number the FIN itself
// consumes — callers pass finSeq both on the original send and on any
// retransmit, since sndNxt moves past it immediately after the first send.
func (t *TCB) buildFINACK(seq uint32) *Message {
	h := segmentHeader{
		srcPort: t.tuple.LocalPort,
		dstPort: t.tuple.ForeignPort,
		seq:     seq,
		ack:     t.rcvNxt,
		flags:   flagFIN | flagACK,
		window:  uint16(t.advertisedWindow()),
	}
	return t.newMessage(h)
}

// buildRST answers a segment that carried an ACK: RST(seq=seg_ack, no ACK).
func (t *TCB) buildRST(segAck uint32) *Message {
	h := segmentHeader{
		srcPort: t.tuple.LocalPort,
		dstPort: t.tuple.ForeignPort,
		seq:     segAck,
		flags:   flagRST,
	}
	return t.newMessage(h)
}

// buildStatelessRST answers a segment with no matching TCB that itself
// carried an ACK, constructed without a TCB since none exists yet. See
// fsm.go's handleUnmatched.
func buildStatelessRST(local, foreign [4]byte, localPort, foreignPort uint16, seq uint32) *Message {
	h := segmentHeader{
		srcPort: localPort,
		dstPort: foreignPort,
		seq:     seq,
		flags:   flagRST,
	}
	return buildStateless(local, foreign, h)
}

// buildStatelessRSTACK answers a segment without an ACK:
// RST_ACK(seq=0, ack=seg_seq+seg_len).
func buildStatelessRSTACK(local, foreign [4]byte, localPort, foreignPort uint16, ackVal uint32) *Message {
	h := segmentHeader{
		srcPort: localPort,
		dstPort: foreignPort,
		seq:     0,
		ack:     ackVal,
		flags:   flagRST | flagACK,
	}
	return buildStateless(local, foreign, h)
}

func buildStateless(local, foreign [4]byte, h segmentHeader) *Message {
	msg := AllocMessage(tcpHeaderLen)
	msg.growTo(tcpHeaderLen)
	seg := msg.Segment()
	n := encodeSegment(seg, h)
	finalizeChecksum(seg, n, local, foreign)
	msg.IPSrc = local
	msg.IPDst = foreign
	msg.IPLength = n
	return msg
}

// buildWindowProbe builds a zero-window persist probe: one data byte (the
// first unsent byte) if there is unsent data, otherwise a zero-length ACK
// at snd_nxt-1. The bool return reports whether a new data byte went out,
// so the caller (onPersistExpiry) knows whether to advance snd_nxt.
func (t *TCB) buildWindowProbe() (*Message, bool) {
	unsent := t.sndBuf.peek(int(t.sndNxt-t.sndUna), 1)
	if len(unsent) == 1 {
		return t.buildACK(t.sndNxt, unsent, false), true
	}
	return t.buildACK(t.sndNxt-1, nil, false), false
}

// clampWindow guards against rcvWnd exceeding the 16-bit wire field; this
// core never needs window scaling, so buffer sizes
// must stay <= 65535 in practice, but we clamp defensively on the wire.
func clampWindow(w uint32) uint32 {
	if w > 0xffff {
		return 0xffff
	}
	return w
}
