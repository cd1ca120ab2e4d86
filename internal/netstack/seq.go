package netstack

import "gvisor.dev/gvisor/pkg/tcpip/seqnum"

// Sequence-number comparisons must account for wraparound at 2^32. We lean on gVisor's
// seqnum package for this rather than hand-rolling the int32-subtraction
// trick a second time in this codebase.

func seqLT(a, b uint32) bool {
	return seqnum.Value(a).LessThan(seqnum.Value(b))
}

func seqLTE(a, b uint32) bool {
	return seqnum.Value(a).LessThanEq(seqnum.Value(b))
}

func seqGT(a, b uint32) bool {
	return seqLT(b, a)
}

func seqGTE(a, b uint32) bool {
	return seqLTE(b, a)
}

// seqInWindow reports whether seq lies in [winStart, winStart+winSize).
func seqInWindow(seq, winStart uint32, winSize uint32) bool {
	return seqnum.Value(seq).InWindow(seqnum.Value(winStart), seqnum.Size(winSize))
}

// segmentAcceptable implements the RFC 793 acceptability test for a segment
// of length segLen starting at seq, against a receive window
// [rcvNxt, rcvNxt+rcvWnd).
func segmentAcceptable(seq uint32, segLen int, rcvNxt uint32, rcvWnd uint32) bool {
	if segLen == 0 && rcvWnd == 0 {
		return seq == rcvNxt
	}
	if segLen == 0 {
		return seqInWindow(seq, rcvNxt, rcvWnd)
	}
	if rcvWnd == 0 {
		return false
	}
	last := seq + uint32(segLen) - 1
	return seqInWindow(seq, rcvNxt, rcvWnd) || seqInWindow(last, rcvNxt, rcvWnd)
}
