package netstack

import "testing"

func TestSeqLTWraparound(t *testing.T) {
	// Near the 2^32 wraparound boundary: 0xFFFFFFFF < 0 in the modulo sense.
	if !seqLT(0xFFFFFFFF, 0) {
		t.Fatal("expected 0xFFFFFFFF to be seqLT 0 across wraparound")
	}
	if seqLT(0, 0xFFFFFFFF) {
		t.Fatal("0 should not be seqLT 0xFFFFFFFF across wraparound")
	}
	if seqLT(100, 100) {
		t.Fatal("a value is never seqLT itself")
	}
	if !seqLT(100, 200) {
		t.Fatal("100 should be seqLT 200 in the ordinary case")
	}
}

func TestSeqInWindow(t *testing.T) {
	if !seqInWindow(1005, 1000, 100) {
		t.Fatal("1005 should be in window [1000, 1100)")
	}
	if seqInWindow(1100, 1000, 100) {
		t.Fatal("1100 is the exclusive right edge, should not be in window")
	}
	if !seqInWindow(0xFFFFFFF0, 0xFFFFFFF0, 100) {
		t.Fatal("window start itself must be in-window")
	}
}

func TestSegmentAcceptableZeroWindow(t *testing.T) {
	if !segmentAcceptable(1000, 0, 1000, 0) {
		t.Fatal("zero-length segment at rcv_nxt with zero window should be acceptable")
	}
	if segmentAcceptable(1001, 0, 1000, 0) {
		t.Fatal("zero-length segment past rcv_nxt with zero window should be rejected")
	}
}

func TestSegmentAcceptableNonZeroLength(t *testing.T) {
	if !segmentAcceptable(1000, 10, 1000, 100) {
		t.Fatal("segment starting exactly at rcv_nxt should be acceptable")
	}
	if segmentAcceptable(1200, 10, 1000, 100) {
		t.Fatal("segment entirely outside the window should be rejected")
	}
}
