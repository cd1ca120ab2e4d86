package netstack

import "testing"

func newTestTCBForCong(smss uint16) *TCB {
	cfg := DefaultConfig()
	stack := &Stack{cfg: cfg}
	t := newTCB(stack)
	t.smss = smss
	t.initCongestion()
	return t
}

func TestInitCongestionSlowStart(t *testing.T) {
	tcb := newTestTCBForCong(536)
	if tcb.cwnd != 536 {
		t.Fatalf("cwnd=%d, want smss=536", tcb.cwnd)
	}
	if tcb.ssthresh != 65535 {
		t.Fatalf("ssthresh=%d, want 65535", tcb.ssthresh)
	}
}

func TestSlowStartGrowsByAckedBytes(t *testing.T) {
	tcb := newTestTCBForCong(536)
	before := tcb.cwnd
	tcb.onNewDataACK(536)
	if tcb.cwnd != before+536 {
		t.Fatalf("cwnd=%d, want %d after one full-MSS ACK in slow start", tcb.cwnd, before+536)
	}
}

func TestSlowStartGrowsByPartialAck(t *testing.T) {
	tcb := newTestTCBForCong(536)
	before := tcb.cwnd
	tcb.onNewDataACK(100) // partial ACK, smaller than smss
	if tcb.cwnd != before+100 {
		t.Fatalf("cwnd=%d, want %d (grow by acked bytes, capped by smss)", tcb.cwnd, before+100)
	}
}

func TestCongestionAvoidanceGrowsSlower(t *testing.T) {
	tcb := newTestTCBForCong(536)
	tcb.ssthresh = tcb.cwnd // already at threshold: congestion avoidance
	before := tcb.cwnd
	tcb.onNewDataACK(536)
	if tcb.cwnd <= before {
		t.Fatal("cwnd should still grow (by at least 1 byte) in congestion avoidance")
	}
	if tcb.cwnd > before+536 {
		t.Fatalf("cwnd grew by more than one smss in a single ACK: %d -> %d", before, tcb.cwnd)
	}
}

func TestFastRetransmitOnThirdDupAck(t *testing.T) {
	tcb := newTestTCBForCong(536)
	tcb.cwnd = 6 * 536
	flight := uint32(8192)
	if tcb.onDupAck(flight) {
		t.Fatal("first dup ACK must not trigger fast retransmit")
	}
	if tcb.onDupAck(flight) {
		t.Fatal("second dup ACK must not trigger fast retransmit")
	}
	if !tcb.onDupAck(flight) {
		t.Fatal("third dup ACK must trigger fast retransmit")
	}
	wantSsthresh := flight / 2
	if tcb.ssthresh != wantSsthresh {
		t.Fatalf("ssthresh=%d, want %d", tcb.ssthresh, wantSsthresh)
	}
	wantCwnd := tcb.ssthresh + 3*536
	if tcb.cwnd != wantCwnd {
		t.Fatalf("cwnd=%d, want %d after fast retransmit", tcb.cwnd, wantCwnd)
	}
	if !tcb.inRecovery {
		t.Fatal("expected inRecovery=true after fast retransmit")
	}
}

func TestFastRecoveryInflatesOnFurtherDupAcks(t *testing.T) {
	tcb := newTestTCBForCong(536)
	tcb.cwnd = 6 * 536
	flight := uint32(8192)
	tcb.onDupAck(flight)
	tcb.onDupAck(flight)
	tcb.onDupAck(flight) // enters recovery
	afterEntry := tcb.cwnd
	tcb.onDupAck(flight)
	if tcb.cwnd != afterEntry+536 {
		t.Fatalf("cwnd=%d, want %d after one more dup ACK in recovery", tcb.cwnd, afterEntry+536)
	}
}

func TestFullRecoveryCollapsesCwnd(t *testing.T) {
	tcb := newTestTCBForCong(536)
	tcb.ssthresh = 3 * 536
	tcb.cwnd = 7 * 536
	tcb.inRecovery = true
	tcb.onFullRecoveryACK()
	if tcb.cwnd != tcb.ssthresh {
		t.Fatalf("cwnd=%d, want collapse to ssthresh=%d", tcb.cwnd, tcb.ssthresh)
	}
	if tcb.inRecovery {
		t.Fatal("inRecovery should be false after full recovery")
	}
}

func TestOnRTOLossResetsToOneMSS(t *testing.T) {
	tcb := newTestTCBForCong(536)
	tcb.cwnd = 10 * 536
	tcb.onRTOLoss(4096)
	if tcb.cwnd != 536 {
		t.Fatalf("cwnd=%d after RTO loss, want smss=536", tcb.cwnd)
	}
	if tcb.ssthresh != 2048 {
		t.Fatalf("ssthresh=%d, want flight/2=2048", tcb.ssthresh)
	}
}

func TestOnRTOLossSsthreshFloor(t *testing.T) {
	tcb := newTestTCBForCong(536)
	tcb.onRTOLoss(200) // flight/2 = 100, below 2*smss
	if tcb.ssthresh != 2*536 {
		t.Fatalf("ssthresh=%d, want floor of 2*smss=1072", tcb.ssthresh)
	}
}
