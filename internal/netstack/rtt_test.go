package netstack

import (
	"context"
	"testing"
)

func newTestTCBForEstimators() *TCB {
	cfg := DefaultConfig()
	stack := &Stack{cfg: cfg}
	t := newTCB(stack)
	return t
}

func TestFirstRTTSample(t *testing.T) {
	tcb := newTestTCBForEstimators()
	tcb.onSample(8) // 8 ticks
	if tcb.srtt != 8<<srttShift {
		t.Fatalf("srtt=%d, want %d", tcb.srtt, 8<<srttShift)
	}
	if tcb.rttvar != 8<<(srttShift-1) {
		t.Fatalf("rttvar=%d, want %d", tcb.rttvar, 8<<(srttShift-1))
	}
	wantRTO := (tcb.srtt >> srttShift) + max32(1, 4*(tcb.rttvar>>srttShift))
	if tcb.rto != wantRTO {
		t.Fatalf("rto=%d, want %d", tcb.rto, wantRTO)
	}
}

func TestRTOClampedToMin(t *testing.T) {
	tcb := newTestTCBForEstimators()
	tcb.onSample(0)
	if tcb.rto < tcb.stack.cfg.RTOMin {
		t.Fatalf("rto=%d below RTO_MIN=%d", tcb.rto, tcb.stack.cfg.RTOMin)
	}
}

func TestRTOClampedToMax(t *testing.T) {
	tcb := newTestTCBForEstimators()
	tcb.onSample(10000)
	if tcb.rto > tcb.stack.cfg.RTOMax {
		t.Fatalf("rto=%d above RTO_MAX=%d", tcb.rto, tcb.stack.cfg.RTOMax)
	}
}

func TestBackoffDoublesRTO(t *testing.T) {
	tcb := newTestTCBForEstimators()
	tcb.onSample(4)
	before := tcb.rto
	tcb.backoffRTO()
	if tcb.rto != before*2 {
		t.Fatalf("rto after backoff=%d, want %d", tcb.rto, before*2)
	}
}

func TestKarnNoSampleAfterRetransmit(t *testing.T) {
	tcb := newTestTCBForEstimators()
	tcb.startTiming(1000)
	tcb.currentRTT = 5
	tcb.clearTimingOnRetransmit() // simulate a retransmit before the ACK arrives
	before := tcb.hasRTTSample
	tcb.onACKAdvance(1000)
	if tcb.hasRTTSample != before {
		t.Fatal("onACKAdvance should not produce a sample once timing was cleared by a retransmit")
	}
}

func TestTickAdvancesRTTClockWhileTiming(t *testing.T) {
	s, ip := testStack(t)
	so, _ := establishConnection(t, s, ip)
	defer so.Release()

	if _, err := so.Send(context.Background(), make([]byte, 100)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	so.tcb.mu.Lock()
	if so.tcb.timedSegment == -1 {
		so.tcb.mu.Unlock()
		t.Fatal("a fresh transmission should be timed")
	}
	so.tcb.mu.Unlock()

	s.Tick()
	s.Tick()

	so.tcb.mu.Lock()
	got := so.tcb.currentRTT
	so.tcb.mu.Unlock()
	if got != 2 {
		t.Fatalf("currentRTT=%d after two ticks, want 2", got)
	}
}

func TestOnACKAdvanceTakesSampleForTimedSegment(t *testing.T) {
	tcb := newTestTCBForEstimators()
	tcb.startTiming(1000)
	tcb.currentRTT = 3
	tcb.onACKAdvance(1000)
	if !tcb.hasRTTSample {
		t.Fatal("expected an RTT sample once the timed segment was ACKed")
	}
	if tcb.timedSegment != -1 {
		t.Fatalf("timedSegment should reset to -1 after sampling, got %d", tcb.timedSegment)
	}
}
