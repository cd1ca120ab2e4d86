package netstack

import (
	"context"
	"testing"
	"time"
)

func TestBindTwiceReturnsEINVAL(t *testing.T) {
	s, _ := testStack(t)
	so := NewSocket(s)
	defer so.Release()

	addr := NewSockaddrIn(testLocal, 30000)
	if err := so.Bind(addr); err != nil {
		t.Fatalf("first Bind failed: %v", err)
	}
	if err := so.Bind(addr); err != EINVAL {
		t.Fatalf("second Bind returned %v, want EINVAL", err)
	}
}

func TestBindConflictReturnsEADDRINUSE(t *testing.T) {
	s, _ := testStack(t)
	a := NewSocket(s)
	defer a.Release()
	b := NewSocket(s)
	defer b.Release()

	addr := NewSockaddrIn(testLocal, 30000)
	if err := a.Bind(addr); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if err := a.Listen(4); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	if err := b.Bind(addr); err != EADDRINUSE {
		t.Fatalf("conflicting Bind returned %v, want EADDRINUSE", err)
	}
}

// listenAt sets up a LISTEN socket bound to testLocal:port.
func listenAt(t *testing.T, s *Stack, port uint16, backlog int) *Socket {
	t.Helper()
	so := NewSocket(s)
	if err := so.Bind(NewSockaddrIn(testLocal, port)); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if err := so.Listen(backlog); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	return so
}

func TestPassiveOpenAccept(t *testing.T) {
	s, ip := testStack(t)
	ls := listenAt(t, s, 30000, 4)
	defer ls.Release()

	peerISS := uint32(9000)
	deliverFromPeer(s, segmentHeader{
		srcPort: 40000, dstPort: 30000,
		seq: peerISS, flags: flagSYN, window: 4096,
		hasMSS: true, mss: 1460,
	})

	ip.waitForCount(t, 1)
	synack, _ := ip.lastSent()
	if !synack.has(flagSYN) || !synack.has(flagACK) {
		t.Fatalf("expected SYN-ACK, got %+v", synack)
	}
	if synack.ack != peerISS+1 {
		t.Fatalf("SYN-ACK ack=%d, want %d", synack.ack, peerISS+1)
	}
	if !synack.hasMSS {
		t.Fatal("SYN-ACK should carry an MSS option")
	}

	accepted := make(chan *Socket, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		child, err := ls.Accept(ctx)
		if err != nil {
			t.Errorf("Accept failed: %v", err)
			accepted <- nil
			return
		}
		accepted <- child
	}()

	// Complete the handshake: the peer ACKs our SYN-ACK.
	deliverFromPeer(s, segmentHeader{
		srcPort: 40000, dstPort: 30000,
		seq: peerISS + 1, ack: synack.seq + 1, flags: flagACK, window: 4096,
	})

	child := <-accepted
	if child == nil {
		t.FailNow()
	}
	defer child.Release()
	if child.State() != StateEstablished {
		t.Fatalf("accepted child state=%v, want ESTABLISHED", child.State())
	}
	remote := child.RemoteAddr()
	if remote.IP != testPeer || remote.Port != 40000 {
		t.Fatalf("child remote=%v, want %v:40000", remote, testPeer)
	}
}

func TestListenBacklogFullDropsSYN(t *testing.T) {
	s, ip := testStack(t)
	ls := listenAt(t, s, 30000, 1)
	defer ls.Release()

	deliverFromPeer(s, segmentHeader{
		srcPort: 40000, dstPort: 30000,
		seq: 1000, flags: flagSYN, window: 4096,
	})
	ip.waitForCount(t, 1)

	// A second SYN from a different source while the queue is full must be
	// dropped silently: no SYN-ACK, no RST.
	before := ip.count()
	deliverFromPeer(s, segmentHeader{
		srcPort: 40001, dstPort: 30000,
		seq: 2000, flags: flagSYN, window: 4096,
	})
	if got := ip.count() - before; got != 0 {
		t.Fatalf("expected the over-backlog SYN to be dropped silently, %d segments sent", got)
	}
}

func TestUnmatchedACKGetsRST(t *testing.T) {
	s, ip := testStack(t)

	deliverFromPeer(s, segmentHeader{
		srcPort: 40000, dstPort: 12345,
		seq: 77, ack: 4242, flags: flagACK, window: 1024,
	})
	ip.waitForCount(t, 1)
	rst, _ := ip.lastSent()
	if !rst.has(flagRST) || rst.has(flagACK) {
		t.Fatalf("expected bare RST, got %+v", rst)
	}
	if rst.seq != 4242 {
		t.Fatalf("RST seq=%d, want the offending segment's ack (4242)", rst.seq)
	}
}

func TestUnmatchedSYNGetsRSTACK(t *testing.T) {
	s, ip := testStack(t)

	deliverFromPeer(s, segmentHeader{
		srcPort: 40000, dstPort: 12345,
		seq: 500, flags: flagSYN, window: 1024,
	})
	ip.waitForCount(t, 1)
	rst, _ := ip.lastSent()
	if !rst.has(flagRST) || !rst.has(flagACK) {
		t.Fatalf("expected RST+ACK, got %+v", rst)
	}
	if rst.seq != 0 || rst.ack != 501 {
		t.Fatalf("RST seq=%d ack=%d, want seq=0 ack=501 (seg_seq + SYN)", rst.seq, rst.ack)
	}
}

func TestSelectReadiness(t *testing.T) {
	s, ip := testStack(t)
	so, _ := establishConnection(t, s, ip)
	defer so.Release()

	if r := so.Select(); r != SelectWrite {
		t.Fatalf("fresh connection readiness=%b, want writable only", r)
	}

	so.tcb.mu.Lock()
	rcvNxt := so.tcb.rcvNxt
	localPort := so.tcb.tuple.LocalPort
	sndNxt := so.tcb.sndNxt
	so.tcb.mu.Unlock()

	deliverFromPeer(s, segmentHeader{
		srcPort: 30000, dstPort: localPort,
		seq: rcvNxt, ack: sndNxt, flags: flagACK, window: 65535,
		payload: []byte("ping"),
	})
	if r := so.Select(); r&SelectRead == 0 {
		t.Fatalf("readiness=%b after data arrived, want readable", r)
	}
}

func TestRecvFromReportsPeerAddress(t *testing.T) {
	s, ip := testStack(t)
	so, _ := establishConnection(t, s, ip)
	defer so.Release()

	so.tcb.mu.Lock()
	rcvNxt := so.tcb.rcvNxt
	localPort := so.tcb.tuple.LocalPort
	sndNxt := so.tcb.sndNxt
	so.tcb.mu.Unlock()

	deliverFromPeer(s, segmentHeader{
		srcPort: 30000, dstPort: localPort,
		seq: rcvNxt, ack: sndNxt, flags: flagACK, window: 65535,
		payload: []byte("hello"),
	})

	buf := make([]byte, 16)
	n, addr, err := so.RecvFrom(context.Background(), buf)
	if err != nil {
		t.Fatalf("RecvFrom failed: %v", err)
	}
	if n != 5 || string(buf[:n]) != "hello" {
		t.Fatalf("RecvFrom got %q (%d bytes)", buf[:n], n)
	}
	if addr.IP != testPeer || addr.Port != 30000 {
		t.Fatalf("RecvFrom addr=%v, want %v:30000", addr, testPeer)
	}
}

func TestRSTLatchesECONNRESET(t *testing.T) {
	s, ip := testStack(t)
	so, _ := establishConnection(t, s, ip)
	defer so.Release()

	so.tcb.mu.Lock()
	rcvNxt := so.tcb.rcvNxt
	localPort := so.tcb.tuple.LocalPort
	so.tcb.mu.Unlock()

	deliverFromPeer(s, segmentHeader{
		srcPort: 30000, dstPort: localPort,
		seq: rcvNxt, flags: flagRST, window: 0,
	})

	ctx := context.Background()
	if _, err := so.Send(ctx, []byte("x")); err != ECONNRESET {
		t.Fatalf("Send after RST returned %v, want ECONNRESET", err)
	}
	// The error is sticky: every subsequent call keeps returning it.
	if _, err := so.Recv(ctx, make([]byte, 4)); err != ECONNRESET {
		t.Fatalf("Recv after RST returned %v, want ECONNRESET", err)
	}
}

func TestEphemeralPortsStartAt49152(t *testing.T) {
	s, ip := testStack(t)
	so, _ := establishConnection(t, s, ip)
	defer so.Release()

	local := so.LocalAddr()
	if local.Port < 49152 {
		t.Fatalf("ephemeral port=%d, want >= 49152", local.Port)
	}
}
