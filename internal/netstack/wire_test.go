package netstack

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	h := segmentHeader{
		srcPort: 30000,
		dstPort: 12345,
		seq:     1000,
		ack:     2000,
		flags:   flagSYN | flagACK,
		window:  2048,
		hasMSS:  true,
		mss:     536,
	}
	buf := make([]byte, tcpHeaderLen+tcpMSSOptLen)
	n := encodeSegment(buf, h)
	if n != len(buf) {
		t.Fatalf("encodeSegment wrote %d bytes, want %d", n, len(buf))
	}

	got, ok := decodeSegment(buf)
	if !ok {
		t.Fatal("decodeSegment failed on freshly encoded segment")
	}
	if got.srcPort != h.srcPort || got.dstPort != h.dstPort || got.seq != h.seq ||
		got.ack != h.ack || got.flags != h.flags || got.window != h.window {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, h)
	}
	if !got.hasMSS || got.mss != 536 {
		t.Fatalf("MSS option lost in round-trip: %+v", got)
	}
}

func TestEncodeDecodeWithPayload(t *testing.T) {
	h := segmentHeader{
		srcPort: 1, dstPort: 2, seq: 5, ack: 10,
		flags: flagACK, window: 4096,
		payload: []byte("hello world"),
	}
	buf := make([]byte, tcpHeaderLen+len(h.payload))
	encodeSegment(buf, h)

	got, ok := decodeSegment(buf)
	if !ok {
		t.Fatal("decode failed")
	}
	if !bytes.Equal(got.payload, h.payload) {
		t.Fatalf("payload mismatch: got %q, want %q", got.payload, h.payload)
	}
}

func TestChecksumValidatesToZero(t *testing.T) {
	h := segmentHeader{srcPort: 80, dstPort: 443, seq: 1, ack: 2, flags: flagACK, window: 100, payload: []byte("x")}
	buf := make([]byte, tcpHeaderLen+1)
	n := encodeSegment(buf, h)
	src := [4]byte{10, 0, 2, 20}
	dst := [4]byte{10, 0, 2, 21}
	finalizeChecksum(buf, n, src, dst)

	if !verifyChecksum(src, dst, buf[:n]) {
		t.Fatal("segment with finalized checksum does not verify to zero")
	}

	buf[n-1] ^= 0xff // corrupt payload
	if verifyChecksum(src, dst, buf[:n]) {
		t.Fatal("corrupted segment unexpectedly verified")
	}
}

func TestParseOptionsSkipsUnknownKind(t *testing.T) {
	// An unknown option kind=99, len=3, followed by a valid MSS option.
	opts := []byte{99, 3, 0xAA, tcpOptMSS, tcpMSSOptLen, 0x02, 0x18}
	var h segmentHeader
	if !parseOptions(opts, &h) {
		t.Fatal("parseOptions should skip unknown kinds, not fail")
	}
	if !h.hasMSS || h.mss != 536 {
		t.Fatalf("MSS option after unknown option not parsed: %+v", h)
	}
}

func TestParseOptionsRejectsZeroLength(t *testing.T) {
	opts := []byte{55, 0, 0, 0}
	var h segmentHeader
	if parseOptions(opts, &h) {
		t.Fatal("a zero-length option should be rejected (silent drop upstream)")
	}
}

func TestParseOptionsRejectsOverflowingLength(t *testing.T) {
	opts := []byte{55, 200}
	var h segmentHeader
	if parseOptions(opts, &h) {
		t.Fatal("an option length extending past the option area should be rejected")
	}
}

func TestDecodeSegmentRejectsTruncatedHeader(t *testing.T) {
	buf := make([]byte, tcpHeaderLen-1)
	if _, ok := decodeSegment(buf); ok {
		t.Fatal("decodeSegment accepted a header shorter than 20 bytes")
	}
}

func TestDecodeSegmentRejectsBogusHlen(t *testing.T) {
	buf := make([]byte, tcpHeaderLen)
	buf[12] = 0x20 // hlen words = 2 -> 8 bytes, less than the fixed 20
	if _, ok := decodeSegment(buf); ok {
		t.Fatal("decodeSegment accepted an hlen smaller than the fixed header")
	}
}
