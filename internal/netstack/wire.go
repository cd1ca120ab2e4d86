package netstack

import "encoding/binary"

// TCP header layout (RFC 793) and the single supported option (MSS).

const (
	tcpHeaderLen = 20
	tcpMSSOptLen = 4

	tcpOptEnd = 0
	tcpOptNOP = 1
	tcpOptMSS = 2
)

// TCP control bits (byte 13, low six bits).
const (
	flagFIN uint8 = 1 << 0
	flagSYN uint8 = 1 << 1
	flagRST uint8 = 1 << 2
	flagPSH uint8 = 1 << 3
	flagACK uint8 = 1 << 4
	flagURG uint8 = 1 << 5
)

// segmentHeader is the decoded/encoded form of a TCP segment's fixed header
// plus MSS option and payload. A decoded payload is a slice of the buffer
// it was decoded from, not a copy, so it is only valid while that buffer is.
type segmentHeader struct {
	srcPort uint16
	dstPort uint16
	seq     uint32
	ack     uint32
	flags   uint8
	window  uint16
	urgent  uint16

	hasMSS bool
	mss    uint16

	payload []byte
}

func (h segmentHeader) has(flag uint8) bool { return h.flags&flag != 0 }
func (h segmentHeader) len() int            { return len(h.payload) }

// decodeSegment parses a TCP segment (header + options + payload) out of
// data, which must NOT include the IPv4 pseudo-header. It does not validate
// the checksum; call verifyChecksum separately against the owning IP
// addresses.
func decodeSegment(data []byte) (segmentHeader, bool) {
	if len(data) < tcpHeaderLen {
		return segmentHeader{}, false
	}
	hlenWords := data[12] >> 4
	hlen := int(hlenWords) * 4
	if hlen < tcpHeaderLen || hlen > len(data) {
		return segmentHeader{}, false
	}

	h := segmentHeader{
		srcPort: binary.BigEndian.Uint16(data[0:2]),
		dstPort: binary.BigEndian.Uint16(data[2:4]),
		seq:     binary.BigEndian.Uint32(data[4:8]),
		ack:     binary.BigEndian.Uint32(data[8:12]),
		flags:   data[13] & 0x3f,
		window:  binary.BigEndian.Uint16(data[14:16]),
		urgent:  binary.BigEndian.Uint16(data[18:20]),
		payload: data[hlen:],
	}

	opts := data[tcpHeaderLen:hlen]
	if !parseOptions(opts, &h) {
		return segmentHeader{}, false
	}
	return h, true
}

// parseOptions walks the TCP options area. Unknown kinds are skipped via
// their length byte and ignored. A malformed length (zero, or extending
// past the option area) causes a false return and the segment is dropped.
func parseOptions(opts []byte, out *segmentHeader) bool {
	i := 0
	for i < len(opts) {
		kind := opts[i]
		switch kind {
		case tcpOptEnd:
			return true
		case tcpOptNOP:
			i++
		case tcpOptMSS:
			if i+tcpMSSOptLen > len(opts) || opts[i+1] != tcpMSSOptLen {
				return false
			}
			out.mss = binary.BigEndian.Uint16(opts[i+2 : i+4])
			out.hasMSS = true
			i += tcpMSSOptLen
		default:
			if i+1 >= len(opts) {
				return false
			}
			l := int(opts[i+1])
			if l < 2 {
				return false
			}
			if i+l > len(opts) {
				return false
			}
			i += l
		}
	}
	return true
}

// encodeSegment renders h into buf, which must have capacity for the fixed
// header, an optional MSS option, and the payload. It returns the number of
// bytes written. The checksum field is left zero; call finalizeChecksum to
// fill it in once the full segment (and pseudo-header) is known.
func encodeSegment(buf []byte, h segmentHeader) int {
	hlen := tcpHeaderLen
	if h.hasMSS {
		hlen += tcpMSSOptLen
	}

	binary.BigEndian.PutUint16(buf[0:2], h.srcPort)
	binary.BigEndian.PutUint16(buf[2:4], h.dstPort)
	binary.BigEndian.PutUint32(buf[4:8], h.seq)
	binary.BigEndian.PutUint32(buf[8:12], h.ack)
	buf[12] = uint8(hlen/4) << 4
	buf[13] = h.flags
	binary.BigEndian.PutUint16(buf[14:16], h.window)
	binary.BigEndian.PutUint16(buf[16:18], 0) // checksum, filled in later
	binary.BigEndian.PutUint16(buf[18:20], h.urgent)

	if h.hasMSS {
		buf[tcpHeaderLen] = tcpOptMSS
		buf[tcpHeaderLen+1] = tcpMSSOptLen
		binary.BigEndian.PutUint16(buf[tcpHeaderLen+2:tcpHeaderLen+4], h.mss)
	}

	n := copy(buf[hlen:], h.payload)
	return hlen + n
}

// pseudoHeaderSum computes the running one's-complement sum of the IPv4
// pseudo-header: source, dest, zero, proto=6, tcp length.
func pseudoHeaderSum(src, dst [4]byte, tcpLength int) uint32 {
	var sum uint32
	sum += uint32(binary.BigEndian.Uint16(src[0:2]))
	sum += uint32(binary.BigEndian.Uint16(src[2:4]))
	sum += uint32(binary.BigEndian.Uint16(dst[0:2]))
	sum += uint32(binary.BigEndian.Uint16(dst[2:4]))
	sum += uint32(tcpProtocolNumber)
	sum += uint32(tcpLength)
	return sum
}

const tcpProtocolNumber = 6

// foldChecksum folds a 32-bit accumulator down to the 16-bit one's
// complement checksum, tail-padding an odd final byte with zero.
func foldChecksum(data []byte, initial uint32) uint16 {
	sum := initial
	i := 0
	for ; i+1 < len(data); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if i < len(data) {
		sum += uint32(data[i]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// tcpChecksum computes the full TCP checksum (pseudo-header + segment).
func tcpChecksum(src, dst [4]byte, segment []byte) uint16 {
	return foldChecksum(segment, pseudoHeaderSum(src, dst, len(segment)))
}

// finalizeChecksum computes and writes the checksum field of an encoded
// segment of length n within buf.
func finalizeChecksum(buf []byte, n int, src, dst [4]byte) {
	binary.BigEndian.PutUint16(buf[16:18], 0)
	cksum := tcpChecksum(src, dst, buf[:n])
	binary.BigEndian.PutUint16(buf[16:18], cksum)
}

// verifyChecksum reports whether segment (as received, checksum field
// included) checksums to zero against the given IP addresses.
func verifyChecksum(src, dst [4]byte, segment []byte) bool {
	return tcpChecksum(src, dst, segment) == 0
}
