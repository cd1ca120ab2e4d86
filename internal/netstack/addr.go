package netstack

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// SockaddrIn mirrors the field order and sizes of struct sockaddr_in:
// family (16), port (16), ip (32, stored in network byte order), 8 bytes of
// padding. Port holds the plain port number, not byte-swapped. Family uses
// the real AF_INET constant from golang.org/x/sys/unix rather than a
// hand-rolled one.
type SockaddrIn struct {
	Family uint16
	Port   uint16
	IP     [4]byte
	Pad    [8]byte
}

// NewSockaddrIn builds a SockaddrIn in host representation. Port is a plain
// port number, not byte-swapped; callers serializing to the wire are
// responsible for that.
func NewSockaddrIn(ip [4]byte, port uint16) SockaddrIn {
	return SockaddrIn{Family: unix.AF_INET, Port: port, IP: ip}
}

func (a SockaddrIn) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", a.IP[0], a.IP[1], a.IP[2], a.IP[3], a.Port)
}

var INADDRAny = [4]byte{0, 0, 0, 0}

// ParseInetAddr is inet_addr: it accepts a 4-, 3-,
// 2-, or 1-component dotted address, each component decimal or 0x-prefixed
// hex, and returns an error (rather than -1, idiomatically) on a malformed
// input. Missing components absorb the remaining address space exactly as
// BSD's inet_aton does: a.b.c -> a.b.(c>>8).(c&0xff), a.b ->
// a.(b>>16).(b>>8&0xff).(b&0xff), a -> the full 32-bit value.
func ParseInetAddr(s string) ([4]byte, error) {
	parts := strings.Split(s, ".")
	if len(parts) == 0 || len(parts) > 4 {
		return [4]byte{}, EINVAL
	}

	vals := make([]uint64, len(parts))
	for i, p := range parts {
		if p == "" {
			return [4]byte{}, EINVAL
		}
		var v uint64
		var err error
		if len(p) > 2 && (p[:2] == "0x" || p[:2] == "0X") {
			v, err = strconv.ParseUint(p[2:], 16, 64)
		} else {
			v, err = strconv.ParseUint(p, 10, 64)
		}
		if err != nil {
			return [4]byte{}, EINVAL
		}
		vals[i] = v
	}

	var result uint32
	switch len(vals) {
	case 1:
		if vals[0] > 0xffffffff {
			return [4]byte{}, EINVAL
		}
		result = uint32(vals[0])
	case 2:
		if vals[0] > 0xff || vals[1] > 0xffffff {
			return [4]byte{}, EINVAL
		}
		result = uint32(vals[0])<<24 | uint32(vals[1])
	case 3:
		if vals[0] > 0xff || vals[1] > 0xff || vals[2] > 0xffff {
			return [4]byte{}, EINVAL
		}
		result = uint32(vals[0])<<24 | uint32(vals[1])<<16 | uint32(vals[2])
	case 4:
		for _, v := range vals {
			if v > 0xff {
				return [4]byte{}, EINVAL
			}
		}
		result = uint32(vals[0])<<24 | uint32(vals[1])<<16 | uint32(vals[2])<<8 | uint32(vals[3])
	}

	return [4]byte{byte(result >> 24), byte(result >> 16), byte(result >> 8), byte(result)}, nil
}

// FormatInetAddr implements inet_ntoa/inet_ntop for the IPv4 addresses used
// here; it round-trips with ParseInetAddr for the canonical 4-component form.
func FormatInetAddr(ip [4]byte) string {
	return fmt.Sprintf("%d.%d.%d.%d", ip[0], ip[1], ip[2], ip[3])
}

// IPLayer is the external IP-layer collaborator: it supplies transmission,
// MTU lookup, and source-address selection, and (outside this interface)
// calls Stack.Rx on inbound segments.
type IPLayer interface {
	// Transmit hands a fully-formed TCP segment (with reserved L2/L3
	// headroom already present in msg's backing buffer) to the IP layer.
	// Ownership of msg passes to the IPLayer, which calls FreeMessage(msg)
	// itself whether or not the transmission succeeds.
	Transmit(msg *Message) error

	// MTU returns the link MTU for the interface msg would be routed
	// through, given a local address. Used to derive mss_to_advertise.
	MTU(local [4]byte) int

	// SourceFor returns the local source address to use for a given
	// destination, i.e. ip_get_src_addr.
	SourceFor(dst [4]byte) [4]byte
}
