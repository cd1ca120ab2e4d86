package main

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/oshobby/tcpstack/internal/netstack"
	"golang.org/x/net/ipv4"
)

// rawIPLayer implements netstack.IPLayer over a raw IPv4 socket
// (golang.org/x/net/ipv4's RawConn). It never builds its own Ethernet
// framing — the kernel's IP stack on the local host handles routing, ARP,
// and link framing for us; this layer's job is exactly Transmit/MTU/
// SourceFor, the three methods an IP-layer collaborator must provide.
type rawIPLayer struct {
	conn      *ipv4.RawConn
	localAddr [4]byte
	mtu       int

	mu        sync.Mutex
	deliverTo *netstack.Stack
}

const tcpProtocol = 6

func newRawIPLayer(listenAddr string) (*rawIPLayer, error) {
	host, _, err := net.SplitHostPort(listenAddr)
	if err != nil {
		host = listenAddr
	}
	localIP, err := netstack.ParseInetAddr(host)
	if err != nil {
		localIP = netstack.INADDRAny
	}

	packetConn, err := net.ListenPacket("ip4:tcp", "0.0.0.0")
	if err != nil {
		return nil, fmt.Errorf("listen raw ip4:tcp (requires CAP_NET_RAW): %w", err)
	}
	rawConn, err := ipv4.NewRawConn(packetConn)
	if err != nil {
		packetConn.Close()
		return nil, fmt.Errorf("wrap raw conn: %w", err)
	}

	return &rawIPLayer{conn: rawConn, localAddr: localIP, mtu: 1500}, nil
}

// newLoopbackIPLayer is the fallback used when CAP_NET_RAW is unavailable
// (e.g. in a sandboxed test run) — it discards outbound segments and never
// delivers inbound ones, which keeps tcpstackd's status/metrics endpoints
// usable without a live socket.
func newLoopbackIPLayer() *rawIPLayer {
	return &rawIPLayer{localAddr: netstack.INADDRAny, mtu: 1500}
}

func (l *rawIPLayer) Transmit(msg *netstack.Message) error {
	defer netstack.FreeMessage(msg)
	if l.conn == nil {
		return nil
	}
	seg := msg.Segment()
	header := &ipv4.Header{
		Version:  4,
		Len:      ipv4.HeaderLen,
		TotalLen: ipv4.HeaderLen + len(seg),
		TTL:      64,
		Protocol: tcpProtocol,
		Dst:      net.IPv4(msg.IPDst[0], msg.IPDst[1], msg.IPDst[2], msg.IPDst[3]),
		Src:      net.IPv4(msg.IPSrc[0], msg.IPSrc[1], msg.IPSrc[2], msg.IPSrc[3]),
	}
	return l.conn.WriteTo(header, seg, nil)
}

func (l *rawIPLayer) MTU(local [4]byte) int { return l.mtu }

func (l *rawIPLayer) SourceFor(dst [4]byte) [4]byte {
	if l.localAddr != netstack.INADDRAny {
		return l.localAddr
	}
	return dst
}

func (l *rawIPLayer) Close() error {
	if l.conn == nil {
		return nil
	}
	return l.conn.Close()
}

// readLoop pulls inbound IPv4/TCP datagrams off the raw socket and hands
// the TCP payload to Stack.Rx, the transport's inbound entry point.
func (l *rawIPLayer) readLoop(log *slog.Logger) {
	if l.conn == nil {
		return
	}
	buf := make([]byte, 65535)
	for {
		header, payload, _, err := l.conn.ReadFrom(buf)
		if err != nil {
			log.Debug("tcpstackd: raw read failed", "err", err)
			continue
		}
		if header.Protocol != tcpProtocol {
			continue
		}
		msg := netstack.AllocMessage(len(payload))
		msg.SetSegment(payload)
		src4 := header.Src.To4()
		dst4 := header.Dst.To4()
		if src4 == nil || dst4 == nil {
			netstack.FreeMessage(msg)
			continue
		}
		copy(msg.IPSrc[:], src4)
		copy(msg.IPDst[:], dst4)
		msg.IPLength = len(payload)

		l.mu.Lock()
		stack := l.deliverTo
		l.mu.Unlock()
		if stack != nil {
			stack.Rx(msg)
		} else {
			netstack.FreeMessage(msg)
		}
	}
}
