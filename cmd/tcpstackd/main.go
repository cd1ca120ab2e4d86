// Command tcpstackd wires the netstack package to a real raw IPv4 socket,
// kept to a thin main.go that delegates everything to internal packages.
// It serves the debug/metrics HTTP endpoint, drives the TCP_HZ tick loop,
// and offers a -send-file demo mode that streams a file over the stack's
// own socket facade with a progress meter.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/oshobby/tcpstack/internal/netstack"
	"github.com/oshobby/tcpstack/internal/pcap"
	"github.com/schollz/progressbar/v3"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to a YAML tunables file (optional)")
		debugAddr   = flag.String("debug-addr", "127.0.0.1:9100", "address for the /status and /metrics HTTP endpoints")
		sendFile    = flag.String("send-file", "", "path to a file to stream to -dial over the stack's own socket facade")
		dial        = flag.String("dial", "", "host:port to connect to for -send-file")
		pcapPath    = flag.String("pcap", "", "write every segment sent or received to this pcap file")
		verbose     = flag.Bool("v", false, "enable verbose per-segment tracing")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, listenAddr, err := netstack.LoadConfig(*configPath)
	if err != nil {
		log.Error("tcpstackd: config load failed", "err", err)
		os.Exit(1)
	}

	ipLayer, err := newRawIPLayer(listenAddr)
	if err != nil {
		log.Error("tcpstackd: raw IPv4 socket unavailable, falling back to loopback-only layer", "err", err)
		ipLayer = newLoopbackIPLayer()
	}
	defer ipLayer.Close()

	stack := netstack.NewStack(ipLayer, log, cfg)
	ipLayer.deliverTo = stack

	if *pcapPath != "" {
		f, err := os.Create(*pcapPath)
		if err != nil {
			log.Error("tcpstackd: pcap file", "err", err)
			os.Exit(1)
		}
		defer f.Close()
		pw := pcap.NewWriter(f)
		if err := pw.WriteFileHeader(65535, pcap.LinkTypeRaw); err != nil {
			log.Error("tcpstackd: pcap header", "err", err)
			os.Exit(1)
		}
		stack.EnableCapture(pw)
	}

	go tickLoop(stack)
	go ipLayer.readLoop(log)

	mux := http.NewServeMux()
	mux.Handle("/status", stack.StatusHandler())
	mux.Handle("/status.csv", stack.StatusCSVHandler())
	mux.Handle("/metrics", stack.MetricsHandler())
	go func() {
		if err := http.ListenAndServe(*debugAddr, mux); err != nil {
			log.Warn("tcpstackd: debug HTTP server exited", "err", err)
		}
	}()

	if *sendFile != "" {
		if err := runSendFile(stack, *sendFile, *dial); err != nil {
			log.Error("tcpstackd: send-file failed", "err", err)
			os.Exit(1)
		}
		return
	}

	select {}
}

// tickLoop calls Stack.Tick() at TCP_HZ per second; the tick source itself
// lives outside the transport core as an external collaborator.
func tickLoop(stack *netstack.Stack) {
	ticker := time.NewTicker(time.Second / netstack.TCPHz)
	defer ticker.Stop()
	for range ticker.C {
		stack.Tick()
	}
}

// runSendFile streams a local file over the stack's own socket facade to
// addr, rendering a schollz/progressbar meter against bytes sent.
func runSendFile(stack *netstack.Stack, path, addr string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	foreignIP, foreignPort, err := splitHostPort(addr)
	if err != nil {
		return fmt.Errorf("parse -dial %s: %w", addr, err)
	}

	so := netstack.NewSocket(stack)
	defer so.Release()

	ctx := context.Background()
	if err := so.Connect(ctx, netstack.NewSockaddrIn(foreignIP, foreignPort)); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	bar := progressbar.DefaultBytes(int64(len(data)), fmt.Sprintf("sending %s", path))
	sent := 0
	for sent < len(data) {
		n, err := so.Send(ctx, data[sent:])
		if err != nil {
			return fmt.Errorf("send: %w", err)
		}
		sent += n
		_ = bar.Set(sent)
	}
	return so.Shutdown()
}

func splitHostPort(addr string) ([4]byte, uint16, error) {
	var host string
	var port uint16
	if _, err := fmt.Sscanf(addr, "%[^:]:%d", &host, &port); err != nil {
		return [4]byte{}, 0, err
	}
	ip, err := netstack.ParseInetAddr(host)
	if err != nil {
		return [4]byte{}, 0, err
	}
	return ip, port, nil
}
