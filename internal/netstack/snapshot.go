package netstack

import (
	"encoding/json"
	"net/http"

	"github.com/gocarina/gocsv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/xid"
)

// TCBSnapshot is a point-in-time, lock-free copy of one TCB's externally
// visible state: the sequence/window/congestion/RTT variables a debug
// surface needs. Field tags serve both JSON (the /status endpoint) and CSV
// (the /status.csv endpoint, via gocarina/gocsv).
type TCBSnapshot struct {
	ID          string `json:"id" csv:"id"`
	LocalAddr   string `json:"local" csv:"local"`
	ForeignAddr string `json:"foreign" csv:"foreign"`
	State       string `json:"state" csv:"state"`
	SndUna      uint32 `json:"snd_una" csv:"snd_una"`
	SndNxt      uint32 `json:"snd_nxt" csv:"snd_nxt"`
	SndWnd      uint32 `json:"snd_wnd" csv:"snd_wnd"`
	RcvNxt      uint32 `json:"rcv_nxt" csv:"rcv_nxt"`
	RcvWnd      uint32 `json:"rcv_wnd" csv:"rcv_wnd"`
	CWnd        uint32 `json:"cwnd" csv:"cwnd"`
	Ssthresh    uint32 `json:"ssthresh" csv:"ssthresh"`
	SRTT        int32  `json:"srtt_ticks" csv:"srtt_ticks"`
	RTO         int32  `json:"rto_ticks" csv:"rto_ticks"`
	Retransmits int    `json:"retransmits" csv:"retransmits"`
}

// Snapshot copies t's externally visible state under its lock, assigning it
// a stable debug id (rs/xid, lazily generated and cached on the TCB) the
// first time it is observed.
func (t *TCB) Snapshot() TCBSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.snapID == "" {
		t.snapID = xid.New().String()
	}
	return TCBSnapshot{
		ID:          t.snapID,
		LocalAddr:   NewSockaddrIn(t.tuple.LocalIP, t.tuple.LocalPort).String(),
		ForeignAddr: NewSockaddrIn(t.tuple.ForeignIP, t.tuple.ForeignPort).String(),
		State:       t.status.String(),
		SndUna:      t.sndUna,
		SndNxt:      t.sndNxt,
		SndWnd:      t.sndWnd,
		RcvNxt:      t.rcvNxt,
		RcvWnd:      t.rcvWnd,
		CWnd:        t.cwnd,
		Ssthresh:    t.ssthresh,
		SRTT:        t.srtt >> srttShift,
		RTO:         t.rto,
		Retransmits: t.retxCount,
	}
}

// Snapshot returns a TCBSnapshot for every connection in the stack's
// connection set. Listening sockets are not in that set and are not
// reported.
func (s *Stack) Snapshot() []TCBSnapshot {
	s.mu.Lock()
	conns := make([]*TCB, 0, len(s.allConns))
	for t := range s.allConns {
		conns = append(conns, t)
	}
	s.mu.Unlock()

	out := make([]TCBSnapshot, 0, len(conns))
	for _, t := range conns {
		out = append(out, t.Snapshot())
	}
	return out
}

// StatusHandler serves the live TCB table as JSON.
func (s *Stack) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s.Snapshot()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

// StatusCSVHandler serves the same snapshot set as CSV.
func (s *Stack) StatusCSVHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/csv")
		snaps := s.Snapshot()
		if err := gocsv.Marshal(snaps, w); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

// MetricsHandler exposes the stack's Prometheus registry over HTTP.
func (s *Stack) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})
}
