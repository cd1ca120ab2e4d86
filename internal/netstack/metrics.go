package netstack

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes the stack's counters as Prometheus instruments,
// registered against a private prometheus.Registry rather than the global
// DefaultRegisterer: a process may run more than one Stack (tests do), and
// the global registry panics on a second registration of the same name.
type Metrics struct {
	registry *prometheus.Registry

	connsOpened   prometheus.Counter
	connsClosed   prometheus.Counter
	retransmits   prometheus.Counter
	fastRetransmits prometheus.Counter
	persistProbes prometheus.Counter
	bytesSent     prometheus.Counter
	bytesRecv     prometheus.Counter

	connsByState *prometheus.GaugeVec
}

// NewMetrics builds a fresh registry and instrument set. Called once per
// Stack in NewStack.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		connsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcpstack_connections_opened_total",
			Help: "Connections that completed the three-way handshake.",
		}),
		connsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcpstack_connections_closed_total",
			Help: "TCBs torn down, any cause.",
		}),
		retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcpstack_retransmits_total",
			Help: "Segments resent by the retransmission timer.",
		}),
		fastRetransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcpstack_fast_retransmits_total",
			Help: "Segments resent on the third duplicate ACK.",
		}),
		persistProbes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcpstack_persist_probes_total",
			Help: "Zero-window probes sent.",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcpstack_bytes_sent_total",
			Help: "Payload bytes handed to the IP layer.",
		}),
		bytesRecv: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcpstack_bytes_received_total",
			Help: "In-order payload bytes delivered to a receive buffer.",
		}),
		connsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tcpstack_connections_by_state",
			Help: "Connections that reached ESTABLISHED, labeled by that state; not decremented on later state changes or teardown.",
		}, []string{"state"}),
	}
	reg.MustRegister(m.connsOpened, m.connsClosed, m.retransmits,
		m.fastRetransmits, m.persistProbes, m.bytesSent, m.bytesRecv, m.connsByState)
	return m
}

// Registry exposes the private registry so cmd/tcpstackd can mount it under
// an HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) connEstablished(t *TCB) {
	m.connsOpened.Inc()
	m.connsByState.WithLabelValues(t.status.String()).Inc()
}

func (m *Metrics) connClosed(t *TCB) {
	m.connsClosed.Inc()
}

func (m *Metrics) bytesOut(n int) {
	if n > 0 {
		m.bytesSent.Add(float64(n))
	}
}

func (m *Metrics) bytesIn(n int) {
	if n > 0 {
		m.bytesRecv.Add(float64(n))
	}
}
