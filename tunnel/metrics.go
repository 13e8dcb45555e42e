package tunnel

import "github.com/prometheus/client_golang/prometheus"

// Metrics instruments a Tunnel's egress/ingress packet flow: packet counts
// in each direction, kept deliberately small.
type Metrics struct {
	packetsSent     prometheus.Counter
	packetsReceived prometheus.Counter
}

// NewMetrics registers a Tunnel's counters against reg. Callers that do not
// want Prometheus instrumentation can simply pass a nil *Metrics to
// tunnel.New instead of calling this.
func NewMetrics(reg prometheus.Registerer, tunnelID string) (*Metrics, error) {
	m := &Metrics{
		packetsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "vpncore",
			Subsystem:   "tunnel",
			Name:        "packets_sent_total",
			Help:        "IP packets handed to a channel's Send by this tunnel.",
			ConstLabels: prometheus.Labels{"tunnel_id": tunnelID},
		}),
		packetsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "vpncore",
			Subsystem:   "tunnel",
			Name:        "packets_received_total",
			Help:        "IP packets delivered to this tunnel's packet-received event.",
			ConstLabels: prometheus.Labels{"tunnel_id": tunnelID},
		}),
	}
	for _, c := range []prometheus.Collector{m.packetsSent, m.packetsReceived} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) ObservePacketsSent(n int) {
	m.packetsSent.Add(float64(n))
}

func (m *Metrics) ObservePacketsReceived(n int) {
	m.packetsReceived.Add(float64(n))
}
