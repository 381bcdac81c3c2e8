package mictcpstack

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Transmitted     *prometheus.CounterVec
	Retransmissions prometheus.Counter
	ToleratedLosses prometheus.Counter
	DeliveredBytes  prometheus.Counter
	Duplicates      prometheus.Counter
	Dropped         *prometheus.CounterVec
	Handshakes      *prometheus.CounterVec
	OpenSockets     prometheus.Gauge
}

// NewMetrics registers the stack collectors on reg. A nil reg keeps them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Transmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mictcp",
			Name:      "pdus_transmitted_total",
			Help:      "PDUs handed to the substrate, by kind.",
		}, []string{"kind"}),
		Retransmissions: f.NewCounter(prometheus.CounterOpts{
			Namespace: "mictcp",
			Name:      "retransmissions_total",
			Help:      "SYN, SYN-ACK and DATA PDUs sent again after a timeout.",
		}),
		ToleratedLosses: f.NewCounter(prometheus.CounterOpts{
			Namespace: "mictcp",
			Name:      "tolerated_losses_total",
			Help:      "Sends reported successful without an ACK because loss was within tolerance.",
		}),
		DeliveredBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: "mictcp",
			Name:      "delivered_bytes_total",
			Help:      "Payload bytes put into receive buffers.",
		}),
		Duplicates: f.NewCounter(prometheus.CounterOpts{
			Namespace: "mictcp",
			Name:      "duplicate_pdus_total",
			Help:      "Duplicate or out-of-order DATA PDUs acked but not delivered.",
		}),
		Dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mictcp",
			Name:      "dropped_datagrams_total",
			Help:      "Inbound datagrams discarded by the dispatcher, by reason.",
		}, []string{"reason"}),
		Handshakes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mictcp",
			Name:      "handshakes_total",
			Help:      "Completed handshakes, by role.",
		}, []string{"role"}),
		OpenSockets: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "mictcp",
			Name:      "open_sockets",
			Help:      "Sockets in the table.",
		}),
	}
}
