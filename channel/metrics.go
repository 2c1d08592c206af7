package channel

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	resultSuccess   = "success"
	resultRejected  = "rejected"
	resultExhausted = "exhausted"
	resultClosed    = "closed"
)

type metrics struct {
	deliveries *prometheus.CounterVec
	retries    prometheus.Counter
	pending    prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offchain",
			Subsystem: "channel",
			Name:      "deliveries_total",
			Help:      "Number of commands delivered to peers, by result.",
		}, []string{"result"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "offchain",
			Subsystem: "channel",
			Name:      "retries_total",
			Help:      "Number of delivery attempts after the first one.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "offchain",
			Subsystem: "channel",
			Name:      "pending",
			Help:      "Number of commands queued or in flight.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.deliveries, m.retries, m.pending} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
