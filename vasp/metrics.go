package vasp

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	resultApplied   = "applied"
	resultReplayed  = "replayed"
	resultRejected  = "rejected"
	resultMalformed = "malformed"
)

type metrics struct {
	commands    *prometheus.CounterVec
	settlements prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offchain",
			Subsystem: "vasp",
			Name:      "commands_total",
			Help:      "Number of commands received from peers, by result.",
		}, []string{"result"}),
		settlements: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "offchain",
			Subsystem: "vasp",
			Name:      "settlements_total",
			Help:      "Number of payments handed to the settler.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.commands, m.settlements} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
