package services

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the instrumentation published on /metrics.
type Metrics struct {
	TokensProcessed *prometheus.CounterVec
	AttributeOps    *prometheus.CounterVec
	TicksTotal      prometheus.Counter
}

// NewMetrics builds and registers the collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meterd",
			Name:      "tokens_processed_total",
			Help:      "Tokens entered through the gateway, by resulting status.",
		}, []string{"status"}),
		AttributeOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meterd",
			Name:      "attribute_ops_total",
			Help:      "Attribute protocol operations, by kind and result.",
		}, []string{"op", "result"}),
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meterd",
			Name:      "ticks_total",
			Help:      "Completed one-second orchestration cycles.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.TokensProcessed, m.AttributeOps, m.TicksTotal)
	}
	return m
}
