package infra

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"admission-gateway/middleware/ratelimit/domain"
)

// PrometheusStatsStore expõe as decisões como contadores Prometheus.
// O par api-key/ip nunca vira label (cardinalidade sem limite).
type PrometheusStatsStore struct {
	decisions *prometheus.CounterVec
	rules     *prometheus.CounterVec
}

// NewPrometheusStatsStore registra os coletores em reg (DefaultRegisterer se nil).
func NewPrometheusStatsStore(reg prometheus.Registerer, namespace string) (*PrometheusStatsStore, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusStatsStore{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Admission decisions by outcome and reason.",
		}, []string{"outcome", "reason"}),
		rules: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "rule_decisions_total",
			Help:      "Admission decisions by winning rule id.",
		}, []string{"rule", "outcome"}),
	}
	for _, c := range []prometheus.Collector{s.decisions, s.rules} {
		if err := reg.Register(c); err != nil {
			return nil, Error.New("register metrics: %w", err)
		}
	}
	return s, nil
}

func (s *PrometheusStatsStore) Record(_ context.Context, ev domain.StatsEvent) error {
	outcome := "denied"
	if ev.Allowed {
		outcome = "allowed"
	}
	s.decisions.WithLabelValues(outcome, string(ev.Reason)).Inc()
	if ev.Matched {
		s.rules.WithLabelValues(strconv.FormatUint(ev.RuleID, 10), outcome).Inc()
	}
	return nil
}

// RegisterEngineGauges publica tamanhos do estado do motor lidos sob demanda.
func RegisterEngineGauges(reg prometheus.Registerer, namespace string, gauges map[string]func() float64) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for name, fn := range gauges {
		g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      name,
			Help:      "Current number of " + name + " held by the admission engine.",
		}, fn)
		if err := reg.Register(g); err != nil {
			return Error.New("register gauge %s: %w", name, err)
		}
	}
	return nil
}
