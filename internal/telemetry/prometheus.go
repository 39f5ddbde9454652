package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink exports the latest value of every scalar and dict entry as a
// gauge.
type PrometheusSink struct {
	scalars *prometheus.GaugeVec
	dicts   *prometheus.GaugeVec
	step    prometheus.Gauge
}

// NewPrometheusSink registers the training gauges with reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	s := &PrometheusSink{
		scalars: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "lumen",
			Name:      "scalar",
			Help:      "Latest value of a training scalar.",
		}, []string{"name"}),
		dicts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "lumen",
			Name:      "dict_value",
			Help:      "Latest value of an entry of a training dictionary.",
		}, []string{"name", "key"}),
		step: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lumen",
			Name:      "step",
			Help:      "Most recent step with flushed telemetry.",
		}),
	}
	for _, c := range []prometheus.Collector{s.scalars, s.dicts, s.step} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *PrometheusSink) Write(events []Event) error {
	for _, e := range events {
		switch e.Kind {
		case KindScalar:
			s.scalars.WithLabelValues(e.Name).Set(e.Scalar)
		case KindDict:
			for k, v := range e.Dict {
				s.dicts.WithLabelValues(e.Name, k).Set(v)
			}
		default:
			continue
		}
		s.step.Set(float64(e.Step))
	}
	return nil
}

func (s *PrometheusSink) Close() error { return nil }
