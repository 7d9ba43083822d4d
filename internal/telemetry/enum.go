package telemetry

import (
	"sort"

	"github.com/prometheus/client_golang/prometheus"
)

// Enum exposes a closed set of states as 0/1 gauges, one series per state.
// The state label is named after the metric itself.
type Enum struct {
	vec    *prometheus.GaugeVec
	states []string
}

// NewEnum builds and registers an enum metric keyed by DropInLabel.
func NewEnum(reg prometheus.Registerer, name, help string, states []string) (*Enum, error) {
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: name,
		Help: help,
	}, []string{DropInLabel, name})

	vec, err := Register(reg, vec)
	if err != nil {
		return nil, err
	}
	return &Enum{vec: vec, states: append([]string(nil), states...)}, nil
}

// Set marks state as current for the labelled drop-in.
func (e *Enum) Set(label, state string) {
	for _, s := range e.states {
		v := 0.0
		if s == state {
			v = 1
		}
		e.vec.WithLabelValues(label, s).Set(v)
	}
}

// Collector returns the underlying vector.
func (e *Enum) Collector() *prometheus.GaugeVec {
	return e.vec
}

// NewInfo publishes a constant info series <name>_info with value 1.
func NewInfo(reg prometheus.Registerer, name, help, label string, info map[string]string) (*prometheus.GaugeVec, error) {
	keys := make([]string, 0, len(info))
	for k := range info {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: name + "_info",
		Help: help,
	}, append([]string{DropInLabel}, keys...))

	vec, err := Register(reg, vec)
	if err != nil {
		return nil, err
	}

	values := make([]string, 0, len(keys)+1)
	values = append(values, label)
	for _, k := range keys {
		values = append(values, info[k])
	}
	vec.WithLabelValues(values...).Set(1)
	return vec, nil
}
