package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// DropInStates are the values of the <id>_drop_in_status enum.
var DropInStates = []string{"starting", "ready", "measuring"}

// Gauge describes one reading published by a drop-in.
type Gauge struct {
	Name string
	Help string
}

// DropInSpec describes the metric set of one drop-in.
type DropInSpec struct {
	// ID prefixes every metric name.
	ID string
	// Label is the drop_in_name label value.
	Label  string
	Gauges []Gauge
	Info   map[string]string
}

// DropInMetrics is the metric set owned by a single drop-in.
type DropInMetrics struct {
	label  string
	status *Enum
	passes *prometheus.CounterVec
	gauges map[string]*prometheus.GaugeVec
}

// NewDropInMetrics registers the metric set described by spec. Registering the
// same spec twice yields two handles on the same series.
func NewDropInMetrics(reg prometheus.Registerer, spec DropInSpec) (*DropInMetrics, error) {
	status, err := NewEnum(reg, spec.ID+"_drop_in_status", "Current status of the drop-in", DropInStates)
	if err != nil {
		return nil, err
	}

	passes, err := Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: spec.ID + "_measurements_count",
		Help: "Number of times periodic measurements were performed",
	}, []string{DropInLabel}))
	if err != nil {
		return nil, err
	}

	m := &DropInMetrics{
		label:  spec.Label,
		status: status,
		passes: passes,
		gauges: make(map[string]*prometheus.GaugeVec, len(spec.Gauges)),
	}

	for _, g := range spec.Gauges {
		vec, err := Register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: spec.ID + "_" + g.Name,
			Help: g.Help,
		}, []string{DropInLabel}))
		if err != nil {
			return nil, err
		}
		m.gauges[g.Name] = vec
	}

	if spec.Info != nil {
		if _, err := NewInfo(reg, spec.ID+"_drop_in", "Information regarding this drop-in", spec.Label, spec.Info); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// SetState publishes the current lifecycle state.
func (m *DropInMetrics) SetState(state string) {
	m.status.Set(m.label, state)
}

// IncPasses counts one measurement attempt.
func (m *DropInMetrics) IncPasses() {
	m.passes.WithLabelValues(m.label).Inc()
}

// Set publishes a reading. Readings without a declared gauge are ignored.
func (m *DropInMetrics) Set(name string, value float64) {
	if vec, ok := m.gauges[name]; ok {
		vec.WithLabelValues(m.label).Set(value)
	}
}

// Passes returns the counter series of the drop-in.
func (m *DropInMetrics) Passes() prometheus.Counter {
	return m.passes.WithLabelValues(m.label)
}

// Status returns the gauge for one state of the enum.
func (m *DropInMetrics) Status(state string) prometheus.Gauge {
	return m.status.Collector().WithLabelValues(m.label, state)
}

// Reading returns the gauge for a declared reading, or nil.
func (m *DropInMetrics) Reading(name string) prometheus.Gauge {
	vec, ok := m.gauges[name]
	if !ok {
		return nil
	}
	return vec.WithLabelValues(m.label)
}
