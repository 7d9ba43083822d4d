package dropin

import (
	"time"
)

// State is the lifecycle state of a drop-in.
type State string

const (
	StateStarting  State = "starting"
	StateReady     State = "ready"
	StateMeasuring State = "measuring"
)

func (s State) String() string { return string(s) }

// Readings is one complete, consistent set of measurements.
type Readings struct {
	Values     map[string]float64 `json:"values"`
	ObservedAt time.Time          `json:"observed_at"`
	// Passes counts measurement attempts, failed ones included.
	Passes uint64 `json:"passes"`
}

// Value returns a single reading.
func (r Readings) Value(name string) (float64, bool) {
	v, ok := r.Values[name]
	return v, ok
}

func (r Readings) clone() Readings {
	out := r
	if r.Values != nil {
		out.Values = make(map[string]float64, len(r.Values))
		for k, v := range r.Values {
			out.Values[k] = v
		}
	}
	return out
}
