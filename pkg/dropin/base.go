package dropin

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"ancs/internal/telemetry"
)

// BaseOptions configures the metric set and state owned by a Base.
type BaseOptions struct {
	// ID prefixes metric names, usually the identity id.
	ID string
	// Label is the drop_in_name label value.
	Label string
	// Gauges lists the readings published as Prometheus gauges.
	Gauges []telemetry.Gauge
	// Info is published once as <id>_drop_in_info.
	Info map[string]string
	// Now overrides the reading timestamp source.
	Now func() time.Time
}

// Base provides the default contract behaviour and the per-drop-in state
// machine (starting -> ready -> measuring -> ready). Concrete drop-ins embed
// *Base and override the operations they implement.
//
// A zero Base is usable: it logs nowhere and publishes no metrics.
type Base struct {
	Logger *zap.Logger

	metrics *telemetry.DropInMetrics
	now     func() time.Time

	mu       sync.RWMutex
	state    State
	readings Readings
}

// NewBase creates a Base in the starting state. When reg is non-nil the
// drop-in metric set is registered with it.
func NewBase(logger *zap.Logger, reg prometheus.Registerer, opts BaseOptions) (*Base, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Base{
		Logger: logger,
		now:    opts.Now,
		state:  StateStarting,
	}
	if b.now == nil {
		b.now = time.Now
	}

	if opts.ID != "" {
		label := opts.Label
		if label == "" {
			label = opts.ID
		}
		m, err := telemetry.NewDropInMetrics(reg, telemetry.DropInSpec{
			ID:     opts.ID,
			Label:  label,
			Gauges: opts.Gauges,
			Info:   opts.Info,
		})
		if err != nil {
			return nil, err
		}
		b.metrics = m
		m.SetState(string(StateStarting))
	}
	return b, nil
}

// Identity has no default: a drop-in that does not override it is polled
// under its candidate name and never routed.
func (b *Base) Identity() (Identity, error) {
	return Identity{}, ErrNotImplemented
}

// PeriodicCall is a no-op.
func (b *Base) PeriodicCall(ctx context.Context) error {
	b.logger().Info("periodic call not implemented")
	return nil
}

// HandleRequest is a no-op returning no content.
func (b *Base) HandleRequest(ctx context.Context, req *Request) (*Response, error) {
	b.logger().Info("request handler not implemented")
	return nil, nil
}

// MarkReady ends construction. Drop-ins call it once their connector and
// metrics are wired.
func (b *Base) MarkReady() {
	b.setState(StateReady)
}

// State returns the current lifecycle state.
func (b *Base) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.state == "" {
		return StateReady
	}
	return b.state
}

// Readings returns a copy of the latest complete readings.
func (b *Base) Readings() Readings {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.readings.clone()
}

// Measure runs one measurement. The drop-in is in the measuring state while fn
// runs and returns to ready afterwards whatever the outcome. All values
// returned by fn are published together; on error the previous readings stay.
func (b *Base) Measure(ctx context.Context, fn func(ctx context.Context) (map[string]float64, error)) error {
	b.setState(StateMeasuring)
	defer b.setState(StateReady)

	b.mu.Lock()
	b.readings.Passes++
	b.mu.Unlock()
	if b.metrics != nil {
		b.metrics.IncPasses()
	}

	values, err := fn(ctx)
	if err != nil {
		return err
	}
	b.publish(values)
	return nil
}

func (b *Base) publish(values map[string]float64) {
	now := time.Now
	if b.now != nil {
		now = b.now
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.readings.Values = make(map[string]float64, len(values))
	for k, v := range values {
		b.readings.Values[k] = v
		if b.metrics != nil {
			b.metrics.Set(k, v)
		}
	}
	b.readings.ObservedAt = now()
}

func (b *Base) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
	if b.metrics != nil {
		b.metrics.SetState(string(s))
	}
}

func (b *Base) logger() *zap.Logger {
	if b.Logger == nil {
		return zap.NewNop()
	}
	return b.Logger
}
