// Package telemetry owns the Prometheus registry of the daemon and the metric
// shapes drop-ins publish: a status enum, a measurement counter, one gauge per
// reading and an info series.
package telemetry

import (
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// DropInLabel is the label carried by every drop-in series.
const DropInLabel = "drop_in_name"

// NewRegistry creates the daemon registry with Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Register registers c with reg. When an equivalent collector is already
// registered the existing one is returned so that two instances of the same
// drop-in share their series. A nil reg leaves c unregistered.
func Register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if reg == nil {
		return c, nil
	}
	if err := reg.Register(c); err != nil {
		var alreadyRegErr prometheus.AlreadyRegisteredError
		if errors.As(err, &alreadyRegErr) {
			if existing, ok := alreadyRegErr.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, errors.Wrap(err, "register collector")
	}
	return c, nil
}
