package registry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// trackingRegisterer remembers the collectors a candidate registered so they
// can be withdrawn from /metrics when the candidate is skipped. Collectors that
// were already registered by an earlier drop-in are not recorded.
type trackingRegisterer struct {
	inner      prometheus.Registerer
	registered []prometheus.Collector
}

func newTrackingRegisterer(inner prometheus.Registerer) *trackingRegisterer {
	return &trackingRegisterer{inner: inner}
}

func (t *trackingRegisterer) Register(c prometheus.Collector) error {
	if err := t.inner.Register(c); err != nil {
		return err
	}
	t.registered = append(t.registered, c)
	return nil
}

func (t *trackingRegisterer) MustRegister(cs ...prometheus.Collector) {
	for _, c := range cs {
		if err := t.Register(c); err != nil {
			panic(err)
		}
	}
}

func (t *trackingRegisterer) Unregister(c prometheus.Collector) bool {
	return t.inner.Unregister(c)
}

// rollback unregisters every recorded collector, newest first.
func (t *trackingRegisterer) rollback() {
	for i := len(t.registered) - 1; i >= 0; i-- {
		t.inner.Unregister(t.registered[i])
	}
	t.registered = nil
}
