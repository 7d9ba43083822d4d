package ha

import (
	"context"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"ancs/internal/clock"
	"ancs/internal/config"
	"ancs/internal/registry"
	"ancs/internal/telemetry"
)

// PublisherOptions configures a Publisher.
type PublisherOptions struct {
	Interval   time.Duration
	Mappings   []config.EntityMapping
	Clock      clock.Clock
	Registerer prometheus.Registerer
	Logger     *zap.Logger
}

// Publisher pushes mapped drop-in readings to Home Assistant every interval.
// A failed connection or call is retried on the next tick.
type Publisher struct {
	client   Service
	registry *registry.Registry
	opts     PublisherOptions
	clock    clock.Clock
	logger   *zap.Logger

	published *prometheus.CounterVec
}

// NewPublisher creates a publisher reading from reg.
func NewPublisher(client Service, reg *registry.Registry, opts PublisherOptions) (*Publisher, error) {
	if opts.Clock == nil {
		opts.Clock = clock.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Interval <= 0 {
		opts.Interval = config.DefaultSinkInterval
	}

	published, err := telemetry.Register(opts.Registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ancs",
		Subsystem: "ha",
		Name:      "published_total",
		Help:      "Readings pushed to Home Assistant by result",
	}, []string{"result"}))
	if err != nil {
		return nil, err
	}

	return &Publisher{
		client:    client,
		registry:  reg,
		opts:      opts,
		clock:     opts.Clock,
		logger:    opts.Logger.Named("ha"),
		published: published,
	}, nil
}

// Run publishes every interval until ctx is cancelled, then disconnects.
func (p *Publisher) Run(ctx context.Context) error {
	p.logger.Info("Home Assistant publisher started",
		zap.Duration("interval", p.opts.Interval),
		zap.Int("entities", len(p.opts.Mappings)))
	defer func() {
		if err := p.client.Disconnect(); err != nil {
			p.logger.Warn("Failed to disconnect from Home Assistant", zap.Error(err))
		}
		p.logger.Info("Home Assistant publisher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.clock.After(p.opts.Interval):
			if err := p.Publish(ctx); err != nil {
				p.logger.Warn("Failed to publish readings", zap.Error(err))
			}
		}
	}
}

// Publish pushes the current value of every mapping once. Mappings whose
// drop-in or reading is not available yet are skipped.
func (p *Publisher) Publish(ctx context.Context) error {
	if !p.client.IsConnected() {
		if err := p.client.Connect(ctx); err != nil {
			return err
		}
	}

	var errs error
	for _, m := range p.opts.Mappings {
		value, ok := p.lookup(m)
		if !ok {
			continue
		}

		name := strings.TrimPrefix(m.Entity, "input_number.")
		if err := p.client.SetInputNumber(ctx, name, value); err != nil {
			p.published.WithLabelValues("error").Inc()
			errs = multierr.Append(errs, err)
			if !p.client.IsConnected() {
				break
			}
			continue
		}
		p.published.WithLabelValues("ok").Inc()
		p.logger.Debug("Reading published",
			zap.String("drop_in", m.DropIn),
			zap.String("metric", m.Metric),
			zap.String("entity", m.Entity),
			zap.Float64("value", value))
	}
	return errs
}

func (p *Publisher) lookup(m config.EntityMapping) (float64, bool) {
	e, ok := p.registry.Get(m.DropIn)
	if !ok {
		return 0, false
	}
	_, readings, ok := e.Observe()
	if !ok {
		return 0, false
	}
	return readings.Value(m.Metric)
}
