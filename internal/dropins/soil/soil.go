// Package soil is the drop-in for the Catnip Electronics I2C capacitive soil
// moisture sensor.
package soil

import (
	"context"
	"math"

	"github.com/cockroachdb/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"ancs/internal/telemetry"
	"ancs/pkg/dropin"
)

const (
	ID      = "catnip_soil"
	Route   = "soil"
	Version = "0.0.1"

	DefaultBus     = 1
	DefaultAddress = 0x20

	// Capacitance of the sensor in dry air and in water. Calibrate per sensor
	// with the min_moisture and max_moisture options.
	DefaultMinMoisture = 221
	DefaultMaxMoisture = 614
)

func init() {
	dropin.MustRegister(dropin.Entry{
		Name:        "soil",
		Description: "Catnip I2C soil moisture sensor",
		Priority:    dropin.PriorityDefault,
		Factory: func(ctx *dropin.Context) (dropin.DropIn, error) {
			return New(ctx, Options{})
		},
	})
}

// Options overrides the hardware access of the drop-in.
type Options struct {
	Connect dropin.Connect[Sensor]
}

// DropIn measures the soil every periodic call.
type DropIn struct {
	*dropin.Base
	device   *dropin.Device[Sensor]
	dry, wet int
}

// New connects to the sensor described by the candidate settings.
func New(ctx *dropin.Context, opts Options) (*DropIn, error) {
	if opts.Connect == nil {
		opts.Connect = Connect
	}

	dry := ctx.Settings.Int("min_moisture", DefaultMinMoisture)
	wet := ctx.Settings.Int("max_moisture", DefaultMaxMoisture)
	if wet <= dry {
		return nil, errors.Newf("max_moisture %d must be greater than min_moisture %d", wet, dry)
	}

	device, err := dropin.NewDevice(ctx.Settings.BusOr(DefaultBus), ctx.Settings.AddressOr(DefaultAddress), opts.Connect)
	if err != nil {
		return nil, err
	}

	base, err := dropin.NewBase(ctx.Logger, ctx.Registerer, dropin.BaseOptions{
		ID:    ID,
		Label: Route,
		Gauges: []telemetry.Gauge{
			{Name: "temperature", Help: "Temperature (Celsius degrees)"},
			{Name: "capacitance", Help: "Capacitance value (arbitrary unit)"},
			{Name: "moisture", Help: "Moisture (%)"},
			{Name: "brightness", Help: "Brightness (arbitrary unit)"},
		},
		Info: map[string]string{
			"version":      Version,
			"id":           ID,
			"rule":         Route,
			"capabilities": "temperature, capacitance, brightness, moisture",
		},
	})
	if err != nil {
		return nil, multierr.Append(err, device.Close())
	}

	d := &DropIn{Base: base, device: device, dry: dry, wet: wet}
	d.MarkReady()
	return d, nil
}

// Identity describes the drop-in.
func (d *DropIn) Identity() (dropin.Identity, error) {
	return dropin.Identity{
		ID:           ID,
		Version:      Version,
		Capabilities: dropin.Capabilities{Periodic: true, Handler: true},
		Route:        Route,
		Verbs:        []string{"GET", "POST"},
	}, nil
}

// PeriodicCall measures the sensor once.
func (d *DropIn) PeriodicCall(ctx context.Context) error {
	d.Logger.Debug("Running periodic upkeep", zap.String("drop_in", ID))
	return d.Measure(ctx, func(ctx context.Context) (map[string]float64, error) {
		var s Sample
		err := d.device.Use(func(p Sensor) error {
			var err error
			s, err = p.Measure(ctx)
			return err
		})
		if err != nil {
			return nil, err
		}
		return map[string]float64{
			"temperature": s.Temperature,
			"capacitance": s.Capacitance,
			"moisture":    MoisturePercent(s.Capacitance, d.dry, d.wet),
			"brightness":  s.Light,
		}, nil
	})
}

// HandleRequest returns the latest readings and the calibration on the route
// itself.
func (d *DropIn) HandleRequest(ctx context.Context, req *dropin.Request) (*dropin.Response, error) {
	if req.Path != "" {
		return nil, dropin.ErrUnsupportedRequest
	}
	r := d.Readings()
	return dropin.OK(map[string]interface{}{
		"id":           ID,
		"state":        d.State(),
		"readings":     r.Values,
		"observed_at":  r.ObservedAt,
		"passes":       r.Passes,
		"min_moisture": d.dry,
		"max_moisture": d.wet,
	}), nil
}

// Close releases the sensor.
func (d *DropIn) Close() error {
	return d.device.Close()
}

// MoisturePercent maps a capacitance onto the calibrated range, clamped to
// 0..100 and rounded to one decimal.
func MoisturePercent(capacitance float64, dry, wet int) float64 {
	pct := (capacitance - float64(dry)) / float64(wet-dry) * 100
	pct = math.Max(0, math.Min(100, pct))
	return math.Round(pct*10) / 10
}
