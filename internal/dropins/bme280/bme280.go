// Package bme280 is the drop-in for the Adafruit BME280 temperature, humidity
// and pressure sensor.
package bme280

import (
	"context"
	"math"
	"os"
	"strconv"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"ancs/internal/telemetry"
	"ancs/pkg/dropin"
)

const (
	ID      = "adafruit_bme280"
	Route   = "bme280"
	Version = "0.0.1"

	DefaultBus     = 1
	DefaultAddress = 0x77

	// DefaultSeaLevelPressure is the standard atmosphere in hPa.
	DefaultSeaLevelPressure = 1013.25

	// SeaLevelPressureEnv overrides the sea level pressure used for altitude.
	SeaLevelPressureEnv = "SEA_LEVEL_PRESSURE"
)

func init() {
	dropin.MustRegister(dropin.Entry{
		Name:        "bme280",
		Description: "Adafruit BME280 environment sensor",
		Priority:    dropin.PriorityDefault,
		Factory: func(ctx *dropin.Context) (dropin.DropIn, error) {
			return New(ctx, Options{})
		},
	})
}

// Options overrides the hardware access of the drop-in.
type Options struct {
	// Connect defaults to the periph.io connector.
	Connect dropin.Connect[Sensor]
	// Now stamps readings. Defaults to time.Now.
	Now func() time.Time
}

// DropIn measures the environment every periodic call and serves the latest
// readings on its route.
type DropIn struct {
	*dropin.Base
	device           *dropin.Device[Sensor]
	seaLevelPressure float64
}

// New connects to the sensor described by the candidate settings.
func New(ctx *dropin.Context, opts Options) (*DropIn, error) {
	if opts.Connect == nil {
		opts.Connect = Connect
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
			{Name: "altitude", Help: "Altitude (meters)"},
			{Name: "humidity", Help: "Humidity (%)"},
			{Name: "pressure", Help: "Pressure (hPa)"},
		},
		Info: map[string]string{
			"version":      Version,
			"id":           ID,
			"rule":         Route,
			"capabilities": "temperature, altitude, humidity, pressure",
		},
		Now: opts.Now,
	})
	if err != nil {
		return nil, multierr.Append(err, device.Close())
	}

	d := &DropIn{
		Base:             base,
		device:           device,
		seaLevelPressure: seaLevelPressure(ctx),
	}
	d.MarkReady()
	return d, nil
}

func seaLevelPressure(ctx *dropin.Context) float64 {
	if v, ok := ctx.Settings.Float("sea_level_pressure"); ok && v > 0 {
		return v
	}
	if raw, ok := os.LookupEnv(SeaLevelPressureEnv); ok {
		v, err := strconv.ParseFloat(raw, 64)
		if err == nil && v > 0 {
			return v
		}
		ctx.Logger.Warn("Invalid sea level pressure, using default",
			zap.String("value", raw),
			zap.Float64("default", DefaultSeaLevelPressure))
		return DefaultSeaLevelPressure
	}
	ctx.Logger.Warn("Sea level pressure not set, altitude uses the standard atmosphere",
		zap.Float64("default", DefaultSeaLevelPressure))
	return DefaultSeaLevelPressure
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

// PeriodicCall reads the sensor once.
func (d *DropIn) PeriodicCall(ctx context.Context) error {
	d.Logger.Debug("Running periodic upkeep", zap.String("drop_in", ID))
	err := d.Measure(ctx, func(ctx context.Context) (map[string]float64, error) {
		var env Environment
		err := d.device.Use(func(s Sensor) error {
			var err error
			env, err = s.Sense(ctx)
			return err
		})
		if err != nil {
			return nil, err
		}
		return map[string]float64{
			"temperature": round(env.Temperature, 1),
			"humidity":    round(env.Humidity, 2),
			"pressure":    round(env.Pressure, 2),
			"altitude":    round(Altitude(env.Pressure, d.seaLevelPressure), 2),
		}, nil
	})
	if err != nil {
		return err
	}
	d.Logger.Debug("Periodic upkeep succeeded")
	return nil
}

// HandleRequest returns the latest readings on the route itself.
func (d *DropIn) HandleRequest(ctx context.Context, req *dropin.Request) (*dropin.Response, error) {
	if req.Path != "" {
		return nil, dropin.ErrUnsupportedRequest
	}
	r := d.Readings()
	return dropin.OK(map[string]interface{}{
		"id":          ID,
		"state":       d.State(),
		"readings":    r.Values,
		"observed_at": r.ObservedAt,
		"passes":      r.Passes,
	}), nil
}

// Close releases the sensor.
func (d *DropIn) Close() error {
	return d.device.Close()
}

// Altitude converts a pressure in hPa to meters above the given sea level
// pressure, with the international barometric formula.
func Altitude(pressure, seaLevel float64) float64 {
	return 44330 * (1 - math.Pow(pressure/seaLevel, 0.1903))
}

func round(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}
