package bme280

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/multierr"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/devices/v3/bmxx80"

	"ancs/internal/dropins/i2cbus"
)

// Environment is one raw sample of the sensor.
type Environment struct {
	// Temperature in degrees Celsius.
	Temperature float64
	// Humidity in percent relative humidity.
	Humidity float64
	// Pressure in hPa.
	Pressure float64
}

// Sensor talks to a BME280.
type Sensor interface {
	Sense(ctx context.Context) (Environment, error)
	Clone() Sensor
}

// periphSensor drives the chip through the periph.io bmxx80 driver.
type periphSensor struct {
	bus i2c.BusCloser
	dev *bmxx80.Dev
}

// Connect opens the sensor at bus/address on the host I2C bus.
func Connect(bus, address int) (Sensor, error) {
	b, err := i2cbus.Open(bus)
	if err != nil {
		return nil, err
	}
	dev, err := bmxx80.NewI2C(b, uint16(address), &bmxx80.DefaultOpts)
	if err != nil {
		b.Close()
		return nil, errors.Wrapf(err, "bme280 at %#x", address)
	}
	return &periphSensor{bus: b, dev: dev}, nil
}

func (s *periphSensor) Sense(ctx context.Context) (Environment, error) {
	var env physic.Env
	if err := s.dev.Sense(&env); err != nil {
		return Environment{}, errors.Wrap(err, "sense")
	}
	return Environment{
		Temperature: float64(env.Temperature-physic.ZeroCelsius) / float64(physic.Celsius),
		Humidity:    float64(env.Humidity) / float64(physic.PercentRH),
		Pressure:    float64(env.Pressure) / float64(100*physic.Pascal),
	}, nil
}

// Clone shares the underlying bus handle.
func (s *periphSensor) Clone() Sensor {
	c := *s
	return &c
}

func (s *periphSensor) Close() error {
	return multierr.Combine(s.dev.Halt(), s.bus.Close())
}
