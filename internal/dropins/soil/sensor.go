package soil

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/cockroachdb/errors"
	"periph.io/x/conn/v3/i2c"

	"ancs/internal/dropins/i2cbus"
)

// Registers of the Chirp capacitive soil sensor.
const (
	regCapacitance  = 0x00
	regMeasureLight = 0x03
	regLight        = 0x04
	regTemperature  = 0x05
)

const lightDelay = 1500 * time.Millisecond

// Sample is one raw measurement of the sensor.
type Sample struct {
	// Capacitance in sensor units, higher is wetter.
	Capacitance float64
	// Temperature in degrees Celsius.
	Temperature float64
	// Light in sensor units, higher is darker.
	Light float64
}

// Sensor talks to a soil moisture sensor.
type Sensor interface {
	Measure(ctx context.Context) (Sample, error)
	Clone() Sensor
}

// chirp drives the sensor over a raw periph.io I2C device.
type chirp struct {
	bus i2c.BusCloser
	dev *i2c.Dev
}

// Connect opens the sensor at bus/address on the host I2C bus.
func Connect(bus, address int) (Sensor, error) {
	b, err := i2cbus.Open(bus)
	if err != nil {
		return nil, err
	}
	return &chirp{bus: b, dev: &i2c.Dev{Bus: b, Addr: uint16(address)}}, nil
}

func (c *chirp) Measure(ctx context.Context) (Sample, error) {
	capacitance, err := c.word(regCapacitance)
	if err != nil {
		return Sample{}, err
	}
	temp, err := c.word(regTemperature)
	if err != nil {
		return Sample{}, err
	}

	if _, err := c.dev.Write([]byte{regMeasureLight}); err != nil {
		return Sample{}, errors.Wrap(err, "trigger light measurement")
	}
	if err := i2cbus.Sleep(ctx, lightDelay); err != nil {
		return Sample{}, err
	}
	light, err := c.word(regLight)
	if err != nil {
		return Sample{}, err
	}

	return Sample{
		Capacitance: float64(capacitance),
		Temperature: float64(int16(temp)) / 10,
		Light:       float64(light),
	}, nil
}

// word reads a big-endian register.
func (c *chirp) word(reg byte) (uint16, error) {
	buf := make([]byte, 2)
	if err := c.dev.Tx([]byte{reg}, buf); err != nil {
		return 0, errors.Wrapf(err, "read register %#x", reg)
	}
	return binary.BigEndian.Uint16(buf), nil
}

func (c *chirp) Clone() Sensor {
	cp := *c
	return &cp
}

func (c *chirp) Close() error {
	return c.bus.Close()
}
