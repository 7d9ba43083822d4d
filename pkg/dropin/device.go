package dropin

import (
	"io"
	"sync"

	"github.com/cockroachdb/errors"
)

// Cloner is implemented by connectors. Clone returns a shallow copy that
// shares no mutable fields with the receiver.
type Cloner[C any] interface {
	Clone() C
}

// Connect builds a connector for a bus and address. Drop-ins accept one to
// substitute test doubles for real hardware.
type Connect[C Cloner[C]] func(bus, address int) (C, error)

// Device holds the bus coordinates and connector of an I2C drop-in.
//
// Bus and Address are plain fields; re-addressing a live device is allowed and
// the drop-in is responsible for any re-handshake. The connector is never
// handed out by reference: reads and writes both go through Clone.
type Device[C Cloner[C]] struct {
	Bus     int
	Address int

	mu        sync.RWMutex
	connector C
}

// NewDevice connects to bus/address with connect and stores the result.
func NewDevice[C Cloner[C]](bus, address int, connect Connect[C]) (*Device[C], error) {
	if connect == nil {
		return nil, errors.New("no connector factory")
	}
	c, err := connect(bus, address)
	if err != nil {
		return nil, errors.Wrapf(err, "connect bus %d address %#x", bus, address)
	}
	if any(c) == nil {
		return nil, errors.Newf("connect bus %d address %#x: nil connector", bus, address)
	}
	d := &Device[C]{Bus: bus, Address: address}
	d.SetConnector(c)
	return d, nil
}

// Connector returns an independent copy of the stored connector.
func (d *Device[C]) Connector() C {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connector.Clone()
}

// SetConnector stores a copy of c.
func (d *Device[C]) SetConnector(c C) {
	cp := c.Clone()
	d.mu.Lock()
	d.connector = cp
	d.mu.Unlock()
}

// Use runs fn with the live connector. Only the owning drop-in should call it.
func (d *Device[C]) Use(fn func(c C) error) error {
	d.mu.RLock()
	c := d.connector
	d.mu.RUnlock()
	return fn(c)
}

// Close closes the live connector when it holds resources.
func (d *Device[C]) Close() error {
	return d.Use(func(c C) error {
		if closer, ok := any(c).(io.Closer); ok {
			return closer.Close()
		}
		return nil
	})
}
