// Package i2cbus opens host I2C buses through periph.io for the hardware
// drop-ins.
package i2cbus

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

var (
	initOnce sync.Once
	initErr  error
)

// Open initialises the host drivers once and opens bus by number.
func Open(bus int) (i2c.BusCloser, error) {
	initOnce.Do(func() {
		if _, err := host.Init(); err != nil {
			initErr = errors.Wrap(err, "initialise host drivers")
		}
	})
	if initErr != nil {
		return nil, initErr
	}

	b, err := i2creg.Open(strconv.Itoa(bus))
	if err != nil {
		return nil, errors.Wrapf(err, "open i2c bus %d", bus)
	}
	return b, nil
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
