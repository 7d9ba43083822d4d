package atlasph

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"periph.io/x/conn/v3/i2c"

	"ancs/internal/dropins/i2cbus"
)

// Response codes of the EZO I2C protocol, first byte of every read.
const (
	CodeSuccess     = 1
	CodeSyntaxError = 2
	CodePending     = 254
	CodeNoData      = 255
)

// Reply is the answer of the circuit to one command.
type Reply struct {
	Code int
	Data string
}

// OK reports whether the command succeeded.
func (r Reply) OK() bool { return r.Code == CodeSuccess }

// Querier sends EZO commands to the circuit.
type Querier interface {
	Query(ctx context.Context, command string) (Reply, error)
	Clone() Querier
}

const (
	readLength  = 31
	shortDelay  = 300 * time.Millisecond
	longDelay   = 900 * time.Millisecond
	commandStop = 0x00
)

// ezo drives the circuit over a raw periph.io I2C device.
type ezo struct {
	bus i2c.BusCloser
	dev *i2c.Dev
}

// Connect opens the circuit at bus/address on the host I2C bus.
func Connect(bus, address int) (Querier, error) {
	b, err := i2cbus.Open(bus)
	if err != nil {
		return nil, err
	}
	return &ezo{bus: b, dev: &i2c.Dev{Bus: b, Addr: uint16(address)}}, nil
}

// Query writes command, waits the processing delay the datasheet gives for
// it and reads the reply.
func (e *ezo) Query(ctx context.Context, command string) (Reply, error) {
	if _, err := e.dev.Write([]byte(command)); err != nil {
		return Reply{}, errors.Wrapf(err, "write %q", command)
	}
	if err := i2cbus.Sleep(ctx, delay(command)); err != nil {
		return Reply{}, err
	}

	buf := make([]byte, readLength)
	if err := e.dev.Tx(nil, buf); err != nil {
		return Reply{}, errors.Wrapf(err, "read reply to %q", command)
	}
	return parseReply(buf), nil
}

func (e *ezo) Clone() Querier {
	c := *e
	return &c
}

func (e *ezo) Close() error {
	return e.bus.Close()
}

// delay returns how long the circuit needs before a reply to command is ready.
func delay(command string) time.Duration {
	upper := strings.ToUpper(command)
	if strings.HasPrefix(upper, "R") || (strings.HasPrefix(upper, "CAL,") && upper != "CAL,?") {
		return longDelay
	}
	return shortDelay
}

// parseReply decodes a raw read: status byte, then ASCII up to the first NUL.
// Some hosts set the high bit of the payload bytes.
func parseReply(raw []byte) Reply {
	if len(raw) == 0 {
		return Reply{Code: CodeNoData}
	}
	data := raw[1:]
	if i := bytes.IndexByte(data, commandStop); i >= 0 {
		data = data[:i]
	}
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b & 0x7f
	}
	return Reply{Code: int(raw[0]), Data: string(out)}
}
