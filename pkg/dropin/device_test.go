package dropin

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type fakeConn struct {
	Bus     int
	Address int
	Label   string
	opened  *int
}

func (f *fakeConn) Clone() *fakeConn {
	cp := *f
	return &cp
}

func connectFake(opened *int) Connect[*fakeConn] {
	return func(bus, address int) (*fakeConn, error) {
		*opened++
		return &fakeConn{Bus: bus, Address: address, Label: "live", opened: opened}, nil
	}
}

func TestNewDevice(t *testing.T) {
	opened := 0
	d, err := NewDevice(1, 0x77, connectFake(&opened))
	require.NoError(t, err)

	assert.Equal(t, 1, opened)
	assert.Equal(t, 1, d.Bus)
	assert.Equal(t, 0x77, d.Address)
	assert.Equal(t, 0x77, d.Connector().Address)
}

func TestNewDevice_Errors(t *testing.T) {
	_, err := NewDevice[*fakeConn](1, 0x20, nil)
	assert.Error(t, err)

	_, err = NewDevice[*fakeConn](1, 0x20, func(bus, address int) (*fakeConn, error) {
		return nil, errors.New("no such bus")
	})
	assert.ErrorContains(t, err, "no such bus")
	assert.ErrorContains(t, err, "0x20")
}

func TestDevice_ConnectorIsNotAliased(t *testing.T) {
	opened := 0
	d, err := NewDevice(1, 0x63, connectFake(&opened))
	require.NoError(t, err)

	first := d.Connector()
	second := d.Connector()
	first.Label = "mutated"

	assert.Equal(t, "live", second.Label)
	assert.Equal(t, "live", d.Connector().Label)

	assigned := &fakeConn{Label: "replacement"}
	d.SetConnector(assigned)
	assigned.Label = "changed after assignment"

	assert.Equal(t, "replacement", d.Connector().Label)
}

func TestDevice_ConnectorIsNotAliased_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		label := rapid.String().Draw(t, "label")
		mutation := rapid.String().Draw(t, "mutation")
		address := rapid.IntRange(0x03, 0x77).Draw(t, "address")

		opened := 0
		d, err := NewDevice(1, address, connectFake(&opened))
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
		d.SetConnector(&fakeConn{Label: label, Address: address})

		a := d.Connector()
		b := d.Connector()
		a.Label = mutation
		a.Address++

		if b.Label != label || b.Address != address {
			t.Fatalf("second copy changed: %+v", b)
		}
		if got := d.Connector(); got.Label != label || got.Address != address {
			t.Fatalf("stored connector changed: %+v", got)
		}
	})
}

func TestDevice_Use(t *testing.T) {
	opened := 0
	d, err := NewDevice(1, 0x20, connectFake(&opened))
	require.NoError(t, err)

	var seen string
	err = d.Use(func(c *fakeConn) error {
		seen = c.Label
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "live", seen)

	d.Address = 0x21
	assert.Equal(t, 0x21, d.Address)
}

type closingConn struct {
	closed *int
}

func (c closingConn) Clone() closingConn { return c }

func (c closingConn) Close() error {
	*c.closed++
	return nil
}

func TestDevice_Close(t *testing.T) {
	closed := 0
	d, err := NewDevice(1, 0x63, func(bus, address int) (closingConn, error) {
		return closingConn{closed: &closed}, nil
	})
	require.NoError(t, err)
	require.NoError(t, d.Close())
	assert.Equal(t, 1, closed)

	opened := 0
	plain, err := NewDevice(1, 0x20, connectFake(&opened))
	require.NoError(t, err)
	assert.NoError(t, plain.Close())
}
