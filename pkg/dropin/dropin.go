// Package dropin defines the contract every sensor drop-in satisfies, the
// default behaviour drop-ins inherit through Base, and the compile-time
// Catalog drop-in packages register their factories with from init().
package dropin

import "context"

// DropIn is the contract between a sensor driver and the daemon.
type DropIn interface {
	// Identity describes the drop-in. It must be callable right after
	// construction and is side-effect free. Return ErrNotImplemented to be
	// polled without exposing a request handler.
	Identity() (Identity, error)

	// PeriodicCall refreshes the drop-in's readings. It is invoked once per
	// watcher cycle and must return within a bounded hardware timeout.
	PeriodicCall(ctx context.Context) error

	// HandleRequest serves a request routed to the drop-in. A nil response
	// means "no content".
	HandleRequest(ctx context.Context, req *Request) (*Response, error)
}

// Observable is implemented by drop-ins that expose their lifecycle state and
// latest readings. Base implements it.
type Observable interface {
	State() State
	Readings() Readings
}

// Closer is implemented by drop-ins holding resources such as an open bus.
type Closer interface {
	Close() error
}

// Factory creates a new drop-in instance from its construction context.
type Factory func(ctx *Context) (DropIn, error)
