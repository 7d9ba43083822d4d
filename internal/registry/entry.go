package registry

import (
	"context"
	"sync"

	"ancs/pkg/dropin"
)

// Entry is a registered drop-in. Its mutex serializes PeriodicCall and
// HandleRequest so the watcher and the HTTP layer never drive the same
// hardware concurrently.
type Entry struct {
	// Name is the candidate the drop-in was loaded from.
	Name     string
	Identity dropin.Identity
	DropIn   dropin.DropIn

	mu sync.Mutex
}

// NewEntry wraps a constructed drop-in.
func NewEntry(name string, id dropin.Identity, d dropin.DropIn) *Entry {
	return &Entry{Name: name, Identity: id, DropIn: d}
}

// ID returns the registry key of the entry.
func (e *Entry) ID() string {
	return e.Identity.ID
}

// Periodic reports whether the watcher should poll the entry.
func (e *Entry) Periodic() bool {
	return e.Identity.Capabilities.Periodic
}

// Poll runs one PeriodicCall under the entry lock.
func (e *Entry) Poll(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.DropIn.PeriodicCall(ctx)
}

// Handle runs one HandleRequest under the entry lock.
func (e *Entry) Handle(ctx context.Context, req *dropin.Request) (*dropin.Response, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.DropIn.HandleRequest(ctx, req)
}

// Observe returns the state and readings of observable drop-ins. It never
// takes the entry lock.
func (e *Entry) Observe() (dropin.State, dropin.Readings, bool) {
	o, ok := e.DropIn.(dropin.Observable)
	if !ok {
		return "", dropin.Readings{}, false
	}
	return o.State(), o.Readings(), true
}
