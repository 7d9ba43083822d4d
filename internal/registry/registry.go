// Package registry turns drop-in candidates into the immutable set of loaded
// drop-ins the watcher polls and the HTTP layer routes to.
//
// Loading is total: every candidate gets exactly one instantiation attempt and
// a failing candidate never prevents the others from loading.
package registry

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"ancs/pkg/dropin"
)

// Errors
var (
	ErrUnknownDropIn = errors.New("unknown drop-in")
	ErrDuplicateID   = errors.New("duplicate drop-in id")
	ErrNilDropIn     = errors.New("factory returned no drop-in")
)

// Stage names where a candidate was skipped.
type Stage string

const (
	StageConfig      Stage = "config"
	StageResolve     Stage = "resolve"
	StageInstantiate Stage = "instantiate"
	StageIdentity    Stage = "identity"
	StageDuplicate   Stage = "duplicate"
)

// Skipped describes a candidate that did not make it into the registry.
type Skipped struct {
	Name  string `json:"name"`
	Stage Stage  `json:"stage"`
	Err   error  `json:"-"`
	Cause string `json:"cause"`
}

// Report summarises a Load.
type Report struct {
	Loaded  []string  `json:"loaded"`
	Skipped []Skipped `json:"skipped"`
}

// Options configures Load.
type Options struct {
	// Catalog resolves candidate names. Defaults to dropin.Global().
	Catalog *dropin.Catalog
	// Logger is handed, named after the candidate, to every drop-in.
	Logger *zap.Logger
	// Registerer receives drop-in metrics.
	Registerer prometheus.Registerer
}

// Registry holds the loaded drop-ins in discovery order and the subset that
// exposes request handlers. It is read-only after Load.
type Registry struct {
	entries  []*Entry
	byID     map[string]*Entry
	handlers map[string]*Entry
}

// Load instantiates every candidate once and registers those with a usable
// identity.
func Load(candidates []Candidate, opts Options) (*Registry, *Report) {
	if opts.Catalog == nil {
		opts.Catalog = dropin.Global()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	logger := opts.Logger.Named("registry")

	r := &Registry{
		byID:     make(map[string]*Entry),
		handlers: make(map[string]*Entry),
	}
	report := &Report{Loaded: []string{}, Skipped: []Skipped{}}

	skip := func(name string, stage Stage, err error) {
		logger.Error("Drop-in skipped",
			zap.String("drop_in", name),
			zap.String("stage", string(stage)),
			zap.Error(err))
		report.Skipped = append(report.Skipped, Skipped{Name: name, Stage: stage, Err: err, Cause: err.Error()})
	}

	for _, c := range candidates {
		if c.Err != nil {
			skip(c.Name, StageConfig, c.Err)
			continue
		}

		entry, ok := opts.Catalog.Get(c.Name)
		if !ok {
			skip(c.Name, StageResolve, errors.Wrapf(ErrUnknownDropIn, "%q", c.Name))
			continue
		}

		// A nil *trackingRegisterer must not reach the drop-in as a non-nil
		// interface, so the wrapper only exists when there is a registry.
		var tracker *trackingRegisterer
		var reg prometheus.Registerer
		if opts.Registerer != nil {
			tracker = newTrackingRegisterer(opts.Registerer)
			reg = tracker
		}
		withdraw := func() {
			if tracker != nil {
				tracker.rollback()
			}
		}

		ctx := dropin.NewContext(opts.Logger.Named(c.Name), reg, c.Settings)
		d, err := instantiate(entry.Factory, ctx)
		if err != nil {
			withdraw()
			skip(c.Name, StageInstantiate, err)
			continue
		}

		id, err := resolveIdentity(c.Name, d)
		if err != nil {
			closeDropIn(logger, c.Name, d)
			withdraw()
			skip(c.Name, StageIdentity, err)
			continue
		}

		if _, exists := r.byID[id.ID]; exists {
			closeDropIn(logger, c.Name, d)
			withdraw()
			skip(c.Name, StageDuplicate, errors.Wrapf(ErrDuplicateID, "%q", id.ID))
			continue
		}

		e := NewEntry(c.Name, id, d)
		r.entries = append(r.entries, e)
		r.byID[id.ID] = e
		if id.Capabilities.Handler {
			r.handlers[id.ID] = e
		}
		report.Loaded = append(report.Loaded, id.ID)

		logger.Info("Drop-in registered",
			zap.String("drop_in", id.ID),
			zap.String("candidate", c.Name),
			zap.String("version", id.Version),
			zap.Bool("periodic", id.Capabilities.Periodic),
			zap.Bool("handler", id.Capabilities.Handler),
			zap.String("route", id.Route))
	}

	logger.Info("Drop-in discovery complete",
		zap.Int("loaded", len(report.Loaded)),
		zap.Int("skipped", len(report.Skipped)))

	return r, report
}

// instantiate calls factory, converting panics into errors.
func instantiate(factory dropin.Factory, ctx *dropin.Context) (d dropin.DropIn, err error) {
	defer func() {
		if p := recover(); p != nil {
			d = nil
			err = errors.Newf("panic during construction: %v", p)
		}
	}()

	d, err = factory(ctx)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, ErrNilDropIn
	}
	return d, nil
}

// resolveIdentity reads and validates the identity of d. A drop-in that does
// not implement Identity is polled under its candidate name.
func resolveIdentity(name string, d dropin.DropIn) (id dropin.Identity, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = dropin.Malformed(errors.Newf("panic reading identity: %v", p))
		}
	}()

	id, err = d.Identity()
	if errors.Is(err, dropin.ErrNotImplemented) {
		return dropin.Polled(name), nil
	}
	if err != nil {
		return dropin.Identity{}, dropin.Malformed(err)
	}
	if err := id.Validate(); err != nil {
		return dropin.Identity{}, err
	}
	return id, nil
}

func closeDropIn(logger *zap.Logger, name string, d dropin.DropIn) {
	if c, ok := d.(dropin.Closer); ok {
		if err := c.Close(); err != nil {
			logger.Warn("Failed to close rejected drop-in", zap.String("drop_in", name), zap.Error(err))
		}
	}
}

// Plugins returns the loaded drop-ins in discovery order.
func (r *Registry) Plugins() []*Entry {
	out := make([]*Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Get returns the drop-in registered under id.
func (r *Registry) Get(id string) (*Entry, bool) {
	e, ok := r.byID[id]
	return e, ok
}

// Handlers returns the drop-ins exposing a request handler, in discovery order.
func (r *Registry) Handlers() []*Entry {
	out := make([]*Entry, 0, len(r.handlers))
	for _, e := range r.entries {
		if _, ok := r.handlers[e.ID()]; ok {
			out = append(out, e)
		}
	}
	return out
}

// Handler returns the handler registered under id.
func (r *Registry) Handler(id string) (*Entry, bool) {
	e, ok := r.handlers[id]
	return e, ok
}

// Len returns the number of loaded drop-ins.
func (r *Registry) Len() int {
	return len(r.entries)
}

// Close releases drop-ins holding resources, in reverse discovery order.
func (r *Registry) Close() error {
	var errs []error
	for i := len(r.entries) - 1; i >= 0; i-- {
		e := r.entries[i]
		if c, ok := e.DropIn.(dropin.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", e.ID(), err))
			}
		}
	}
	return multierr.Combine(errs...)
}
