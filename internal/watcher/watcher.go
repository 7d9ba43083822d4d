// Package watcher runs the background polling loop: after an activation delay
// it sweeps every periodic drop-in in registration order, then sleeps for the
// refresh interval, until stopped.
//
// A drop-in failing or panicking in PeriodicCall is logged and counted; it
// never stops the sweep or later cycles. Shutdown is cooperative: Stop is
// observed between cycles and during the inter-cycle wait, never in the middle
// of a PeriodicCall.
package watcher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"ancs/internal/clock"
	"ancs/internal/registry"
)

// Defaults
const (
	DefaultActivationDelay = 10 * time.Second
	DefaultRefreshInterval = 10 * time.Second
)

var (
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("watcher already started")
	// ErrStopped is returned by Start after Stop.
	ErrStopped = errors.New("watcher stopped")
)

// State of the watcher.
type State int32

const (
	Idle State = iota
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Options configures a Watcher.
type Options struct {
	// ActivationDelay is waited once before the first cycle. Zero starts
	// polling immediately.
	ActivationDelay time.Duration
	// RefreshInterval is waited between cycles. Defaults to DefaultRefreshInterval.
	RefreshInterval time.Duration
	Clock           clock.Clock
	Registerer      prometheus.Registerer
	Logger          *zap.Logger
}

// PollResult is the outcome of the last PeriodicCall of a drop-in.
type PollResult struct {
	At       time.Time     `json:"at"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Watcher polls drop-ins in the background. It is started at most once.
type Watcher struct {
	plugins []*registry.Entry
	opts    Options
	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics

	state    atomic.Int32
	cycles   atomic.Uint64
	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}

	resultsMu sync.RWMutex
	results   map[string]PollResult
}

// New creates a watcher over plugins. The slice is copied; the order is the
// polling order.
func New(plugins []*registry.Entry, opts Options) (*Watcher, error) {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}
	if opts.ActivationDelay < 0 {
		opts.ActivationDelay = 0
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	m, err := newMetrics(opts.Registerer)
	if err != nil {
		return nil, errors.Wrap(err, "watcher metrics")
	}

	return &Watcher{
		plugins:  append([]*registry.Entry(nil), plugins...),
		opts:     opts,
		clock:    opts.Clock,
		logger:   opts.Logger.Named("watcher"),
		metrics:  m,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
		results:  make(map[string]PollResult),
	}, nil
}

// Start launches the polling loop. Cancelling ctx has the same effect as Stop.
func (w *Watcher) Start(ctx context.Context) error {
	if !w.state.CompareAndSwap(int32(Idle), int32(Running)) {
		if w.State() == Stopped {
			return ErrStopped
		}
		return ErrAlreadyStarted
	}

	w.logger.Info("Starting watcher",
		zap.Int("drop_ins", len(w.plugins)),
		zap.Duration("activation_delay", w.opts.ActivationDelay),
		zap.Duration("refresh_interval", w.opts.RefreshInterval))

	go w.run(ctx)
	return nil
}

// Stop signals the loop to exit. It is safe to call any number of times from
// any goroutine and does not wait; use Wait or Shutdown for that.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		if w.state.CompareAndSwap(int32(Running), int32(Stopping)) {
			w.logger.Info("Stopping watcher")
			return
		}
		// Never started: nothing will close done.
		if w.state.CompareAndSwap(int32(Idle), int32(Stopped)) {
			close(w.done)
		}
	})
}

// Done is closed once the watcher reaches Stopped.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

// Wait blocks until the watcher has stopped or ctx is done.
func (w *Watcher) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops the watcher and waits for the in-flight cycle to finish.
func (w *Watcher) Shutdown(ctx context.Context) error {
	w.Stop()
	return w.Wait(ctx)
}

// State returns the current state.
func (w *Watcher) State() State {
	return State(w.state.Load())
}

// Cycles returns the number of completed sweeps.
func (w *Watcher) Cycles() uint64 {
	return w.cycles.Load()
}

// LastPoll returns the result of the most recent PeriodicCall of a drop-in.
func (w *Watcher) LastPoll(id string) (PollResult, bool) {
	w.resultsMu.RLock()
	defer w.resultsMu.RUnlock()
	r, ok := w.results[id]
	return r, ok
}

func (w *Watcher) run(ctx context.Context) {
	defer func() {
		w.state.Store(int32(Stopped))
		close(w.done)
		w.logger.Info("Watcher stopped", zap.Uint64("cycles", w.Cycles()))
	}()

	if !w.wait(ctx, w.opts.ActivationDelay) {
		return
	}
	w.logger.Info("Watcher activated")

	for {
		if !w.wait(ctx, 0) {
			return
		}
		w.Sweep(ctx)
		if !w.wait(ctx, w.opts.RefreshInterval) {
			return
		}
	}
}

// wait sleeps for d unless stopped first. It reports whether the loop should
// continue. A non-positive d only checks the stop signal.
func (w *Watcher) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-w.stopChan:
			return false
		case <-ctx.Done():
			w.Stop()
			return false
		default:
			return true
		}
	}

	select {
	case <-w.stopChan:
		return false
	case <-ctx.Done():
		w.Stop()
		return false
	case <-w.clock.After(d):
		return true
	}
}

// Sweep runs one cycle: every periodic drop-in is polled once, in order, and
// the cycle counter is incremented whatever the individual outcomes. The
// drop-in calls do not observe cancellation of ctx.
func (w *Watcher) Sweep(ctx context.Context) {
	start := w.clock.Now()
	pollCtx := context.WithoutCancel(ctx)

	failed := 0
	for _, e := range w.plugins {
		if !e.Periodic() {
			continue
		}
		if err := w.poll(pollCtx, e); err != nil {
			failed++
		}
	}

	n := w.cycles.Add(1)
	w.metrics.iterations.Inc()
	w.metrics.cycleDuration.Observe(w.clock.Since(start).Seconds())

	w.logger.Debug("Watcher cycle complete",
		zap.Uint64("cycle", n),
		zap.Int("failed", failed))
}

func (w *Watcher) poll(ctx context.Context, e *registry.Entry) (err error) {
	id := e.ID()
	start := w.clock.Now()

	defer func() {
		if p := recover(); p != nil {
			err = errors.Newf("panic in periodic call: %v", p)
		}

		result := PollResult{At: start, Duration: w.clock.Since(start)}
		if err != nil {
			result.Error = err.Error()
			w.metrics.pollErrors.WithLabelValues(id).Inc()
			w.logger.Error("Drop-in encountered an error",
				zap.String("drop_in", id),
				zap.Error(err))
		}

		w.resultsMu.Lock()
		w.results[id] = result
		w.resultsMu.Unlock()
	}()

	return e.Poll(ctx)
}
