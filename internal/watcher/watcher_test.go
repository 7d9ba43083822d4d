package watcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"ancs/internal/clock"
	"ancs/internal/registry"
	"ancs/pkg/dropin"
)

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// recorder collects the order of periodic calls across drop-ins.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, id)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// counting measures an incrementing counter through Base.Measure.
type counting struct {
	*dropin.Base
	rec *recorder
	id  string
	n   float64
}

func (c *counting) PeriodicCall(ctx context.Context) error {
	if c.rec != nil {
		c.rec.add(c.id)
	}
	return c.Measure(ctx, func(context.Context) (map[string]float64, error) {
		c.n++
		return map[string]float64{"count": c.n}, nil
	})
}

// failing always reports an offline sensor.
type failing struct {
	*dropin.Base
	panics bool
}

func (f *failing) PeriodicCall(ctx context.Context) error {
	return f.Measure(ctx, func(context.Context) (map[string]float64, error) {
		if f.panics {
			panic("i2c bus fault")
		}
		return nil, errors.New("sensor offline")
	})
}

func newBase(t *testing.T) *dropin.Base {
	t.Helper()
	b, err := dropin.NewBase(zaptest.NewLogger(t), nil, dropin.BaseOptions{})
	require.NoError(t, err)
	b.MarkReady()
	return b
}

func entry(id string, d dropin.DropIn) *registry.Entry {
	return registry.NewEntry(id, dropin.Polled(id), d)
}

func readingsOf(e *registry.Entry) dropin.Readings {
	_, r, _ := e.Observe()
	return r
}

// advanceCycles steps a mock clock through n waits of d each.
func advanceCycles(t *testing.T, clk *clock.MockClock, n int, d time.Duration) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.True(t, clk.BlockUntil(1, time.Second), "watcher never waited")
		clk.Advance(d)
	}
}

func TestWatcher_Isolation(t *testing.T) {
	clk := clock.NewMockClock(epoch)
	reg := prometheus.NewRegistry()

	a := entry("a", &counting{Base: newBase(t)})
	bad := entry("bad", &failing{Base: newBase(t)})
	boom := entry("boom", &failing{Base: newBase(t), panics: true})
	c := entry("c", &counting{Base: newBase(t)})

	w, err := New([]*registry.Entry{a, bad, boom, c}, Options{
		RefreshInterval: 10 * time.Second,
		Clock:           clk,
		Registerer:      reg,
		Logger:          zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	advanceCycles(t, clk, 4, 10*time.Second)
	require.Eventually(t, func() bool { return w.Cycles() == 5 }, time.Second, time.Millisecond)
	require.NoError(t, w.Shutdown(context.Background()))

	assert.Equal(t, 5.0, readingsOf(a).Values["count"])
	assert.Equal(t, 5.0, readingsOf(c).Values["count"])
	assert.Equal(t, 5.0, testutil.ToFloat64(w.metrics.iterations))
	assert.Equal(t, 5.0, testutil.ToFloat64(w.metrics.pollErrors.WithLabelValues("bad")))
	assert.Equal(t, 5.0, testutil.ToFloat64(w.metrics.pollErrors.WithLabelValues("boom")))

	last, ok := w.LastPoll("boom")
	require.True(t, ok)
	assert.Contains(t, last.Error, "i2c bus fault")

	last, ok = w.LastPoll("a")
	require.True(t, ok)
	assert.Empty(t, last.Error)
}

func TestWatcher_CycleOrdering(t *testing.T) {
	clk := clock.NewMockClock(epoch)
	rec := &recorder{}

	var plugins []*registry.Entry
	for _, id := range []string{"a", "b", "c"} {
		plugins = append(plugins, entry(id, &counting{Base: newBase(t), rec: rec, id: id}))
	}

	w, err := New(plugins, Options{RefreshInterval: time.Minute, Clock: clk})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	advanceCycles(t, clk, 2, time.Minute)
	require.Eventually(t, func() bool { return w.Cycles() == 3 }, time.Second, time.Millisecond)
	require.NoError(t, w.Shutdown(context.Background()))

	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c", "a", "b", "c"}, rec.snapshot())
}

func TestWatcher_SkipsNonPeriodic(t *testing.T) {
	rec := &recorder{}
	handlerOnly := registry.NewEntry("h", dropin.Identity{
		ID:           "h",
		Version:      "1.0.0",
		Capabilities: dropin.Capabilities{Handler: true},
		Route:        "h",
		Verbs:        []string{"GET"},
	}, &counting{Base: newBase(t), rec: rec, id: "h"})
	polled := entry("p", &counting{Base: newBase(t), rec: rec, id: "p"})

	w, err := New([]*registry.Entry{handlerOnly, polled}, Options{})
	require.NoError(t, err)

	w.Sweep(context.Background())

	assert.Equal(t, []string{"p"}, rec.snapshot())
	assert.Equal(t, uint64(1), w.Cycles())
}

func TestWatcher_ActivationDelay(t *testing.T) {
	clk := clock.NewMockClock(epoch)
	rec := &recorder{}

	w, err := New([]*registry.Entry{entry("a", &counting{Base: newBase(t), rec: rec, id: "a"})}, Options{
		ActivationDelay: 10 * time.Second,
		RefreshInterval: 10 * time.Second,
		Clock:           clk,
	})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	require.True(t, clk.BlockUntil(1, time.Second))
	clk.Advance(9 * time.Second)
	assert.Empty(t, rec.snapshot())
	assert.Equal(t, uint64(0), w.Cycles())

	clk.Advance(time.Second)
	require.Eventually(t, func() bool { return w.Cycles() == 1 }, time.Second, time.Millisecond)

	w.Stop()
	require.NoError(t, w.Wait(context.Background()))
}

func TestWatcher_StartTwice(t *testing.T) {
	w, err := New(nil, Options{Clock: clock.NewMockClock(epoch), ActivationDelay: time.Hour})
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	err = w.Start(context.Background())
	assert.True(t, errors.Is(err, ErrAlreadyStarted))

	require.NoError(t, w.Shutdown(context.Background()))
	assert.True(t, errors.Is(w.Start(context.Background()), ErrStopped))
}

func TestWatcher_IdempotentStop(t *testing.T) {
	clk := clock.NewMockClock(epoch)
	w, err := New([]*registry.Entry{entry("a", &counting{Base: newBase(t)})}, Options{Clock: clk})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	require.Eventually(t, func() bool { return w.Cycles() == 1 }, time.Second, time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Stop()
		}()
	}
	wg.Wait()
	w.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, w.Wait(ctx))
	assert.Equal(t, Stopped, w.State())
}

func TestWatcher_StopBeforeStart(t *testing.T) {
	w, err := New(nil, Options{})
	require.NoError(t, err)

	w.Stop()
	w.Stop()

	assert.Equal(t, Stopped, w.State())
	select {
	case <-w.Done():
	default:
		t.Fatal("done should be closed")
	}
}

func TestWatcher_StopDuringWaitIsPrompt(t *testing.T) {
	w, err := New([]*registry.Entry{entry("a", &counting{Base: newBase(t)})}, Options{
		RefreshInterval: 10 * time.Second,
		Clock:           clock.NewRealClock(),
	})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	require.Eventually(t, func() bool { return w.Cycles() == 1 }, time.Second, time.Millisecond)

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, w.Shutdown(ctx))

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, uint64(1), w.Cycles())
}

func TestWatcher_ContextCancelStops(t *testing.T) {
	clk := clock.NewMockClock(epoch)
	w, err := New(nil, Options{Clock: clk, ActivationDelay: time.Hour})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	require.True(t, clk.BlockUntil(1, time.Second))

	cancel()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	require.NoError(t, w.Wait(waitCtx))
	assert.Equal(t, Stopped, w.State())
	assert.Equal(t, uint64(0), w.Cycles())
}

// blocking holds its periodic call until released.
type blocking struct {
	*dropin.Base
	entered chan struct{}
	release chan struct{}
	done    bool
}

func (b *blocking) PeriodicCall(ctx context.Context) error {
	close(b.entered)
	<-b.release
	b.done = ctx.Err() == nil
	return nil
}

func TestWatcher_StopDoesNotInterruptInFlightCall(t *testing.T) {
	b := &blocking{Base: newBase(t), entered: make(chan struct{}), release: make(chan struct{})}
	w, err := New([]*registry.Entry{entry("slow", b)}, Options{Clock: clock.NewMockClock(epoch)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	<-b.entered

	cancel()
	w.Stop()
	assert.Equal(t, Stopping, w.State())

	select {
	case <-w.Done():
		t.Fatal("watcher stopped while a periodic call was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(b.release)
	require.NoError(t, w.Wait(context.Background()))
	assert.True(t, b.done, "periodic call context must not be cancelled")
	assert.Equal(t, uint64(1), w.Cycles())
}

// Three drop-ins: one counting, one always failing, one with no periodic
// implementation. Three cycles later the counter is 3, the failure was logged
// three times and the no-op drop-in is still ready.
func TestScenario_ThreeDropIns(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)
	clk := clock.NewMockClock(epoch)

	p1 := &counting{}
	p3 := &dropin.Base{}

	catalog := dropin.NewCatalog()
	catalog.MustRegister(dropin.Entry{Name: "p1", Factory: func(ctx *dropin.Context) (dropin.DropIn, error) {
		b, err := dropin.NewBase(ctx.Logger, ctx.Registerer, dropin.BaseOptions{ID: "p1"})
		if err != nil {
			return nil, err
		}
		b.MarkReady()
		p1.Base = b
		return p1, nil
	}})
	catalog.MustRegister(dropin.Entry{Name: "p2", Factory: func(ctx *dropin.Context) (dropin.DropIn, error) {
		b, err := dropin.NewBase(ctx.Logger, ctx.Registerer, dropin.BaseOptions{ID: "p2"})
		if err != nil {
			return nil, err
		}
		b.MarkReady()
		return &failing{Base: b}, nil
	}})
	catalog.MustRegister(dropin.Entry{Name: "p3", Factory: func(ctx *dropin.Context) (dropin.DropIn, error) {
		b, err := dropin.NewBase(ctx.Logger, ctx.Registerer, dropin.BaseOptions{ID: "p3"})
		if err != nil {
			return nil, err
		}
		b.MarkReady()
		p3 = b
		return b, nil
	}})

	promReg := prometheus.NewRegistry()
	reg, report := registry.Load(registry.Static("p1", "p2", "p3"), registry.Options{
		Catalog:    catalog,
		Logger:     logger,
		Registerer: promReg,
	})
	require.Equal(t, []string{"p1", "p2", "p3"}, report.Loaded)

	w, err := New(reg.Plugins(), Options{
		ActivationDelay: 10 * time.Second,
		RefreshInterval: 10 * time.Second,
		Clock:           clk,
		Registerer:      promReg,
		Logger:          logger,
	})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	advanceCycles(t, clk, 3, 10*time.Second)
	require.Eventually(t, func() bool { return w.Cycles() == 3 }, time.Second, time.Millisecond)
	require.True(t, clk.BlockUntil(1, time.Second))
	require.NoError(t, w.Shutdown(context.Background()))

	assert.Equal(t, 3.0, p1.n)
	assert.Equal(t, 3.0, p1.Readings().Values["count"])

	failures := logs.FilterMessage("Drop-in encountered an error").FilterField(zap.String("drop_in", "p2"))
	assert.Equal(t, 3, failures.Len())
	assert.Equal(t, 3, logs.FilterMessage("periodic call not implemented").Len())

	assert.Equal(t, dropin.StateReady, p3.State())
	assert.Equal(t, uint64(3), w.Cycles())
	assert.Equal(t, Stopped, w.State())
}
