package history

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"ancs/internal/clock"
	"ancs/internal/registry"
)

// Recorder periodically copies the latest readings of every observable
// drop-in into a Store. It only reads drop-in state and never calls into a
// drop-in.
type Recorder struct {
	store    *Store
	entries  []*registry.Entry
	interval time.Duration
	clock    clock.Clock
	logger   *zap.Logger

	// last observed_at written per drop-in
	last map[string]time.Time
}

// NewRecorder creates a recorder over entries.
func NewRecorder(store *Store, entries []*registry.Entry, interval time.Duration, clk clock.Clock, logger *zap.Logger) *Recorder {
	if clk == nil {
		clk = clock.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		store:    store,
		entries:  append([]*registry.Entry(nil), entries...),
		interval: interval,
		clock:    clk,
		logger:   logger.Named("history"),
		last:     make(map[string]time.Time),
	}
}

// Run snapshots every interval until ctx is cancelled.
func (r *Recorder) Run(ctx context.Context) error {
	r.logger.Info("History recorder started", zap.Duration("interval", r.interval))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("History recorder stopped")
			return nil
		case <-r.clock.After(r.interval):
			if n, err := r.Snapshot(ctx); err != nil {
				r.logger.Error("Failed to record readings", zap.Error(err))
			} else if n > 0 {
				r.logger.Debug("Readings recorded", zap.Int("count", n))
			}
		}
	}
}

// Snapshot records readings not recorded yet and returns how many rows were
// written.
func (r *Recorder) Snapshot(ctx context.Context) (int, error) {
	var batch []Reading
	seen := make(map[string]time.Time)

	for _, e := range r.entries {
		_, readings, ok := e.Observe()
		if !ok || readings.ObservedAt.IsZero() || len(readings.Values) == 0 {
			continue
		}
		if prev, done := r.last[e.ID()]; done && !readings.ObservedAt.After(prev) {
			continue
		}

		names := make([]string, 0, len(readings.Values))
		for name := range readings.Values {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			batch = append(batch, Reading{
				DropIn:     e.ID(),
				Metric:     name,
				Value:      readings.Values[name],
				ObservedAt: readings.ObservedAt,
			})
		}
		seen[e.ID()] = readings.ObservedAt
	}

	if err := r.store.Append(ctx, batch); err != nil {
		return 0, err
	}
	for id, at := range seen {
		r.last[id] = at
	}
	return len(batch), nil
}

// Recent delegates to the store.
func (r *Recorder) Recent(ctx context.Context, dropIn string, limit int) ([]Reading, error) {
	return r.store.Recent(ctx, dropIn, limit)
}
