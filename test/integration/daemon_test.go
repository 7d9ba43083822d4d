// Package integration runs drop-ins through the watcher, the HTTP API, the
// history store and the Home Assistant mirror together.
package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ancs/internal/api"
	"ancs/internal/clock"
	"ancs/internal/config"
	"ancs/internal/dropins/bme280"
	"ancs/internal/ha"
	"ancs/internal/history"
	"ancs/internal/registry"
	"ancs/internal/watcher"
	"ancs/pkg/dropin"
	"ancs/pkg/testutil"
)

const testToken = "test_token_12345"

// greenhouse is a BME280 whose environment the test controls.
type greenhouse struct {
	mu  *sync.Mutex
	env *bme280.Environment
}

func (g greenhouse) Sense(ctx context.Context) (bme280.Environment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return *g.env, nil
}

func (g greenhouse) Clone() bme280.Sensor { return g }

func (g greenhouse) set(env bme280.Environment) {
	g.mu.Lock()
	*g.env = env
	g.mu.Unlock()
}

type testEnv struct {
	sensor    greenhouse
	metrics   *prometheus.Registry
	watcher   *watcher.Watcher
	api       *httptest.Server
	recorder  *history.Recorder
	ha        *testutil.MockHAServer
	client    *ha.Client
	publisher *ha.Publisher
}

func setupTest(t *testing.T) *testEnv {
	t.Helper()
	t.Setenv(bme280.SeaLevelPressureEnv, "1013.25")
	logger := zap.NewNop()

	env := &testEnv{
		sensor: greenhouse{
			mu:  &sync.Mutex{},
			env: &bme280.Environment{Temperature: 21.46, Humidity: 55.01, Pressure: 1013.25},
		},
		metrics: prometheus.NewRegistry(),
	}

	catalog := dropin.NewCatalog()
	require.NoError(t, catalog.Register(dropin.Entry{
		Name: "bme280",
		Factory: func(ctx *dropin.Context) (dropin.DropIn, error) {
			return bme280.New(ctx, bme280.Options{
				Connect: func(bus, address int) (bme280.Sensor, error) { return env.sensor, nil },
			})
		},
	}))

	reg, report := registry.Load(registry.Static("bme280", "unknown"), registry.Options{
		Catalog:    catalog,
		Logger:     logger,
		Registerer: env.metrics,
	})
	require.Equal(t, []string{"adafruit_bme280"}, report.Loaded)
	t.Cleanup(func() { _ = reg.Close() })

	var err error
	env.watcher, err = watcher.New(reg.Plugins(), watcher.Options{Registerer: env.metrics, Logger: logger})
	require.NoError(t, err)

	store, err := history.Open(filepath.Join(t.TempDir(), "history.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	env.recorder = history.NewRecorder(store, reg.Plugins(), time.Minute, clock.NewRealClock(), logger)

	env.ha = testutil.NewMockHAServer(testToken)
	t.Cleanup(env.ha.Close)
	env.client = ha.NewClient(env.ha.URL(), testToken, logger)
	t.Cleanup(func() { _ = env.client.Disconnect() })
	env.publisher, err = ha.NewPublisher(env.client, reg, ha.PublisherOptions{
		Mappings: []config.EntityMapping{
			{DropIn: "adafruit_bme280", Metric: "temperature", Entity: "input_number.greenhouse_temperature"},
			{DropIn: "adafruit_bme280", Metric: "humidity", Entity: "input_number.greenhouse_humidity"},
		},
		Registerer: env.metrics,
		Logger:     logger,
	})
	require.NoError(t, err)

	server := api.NewServer(api.Options{
		Registry: reg,
		Report:   report,
		Watcher:  env.watcher,
		History:  env.recorder,
		Gatherer: env.metrics,
		Logger:   logger,
	})
	env.api = httptest.NewServer(server.Handler())
	t.Cleanup(env.api.Close)

	return env
}

func (e *testEnv) getJSON(t *testing.T, path string, v interface{}) {
	t.Helper()
	resp, err := http.Get(e.api.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, path)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func gaugeValue(t *testing.T, g prometheus.Gatherer, name string) float64 {
	t.Helper()
	families, err := g.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			require.Len(t, f.GetMetric(), 1)
			return f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestReadingsFlowToEverySink(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()

	env.watcher.Sweep(ctx)

	t.Run("route", func(t *testing.T) {
		var body struct {
			Readings map[string]float64 `json:"readings"`
		}
		env.getJSON(t, "/bme280", &body)
		assert.Equal(t, 21.5, body.Readings["temperature"])
		assert.Equal(t, 55.01, body.Readings["humidity"])
		assert.InDelta(t, 0, body.Readings["altitude"], 0.01)
	})

	t.Run("status", func(t *testing.T) {
		var status api.DropInStatus
		env.getJSON(t, "/api/dropins/adafruit_bme280", &status)
		assert.Equal(t, "bme280", status.Candidate)
		require.NotNil(t, status.LastPoll)
		assert.Empty(t, status.LastPoll.Error)
	})

	t.Run("discovery", func(t *testing.T) {
		var report registry.Report
		env.getJSON(t, "/api/discovery", &report)
		require.Len(t, report.Skipped, 1)
		assert.Equal(t, registry.StageResolve, report.Skipped[0].Stage)
	})

	t.Run("metrics", func(t *testing.T) {
		assert.Equal(t, 21.5, gaugeValue(t, env.metrics, "adafruit_bme280_temperature"))
	})

	t.Run("history", func(t *testing.T) {
		n, err := env.recorder.Snapshot(ctx)
		require.NoError(t, err)
		assert.Equal(t, 4, n)

		var rows []history.Reading
		env.getJSON(t, "/api/dropins/adafruit_bme280/history?limit=10", &rows)
		assert.Len(t, rows, 4)
	})

	t.Run("home assistant", func(t *testing.T) {
		require.NoError(t, env.publisher.Publish(ctx))

		v, ok := env.ha.Number("input_number.greenhouse_temperature")
		require.True(t, ok)
		assert.Equal(t, 21.5, v)
		v, ok = env.ha.Number("input_number.greenhouse_humidity")
		require.True(t, ok)
		assert.Equal(t, 55.01, v)

		calls := testutil.FilterServiceCalls(env.ha.GetServiceCalls(), "input_number", "set_value")
		assert.Len(t, calls, 2)
	})
}

func TestNewReadingsReplaceOldOnes(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()

	env.watcher.Sweep(ctx)
	_, err := env.recorder.Snapshot(ctx)
	require.NoError(t, err)

	env.sensor.set(bme280.Environment{Temperature: 25.04, Humidity: 60, Pressure: 1000})
	env.watcher.Sweep(ctx)
	assert.Equal(t, uint64(2), env.watcher.Cycles())

	require.NoError(t, env.publisher.Publish(ctx))
	v, _ := env.ha.Number("input_number.greenhouse_temperature")
	assert.Equal(t, 25.0, v)

	n, err := env.recorder.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	rows, err := env.recorder.Recent(ctx, "adafruit_bme280", 100)
	require.NoError(t, err)
	assert.Len(t, rows, 8)
}

func TestMirrorReconnectsAfterHomeAssistantRestart(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()

	env.watcher.Sweep(ctx)
	require.NoError(t, env.publisher.Publish(ctx))
	assert.Equal(t, 1, env.ha.Connects())

	env.ha.DropConnections()
	require.Eventually(t, func() bool { return !env.client.IsConnected() }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, env.publisher.Publish(ctx))
	assert.Equal(t, 2, env.ha.Connects())
}

func TestMirrorReportsRejectedEntity(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()

	env.ha.FailEntity("input_number.greenhouse_humidity")
	env.watcher.Sweep(ctx)

	err := env.publisher.Publish(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not_found")

	_, ok := env.ha.Number("input_number.greenhouse_temperature")
	assert.True(t, ok)
	assert.NotNil(t, testutil.FindServiceCallWithEntityID(env.ha.GetServiceCalls(),
		"input_number", "set_value", "input_number.greenhouse_humidity"))
}
