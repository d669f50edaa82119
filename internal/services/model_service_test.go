package services

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sjdonado/real-time-temp-forecast-baq/internal/forecast"
	"github.com/sjdonado/real-time-temp-forecast-baq/internal/models"
	"github.com/sjdonado/real-time-temp-forecast-baq/pkg/logging"
	"github.com/sjdonado/real-time-temp-forecast-baq/pkg/storage"
)

// flakyStore fails Get until healthy is set.
type flakyStore struct {
	storage.Client
	healthy bool
}

func (f *flakyStore) Get(ctx context.Context, key string) ([]byte, error) {
	if !f.healthy {
		return nil, errors.New("connection reset")
	}
	return f.Client.Get(ctx, key)
}

func TestModelService_BootstrapAndReload(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &scriptedFetcher{})

	assert.False(t, h.models.Loaded())
	require.NoError(t, h.models.EnsureLoaded(ctx))
	assert.True(t, h.models.Loaded())

	for _, key := range []string{"data/model.json.zst", "data/scaler.json"} {
		ok, err := h.store.Exists(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok, key)
		_, err = h.artifacts.Get(ctx, key)
		assert.NoError(t, err, key)
	}

	sc := h.models.Scaler()
	require.NotNil(t, sc)
	assert.InDelta(t, 293.15, sc.DataMin, 1e-9)
	assert.InDelta(t, 309.15, sc.DataMax, 1e-9)

	// Tune in memory, persist, then reload from storage.
	_, err := h.engine.Forecast(ctx, seriesOf(at(8), 303, 303.5, 304, 304.5, 305))
	require.NoError(t, err)
	before, err := h.models.Snapshot()
	require.NoError(t, err)
	require.NoError(t, h.models.Save(ctx))

	require.NoError(t, h.models.Reload(ctx))
	after, err := h.models.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, before.Steps, after.Steps)
	assert.Equal(t, before.Wy, after.Wy)
}

func TestModelService_RetriesFailedLoad(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &scriptedFetcher{})
	store := &flakyStore{Client: h.store}
	svc := NewModelService(store, nil, defaultModelSettings(), logging.NewNopLogger(), h.metrics)

	err := svc.EnsureLoaded(ctx)
	var pe *models.PersistenceError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "load_model", pe.Op)
	assert.False(t, svc.Loaded())

	store.healthy = true
	require.NoError(t, svc.EnsureLoaded(ctx))
	assert.True(t, svc.Loaded())
}

func TestModelService_ReplaceScaler(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &scriptedFetcher{})
	require.NoError(t, h.models.EnsureLoaded(ctx))

	sc, err := forecast.NewMinMaxScaler(290, 310)
	require.NoError(t, err)
	require.NoError(t, h.models.ReplaceScaler(ctx, sc))

	data, err := h.store.Get(ctx, "data/scaler.json")
	require.NoError(t, err)
	decoded, err := forecast.DecodeScaler(data)
	require.NoError(t, err)
	assert.InDelta(t, 290, decoded.DataMin, 1e-9)
	assert.InDelta(t, 310, h.models.Scaler().DataMax, 1e-9)
}

func TestForecastEngine_Deterministic(t *testing.T) {
	ctx := context.Background()
	window := seriesOf(at(8), 302.15, 302.65, 303.15, 303.65, 304.15)

	run := func() *ForecastResult {
		h := newHarness(t, &scriptedFetcher{})
		require.NoError(t, h.models.EnsureLoaded(ctx))
		res, err := h.engine.Forecast(ctx, window)
		require.NoError(t, err)
		return res
	}

	a, b := run(), run()
	assert.Equal(t, a.Value, b.Value)
	assert.Equal(t, a.Loss, b.Loss)
	assert.True(t, a.For.Equal(at(13)))
	assert.False(t, math.IsNaN(a.Value))
}

func TestForecastEngine_TunesSharedModel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &scriptedFetcher{})
	require.NoError(t, h.models.EnsureLoaded(ctx))

	before, err := h.models.Snapshot()
	require.NoError(t, err)

	res, err := h.engine.Forecast(ctx, seriesOf(at(6), 300, 301, 302, 303, 303.15, 303.15, 303.15))
	require.NoError(t, err)
	assert.Equal(t, []float64{302, 303, 303.15, 303.15, 303.15}, res.Window.Values())

	after, err := h.models.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, before.Steps+1, after.Steps)
	assert.NotEqual(t, before.Wy, after.Wy)

	// Inference does not train.
	_, err = h.engine.Infer(ctx, seriesOf(at(8), 303, 303, 303, 303))
	require.NoError(t, err)
	again, err := h.models.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, after.Steps, again.Steps)
}

func TestForecastEngine_InvalidWindow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &scriptedFetcher{})
	require.NoError(t, h.models.EnsureLoaded(ctx))

	_, err := h.engine.Forecast(ctx, seriesOf(at(8), 303, 303, 303, 303))
	assert.ErrorIs(t, err, models.ErrInvalidWindow)

	gappy := append(seriesOf(at(6), 303, 303, 303, 303), models.Observation{Timestamp: at(12), Value: 303})
	_, err = h.engine.Forecast(ctx, gappy)
	assert.ErrorIs(t, err, models.ErrInvalidWindow)

	_, err = h.engine.Infer(ctx, seriesOf(at(8), 303, 303, 303))
	assert.ErrorIs(t, err, models.ErrInvalidWindow)
	assert.Equal(t, "model_inference", models.ErrorClass(err))
}

func TestExecutor_SerialAndDrain(t *testing.T) {
	e := NewExecutor(8, logging.NewNopLogger(), nil)

	release := make(chan struct{})
	var order []int
	var active, maxActive int

	for i := 0; i < 5; i++ {
		i := i
		require.NoError(t, e.Submit(context.Background(), func(context.Context) {
			if i == 0 {
				<-release
			}
			active++
			if active > maxActive {
				maxActive = active
			}
			order = append(order, i)
			active--
		}))
	}

	require.Eventually(t, e.Running, time.Second, time.Millisecond)
	assert.Equal(t, 4, e.Pending())
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Shutdown(ctx))

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	assert.Equal(t, 1, maxActive)
	assert.Zero(t, e.Pending())
	assert.False(t, e.Running())
	assert.ErrorIs(t, e.Submit(context.Background(), func(context.Context) {}), ErrExecutorClosed)
}

func TestExecutor_QueueFullAndPanic(t *testing.T) {
	e := NewExecutor(1, logging.NewNopLogger(), nil)
	defer e.Shutdown(context.Background())

	block := make(chan struct{})
	require.NoError(t, e.Submit(context.Background(), func(context.Context) {
		<-block
		panic("boom")
	}))
	require.Eventually(t, e.Running, time.Second, time.Millisecond)

	ran := make(chan struct{})
	require.NoError(t, e.Submit(context.Background(), func(context.Context) { close(ran) }))
	assert.ErrorIs(t, e.Submit(context.Background(), func(context.Context) {}), ErrQueueFull)

	close(block)
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("job after panic never ran")
	}
}

func TestExecutor_ShutdownTimeout(t *testing.T) {
	e := NewExecutor(1, logging.NewNopLogger(), nil)
	block := make(chan struct{})
	defer close(block)
	require.NoError(t, e.Submit(context.Background(), func(context.Context) { <-block }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.Shutdown(ctx), context.DeadlineExceeded)
}
