package services

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sjdonado/real-time-temp-forecast-baq/internal/models"
	"github.com/sjdonado/real-time-temp-forecast-baq/internal/source"
	"github.com/sjdonado/real-time-temp-forecast-baq/pkg/logging"
)

// constInferer always predicts the same value.
type constInferer struct {
	value   float64
	windows []models.Series
}

func (c *constInferer) Infer(ctx context.Context, window models.Series) (float64, error) {
	c.windows = append(c.windows, window)
	return c.value, nil
}

func newRepairer(h *harness, inferer Inferer) *GapRepairer {
	return NewGapRepairer(h.fetcher, h.parser, inferer, "SKBQ", 3, logging.NewNopLogger(), h.metrics)
}

func TestFirstGap(t *testing.T) {
	nan := math.NaN()
	assert.Equal(t, -1, firstGap(nil))
	assert.Equal(t, -1, firstGap(seriesOf(at(8), 300, 301, 302)))
	assert.Equal(t, 2, firstGap(seriesOf(at(8), 300, 301, nan, 303)))
	assert.Equal(t, 4, firstGap(seriesOf(at(8), 300, 301, 302, 303, nan, 305)))
}

func TestGapRepairer_ContiguousIsUntouched(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &scriptedFetcher{})
	inf := &constInferer{value: 1}
	r := newRepairer(h, inf)

	in := seriesOf(at(6), 300, 301, 302, 303, 304, 305, 306)
	w := source.NewWindow(at(12), 10*time.Hour)

	out, stats, err := r.Repair(ctx, in, w)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Zero(t, stats.Filled)
	assert.Zero(t, stats.Widenings)
	assert.Zero(t, h.fetcher.calls())
	assert.Empty(t, inf.windows)
}

func TestGapRepairer_FillsGapAfterLookback(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &scriptedFetcher{})
	inf := &constInferer{value: 299.5}
	r := newRepairer(h, inf)

	nan := math.NaN()
	in := seriesOf(at(7), 300, 301, 302, 303, nan, 305)
	out, stats, err := r.Repair(ctx, in, source.NewWindow(at(12), 10*time.Hour))
	require.NoError(t, err)

	require.Len(t, out, 6)
	assert.True(t, out.Contiguous())
	assert.True(t, out.Last().Timestamp.Equal(at(12)))
	assert.Equal(t, 1, stats.Filled)

	filled := out[4]
	assert.True(t, filled.Timestamp.Equal(at(11)))
	assert.True(t, filled.Synthetic)
	assert.InDelta(t, 299.5, filled.Value, 1e-9)

	// Inference ran on the four preceding observed points.
	require.Len(t, inf.windows, 1)
	assert.Equal(t, []float64{300, 301, 302, 303}, inf.windows[0].Values())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.GapsFilledTotal))
}

func TestGapRepairer_FillsConsecutiveGaps(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &scriptedFetcher{})
	r := newRepairer(h, &constInferer{value: 299})

	nan := math.NaN()
	in := seriesOf(at(4), 300, 301, 302, 303, nan, nan, nan, 307)
	out, stats, err := r.Repair(ctx, in, source.NewWindow(at(11), 10*time.Hour))
	require.NoError(t, err)

	assert.Len(t, out, 8)
	assert.True(t, out.Contiguous())
	assert.Equal(t, 3, stats.Filled)
	assert.Equal(t, 3, out.SyntheticCount())
}

func TestGapRepairer_Idempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &scriptedFetcher{})
	r := newRepairer(h, &constInferer{value: 299})

	nan := math.NaN()
	w := source.NewWindow(at(12), 10*time.Hour)
	once, _, err := r.Repair(ctx, seriesOf(at(5), 300, 301, 302, 303, nan, 305, nan, 307), w)
	require.NoError(t, err)
	twice, stats, err := r.Repair(ctx, once, w)
	require.NoError(t, err)

	assert.Equal(t, once, twice)
	assert.Zero(t, stats.Filled)
}

func TestGapRepairer_WidensForEarlyGap(t *testing.T) {
	ctx := context.Background()
	nan := math.NaN()
	// The wider window returns a contiguous run.
	fetcher := &scriptedFetcher{responses: []string{listing(at(3), 27, 27, 28, 28, 29, 29, 30, 30, 30, 30)}}
	h := newHarness(t, fetcher)
	r := newRepairer(h, &constInferer{value: 299})

	w := source.NewWindow(at(12), 10*time.Hour)
	in := seriesOf(at(9), 302, nan, 303, 303)
	out, stats, err := r.Repair(ctx, in, w)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Widenings)
	require.Equal(t, 1, fetcher.calls())
	assert.True(t, fetcher.windows[0].Begin.Equal(w.Begin.Add(-5*time.Hour)))
	assert.True(t, fetcher.windows[0].End.Equal(w.End))
	assert.Len(t, out, 10)
	assert.True(t, out.Contiguous())
	assert.Zero(t, out.SyntheticCount())
}

func TestGapRepairer_InsufficientHistory(t *testing.T) {
	ctx := context.Background()
	fetcher := &scriptedFetcher{responses: []string{listing(at(11), 30, 30)}}
	h := newHarness(t, fetcher)
	r := newRepairer(h, &constInferer{value: 299})

	_, stats, err := r.Repair(ctx, seriesOf(at(11), 303, 303), source.NewWindow(at(12), 10*time.Hour))
	assert.ErrorIs(t, err, models.ErrInsufficientHistory)
	assert.Equal(t, 3, stats.Widenings)
	assert.Equal(t, 3, fetcher.calls())
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.SourceRefetchesTotal))
}

func TestGapRepairer_RefetchFailure(t *testing.T) {
	ctx := context.Background()
	fetcher := &scriptedFetcher{errs: map[int]error{0: errors.New("timeout")}}
	h := newHarness(t, fetcher)
	r := newRepairer(h, &constInferer{value: 299})

	_, _, err := r.Repair(ctx, models.Series{}, source.NewWindow(at(12), 10*time.Hour))
	assert.ErrorIs(t, err, models.ErrSourceUnavailable)
}

func TestGapRepairer_UsesModelInference(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &scriptedFetcher{})
	require.NoError(t, h.models.EnsureLoaded(ctx))
	r := newRepairer(h, h.engine)

	nan := math.NaN()
	out, stats, err := r.Repair(ctx, seriesOf(at(7), 303.15, 303.15, 303.15, 303.15, nan, 303.15), source.NewWindow(at(12), 10*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Filled)
	assert.True(t, out[4].Synthetic)
	assert.Greater(t, out[4].Value, 250.0)
	assert.Less(t, out[4].Value, 320.0)
}

func TestGapRepairer_ExtendsToWindowEnd(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &scriptedFetcher{})
	inf := &constInferer{value: 299}
	r := newRepairer(h, inf)

	// Newest two hours of the window have no report.
	out, stats, err := r.Repair(ctx, seriesOf(at(6), 300, 301, 302, 303, 304), source.NewWindow(at(12), 10*time.Hour))
	require.NoError(t, err)

	require.Len(t, out, 7)
	assert.True(t, out.Contiguous())
	assert.True(t, out.Last().Timestamp.Equal(at(12)))
	assert.Equal(t, 2, stats.Filled)
	assert.Zero(t, stats.Widenings)
	assert.Zero(t, h.fetcher.calls())
	assert.True(t, out[5].Synthetic)
	assert.True(t, out[6].Synthetic)

	require.Len(t, inf.windows, 2)
	assert.Equal(t, []float64{301, 302, 303, 304}, inf.windows[0].Values())
	assert.Equal(t, []float64{302, 303, 304, 299}, inf.windows[1].Values())
}

func TestGapRepairer_ExtendsShortRunWithoutRefetch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &scriptedFetcher{})
	r := newRepairer(h, &constInferer{value: 299})

	out, stats, err := r.Repair(ctx, seriesOf(at(8), 300, 301, 302, 303), source.NewWindow(at(12), 10*time.Hour))
	require.NoError(t, err)

	assert.Len(t, out, WindowSize)
	assert.True(t, out.Last().Timestamp.Equal(at(12)))
	assert.Equal(t, 1, stats.Filled)
	assert.Zero(t, h.fetcher.calls())
}

func TestGapRepairer_KeepsReportsNewerThanWindow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &scriptedFetcher{})
	inf := &constInferer{value: 299}
	r := newRepairer(h, inf)

	in := seriesOf(at(8), 300, 301, 302, 303, 304, 305)
	out, stats, err := r.Repair(ctx, in, source.NewWindow(at(12), 10*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Zero(t, stats.Filled)
	assert.Empty(t, inf.windows)
}
