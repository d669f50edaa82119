package forecast

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleLoss(m *LSTM, window []float64, target float64) float64 {
	y, _ := m.forward(window)
	return (y - target) * (y - target)
}

func TestLSTM_GradientMatchesFiniteDifference(t *testing.T) {
	m := NewLSTM(4, 0.01, 7)
	window := []float64{0.2, 0.5, 0.4, 0.9}
	target := 0.7

	y, steps := m.forward(window)
	g := m.zeroGrads()
	m.backward(steps, 2*(y-target), g)

	const eps = 1e-6
	check := func(name string, param *float64, analytic float64) {
		orig := *param
		*param = orig + eps
		up := sampleLoss(m, window, target)
		*param = orig - eps
		down := sampleLoss(m, window, target)
		*param = orig
		numeric := (up - down) / (2 * eps)
		assert.InDelta(t, numeric, analytic, 1e-5, name)
	}

	for gate := 0; gate < numGates; gate++ {
		for _, j := range []int{0, 3} {
			for _, k := range []int{0, 2, 4} {
				check("W", &m.W[gate][j][k], g.W[gate][j][k])
			}
			check("B", &m.B[gate][j], g.B[gate][j])
		}
	}
	check("Wy", &m.Wy[1], g.Wy[1])
	check("By", &m.By, g.By)
}

func TestLSTM_CloneIsDeterministic(t *testing.T) {
	base := NewLSTM(8, 0.05, 42)
	a, b := base.Clone(), base.Clone()

	windows := [][]float64{{0.1, 0.2, 0.3, 0.4}}
	targets := []float64{0.5}

	lossA, err := a.Fit(windows, targets)
	require.NoError(t, err)
	lossB, err := b.Fit(windows, targets)
	require.NoError(t, err)
	assert.Equal(t, lossA, lossB)

	pa, err := a.Predict([]float64{0.2, 0.3, 0.4, 0.5})
	require.NoError(t, err)
	pb, err := b.Predict([]float64{0.2, 0.3, 0.4, 0.5})
	require.NoError(t, err)
	assert.Equal(t, pa, pb)

	// The source of the clones was not touched by either fit.
	assert.Zero(t, base.Steps)
	assert.Equal(t, int64(1), a.Steps)
	p0, _ := base.Predict([]float64{0.2, 0.3, 0.4, 0.5})
	assert.NotEqual(t, pa, p0)
}

func TestLSTM_SameSeedSameWeights(t *testing.T) {
	assert.Equal(t, NewLSTM(6, 0.01, 3), NewLSTM(6, 0.01, 3))
	assert.NotEqual(t, NewLSTM(6, 0.01, 3).W, NewLSTM(6, 0.01, 4).W)
}

func TestLSTM_FitShapeErrors(t *testing.T) {
	m := NewLSTM(2, 0.01, 1)
	_, err := m.Fit(nil, nil)
	assert.ErrorIs(t, err, ErrShape)
	_, err = m.Fit([][]float64{{1}}, []float64{1, 2})
	assert.ErrorIs(t, err, ErrShape)
	_, err = m.Predict(nil)
	assert.ErrorIs(t, err, ErrShape)
}

func TestTrain_ReducesLoss(t *testing.T) {
	values := make([]float64, 96)
	for i := range values {
		values[i] = 0.5 + 0.4*math.Sin(2*math.Pi*float64(i)/24)
	}

	m := NewLSTM(8, 0.05, 11)
	first, err := Train(m, values, 4, 1)
	require.NoError(t, err)
	last, err := Train(m, values, 4, 30)
	require.NoError(t, err)

	assert.Less(t, last, first)
}

func TestSlidingWindows(t *testing.T) {
	w, y := SlidingWindows([]float64{1, 2, 3, 4, 5}, 4)
	assert.Equal(t, [][]float64{{1, 2, 3, 4}}, w)
	assert.Equal(t, []float64{5}, y)

	w, y = SlidingWindows([]float64{1, 2, 3, 4}, 4)
	assert.Nil(t, w)
	assert.Nil(t, y)
}

func TestMinMaxScaler(t *testing.T) {
	s := &MinMaxScaler{}
	require.NoError(t, s.Fit([]float64{290, 300, 310}))

	assert.Equal(t, []float64{0, 0.5, 1, 1.5}, s.Transform([]float64{290, 300, 310, 320}))
	assert.InDelta(t, 305.0, s.Inverse(0.75), 1e-9)

	flat := &MinMaxScaler{}
	require.NoError(t, flat.Fit([]float64{300, 300}))
	assert.Equal(t, []float64{0}, flat.Transform([]float64{300}))
	assert.Equal(t, 300.0, flat.Inverse(0))

	assert.Error(t, (&MinMaxScaler{}).Fit(nil))
	_, err := NewMinMaxScaler(10, 10)
	assert.Error(t, err)
}

func TestCodec_RoundTrip(t *testing.T) {
	m := NewLSTM(5, 0.02, 9)
	_, err := m.Fit([][]float64{{0.1, 0.2, 0.3, 0.4}}, []float64{0.5})
	require.NoError(t, err)

	blob, err := EncodeModel(m)
	require.NoError(t, err)

	got, err := DecodeModel(blob)
	require.NoError(t, err)
	assert.Equal(t, m, got)

	_, err = DecodeModel([]byte("not zstd"))
	assert.Error(t, err)

	s, _ := NewMinMaxScaler(293.15, 309.15)
	raw, err := EncodeScaler(s)
	require.NoError(t, err)
	back, err := DecodeScaler(raw)
	require.NoError(t, err)
	assert.Equal(t, s, back)

	_, err = DecodeScaler([]byte(`{"data_min":1,"data_max":2}`))
	assert.Error(t, err)
}
