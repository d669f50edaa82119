// Package forecast holds the sequence regressor and the value scaler used to
// turn a short hourly window into a one-step-ahead temperature forecast.
//
// The regressor is a single-layer LSTM with scalar input and a linear read-out
// of the final hidden state. It is small enough to train in-process one step
// at a time, which is all the forecast cycle needs.
package forecast

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
)

// Regressor is the stateful sequence model behind a forecast.
type Regressor interface {
	// Predict runs a forward pass over one window of normalized values.
	Predict(window []float64) (float64, error)
	// Fit applies one gradient step on a batch and returns the batch loss
	// measured before the update.
	Fit(windows [][]float64, targets []float64) (float64, error)
}

// Gate order inside LSTM.W and LSTM.B.
const (
	gateInput = iota
	gateForget
	gateOutput
	gateCell
	numGates
)

// ErrShape is returned for empty batches or mismatched lengths.
var ErrShape = errors.New("forecast: input shape mismatch")

// LSTM is a single-layer LSTM regressor. Fields are exported for JSON
// persistence; mutate only through Fit.
type LSTM struct {
	Hidden       int           `json:"hidden"`
	LearningRate float64       `json:"learning_rate"`
	ClipNorm     float64       `json:"clip_norm"`
	W            [][][]float64 `json:"w"` // [gate][unit][1+hidden], column 0 is the input weight
	B            [][]float64   `json:"b"` // [gate][unit]
	Wy           []float64     `json:"wy"`
	By           float64       `json:"by"`
	Steps        int64         `json:"steps"`
}

// NewLSTM returns a Glorot-initialised network. The forget gate bias starts
// at 1 so early training does not wipe the cell state.
func NewLSTM(hidden int, learningRate float64, seed int64) *LSTM {
	rng := rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15))
	in := 1 + hidden
	limit := math.Sqrt(6.0 / float64(in+hidden))

	m := &LSTM{
		Hidden:       hidden,
		LearningRate: learningRate,
		ClipNorm:     1.0,
		W:            make([][][]float64, numGates),
		B:            make([][]float64, numGates),
		Wy:           make([]float64, hidden),
	}
	for g := 0; g < numGates; g++ {
		m.W[g] = make([][]float64, hidden)
		m.B[g] = make([]float64, hidden)
		for j := 0; j < hidden; j++ {
			m.W[g][j] = make([]float64, in)
			for k := range m.W[g][j] {
				m.W[g][j][k] = (rng.Float64()*2 - 1) * limit
			}
			if g == gateForget {
				m.B[g][j] = 1
			}
		}
	}
	outLimit := math.Sqrt(6.0 / float64(hidden+1))
	for j := range m.Wy {
		m.Wy[j] = (rng.Float64()*2 - 1) * outLimit
	}
	return m
}

// Validate checks that the persisted dimensions are consistent.
func (m *LSTM) Validate() error {
	if m.Hidden <= 0 || len(m.W) != numGates || len(m.B) != numGates || len(m.Wy) != m.Hidden {
		return fmt.Errorf("%w: bad layer sizes", ErrShape)
	}
	for g := 0; g < numGates; g++ {
		if len(m.W[g]) != m.Hidden || len(m.B[g]) != m.Hidden {
			return fmt.Errorf("%w: gate %d", ErrShape, g)
		}
		for j := 0; j < m.Hidden; j++ {
			if len(m.W[g][j]) != 1+m.Hidden {
				return fmt.Errorf("%w: gate %d unit %d", ErrShape, g, j)
			}
		}
	}
	return nil
}

// Clone returns a deep copy.
func (m *LSTM) Clone() *LSTM {
	c := *m
	c.W = make([][][]float64, len(m.W))
	c.B = make([][]float64, len(m.B))
	for g := range m.W {
		c.W[g] = make([][]float64, len(m.W[g]))
		for j := range m.W[g] {
			c.W[g][j] = append([]float64(nil), m.W[g][j]...)
		}
		c.B[g] = append([]float64(nil), m.B[g]...)
	}
	c.Wy = append([]float64(nil), m.Wy...)
	return &c
}

// step holds the activations of one time step for backpropagation.
type step struct {
	z     []float64 // [x, h_prev]
	gates [numGates][]float64
	cPrev []float64
	c     []float64
	tanhC []float64
	h     []float64
}

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

func (m *LSTM) forward(window []float64) (float64, []step) {
	h := make([]float64, m.Hidden)
	c := make([]float64, m.Hidden)
	steps := make([]step, len(window))

	for t, x := range window {
		s := step{
			z:     make([]float64, 1+m.Hidden),
			cPrev: c,
			c:     make([]float64, m.Hidden),
			tanhC: make([]float64, m.Hidden),
			h:     make([]float64, m.Hidden),
		}
		s.z[0] = x
		copy(s.z[1:], h)

		for g := 0; g < numGates; g++ {
			s.gates[g] = make([]float64, m.Hidden)
			for j := 0; j < m.Hidden; j++ {
				a := m.B[g][j]
				for k, zk := range s.z {
					a += m.W[g][j][k] * zk
				}
				if g == gateCell {
					s.gates[g][j] = math.Tanh(a)
				} else {
					s.gates[g][j] = sigmoid(a)
				}
			}
		}

		for j := 0; j < m.Hidden; j++ {
			s.c[j] = s.gates[gateForget][j]*c[j] + s.gates[gateInput][j]*s.gates[gateCell][j]
			s.tanhC[j] = math.Tanh(s.c[j])
			s.h[j] = s.gates[gateOutput][j] * s.tanhC[j]
		}

		steps[t] = s
		h, c = s.h, s.c
	}

	y := m.By
	for j, hj := range h {
		y += m.Wy[j] * hj
	}
	return y, steps
}

// Predict implements Regressor.
func (m *LSTM) Predict(window []float64) (float64, error) {
	if len(window) == 0 {
		return 0, fmt.Errorf("%w: empty window", ErrShape)
	}
	y, _ := m.forward(window)
	if math.IsNaN(y) || math.IsInf(y, 0) {
		return 0, errors.New("forecast: non-finite prediction")
	}
	return y, nil
}

type grads struct {
	W  [][][]float64
	B  [][]float64
	Wy []float64
	By float64
}

func (m *LSTM) zeroGrads() *grads {
	g := &grads{
		W:  make([][][]float64, numGates),
		B:  make([][]float64, numGates),
		Wy: make([]float64, m.Hidden),
	}
	for k := 0; k < numGates; k++ {
		g.W[k] = make([][]float64, m.Hidden)
		g.B[k] = make([]float64, m.Hidden)
		for j := 0; j < m.Hidden; j++ {
			g.W[k][j] = make([]float64, 1+m.Hidden)
		}
	}
	return g
}

// backward accumulates gradients of dy*y into g through time.
func (m *LSTM) backward(steps []step, dy float64, g *grads) {
	last := steps[len(steps)-1]
	for j := 0; j < m.Hidden; j++ {
		g.Wy[j] += dy * last.h[j]
	}
	g.By += dy

	dh := make([]float64, m.Hidden)
	dc := make([]float64, m.Hidden)
	for j := range dh {
		dh[j] = dy * m.Wy[j]
	}

	var da [numGates][]float64
	for k := range da {
		da[k] = make([]float64, m.Hidden)
	}

	for t := len(steps) - 1; t >= 0; t-- {
		s := steps[t]
		for j := 0; j < m.Hidden; j++ {
			i, f, o, cg := s.gates[gateInput][j], s.gates[gateForget][j], s.gates[gateOutput][j], s.gates[gateCell][j]

			dc[j] += dh[j] * o * (1 - s.tanhC[j]*s.tanhC[j])
			da[gateOutput][j] = dh[j] * s.tanhC[j] * o * (1 - o)
			da[gateInput][j] = dc[j] * cg * i * (1 - i)
			da[gateForget][j] = dc[j] * s.cPrev[j] * f * (1 - f)
			da[gateCell][j] = dc[j] * i * (1 - cg*cg)
			dc[j] *= f
		}

		dz := make([]float64, 1+m.Hidden)
		for k := 0; k < numGates; k++ {
			for j := 0; j < m.Hidden; j++ {
				a := da[k][j]
				g.B[k][j] += a
				for n, zn := range s.z {
					g.W[k][j][n] += a * zn
					dz[n] += m.W[k][j][n] * a
				}
			}
		}
		copy(dh, dz[1:])
	}
}

// Fit implements Regressor with one SGD step on the mean squared error,
// clipping the global gradient norm to ClipNorm.
func (m *LSTM) Fit(windows [][]float64, targets []float64) (float64, error) {
	if len(windows) == 0 || len(windows) != len(targets) {
		return 0, fmt.Errorf("%w: %d windows, %d targets", ErrShape, len(windows), len(targets))
	}

	g := m.zeroGrads()
	n := float64(len(windows))
	var loss float64
	for i, w := range windows {
		if len(w) == 0 {
			return 0, fmt.Errorf("%w: empty window %d", ErrShape, i)
		}
		y, steps := m.forward(w)
		diff := y - targets[i]
		loss += diff * diff / n
		m.backward(steps, 2*diff/n, g)
	}

	scale := 1.0
	if m.ClipNorm > 0 {
		if norm := g.norm(); norm > m.ClipNorm {
			scale = m.ClipNorm / norm
		}
	}
	lr := m.LearningRate * scale

	for k := 0; k < numGates; k++ {
		for j := 0; j < m.Hidden; j++ {
			m.B[k][j] -= lr * g.B[k][j]
			for idx := range m.W[k][j] {
				m.W[k][j][idx] -= lr * g.W[k][j][idx]
			}
		}
	}
	for j := range m.Wy {
		m.Wy[j] -= lr * g.Wy[j]
	}
	m.By -= lr * g.By
	m.Steps++

	return loss, nil
}

func (g *grads) norm() float64 {
	sum := g.By * g.By
	for k := range g.W {
		for j := range g.W[k] {
			sum += g.B[k][j] * g.B[k][j]
			for _, v := range g.W[k][j] {
				sum += v * v
			}
		}
	}
	for _, v := range g.Wy {
		sum += v * v
	}
	return math.Sqrt(sum)
}

// Train runs epochs of single-window SGD over all sliding windows of values
// and returns the mean loss of the last epoch. Used for offline pretraining.
func Train(m Regressor, values []float64, timeSteps, epochs int) (float64, error) {
	windows, targets := SlidingWindows(values, timeSteps)
	if len(windows) == 0 {
		return 0, fmt.Errorf("%w: need more than %d values", ErrShape, timeSteps)
	}

	var last float64
	for e := 0; e < epochs; e++ {
		var sum float64
		for i := range windows {
			l, err := m.Fit(windows[i:i+1], targets[i:i+1])
			if err != nil {
				return 0, err
			}
			sum += l
		}
		last = sum / float64(len(windows))
	}
	return last, nil
}

// SlidingWindows pairs every run of timeSteps consecutive values with the
// value that follows it.
func SlidingWindows(values []float64, timeSteps int) ([][]float64, []float64) {
	if timeSteps <= 0 || len(values) <= timeSteps {
		return nil, nil
	}
	n := len(values) - timeSteps
	windows := make([][]float64, n)
	targets := make([]float64, n)
	for i := 0; i < n; i++ {
		windows[i] = append([]float64(nil), values[i:i+timeSteps]...)
		targets[i] = values[i+timeSteps]
	}
	return windows, targets
}
