package forecast

import (
	"errors"
	"fmt"
	"math"
)

// MinMaxScaler maps values linearly onto [0, 1] using the range seen at fit
// time. Values outside that range map outside [0, 1]; they are not clipped.
type MinMaxScaler struct {
	DataMin float64 `json:"data_min"`
	DataMax float64 `json:"data_max"`
	Fitted  bool    `json:"fitted"`
}

// NewMinMaxScaler returns a scaler with a fixed range.
func NewMinMaxScaler(lo, hi float64) (*MinMaxScaler, error) {
	if !(hi > lo) {
		return nil, fmt.Errorf("forecast: scaler range [%v, %v] is empty", lo, hi)
	}
	return &MinMaxScaler{DataMin: lo, DataMax: hi, Fitted: true}, nil
}

// Fit learns the range from values.
func (s *MinMaxScaler) Fit(values []float64) error {
	if len(values) == 0 {
		return errors.New("forecast: cannot fit scaler on no data")
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range values {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	s.DataMin, s.DataMax, s.Fitted = lo, hi, true
	return nil
}

func (s *MinMaxScaler) scale() float64 {
	if r := s.DataMax - s.DataMin; r != 0 {
		return r
	}
	// A constant training set maps every value to 0 offset.
	return 1
}

// Transform normalizes values into a new slice.
func (s *MinMaxScaler) Transform(values []float64) []float64 {
	out := make([]float64, len(values))
	r := s.scale()
	for i, v := range values {
		out[i] = (v - s.DataMin) / r
	}
	return out
}

// Inverse maps one normalized value back to the original unit.
func (s *MinMaxScaler) Inverse(v float64) float64 {
	return v*s.scale() + s.DataMin
}
