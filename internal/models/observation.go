package models

import (
	"sort"
	"time"
)

// KelvinOffset converts degrees Celsius to Kelvin.
const KelvinOffset = 273.15

// Observation is one hourly temperature reading.
// Timestamp is truncated to the hour and always UTC; Value is in Kelvin.
type Observation struct {
	Timestamp time.Time `json:"date" db:"observed_at"`
	Value     float64   `json:"air" db:"air_kelvin"`
	// Synthetic marks points inserted by gap repair rather than observed.
	Synthetic bool `json:"synthetic,omitempty" db:"-"`
}

// RawReport is a report extracted from the source text before decoding.
type RawReport struct {
	TimeCode string // YYYYMMDDHHMM
	Body     string
}

// Series is an ordered sequence of observations.
type Series []Observation

// NewSeries returns a copy of obs truncated to the hour, deduplicated by hour
// (first occurrence wins) and sorted ascending.
func NewSeries(obs []Observation) Series {
	seen := make(map[int64]struct{}, len(obs))
	out := make(Series, 0, len(obs))
	for _, o := range obs {
		o.Timestamp = o.Timestamp.UTC().Truncate(time.Hour)
		key := o.Timestamp.Unix()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, o)
	}
	out.sortByTime()
	return out
}

func (s Series) sortByTime() {
	sort.SliceStable(s, func(i, j int) bool {
		return s[i].Timestamp.Before(s[j].Timestamp)
	})
}

// Len implements a convenience accessor.
func (s Series) Len() int { return len(s) }

// First returns the earliest observation. The series must not be empty.
func (s Series) First() Observation { return s[0] }

// Last returns the latest observation. The series must not be empty.
func (s Series) Last() Observation { return s[len(s)-1] }

// Tail returns a copy of the last n observations (or all of them).
func (s Series) Tail(n int) Series {
	if n > len(s) {
		n = len(s)
	}
	out := make(Series, n)
	copy(out, s[len(s)-n:])
	return out
}

// Values returns the temperatures in order.
func (s Series) Values() []float64 {
	out := make([]float64, len(s))
	for i, o := range s {
		out[i] = o.Value
	}
	return out
}

// Insert returns a new series with o added at its chronological position.
// An existing observation at the same hour is kept.
func (s Series) Insert(o Observation) Series {
	out := make(Series, 0, len(s)+1)
	out = append(out, s...)
	out = append(out, o)
	return NewSeries(out)
}

// Contiguous reports whether consecutive observations are exactly one hour
// apart.
func (s Series) Contiguous() bool {
	for i := 1; i < len(s); i++ {
		if !s[i].Timestamp.Equal(s[i-1].Timestamp.Add(time.Hour)) {
			return false
		}
	}
	return true
}

// SyntheticCount returns how many points were inserted by gap repair.
func (s Series) SyntheticCount() int {
	n := 0
	for _, o := range s {
		if o.Synthetic {
			n++
		}
	}
	return n
}
