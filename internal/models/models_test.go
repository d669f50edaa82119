package models

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"
)

func hour(h int) time.Time {
	return time.Date(2024, 3, 1, h, 0, 0, 0, time.UTC)
}

func TestNewSeries(t *testing.T) {
	tests := []struct {
		name  string
		input []Observation
		want  []time.Time
		vals  []float64
	}{
		{
			name:  "empty",
			input: nil,
			want:  []time.Time{},
			vals:  []float64{},
		},
		{
			name: "sorts ascending",
			input: []Observation{
				{Timestamp: hour(10), Value: 3},
				{Timestamp: hour(8), Value: 1},
				{Timestamp: hour(9), Value: 2},
			},
			want: []time.Time{hour(8), hour(9), hour(10)},
			vals: []float64{1, 2, 3},
		},
		{
			name: "truncates to hour and keeps first duplicate",
			input: []Observation{
				{Timestamp: hour(8).Add(30 * time.Minute), Value: 1},
				{Timestamp: hour(8).Add(50 * time.Minute), Value: 99},
				{Timestamp: hour(9), Value: 2},
			},
			want: []time.Time{hour(8), hour(9)},
			vals: []float64{1, 2},
		},
		{
			name: "normalizes zone to UTC",
			input: []Observation{
				{Timestamp: time.Date(2024, 3, 1, 3, 0, 0, 0, time.FixedZone("COT", -5*3600)), Value: 7},
			},
			want: []time.Time{hour(8)},
			vals: []float64{7},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSeries(tt.input)
			got := make([]time.Time, 0, len(s))
			for _, o := range s {
				got = append(got, o.Timestamp)
				assert.Equal(t, time.UTC, o.Timestamp.Location())
			}
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.vals, s.Values())
		})
	}
}

func TestSeries_TailInsertContiguous(t *testing.T) {
	s := NewSeries([]Observation{
		{Timestamp: hour(8), Value: 1},
		{Timestamp: hour(9), Value: 2},
		{Timestamp: hour(11), Value: 4},
	})
	assert.False(t, s.Contiguous())

	filled := s.Insert(Observation{Timestamp: hour(10), Value: 3, Synthetic: true})
	assert.True(t, filled.Contiguous())
	assert.Equal(t, []float64{1, 2, 3, 4}, filled.Values())
	assert.Equal(t, 1, filled.SyntheticCount())
	assert.Len(t, s, 3, "insert must not mutate the receiver")

	tail := filled.Tail(2)
	assert.Equal(t, []float64{3, 4}, tail.Values())
	assert.Equal(t, 4, filled.Tail(10).Len())

	dup := filled.Insert(Observation{Timestamp: hour(9), Value: 50})
	assert.Equal(t, filled.Values(), dup.Values())
}

func TestReport_ForecastCelsius(t *testing.T) {
	r := &Report{Forecast: ptr.To(303.15)}
	require.NotNil(t, r.ForecastCelsius())
	assert.InDelta(t, 30.0, *r.ForecastCelsius(), 1e-9)

	assert.Nil(t, (&Report{}).ForecastCelsius())
}

func TestReport_Finalized(t *testing.T) {
	assert.False(t, (&Report{Active: true, Status: StatusRunning}).Finalized())
	assert.True(t, (&Report{Active: false, Status: StatusSucceeded}).Finalized())
	assert.True(t, (&Report{Active: false, Status: StatusFailed}).Finalized())
}

func TestURLValid(t *testing.T) {
	now := hour(12)
	assert.False(t, URLValid(nil, nil, now, time.Minute))
	assert.False(t, URLValid(ptr.To(""), ptr.To(now.Add(time.Hour)), now, time.Minute))
	assert.False(t, URLValid(ptr.To("https://x"), ptr.To(now.Add(30*time.Second)), now, time.Minute))
	assert.True(t, URLValid(ptr.To("https://x"), ptr.To(now.Add(time.Hour)), now, time.Minute))
}

func TestErrorClass(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("fetch: %w", ErrSourceUnavailable), "source_unavailable"},
		{fmt.Errorf("repair: %w", ErrInsufficientHistory), "insufficient_history"},
		{fmt.Errorf("forecast: %w", ErrInvalidWindow), "model_inference"},
		{&RecordParseError{Reason: "time", Record: "x", Err: errors.New("bad")}, "record_parse"},
		{fmt.Errorf("cycle: %w", &PersistenceError{Op: "put", Err: errors.New("denied")}), "persistence"},
		{errors.New("other"), "internal"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorClass(tt.err))
	}
}

func TestSeriesCSV(t *testing.T) {
	s := NewSeries([]Observation{
		{Timestamp: hour(9), Value: 303.15},
		{Timestamp: hour(8), Value: 302.5},
	})

	data, err := s.MarshalCSV()
	require.NoError(t, err)
	assert.Equal(t, "date,air\n2024-03-01 08:00:00,302.5\n2024-03-01 09:00:00,303.15\n", string(data))

	back, err := ParseSeriesCSV(data)
	require.NoError(t, err)
	assert.Equal(t, s.Values(), back.Values())
	assert.True(t, back.First().Timestamp.Equal(hour(8)))

	_, err = ParseSeriesCSV([]byte("when,temp\n"))
	var ve *ValidationError
	assert.True(t, errors.As(err, &ve))

	_, err = ParseSeriesCSV([]byte("date,air\n2024-03-01 08:00:00,warm\n"))
	assert.True(t, errors.As(err, &ve))

	empty, err := ParseSeriesCSV(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMarshalDatasetCSV(t *testing.T) {
	data, err := MarshalDatasetCSV([]StationSeries{
		{Station: "SKBQ", Series: Series{{Timestamp: hour(8), Value: 300}}},
		{Station: "SKCG", Series: Series{{Timestamp: hour(8), Value: 301.5}}},
	})
	require.NoError(t, err)
	assert.Equal(t, "station,date,air\nSKBQ,2024-03-01 08:00:00,300\nSKCG,2024-03-01 08:00:00,301.5\n", string(data))
}
