package models

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"
)

// CSVTimeLayout is the date column format of series and dataset files.
const CSVTimeLayout = "2006-01-02 15:04:05"

var seriesHeader = []string{"date", "air"}

// MarshalCSV writes the series as date,air rows with a header.
func (s Series) MarshalCSV() ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(seriesHeader); err != nil {
		return nil, err
	}
	for _, o := range s {
		if err := w.Write([]string{
			o.Timestamp.UTC().Format(CSVTimeLayout),
			strconv.FormatFloat(o.Value, 'f', -1, 64),
		}); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// ParseSeriesCSV reads a file written by MarshalCSV.
func ParseSeriesCSV(data []byte) (Series, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = len(seriesHeader)

	header, err := r.Read()
	if err == io.EOF {
		return Series{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read series header: %w", err)
	}
	if header[0] != seriesHeader[0] || header[1] != seriesHeader[1] {
		return nil, &ValidationError{Field: "header", Value: fmt.Sprint(header), Message: "expected date,air"}
	}

	var obs []Observation
	for line := 2; ; line++ {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read series row %d: %w", line, err)
		}
		ts, err := time.ParseInLocation(CSVTimeLayout, rec[0], time.UTC)
		if err != nil {
			return nil, &ValidationError{Field: "date", Value: rec[0], Message: fmt.Sprintf("row %d: %v", line, err)}
		}
		v, err := strconv.ParseFloat(rec[1], 64)
		if err != nil {
			return nil, &ValidationError{Field: "air", Value: rec[1], Message: fmt.Sprintf("row %d: %v", line, err)}
		}
		obs = append(obs, Observation{Timestamp: ts, Value: v})
	}
	return NewSeries(obs), nil
}

// StationSeries is one station's parsed series in a multi-station dataset.
type StationSeries struct {
	Station string
	Series  Series
}

// MarshalDatasetCSV concatenates station series into station,date,air rows.
func MarshalDatasetCSV(sets []StationSeries) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"station", "date", "air"}); err != nil {
		return nil, err
	}
	for _, set := range sets {
		for _, o := range set.Series {
			if err := w.Write([]string{
				set.Station,
				o.Timestamp.UTC().Format(CSVTimeLayout),
				strconv.FormatFloat(o.Value, 'f', -1, 64),
			}); err != nil {
				return nil, err
			}
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}
