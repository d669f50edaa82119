package metar

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sjdonado/real-time-temp-forecast-baq/internal/models"
	"github.com/sjdonado/real-time-temp-forecast-baq/pkg/logging"
	"github.com/sjdonado/real-time-temp-forecast-baq/pkg/metrics"
)

func report(ts string, body string) string {
	return fmt.Sprintf("%s METAR %s=\n", ts, body)
}

func TestExtractReports(t *testing.T) {
	text := "#  SKBQ, Barranquilla\n" +
		report("202403010800", "SKBQ 010800Z 06010KT 9999 FEW020 30/22 Q1012 NOSIG") +
		"202403010900 SPECI SKBQ 010900Z 07012KT\n            9999 SCT020 31/22 Q1011=\n" +
		report("202403011000", "SKBQ 011000Z 07012KT 9999, SCT020 31/22 Q1011")

	got := ExtractReports(text)
	require.Len(t, got, 2)
	assert.Equal(t, "202403010800", got[0].TimeCode)
	assert.Equal(t, "SKBQ 010800Z 06010KT 9999 FEW020 30/22 Q1012 NOSIG", got[0].Body)
	assert.Equal(t, "202403010900", got[1].TimeCode)
	assert.Equal(t, "SKBQ 010900Z 07012KT 9999 SCT020 31/22 Q1011", got[1].Body)
}

func TestDecodeTemperature(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    float64
		wantErr error
	}{
		{name: "standard group", body: "SKBQ 010800Z 06010KT 9999 FEW020 30/22 Q1012", want: 30},
		{name: "negative", body: "KJFK 011251Z 33012KT 10SM FEW250 M05/M17 A3042", want: -5},
		{name: "missing dew point", body: "SKBQ 010800Z 06010KT 9999 28/// Q1012", want: 28},
		{name: "remark precision wins", body: "KJFK 011251Z 33012KT 10SM 22/12 A3001 RMK AO2 SLP162 T02171122", want: 21.7},
		{name: "negative remark", body: "KORD 011251Z 27008KT 10SM M03/M08 A3020 RMK AO2 T10281083", want: -2.8},
		{name: "rvr is not temperature", body: "SKBQ 010800Z 06010KT R04/P1500 NOSIG", wantErr: models.ErrNoTemperature},
		{name: "nil report", body: "SKBQ 010800Z NIL", wantErr: models.ErrNoTemperature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeTemperature(tt.body)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr))
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestParser_SkipsBadRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewCollector("test", reg)
	p := NewParser(logging.NewNopLogger(), m)

	var sb strings.Builder
	for h := 0; h < 10; h++ {
		ts := fmt.Sprintf("20240301%02d00", h+2)
		body := fmt.Sprintf("SKBQ 01%02d00Z 06010KT 9999 FEW020 %02d/22 Q1012", h+2, 25+h)
		switch h {
		case 3:
			ts = "202413010500" // month 13
		case 6:
			body = "SKBQ 010800Z 06010KT 9999 FEW020 Q1012"
		}
		sb.WriteString(report(ts, body))
	}

	series, stats := p.Parse(context.Background(), sb.String())

	assert.Equal(t, 10, stats.Reports)
	assert.Equal(t, 8, stats.Decoded)
	assert.Equal(t, 2, stats.Dropped)
	require.Len(t, series, 8)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ParseErrorsTotal.WithLabelValues("time")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ParseErrorsTotal.WithLabelValues("temperature")))
	assert.Equal(t, 8.0, testutil.ToFloat64(m.ObservationsParsed))

	assert.Equal(t, time.Date(2024, 3, 1, 2, 0, 0, 0, time.UTC), series.First().Timestamp)
	assert.InDelta(t, 25+models.KelvinOffset, series.First().Value, 1e-9)
}

func TestParser_DedupesAndSorts(t *testing.T) {
	p := NewParser(logging.NewNopLogger(), nil)

	text := report("202403011100", "SKBQ 011100Z 06010KT 9999 32/22 Q1012") +
		report("202403010800", "SKBQ 010800Z 06010KT 9999 29/22 Q1012") +
		report("202403010830", "SKBQ 010830Z 06010KT 9999 40/22 Q1012") +
		report("202403010900", "SKBQ 010900Z 06010KT 9999 30/22 Q1012")

	series, _ := p.Parse(context.Background(), text)
	require.Len(t, series, 3)

	for i := 1; i < len(series); i++ {
		assert.True(t, series[i-1].Timestamp.Before(series[i].Timestamp))
	}
	// 08:30 collapses into 08:00; the first occurrence (29 C) is kept.
	assert.InDelta(t, 29+models.KelvinOffset, series[0].Value, 1e-9)
}

func TestParser_EmptyInputs(t *testing.T) {
	p := NewParser(logging.NewNopLogger(), nil)

	series, stats := p.Parse(context.Background(), "")
	assert.Empty(t, series)
	assert.Zero(t, stats.Reports)

	series, _ = p.Parse(context.Background(), "No hay METAR/SPECI de SKBQ en el periodo solicitado")
	assert.Empty(t, series)
}
