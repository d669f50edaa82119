// Package metar turns the plain-text report listing served by the source into
// an hourly temperature series.
package metar

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sjdonado/real-time-temp-forecast-baq/internal/models"
	"github.com/sjdonado/real-time-temp-forecast-baq/pkg/logging"
	"github.com/sjdonado/real-time-temp-forecast-baq/pkg/metrics"
)

// TimeCodeLayout is the layout of the 12-digit prefix the source puts in
// front of every report.
const TimeCodeLayout = "200601021504"

var (
	multiSpace = regexp.MustCompile(`\s\s+`)
	reportRe   = regexp.MustCompile(`(\d{12})\s+(?:METAR|SPECI)\s+([^=]*)=`)

	// RMK T-group, tenths of a degree: T<sign><ttt><sign><ddd>.
	tGroupRe = regexp.MustCompile(`\bT([01])(\d{3})([01])(\d{3})\b`)
	// Body temperature/dew point group, e.g. 30/22, M01/M03, 12///.
	tempRe = regexp.MustCompile(`(?:^|\s)(M?\d{2})/(M?\d{2}|//)?(?:\s|$)`)

	noDataMarkers = []string{"No hay METAR/SPECI", "No METAR/SPECI"}
)

// NoData reports whether text is the source's "nothing in this period" page.
func NoData(text string) bool {
	for _, m := range noDataMarkers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

// ExtractReports finds every METAR/SPECI report in text. Runs of whitespace
// are collapsed first so reports wrapped over several lines match as one.
// Reports whose body contains a comma are discarded.
func ExtractReports(text string) []models.RawReport {
	text = multiSpace.ReplaceAllString(text, " ")

	matches := reportRe.FindAllStringSubmatch(text, -1)
	out := make([]models.RawReport, 0, len(matches))
	for _, m := range matches {
		body := strings.TrimSpace(m[2])
		if strings.Contains(body, ",") {
			continue
		}
		out = append(out, models.RawReport{TimeCode: m[1], Body: body})
	}
	return out
}

// DecodeTemperature returns the air temperature of a report body in degrees
// Celsius. The RMK T-group is preferred for its 0.1 degree precision.
func DecodeTemperature(body string) (float64, error) {
	head, remarks := body, ""
	if idx := strings.Index(body, " RMK "); idx >= 0 {
		head, remarks = body[:idx], body[idx+5:]
	}

	if m := tGroupRe.FindStringSubmatch(remarks); m != nil {
		tenths, err := strconv.Atoi(m[2])
		if err == nil {
			c := float64(tenths) / 10
			if m[1] == "1" {
				c = -c
			}
			return c, nil
		}
	}

	m := tempRe.FindStringSubmatch(head)
	if m == nil {
		return 0, models.ErrNoTemperature
	}
	return parseSigned(m[1])
}

func parseSigned(s string) (float64, error) {
	neg := strings.HasPrefix(s, "M")
	n, err := strconv.Atoi(strings.TrimPrefix(s, "M"))
	if err != nil {
		return 0, fmt.Errorf("temperature %q: %w", s, err)
	}
	if neg {
		n = -n
	}
	return float64(n), nil
}

// Parser decodes source text into an hourly series.
type Parser struct {
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// ParseStats summarizes one Parse call.
type ParseStats struct {
	Reports int
	Decoded int
	Dropped int
}

// NewParser creates a parser. metricsCollector may be nil.
func NewParser(logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *Parser {
	return &Parser{logger: logger, metrics: metricsCollector}
}

// Parse decodes every report in text. Undecodable records are logged and
// skipped; they never fail the batch. The result is hour-truncated,
// deduplicated (first occurrence wins) and ascending.
func (p *Parser) Parse(ctx context.Context, text string) (models.Series, ParseStats) {
	var stats ParseStats
	if text == "" || NoData(text) {
		return models.Series{}, stats
	}

	raw := ExtractReports(text)
	stats.Reports = len(raw)

	obs := make([]models.Observation, 0, len(raw))
	for _, r := range raw {
		o, err := decode(r)
		if err != nil {
			stats.Dropped++
			p.recordDrop(ctx, err)
			continue
		}
		obs = append(obs, o)
	}

	series := models.NewSeries(obs)
	stats.Decoded = len(obs)
	if p.metrics != nil {
		p.metrics.ObservationsParsed.Add(float64(len(obs)))
	}

	p.logger.Debug(ctx, "[PARSE_COMPLETE] Reports decoded", logging.Fields{
		"reports": stats.Reports,
		"decoded": stats.Decoded,
		"dropped": stats.Dropped,
		"hours":   len(series),
		"stage":   "PARSE",
	})

	return series, stats
}

func decode(r models.RawReport) (models.Observation, error) {
	ts, err := time.ParseInLocation(TimeCodeLayout, r.TimeCode, time.UTC)
	if err != nil {
		return models.Observation{}, &models.RecordParseError{Reason: "time", Record: r.TimeCode + " " + r.Body, Err: err}
	}

	celsius, err := DecodeTemperature(r.Body)
	if err != nil {
		return models.Observation{}, &models.RecordParseError{Reason: "temperature", Record: r.TimeCode + " " + r.Body, Err: err}
	}

	return models.Observation{Timestamp: ts, Value: celsius + models.KelvinOffset}, nil
}

func (p *Parser) recordDrop(ctx context.Context, err error) {
	reason := "unknown"
	record := ""
	if pe, ok := err.(*models.RecordParseError); ok {
		reason = pe.Reason
		record = pe.Record
	}
	if p.metrics != nil {
		p.metrics.RecordParseError(reason)
	}
	p.logger.Warn(ctx, "[PARSE_SKIP] Dropping undecodable report", logging.Fields{
		"reason": reason,
		"record": record,
		"error":  err.Error(),
		"stage":  "PARSE",
	})
}
