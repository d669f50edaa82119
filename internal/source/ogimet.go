package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/sjdonado/real-time-temp-forecast-baq/internal/metar"
	"github.com/sjdonado/real-time-temp-forecast-baq/internal/models"
	"github.com/sjdonado/real-time-temp-forecast-baq/pkg/logging"
	"github.com/sjdonado/real-time-temp-forecast-baq/pkg/metrics"
)

// maxBodyBytes caps how much of a listing page is read.
const maxBodyBytes = 4 << 20

// Window is the closed UTC interval of reports to request.
type Window struct {
	Begin time.Time
	End   time.Time
}

// NewWindow returns the window of the given length ending at end's hour.
func NewWindow(end time.Time, lookback time.Duration) Window {
	end = end.UTC().Truncate(time.Hour)
	return Window{Begin: end.Add(-lookback), End: end}
}

// Widen pushes the start of the window back by d.
func (w Window) Widen(d time.Duration) Window {
	return Window{Begin: w.Begin.Add(-d), End: w.End}
}

// Hours returns the number of whole hours the window spans.
func (w Window) Hours() int {
	return int(w.End.Sub(w.Begin) / time.Hour)
}

// Fetcher returns the plain text of the report listing for a window. An empty
// string with a nil error means the upstream has no reports for the period.
type Fetcher interface {
	Fetch(ctx context.Context, station string, w Window) (string, error)
}

// OgimetClient fetches listings from the ogimet display_metars2 endpoint.
type OgimetClient struct {
	baseURL string
	client  *Client
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewOgimetClient creates a Fetcher for baseURL.
func NewOgimetClient(baseURL string, client *Client, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *OgimetClient {
	return &OgimetClient{
		baseURL: baseURL,
		client:  client,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// BuildURL renders the query for a station and window. Minutes are fixed to
// :00 on the start hour and :59 on the end hour.
func (o *OgimetClient) BuildURL(station string, w Window) (string, error) {
	u, err := url.Parse(o.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid source url: %w", err)
	}

	b, e := w.Begin.UTC(), w.End.UTC()
	q := url.Values{}
	q.Set("lang", "en")
	q.Set("lugar", station)
	q.Set("tipo", "SA")
	q.Set("ord", "DIR")
	q.Set("nil", "NO")
	q.Set("fmt", "txt")
	q.Set("ano", strconv.Itoa(b.Year()))
	q.Set("mes", strconv.Itoa(int(b.Month())))
	q.Set("day", strconv.Itoa(b.Day()))
	q.Set("hora", strconv.Itoa(b.Hour()))
	q.Set("min", "00")
	q.Set("anof", strconv.Itoa(e.Year()))
	q.Set("mesf", strconv.Itoa(int(e.Month())))
	q.Set("dayf", strconv.Itoa(e.Day()))
	q.Set("horaf", strconv.Itoa(e.Hour()))
	q.Set("minf", "59")
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// Fetch implements Fetcher.
func (o *OgimetClient) Fetch(ctx context.Context, station string, w Window) (string, error) {
	rawURL, err := o.BuildURL(station, w)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}

	start := time.Now()
	resp, err := o.client.Do(req)
	if err != nil {
		o.record("error")
		o.logger.Error(ctx, "[SOURCE_FETCH_ERROR] Report source request failed", logging.Fields{
			"station": station,
			"begin":   w.Begin,
			"end":     w.End,
			"stage":   "FETCH",
		}, err)
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		o.record(strconv.Itoa(resp.StatusCode))
		return "", fmt.Errorf("%w: unexpected status %d", models.ErrSourceUnavailable, resp.StatusCode)
	}

	text, err := ExtractText(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		o.record("decode_error")
		return "", fmt.Errorf("%w: %v", models.ErrSourceUnavailable, err)
	}
	o.record("ok")

	o.logger.Debug(ctx, "[SOURCE_FETCH] Report listing fetched", logging.Fields{
		"station":     station,
		"hours":       w.Hours(),
		"bytes":       len(text),
		"duration_ms": time.Since(start).Milliseconds(),
		"stage":       "FETCH",
	})

	if metar.NoData(text) {
		return "", nil
	}
	return text, nil
}

func (o *OgimetClient) record(status string) {
	if o.metrics != nil {
		o.metrics.RecordSourceRequest(status)
	}
}

// ExtractText returns the visible text of an HTML document, dropping script
// and style elements. Plain text input passes through unchanged.
func ExtractText(r io.Reader) (string, error) {
	root, err := html.Parse(r)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	return sb.String(), nil
}

// FileSource serves a saved listing from disk regardless of window. Used for
// offline replays.
type FileSource struct {
	Path string
}

// Fetch implements Fetcher.
func (f FileSource) Fetch(ctx context.Context, station string, w Window) (string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrSourceUnavailable, err)
	}
	text, err := ExtractText(strings.NewReader(string(data)))
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrSourceUnavailable, err)
	}
	return text, nil
}
