// Package source fetches raw METAR listings from the upstream report archive.
//
// All outbound requests go through Client, which wraps an *http.Client with a
// circuit breaker and bounded retries so a flapping upstream cannot pile up
// blocked forecast cycles.
package source

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/sjdonado/real-time-temp-forecast-baq/internal/models"
	"github.com/sjdonado/real-time-temp-forecast-baq/pkg/logging"
)

// RetryPolicy configures retries on 429/5xx and transport errors.
type RetryPolicy struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// DefaultRetryPolicy returns the policy used by the server.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		MinWait:    500 * time.Millisecond,
		MaxWait:    8 * time.Second,
	}
}

// Client is a resilient HTTP doer.
type Client struct {
	http      *http.Client
	breaker   *gobreaker.CircuitBreaker[*http.Response]
	retry     RetryPolicy
	userAgent string
	sleep     func(context.Context, time.Duration) error
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithSleepFunc replaces the wait between retries. Tests use it to avoid
// real delays.
func WithSleepFunc(fn func(context.Context, time.Duration) error) ClientOption {
	return func(c *Client) { c.sleep = fn }
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(cb *gobreaker.CircuitBreaker[*http.Response]) ClientOption {
	return func(c *Client) { c.breaker = cb }
}

// NewClient creates a Client with a breaker named after the upstream.
func NewClient(httpClient *http.Client, name string, retry RetryPolicy, userAgent string, opts ...ClientOption) *Client {
	c := &Client{
		http: httpClient,
		breaker: gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Interval:    5 * time.Minute,
			Timeout:     time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		retry:     retry,
		userAgent: userAgent,
		sleep:     sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do sends a GET-style request (no body replay) and returns the first
// response that is neither a 429 nor a 5xx. Exhausted retries and an open
// breaker are reported as models.ErrSourceUnavailable.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if id := logging.CycleID(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}

	var lastErr error
	attempts := 1 + c.retry.MaxRetries
	for attempt := 0; attempt < attempts; attempt++ {
		resp, err := c.breaker.Execute(func() (*http.Response, error) {
			r, doErr := c.http.Do(req)
			if doErr != nil {
				return nil, doErr
			}
			if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
				return r, fmt.Errorf("upstream returned %d", r.StatusCode)
			}
			return r, nil
		})
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}
		if attempt == attempts-1 {
			if resp != nil {
				resp.Body.Close()
			}
			break
		}

		wait := c.backoff(attempt, resp)
		if resp != nil {
			resp.Body.Close()
		}
		if sleepErr := c.sleep(ctx, wait); sleepErr != nil {
			lastErr = sleepErr
			break
		}
	}

	return nil, fmt.Errorf("%w: %v", models.ErrSourceUnavailable, lastErr)
}

// backoff honours Retry-After in seconds, otherwise exponential with jitter
// in [MinWait, min(MaxWait, MinWait*2^attempt)].
func (c *Client) backoff(attempt int, resp *http.Response) time.Duration {
	if resp != nil {
		if s, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && s > 0 {
			return min(time.Duration(s)*time.Second, c.retry.MaxWait)
		}
	}

	lo := float64(c.retry.MinWait)
	hi := math.Min(lo*math.Pow(2, float64(attempt)), float64(c.retry.MaxWait))
	if hi <= lo {
		return c.retry.MinWait
	}
	return time.Duration(lo + rand.Float64()*(hi-lo))
}

// BreakerState exposes the breaker state for health reporting.
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}
