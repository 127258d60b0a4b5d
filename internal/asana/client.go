// Package asana is a bearer-token client for the Asana REST API.
//
// Every request waits on a shared token bucket, is retried according to a
// RetryPolicy and records one metrics.RecordHTTP observation per attempt.
// Pagination follows the {data, next_page{offset}} envelope strictly
// sequentially.
package asana

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"asanaetl/internal/mapping"
	"asanaetl/internal/metrics"
	"asanaetl/internal/resource"
)

const (
	// DefaultBaseURL is the public Asana API root.
	DefaultBaseURL = "https://app.asana.com/api/1.0"

	DefaultPageLimit         = 100
	DefaultTimeout           = 10 * time.Second
	DefaultRequestsPerSecond = 4

	// maxErrorBody bounds how much of a failed response is kept for messages.
	maxErrorBody = 4 << 10
)

// Client issues paginated GET requests. Construct with NewClient; fields may
// be adjusted before first use.
type Client struct {
	BaseURL   string
	Token     string
	PageLimit int

	HTTP    *http.Client
	Limiter *rate.Limiter
	Retry   RetryPolicy
	Logger  *log.Logger

	// Sleep waits between attempts and returns false when ctx ends first.
	Sleep func(ctx context.Context, d time.Duration) bool
	Now   func() time.Time
}

// NewClient returns a client with the default policy, page limit, timeout and
// a limiter of rps requests per second (<= 0 means DefaultRequestsPerSecond).
func NewClient(baseURL, token string, rps float64) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if rps <= 0 {
		rps = DefaultRequestsPerSecond
	}
	return &Client{
		BaseURL:   baseURL,
		Token:     token,
		PageLimit: DefaultPageLimit,
		HTTP:      newHTTPClient(DefaultTimeout),
		Limiter:   rate.NewLimiter(rate.Limit(rps), burst(rps)),
		Retry:     DefaultRetryPolicy(),
	}
}

func burst(rps float64) int {
	if rps < 1 {
		return 1
	}
	return int(rps)
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			IdleConnTimeout:     90 * time.Second,
			MaxIdleConns:        64,
			MaxIdleConnsPerHost: 32,
		},
	}
}

// SetTimeout replaces the per-request timeout.
func (c *Client) SetTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	if c.HTTP == nil {
		c.HTTP = newHTTPClient(d)
		return
	}
	c.HTTP.Timeout = d
}

func (c *Client) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

// envelope is the Asana response wrapper.
type envelope struct {
	Data     json.RawMessage `json:"data"`
	NextPage *struct {
		Offset string `json:"offset"`
	} `json:"next_page"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Paginate fetches every page of ep and calls fn once per page, in order. kind
// labels metrics and log lines. ep.Query is copied, never modified.
//
// A page whose body is not JSON is logged and treated as empty; since no
// cursor can be read from it, pagination for this request stops there. A
// page without a data field is logged and treated as empty, and pagination
// continues if a cursor is present.
func (c *Client) Paginate(ctx context.Context, kind string, ep resource.Endpoint, fn func(page []map[string]any) error) error {
	q := url.Values{}
	for k, v := range ep.Query {
		q[k] = append([]string(nil), v...)
	}
	limit := c.PageLimit
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	q.Set("limit", strconv.Itoa(limit))

	for {
		body, err := c.get(ctx, kind, ep.Path, q)
		if err != nil {
			return err
		}

		page, next, ok := c.decode(kind, ep.Path, body)
		if err := fn(page); err != nil {
			return err
		}
		if !ok || next == "" {
			return nil
		}
		q.Set("offset", next)
	}
}

// decode parses one page. ok is false when the body could not be parsed at all.
func (c *Client) decode(kind, path string, body []byte) (page []map[string]any, next string, ok bool) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var env envelope
	if err := dec.Decode(&env); err != nil {
		c.logger().Printf("warn: %s: %s: malformed response, treating page as empty: %v", kind, path, err)
		return nil, "", false
	}
	if env.NextPage != nil {
		next = env.NextPage.Offset
	}

	if len(env.Data) == 0 || string(env.Data) == "null" {
		c.logger().Printf("warn: %s: %s: response has no data field, treating page as empty", kind, path)
		return nil, next, true
	}

	ddec := json.NewDecoder(bytes.NewReader(env.Data))
	ddec.UseNumber()
	var data any
	if err := ddec.Decode(&data); err != nil {
		c.logger().Printf("warn: %s: %s: malformed data field, treating page as empty: %v", kind, path, err)
		return nil, next, true
	}
	return mapping.AsRows(data), next, true
}

// get performs one logical request with retries and returns the 2xx body.
func (c *Client) get(ctx context.Context, kind, path string, q url.Values) ([]byte, error) {
	u := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
	if enc := q.Encode(); enc != "" {
		u += "?" + enc
	}

	sleep := c.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	now := c.Now
	if now == nil {
		now = time.Now
	}

	attempts := c.Retry.attempts()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if c.Limiter != nil {
			if err := c.Limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		start := now()
		res := c.doAttempt(ctx, u, path)
		metrics.RecordHTTP(kind, res.status, res.err, now().Sub(start))

		if res.err == nil && res.status >= 200 && res.status < 300 {
			return res.body, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = res.err
		if res.status != 0 {
			lastErr = &APIError{Status: res.status, Path: path, Message: res.message}
			if !c.Retry.retryable(res.status) {
				return nil, lastErr
			}
		}

		if attempt == attempts {
			break
		}
		wait := c.Retry.delay(res.status, attempt, res.retryAfter)
		c.logger().Printf("warn: %s: %s: attempt %d/%d failed (%v), retrying in %s", kind, path, attempt, attempts, lastErr, wait)
		if !sleep(ctx, wait) {
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, lastErr)
}

type attemptResult struct {
	status     int
	body       []byte
	message    string
	retryAfter time.Duration
	err        error
}

func (c *Client) doAttempt(ctx context.Context, u, path string) attemptResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return attemptResult{err: err}
	}
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return attemptResult{err: fmt.Errorf("GET %s: %w", path, err)}
	}
	defer resp.Body.Close()

	res := attemptResult{status: resp.StatusCode}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		res.body, err = io.ReadAll(resp.Body)
		if err != nil {
			// Truncated body: retry like a transport failure.
			return attemptResult{err: fmt.Errorf("GET %s: read body: %w", path, err)}
		}
		return res
	}

	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_, _ = io.Copy(io.Discard, resp.Body)
	res.message = errorMessage(b)
	if resp.StatusCode == http.StatusTooManyRequests {
		now := time.Now
		if c.Now != nil {
			now = c.Now
		}
		res.retryAfter = parseRetryAfter(resp.Header, now())
	}
	return res
}

// errorMessage extracts the first error message from an error envelope, or
// falls back to the trimmed body.
func errorMessage(b []byte) string {
	var env envelope
	if err := json.Unmarshal(b, &env); err == nil && len(env.Errors) > 0 {
		return env.Errors[0].Message
	}
	return strings.TrimSpace(string(b))
}
