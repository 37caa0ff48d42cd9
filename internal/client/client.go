// Package client implements the thin Async client (spec.md §4.9): version
// lookup, Process submission with bounded exponential backoff, a pull-based
// response iterator, and an error-raising helper. Retry/backoff shaped
// after arkeep's agent/internal/connection reconnection loop
// (backoffInitial/backoffMax/backoffFactor + jitter), adapted from a
// persistent-connection retry into a bounded per-call retry budget.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/dfm-io/dfm/internal/dfmerr"
	"github.com/dfm-io/dfm/internal/ir"
	"github.com/dfm-io/dfm/internal/response"
)

const (
	backoffInitial = 200 * time.Millisecond
	backoffMax     = 5 * time.Second
	backoffFactor  = 2.0
	// jitterFraction adds up to ±20% random jitter to each backoff interval
	// to avoid lockstep retries when many clients hit a transient outage at
	// once.
	jitterFraction = 0.2
)

// Config configures a Client.
type Config struct {
	// BaseURL is the Process service's root, e.g. "http://localhost:8080".
	BaseURL string
	// AuthHeader and AuthToken set the shared-credential header spec.md §6
	// describes ("Header X-DFM-Auth (name configurable)"); leave both empty
	// to omit the header entirely.
	AuthHeader string
	AuthToken  string
	// RequestTimeout bounds each individual HTTP round trip. Defaults to
	// 10s.
	RequestTimeout time.Duration
	// MaxRetries bounds Process's retry ceiling on transport errors.
	// Defaults to 5.
	MaxRetries int
	// PollInterval is how long Responses sleeps after a 204 before polling
	// again. Defaults to 500ms.
	PollInterval time.Duration
	// PageSize is the size= query parameter Responses requests per page.
	// Defaults to 50.
	PageSize int
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.PageSize <= 0 {
		c.PageSize = 50
	}
	return c
}

// Client is the thin HTTP client spec.md §4.9 describes.
type Client struct {
	cfg  Config
	http *http.Client
}

// New builds a Client against cfg.
func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.RequestTimeout},
	}
}

type versionBody struct {
	Version string `json:"version"`
	Name    string `json:"name"`
}

// Version calls GET /version.
func (c *Client) Version(ctx context.Context) (name, version string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/version", nil)
	if err != nil {
		return "", "", err
	}
	c.applyAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", statusErr(resp)
	}
	var v versionBody
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return "", "", err
	}
	return v.Name, v.Version, nil
}

// Process posts p to POST /process?mode=execute|discovery and returns the
// assigned request id. Transport-level failures (no response at all, or a
// 5xx) are retried with exponential-ish backoff up to cfg.MaxRetries
// times after the first attempt; a 4xx is returned immediately since retrying it would never
// succeed.
func (c *Client) Process(ctx context.Context, p *ir.Process, discovery bool) (string, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	mode := "execute"
	if discovery {
		mode = "discovery"
	}
	url := fmt.Sprintf("%s/process?mode=%s", c.cfg.BaseURL, mode)

	backoff := backoffInitial
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(jitter(backoff)):
			case <-ctx.Done():
				return "", ctx.Err()
			}
			backoff = nextBackoff(backoff)
		}

		requestID, retryable, err := c.processOnce(ctx, url, body)
		if err == nil {
			return requestID, nil
		}
		lastErr = err
		if !retryable {
			return "", err
		}
	}
	return "", fmt.Errorf("client: process: exhausted %d retries: %w", c.cfg.MaxRetries, lastErr)
}

func (c *Client) processOnce(ctx context.Context, url string, body []byte) (requestID string, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.applyAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", true, statusErr(resp)
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, statusErr(resp)
	}

	var out struct {
		RequestID string `json:"request_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", false, err
	}
	return out.RequestID, false, nil
}

// Options configures a Responses iteration.
type Options struct {
	// StopNodeIDs is the set of node ids the iterator watches; once every
	// one of them has produced at least one Value response the iterator
	// terminates. A nil/empty set means "iterate until the caller stops".
	StopNodeIDs []string
	// ReturnErrors includes Error responses in the yielded sequence when
	// true; otherwise they're consumed silently (still counted for
	// completion bookkeeping... errors don't satisfy a stop node, only
	// Values do).
	ReturnErrors bool
	// ReturnStatuses includes Status and Heartbeat responses when true.
	ReturnStatuses bool
}

// Iterator is the pull-based response cursor spec.md §4.9 describes:
// "an asynchronous iterator ... yields null when the server says 204".
type Iterator struct {
	c         *Client
	requestID string
	opts      Options
	index     int
	pending   []string // remaining stop node ids not yet satisfied
	done      bool
}

// Responses starts a new Iterator over requestID's response stream.
func (c *Client) Responses(requestID string, opts Options) *Iterator {
	pending := append([]string(nil), opts.StopNodeIDs...)
	return &Iterator{c: c, requestID: requestID, opts: opts, pending: pending}
}

// Next returns the next Response to deliver, (nil, nil) if the server
// currently has nothing new (caller MAY sleep — Next already paused
// cfg.PollInterval before returning this), or (nil, io.EOF) once every stop
// node id has produced a Value response.
func (it *Iterator) Next(ctx context.Context) (*response.Response, error) {
	if it.done {
		return nil, io.EOF
	}
	for {
		page, err := it.fetchPage(ctx)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			select {
			case <-time.After(it.c.cfg.PollInterval):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return nil, nil
		}

		for _, r := range page {
			it.index++
			it.observe(r)
			if !it.passesFilter(r) {
				continue
			}
			if it.satisfied() {
				it.done = true
			}
			return &r, nil
		}
		if it.satisfied() {
			it.done = true
			return nil, io.EOF
		}
	}
}

func (it *Iterator) fetchPage(ctx context.Context) ([]response.Response, error) {
	url := fmt.Sprintf("%s/request/responses/%s?index=%d&size=%d",
		it.c.cfg.BaseURL, it.requestID, it.index, it.c.cfg.PageSize)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	it.c.applyAuth(req)

	resp, err := it.c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusErr(resp)
	}
	var page []response.Response
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, err
	}
	return page, nil
}

// observe removes r's node id from the pending stop set once it has
// produced a Value response (spec.md §4.9: "the set shrinks as they do").
func (it *Iterator) observe(r response.Response) {
	if !r.IsTerminalValue() {
		return
	}
	for i, id := range it.pending {
		if id == r.NodeID {
			it.pending = append(it.pending[:i], it.pending[i+1:]...)
			return
		}
	}
}

func (it *Iterator) satisfied() bool {
	return len(it.opts.StopNodeIDs) > 0 && len(it.pending) == 0
}

func (it *Iterator) passesFilter(r response.Response) bool {
	switch r.Body.(type) {
	case response.Error:
		return it.opts.ReturnErrors
	case response.Status, response.Heartbeat:
		return it.opts.ReturnStatuses
	default:
		return true
	}
}

// RaiseOnError returns an error built from r when r's body is an Error
// response, nil otherwise (spec.md §4.9: "throws when the response body is
// Error").
func RaiseOnError(r response.Response) error {
	e, ok := r.Body.(response.Error)
	if !ok {
		return nil
	}
	if e.Traceback != "" {
		return fmt.Errorf("client: request error (status %d): %s\n%s", e.HTTPStatusCode, e.Message, e.Traceback)
	}
	return fmt.Errorf("client: request error (status %d): %s", e.HTTPStatusCode, e.Message)
}

func (c *Client) applyAuth(req *http.Request) {
	if c.cfg.AuthHeader == "" || c.cfg.AuthToken == "" {
		return
	}
	req.Header.Set(c.cfg.AuthHeader, c.cfg.AuthToken)
}

func statusErr(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	return dfmerr.FromError(fmt.Errorf("client: unexpected status %d: %s", resp.StatusCode, string(data)))
}

// nextBackoff returns the next backoff duration, capped at backoffMax.
func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}

// jitter adds a random ±jitterFraction perturbation to d.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return d + time.Duration(offset)
}
