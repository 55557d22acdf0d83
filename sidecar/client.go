// Package sidecar speaks the worker's loopback organize protocol.
//
// A request is a POST of the raw file text. The worker answers with the
// organized text in the body and a short outcome label in a response header.
// Every failure, whether a non-2xx status or a transport fault, is folded into
// the returned Result instead of an error, so a misbehaving worker can never
// fault the caller.
package sidecar

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultHost          = "127.0.0.1"
	DefaultPath          = "/organize"
	DefaultOutcomeHeader = "x-outcome"
	DefaultTimeout       = 60 * time.Second

	// ErrorPrefix starts the outcome of every failed request.
	ErrorPrefix = "Error: "

	requestIDHeader = "X-Request-Id"
)

// Result is the worker's answer to one organize request. Outcome is the
// worker's label mirrored verbatim, or ErrorPrefix followed by a description.
type Result struct {
	Content string
	Outcome string
}

// Failed reports whether the result carries an error outcome.
func (r Result) Failed() bool {
	return strings.HasPrefix(r.Outcome, ErrorPrefix)
}

func errorResult(msg string) Result {
	return Result{Outcome: ErrorPrefix + msg}
}

// Client sends organize requests to a worker on a loopback port.
type Client struct {
	httpClient    *http.Client
	host          string
	path          string
	outcomeHeader string
	timeout       time.Duration
	log           *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. A timeout set with WithTimeout
// still applies, in whichever order the options are given.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithTimeout bounds a single round trip.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		cl.timeout = d
	}
}

// WithHost sets the host the worker listens on.
func WithHost(host string) Option {
	return func(cl *Client) {
		cl.host = host
	}
}

// WithPath sets the organize endpoint path.
func WithPath(path string) Option {
	return func(cl *Client) {
		cl.path = path
	}
}

// WithOutcomeHeader sets the response header carrying the outcome label.
func WithOutcomeHeader(name string) Option {
	return func(cl *Client) {
		cl.outcomeHeader = name
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(cl *Client) {
		cl.log = log
	}
}

// NewClient creates a Client with the default protocol settings.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: &http.Transport{Proxy: nil, MaxIdleConnsPerHost: 4},
		},
		host:          DefaultHost,
		path:          DefaultPath,
		outcomeHeader: DefaultOutcomeHeader,
		log:           slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.timeout > 0 {
		hc := *c.httpClient
		hc.Timeout = c.timeout
		c.httpClient = &hc
	}
	return c
}

func (c *Client) url(port int) string {
	return "http://" + net.JoinHostPort(c.host, strconv.Itoa(port)) + c.path
}

// Submit posts content to the worker listening on port. Cancelling ctx
// abandons the request; the worker itself is unaffected.
func (c *Client) Submit(ctx context.Context, port int, content string) Result {
	id := uuid.New().String()
	log := c.log.With("request_id", id, "port", port)
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(port), strings.NewReader(content))
	if err != nil {
		return errorResult(err.Error())
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	req.Header.Set(requestIDHeader, id)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Warn("organize request failed", "error", err)
		return errorResult(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain so the connection can be reused.
		io.Copy(io.Discard, resp.Body)
		log.Warn("worker returned error status", "status", resp.Status)
		return errorResult(resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Warn("reading organize response failed", "error", err)
		return errorResult(err.Error())
	}

	outcome := resp.Header.Get(c.outcomeHeader)
	log.Debug("organize request complete",
		"outcome", outcome,
		"bytes_in", len(content),
		"bytes_out", len(body),
		"elapsed_ms", time.Since(start).Milliseconds())
	return Result{Content: string(body), Outcome: outcome}
}

// WaitReady polls until the worker accepts TCP connections on port or ctx is
// done. The poll interval backs off from 25ms to 400ms.
func (c *Client) WaitReady(ctx context.Context, port int) error {
	addr := net.JoinHostPort(c.host, strconv.Itoa(port))
	interval := 25 * time.Millisecond
	var dialer net.Dialer

	for {
		dialCtx, cancel := context.WithTimeout(ctx, time.Second)
		conn, err := dialer.DialContext(dialCtx, "tcp", addr)
		cancel()
		if err == nil {
			conn.Close()
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("worker not accepting connections on %s: %w", addr, ctx.Err())
		case <-time.After(interval):
		}
		if interval < 400*time.Millisecond {
			interval *= 2
		}
	}
}

// Close releases idle connections held by the client.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}
