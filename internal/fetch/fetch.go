// Package fetch is the transport collaborator for the verification
// pipeline: it retrieves script resources over HTTP with the exact
// request shape the integrity check requires. GET only, credentials
// omitted (no cookie jar, no Authorization), and no custom headers so
// a preflight is never triggered.
package fetch

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/scriptdigest/internal/log"
	"github.com/keithlinneman/scriptdigest/internal/xerrors"
)

const (
	// DefaultMaxBytes caps how much of a script resource is read.
	DefaultMaxBytes = 10 << 20 // 10 MB

	// DefaultTimeout bounds a whole fetch attempt.
	DefaultTimeout = 30 * time.Second
)

// Outcome is the materialized result of one successful fetch attempt.
// It is produced once and not mutated afterwards; the verifier
// consumes it exactly once. Transport failures, non-success statuses,
// and over-size bodies never produce an Outcome - they surface as an
// error, which the verifier resolves to a network-error reject.
type Outcome struct {
	// Bytes is the exact binary body of the HTTP response. Digests
	// are computed over these bytes, never over a re-decoded text
	// form.
	Bytes []byte

	// Status is the HTTP status code (always 2xx here).
	Status int

	// Header carries the response headers for the sharing check.
	Header http.Header

	// Origin is the origin the resource was ultimately served from,
	// after redirects, as scheme://host[:port].
	Origin string
}

// Metrics receives fetch observability signals.
type Metrics interface {
	ObserveFetchDuration(seconds float64)
	ObserveFetchBytes(n int)
	IncFetchErrors()
}

// Options configures a Client.
type Options struct {
	Logger   log.Logger
	Metrics  Metrics
	Timeout  time.Duration
	MaxBytes int64

	// Transport overrides the base round tripper, for tests. The
	// otelhttp instrumentation wraps it either way.
	Transport http.RoundTripper
}

// Client fetches script resources. Safe for concurrent use.
type Client struct {
	hc       *http.Client
	maxBytes int64
	logger   log.Logger
	metrics  Metrics
}

// NewClient builds a fetch client. The underlying http.Client has no
// cookie jar and follows redirects with the default policy; tracing
// is wired through otelhttp.
func NewClient(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	base := opts.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	return &Client{
		hc: &http.Client{
			Transport: otelhttp.NewTransport(base),
			Timeout:   opts.Timeout,
		},
		maxBytes: opts.MaxBytes,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
}

// Fetch retrieves rawURL with the integrity-check request shape. When
// requestOrigin is non-empty it is sent as the Origin header, which is
// what lets the server grant sharing access; nothing else is added to
// the request. Cancellation of ctx abandons the fetch with no side
// effects.
func (c *Client) Fetch(ctx context.Context, rawURL, requestOrigin string) (*Outcome, error) {
	start := time.Now()
	out, err := c.fetch(ctx, rawURL, requestOrigin)
	if c.metrics != nil {
		c.metrics.ObserveFetchDuration(time.Since(start).Seconds())
		if err != nil {
			c.metrics.IncFetchErrors()
		} else {
			c.metrics.ObserveFetchBytes(len(out.Bytes))
		}
	}
	return out, err
}

func (c *Client) fetch(ctx context.Context, rawURL, requestOrigin string) (*Outcome, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, xerrors.Wrapf(err, "build request for %s", rawURL)
	}
	if requestOrigin != "" {
		req.Header.Set("Origin", requestOrigin)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, xerrors.Wrapf(err, "fetch %s", rawURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// drain a little so the connection can be reused
		_, _ = io.CopyN(io.Discard, resp.Body, 4096)
		return nil, xerrors.Newf("fetch %s: status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, xerrors.Wrapf(err, "read body of %s", rawURL)
	}
	if int64(len(body)) > c.maxBytes {
		return nil, xerrors.Newf("fetch %s: body exceeds %d bytes", rawURL, c.maxBytes)
	}

	origin := ""
	if resp.Request != nil && resp.Request.URL != nil {
		origin = originOf(resp.Request.URL)
	}

	c.logger.Debug(ctx, "fetched script resource",
		"url", rawURL,
		"status", resp.StatusCode,
		"bytes", len(body),
		"origin", origin,
	)

	return &Outcome{
		Bytes:  body,
		Status: resp.StatusCode,
		Header: resp.Header,
		Origin: origin,
	}, nil
}

func originOf(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}
