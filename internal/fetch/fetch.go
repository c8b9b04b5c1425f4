// Package fetch retrieves upstream resources, walking the mirror candidates
// with a bounded number of attempts per candidate.
package fetch

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"golang.org/x/time/rate"

	"github.com/agleyzer/hlsrelay/internal/metrics"
	"github.com/agleyzer/hlsrelay/internal/mirror"
	"github.com/agleyzer/hlsrelay/internal/upstream"
)

const (
	DefaultRetries = 3

	transportStreamType = "video/mp2t"
	defaultContentType  = "application/octet-stream"
)

// ErrNotFound is returned when no candidate and attempt succeeded.
var ErrNotFound = errors.New("all upstream attempts failed")

// Error reports an exhausted fetch.
type Error struct {
	URL      string
	Attempts int
	// LastStatus is the status of the last response received, 0 if none.
	LastStatus int
	Last       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fetch %s: %d attempts failed: %v", e.URL, e.Attempts, e.Last)
}

func (e *Error) Unwrap() error { return ErrNotFound }

// AuthFailure reports whether the final attempt was rejected as unauthorized.
func (e *Error) AuthFailure() bool {
	return e.LastStatus == http.StatusUnauthorized || e.LastStatus == http.StatusForbidden
}

// Options tunes retry and pacing behavior.
type Options struct {
	// Retries is the number of attempts per mirror candidate.
	Retries int
	// RetryDelay is waited before every attempt after the first.
	RetryDelay time.Duration
	// RateLimit caps outbound requests per second; zero disables the limit.
	RateLimit float64
	// Burst is the limiter burst size, at least 1.
	Burst int
}

// Resource is a successfully fetched upstream payload.
type Resource struct {
	// URL is the candidate that answered.
	URL         string
	Status      int
	ContentType string
	Header      http.Header
	Body        []byte
}

// Fetcher performs upstream GETs with mirror fallback.
type Fetcher struct {
	client   *http.Client
	resolver *mirror.Resolver
	header   http.Header
	opts     Options
	limiter  *rate.Limiter
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a Fetcher. header is the shared header set sent on every attempt.
func New(client *http.Client, resolver *mirror.Resolver, header http.Header, opts Options, m *metrics.Metrics, logger *slog.Logger) *Fetcher {
	if client == nil {
		client = upstream.NewClient(0)
	}
	if opts.Retries <= 0 {
		opts.Retries = DefaultRetries
	}
	if opts.Burst < 1 {
		opts.Burst = 1
	}
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	return &Fetcher{
		client:   client,
		resolver: resolver,
		header:   header,
		opts:     opts,
		limiter:  rate.NewLimiter(limit, opts.Burst),
		metrics:  m,
		logger:   logger,
	}
}

// Fetch GETs rawURL, trying each mirror candidate up to Retries times and
// returning the first success. extra headers (for example Range) are added
// to every attempt. cookie is sent as the Cookie header when non-empty.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, cookie string, extra http.Header) (*Resource, error) {
	var (
		attempts   int
		lastStatus int
		last       error
	)

	for _, candidate := range f.resolver.Resolve(rawURL) {
		for attempt := 1; attempt <= f.opts.Retries; attempt++ {
			if attempts > 0 && f.opts.RetryDelay > 0 {
				select {
				case <-ctx.Done():
					return nil, f.exhausted(rawURL, attempts, lastStatus, ctx.Err())
				case <-time.After(f.opts.RetryDelay):
				}
			}
			attempts++

			f.logger.Debug("fetching", "url", candidate, "attempt", attempt)
			res, err := f.attempt(ctx, candidate, cookie, extra)
			if err == nil {
				f.metrics.UpstreamAttempt("ok")
				f.metrics.Fetch("ok")
				f.logger.Debug("fetched",
					"url", candidate,
					"status", res.Status,
					"contentType", res.ContentType,
					"size", len(res.Body),
				)
				return res, nil
			}

			f.metrics.UpstreamAttempt("error")
			f.logger.Error("fetch attempt failed", "url", candidate, "attempt", attempt, "error", err)
			last = err
			var te *upstream.TransportError
			if errors.As(err, &te) && te.Status != 0 {
				lastStatus = te.Status
			}
			if ctx.Err() != nil {
				return nil, f.exhausted(rawURL, attempts, lastStatus, ctx.Err())
			}
		}
	}

	return nil, f.exhausted(rawURL, attempts, lastStatus, last)
}

func (f *Fetcher) exhausted(rawURL string, attempts, lastStatus int, last error) error {
	f.metrics.Fetch("error")
	f.logger.Error("all attempts failed", "url", rawURL, "attempts", attempts)
	return &Error{URL: rawURL, Attempts: attempts, LastStatus: lastStatus, Last: last}
}

func (f *Fetcher) attempt(ctx context.Context, target, cookie string, extra http.Header) (*Resource, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &upstream.TransportError{URL: target, Err: err}
	}
	for k, v := range f.header {
		req.Header[k] = append([]string(nil), v...)
	}
	if cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
	for k, v := range extra {
		req.Header[k] = append([]string(nil), v...)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &upstream.TransportError{URL: target, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &upstream.TransportError{URL: target, Status: resp.StatusCode}
	}

	body, err := readBody(resp)
	if err != nil {
		return nil, &upstream.TransportError{URL: target, Status: resp.StatusCode, Err: err}
	}

	return &Resource{
		URL:         target,
		Status:      resp.StatusCode,
		ContentType: contentType(target, resp.Header.Get("Content-Type")),
		Header:      resp.Header,
		Body:        body,
	}, nil
}

// readBody reads the response, undoing any content coding the upstream
// applied despite Accept-Encoding: identity.
func readBody(resp *http.Response) ([]byte, error) {
	var r io.Reader = resp.Body
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "br":
		r = brotli.NewReader(resp.Body)
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip body: %w", err)
		}
		defer gz.Close()
		r = gz
	}
	return io.ReadAll(r)
}

// contentType forces video/mp2t for segment paths; upstream serves them
// under a script extension and mislabels them.
func contentType(target, declared string) string {
	p := target
	if u, err := url.Parse(target); err == nil {
		p = u.Path
	}
	if strings.HasSuffix(p, ".ts") || strings.HasSuffix(p, ".js") {
		return transportStreamType
	}
	if declared == "" {
		return defaultContentType
	}
	return declared
}
