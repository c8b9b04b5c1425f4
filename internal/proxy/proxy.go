// Package proxy ties the fetcher, authenticator, origin locator and manifest
// rewriter together into the two operations the HTTP server exposes: serving
// a rewritten manifest and relaying one of its segments or keys.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/agleyzer/hlsrelay/internal/auth"
	"github.com/agleyzer/hlsrelay/internal/fetch"
	"github.com/agleyzer/hlsrelay/internal/manifest"
	"github.com/agleyzer/hlsrelay/internal/metrics"
	"github.com/agleyzer/hlsrelay/internal/segment"
)

// ErrUnmapped is returned when a path is neither in the segment map nor
// resolvable by the fallback policy.
var ErrUnmapped = errors.New("unmapped resource")

// Fetcher retrieves an upstream resource across its mirrors.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL, cookie string, extra http.Header) (*fetch.Resource, error)
}

// Authenticator yields session cookies.
type Authenticator interface {
	Acquire(ctx context.Context) (string, error)
	Cached() (string, bool)
	Invalidate()
}

// Locator discovers a fresh manifest URL.
type Locator interface {
	Discover(ctx context.Context) (string, error)
}

// Store holds segment tables.
type Store interface {
	Replace(session string, t *segment.Table) error
	Lookup(session, path string) (string, bool)
	Cookie(session string) string
}

// FallbackFunc guesses an upstream URL for a path missing from the segment map.
type FallbackFunc func(path string) (string, bool)

// RelayFallback maps an unmapped path onto the relay host, restoring the
// script extension the relay serves segments under.
func RelayFallback(relayHost string) FallbackFunc {
	return func(path string) (string, bool) {
		if relayHost == "" || path == "" {
			return "", false
		}
		if strings.HasSuffix(path, ".ts") {
			path = strings.TrimSuffix(path, ".ts") + ".js"
		}
		return "https://" + relayHost + "/" + path, true
	}
}

// Config configures a Proxy.
type Config struct {
	// SessionTokens tags each rewritten manifest with its own segment table.
	SessionTokens bool
	// Fallback resolves unmapped paths; nil rejects them with ErrUnmapped.
	Fallback FallbackFunc
}

// Proxy implements the manifest and resource operations.
type Proxy struct {
	config   Config
	fetcher  Fetcher
	auth     Authenticator
	locator  Locator
	rewriter *manifest.Rewriter
	store    Store
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu   sync.RWMutex
	last lastManifest
}

type lastManifest struct {
	source  string
	entries int
	summary *manifest.Summary
}

// New creates a Proxy.
func New(config Config, fetcher Fetcher, authenticator Authenticator, locator Locator, rewriter *manifest.Rewriter, store Store, m *metrics.Metrics, logger *slog.Logger) *Proxy {
	return &Proxy{
		config:   config,
		fetcher:  fetcher,
		auth:     authenticator,
		locator:  locator,
		rewriter: rewriter,
		store:    store,
		metrics:  m,
		logger:   logger,
	}
}

// PlaylistRequest is an inbound manifest request.
type PlaylistRequest struct {
	URL     string
	Cookies string
}

// Playlist is a rewritten manifest ready to serve.
type Playlist struct {
	Text string
	// Session is the token embedded in the rewritten URIs, if any.
	Session string
	// Source is the URL the manifest was actually fetched from.
	Source string
}

// Playlist fetches, rewrites and records the manifest at req.URL. If the
// supplied URL or cookies fail, it discovers a fresh manifest URL and
// cookies and tries once more.
func (p *Proxy) Playlist(ctx context.Context, req PlaylistRequest) (*Playlist, error) {
	cookies := auth.NormalizeCookies(req.Cookies)
	p.logger.Debug("normalized cookies", "cookies", cookies)

	source := req.URL
	res, err := p.fetcher.Fetch(ctx, source, cookies, nil)
	if err != nil {
		p.invalidateOnAuthFailure(cookies, err)
		p.logger.Info("provided manifest failed, fetching fresh URL and cookies", "url", source)

		discovered, derr := p.locator.Discover(ctx)
		fresh, aerr := p.auth.Acquire(ctx)
		if derr != nil || aerr != nil {
			p.metrics.Rewrite("error")
			return nil, fmt.Errorf("could not fetch M3U8 URL or cookies: %w", errors.Join(derr, aerr))
		}

		res, err = p.fetcher.Fetch(ctx, discovered, fresh, nil)
		if err != nil {
			p.invalidateOnAuthFailure(fresh, err)
			p.metrics.Rewrite("error")
			return nil, fmt.Errorf("error fetching M3U8: %w", err)
		}
		source, cookies = discovered, fresh
	}

	var session string
	if p.config.SessionTokens {
		session = uuid.NewString()
	}

	rewritten, err := p.rewriter.Rewrite(res.Body, source, session)
	if err != nil {
		p.metrics.Rewrite("invalid")
		p.logger.Error("invalid M3U8 content", "url", source, "error", err)
		return nil, err
	}

	table := segment.NewTable(rewritten.Segments, source, cookies)
	if err := p.store.Replace(session, table); err != nil {
		p.metrics.Rewrite("error")
		return nil, fmt.Errorf("store segment map: %w", err)
	}
	p.metrics.Rewrite("ok")
	p.metrics.SegmentEntries(table.Len())

	last := lastManifest{source: source, entries: table.Len()}
	if s, err := manifest.Inspect(rewritten.Text); err == nil {
		last.summary = &s
	} else {
		p.logger.Debug("manifest inspection failed", "error", err)
	}
	p.mu.Lock()
	p.last = last
	p.mu.Unlock()

	p.logger.Info("rewrote manifest",
		"source", source,
		"base", rewritten.Base,
		"entries", table.Len(),
		"session", session,
	)
	p.logger.Debug("rewritten manifest", "content", rewritten.Text)

	return &Playlist{
		Text:    rewritten.Text,
		Session: session,
		Source:  source,
	}, nil
}

// ResourceRequest is an inbound segment or key request.
type ResourceRequest struct {
	// Path is the proxy-local path without its leading slash.
	Path string
	// Session is the token from the rewritten URI, if any.
	Session string
	// Cookies is the decoded cookies query parameter.
	Cookies string
	// Range is the client's Range header.
	Range string
}

// Response is a relayed resource.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Resource resolves req.Path through the segment map (or the fallback
// policy) and relays the upstream payload.
func (p *Proxy) Resource(ctx context.Context, req ResourceRequest) (*Response, error) {
	target, ok := p.store.Lookup(req.Session, req.Path)
	if !ok {
		if p.config.Fallback == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnmapped, req.Path)
		}
		target, ok = p.config.Fallback(req.Path)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnmapped, req.Path)
		}
		p.metrics.Unmapped()
		p.logger.Info("unmapped request, trying fallback", "path", req.Path, "url", target)
	}

	cookie := req.Cookies
	if cookie == "" {
		cookie = p.store.Cookie(req.Session)
	}
	if cookie == "" {
		cookie, _ = p.auth.Cached()
	}

	var extra http.Header
	if req.Range != "" {
		extra = http.Header{}
		extra.Set("Range", req.Range)
		p.logger.Debug("range request", "range", req.Range)
	}

	res, err := p.fetcher.Fetch(ctx, target, cookie, extra)
	if err != nil {
		p.invalidateOnAuthFailure(cookie, err)
		p.logger.Error("failed to fetch resource", "url", target, "error", err)
		return nil, err
	}

	return buildResponse(res, req.Range), nil
}

// invalidateOnAuthFailure clears the cookie cache when a fetch made with the
// cached cookie was rejected as unauthorized.
func (p *Proxy) invalidateOnAuthFailure(cookie string, err error) {
	var fe *fetch.Error
	if !errors.As(err, &fe) || !fe.AuthFailure() {
		return
	}
	if cached, ok := p.auth.Cached(); ok && cookie != "" && cached == cookie {
		p.logger.Warn("cached cookie rejected upstream", "status", fe.LastStatus)
		p.auth.Invalidate()
	}
}

// Stats returns a snapshot for the health endpoint.
func (p *Proxy) Stats() map[string]interface{} {
	p.mu.RLock()
	last := p.last
	p.mu.RUnlock()

	_, cookieCached := p.auth.Cached()
	stats := map[string]interface{}{
		"cookieCached":   cookieCached,
		"sessionTokens":  p.config.SessionTokens,
		"manifestSource": last.source,
		"segmentEntries": last.entries,
	}
	if last.summary != nil {
		stats["manifest"] = map[string]interface{}{
			"kind":      last.summary.Kind,
			"segments":  last.summary.Segments,
			"variants":  last.summary.Variants,
			"encrypted": last.summary.Encrypted,
			"live":      last.summary.Live,
		}
	}
	return stats
}
