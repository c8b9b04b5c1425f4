// Package auth acquires and caches the session cookies the upstream demands.
package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/agleyzer/hlsrelay/internal/metrics"
	"github.com/agleyzer/hlsrelay/internal/upstream"
)

// ErrNoCookiesFound is returned when the handshake response carries none of
// the required cookies.
var ErrNoCookiesFound = errors.New("no required cookies found")

const cookieKey = "session"

// Config configures an Authenticator.
type Config struct {
	HandshakeURL    string
	HandshakeBody   []byte
	RequiredCookies []string
	Header          http.Header
	// TTL bounds how long an acquired cookie is reused. Zero keeps it for the
	// process lifetime.
	TTL time.Duration
}

// Authenticator performs the cookie handshake and holds the single
// process-wide cookie slot.
type Authenticator struct {
	config  Config
	client  *http.Client
	cache   *cache.Cache
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates an Authenticator. client may be nil to use the shared upstream client.
func New(config Config, client *http.Client, m *metrics.Metrics, logger *slog.Logger) *Authenticator {
	if client == nil {
		client = upstream.NewClient(0)
	}
	ttl := config.TTL
	cleanup := ttl
	if ttl <= 0 {
		ttl = cache.NoExpiration
		cleanup = 0
	}
	return &Authenticator{
		config:  config,
		client:  client,
		cache:   cache.New(ttl, cleanup),
		metrics: m,
		logger:  logger,
	}
}

// Acquire returns the cached cookie header fragment, performing the
// handshake only when the slot is empty.
func (a *Authenticator) Acquire(ctx context.Context) (string, error) {
	if cookies, ok := a.Cached(); ok {
		a.logger.Debug("using cached cookies")
		a.metrics.Handshake("cached")
		return cookies, nil
	}

	a.logger.Debug("fetching cookies", "url", a.config.HandshakeURL)
	cookies, err := a.handshake(ctx)
	if err != nil {
		a.metrics.Handshake("error")
		a.logger.Error("cookie handshake failed", "error", err)
		return "", err
	}

	a.cache.Set(cookieKey, cookies, cache.DefaultExpiration)
	a.metrics.Handshake("ok")
	a.logger.Debug("formatted cookies", "cookies", cookies)
	return cookies, nil
}

// Cached returns the cached cookie without touching the network.
func (a *Authenticator) Cached() (string, bool) {
	v, ok := a.cache.Get(cookieKey)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

// Invalidate clears the cookie slot so the next Acquire re-authenticates.
func (a *Authenticator) Invalidate() {
	a.cache.Delete(cookieKey)
	a.logger.Info("cookie cache cleared")
}

func (a *Authenticator) handshake(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.HandshakeURL, bytes.NewReader(a.config.HandshakeBody))
	if err != nil {
		return "", fmt.Errorf("build handshake request: %w", err)
	}
	for k, v := range a.config.Header {
		req.Header[k] = append([]string(nil), v...)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", &upstream.TransportError{URL: a.config.HandshakeURL, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	a.logger.Debug("cookie response", "status", resp.StatusCode)

	raw := resp.Header.Values("Set-Cookie")
	if len(raw) == 0 {
		return "", fmt.Errorf("handshake returned no Set-Cookie: %w", ErrNoCookiesFound)
	}

	cookies := SelectCookies(raw, a.config.RequiredCookies)
	if cookies == "" {
		return "", ErrNoCookiesFound
	}
	return cookies, nil
}

// SelectCookies extracts name=value pairs from raw Set-Cookie values and
// joins the required ones, in the order given, as "name=value; name=value".
// Names lose any leading underscores before matching.
func SelectCookies(setCookie []string, required []string) string {
	found := make(map[string]string)
	for _, header := range setCookie {
		for _, cookie := range strings.Split(header, ",") {
			pair, _, _ := strings.Cut(cookie, ";")
			name, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if !ok {
				continue
			}
			name = strings.TrimLeft(strings.TrimSpace(name), "_")
			if name == "" {
				continue
			}
			found[name] = strings.TrimSpace(value)
		}
	}

	parts := make([]string, 0, len(required))
	for _, name := range required {
		if v, ok := found[name]; ok {
			parts = append(parts, name+"="+v)
		}
	}
	return strings.Join(parts, "; ")
}

// NormalizeCookies turns a client-supplied cookies parameter into a Cookie
// header value: it is unescaped, split on ";", pairs without "=" are dropped
// and leading underscores are removed from names.
func NormalizeCookies(raw string) string {
	if unescaped, err := url.PathUnescape(raw); err == nil {
		raw = unescaped
	}

	var parts []string
	for _, pair := range strings.Split(raw, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		name = strings.TrimLeft(strings.TrimSpace(name), "_")
		if name == "" {
			continue
		}
		parts = append(parts, name+"="+strings.TrimSpace(value))
	}
	return strings.Join(parts, "; ")
}
