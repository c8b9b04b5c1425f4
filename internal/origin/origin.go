// Package origin discovers a fresh manifest URL by scanning the upstream
// landing page.
package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/agleyzer/hlsrelay/internal/upstream"
)

// ErrNotFound is returned when the landing page embeds no manifest URL.
var ErrNotFound = errors.New("no manifest URL found in page content")

var manifestURLPattern = regexp.MustCompile(`https?://[^\s"]+\.m3u8(?:\?[^"\s]*)?`)

// Locator scans a landing page for its embedded manifest URL.
type Locator struct {
	landingURL string
	header     http.Header
	client     *http.Client
	logger     *slog.Logger
}

// New creates a Locator for landingURL.
func New(landingURL string, header http.Header, client *http.Client, logger *slog.Logger) *Locator {
	if client == nil {
		client = upstream.NewClient(0)
	}
	return &Locator{
		landingURL: landingURL,
		header:     header,
		client:     client,
		logger:     logger,
	}
}

// Discover fetches the landing page once and returns the first manifest URL in it.
func (l *Locator) Discover(ctx context.Context) (string, error) {
	l.logger.Debug("fetching manifest URL", "url", l.landingURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.landingURL, nil)
	if err != nil {
		return "", fmt.Errorf("build landing request: %w", err)
	}
	for k, v := range l.header {
		req.Header[k] = append([]string(nil), v...)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		l.logger.Error("error fetching manifest URL", "error", err)
		return "", &upstream.TransportError{URL: l.landingURL, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &upstream.TransportError{URL: l.landingURL, Status: resp.StatusCode, Err: err}
	}

	found, ok := FindManifestURL(body)
	if !ok {
		l.logger.Error("no manifest URL found in page content", "url", l.landingURL)
		return "", ErrNotFound
	}
	l.logger.Debug("found manifest URL", "url", found)
	return found, nil
}

// FindManifestURL returns the first absolute .m3u8 URL in content.
func FindManifestURL(content []byte) (string, bool) {
	m := manifestURLPattern.Find(content)
	if m == nil {
		return "", false
	}
	return string(m), true
}
