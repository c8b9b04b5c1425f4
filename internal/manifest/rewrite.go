// Package manifest rewrites HLS playlists so that keys and segments are
// fetched through the proxy.
package manifest

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/agleyzer/hlsrelay/internal/segment"
)

// ErrInvalidManifest is returned when the body lacks the #EXTM3U marker.
var ErrInvalidManifest = errors.New("invalid manifest")

const (
	headerMarker = "#EXTM3U"
	keyTag       = "#EXT-X-KEY"
	uriAttr      = `URI="`
	segmentLine  = "https://"

	scriptExt = ".js"
	streamExt = ".ts"

	// SessionParam carries the session token on rewritten URIs.
	SessionParam = "sid"
)

// Rules are the upstream conventions used to resolve segment lines.
type Rules struct {
	// DirectHost serves segments that may be fetched as listed.
	DirectHost string
	// CORSPrefix is stripped from wrapped segment URLs.
	CORSPrefix string
	// BucketURL receives every other segment, named with the script extension.
	BucketURL string
}

// Result is the outcome of one rewrite pass.
type Result struct {
	// Text is the rewritten manifest.
	Text string

	// Segments lists every mapping in manifest order.
	Segments []segment.Segment

	// Base is scheme://host of the manifest URL.
	Base string
}

// Rewriter rewrites manifests according to Rules.
type Rewriter struct {
	rules  Rules
	logger *slog.Logger
}

// NewRewriter creates a Rewriter.
func NewRewriter(rules Rules, logger *slog.Logger) *Rewriter {
	return &Rewriter{
		rules:  rules,
		logger: logger,
	}
}

// Rewrite rewrites body, fetched from requestURL, replacing key URIs and
// segment lines with proxy-local paths. When session is non-empty every
// rewritten URI carries it as a query parameter.
func (rw *Rewriter) Rewrite(body []byte, requestURL, session string) (*Result, error) {
	text := string(body)
	if !strings.Contains(text, headerMarker) {
		return nil, ErrInvalidManifest
	}

	base, err := url.Parse(requestURL)
	if err != nil {
		return nil, fmt.Errorf("invalid manifest URL: %w", err)
	}

	res := &Result{Base: base.Scheme + "://" + base.Host}

	lines := splitLines(text)
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, keyTag) && strings.Contains(line, "URI="):
			rewritten, seg, ok := rw.rewriteKey(line, base)
			if !ok {
				continue
			}
			seg.Sequence = i
			lines[i] = withSession(rewritten, seg.Path, session)
			res.Segments = append(res.Segments, seg)
			rw.logger.Debug("mapping key", "path", seg.Path, "url", seg.URL)

		case strings.HasPrefix(line, segmentLine):
			seg := rw.resolveSegment(line)
			seg.Sequence = i
			lines[i] = "/" + seg.Path + sessionQuery(session)
			res.Segments = append(res.Segments, seg)
			rw.logger.Debug("mapping segment", "path", seg.Path, "url", seg.URL)
		}
	}

	res.Text = strings.Join(lines, "\n")
	return res, nil
}

// rewriteKey replaces the quoted URI of an #EXT-X-KEY line with a local
// path and resolves the original against the manifest URL.
func (rw *Rewriter) rewriteKey(line string, base *url.URL) (string, segment.Segment, bool) {
	_, rest, ok := strings.Cut(line, uriAttr)
	if !ok {
		return line, segment.Segment{}, false
	}
	original, _, ok := strings.Cut(rest, `"`)
	if !ok || original == "" {
		return line, segment.Segment{}, false
	}

	keyPath := strings.TrimLeft(original, "/")
	upstreamURL, err := resolveURL(base, original)
	if err != nil {
		rw.logger.Warn("unresolvable key URI", "uri", original, "error", err)
		return line, segment.Segment{}, false
	}

	rewritten := strings.ReplaceAll(line, uriAttr+original+`"`, uriAttr+"/"+keyPath+`"`)
	return rewritten, segment.Segment{
		Path: keyPath,
		URL:  upstreamURL,
		Kind: segment.KindKey,
	}, true
}

// resolveSegment names a segment line and picks its true upstream URL.
func (rw *Rewriter) resolveSegment(line string) segment.Segment {
	original := strings.TrimSpace(line)

	name := original[strings.LastIndex(original, "/")+1:]
	name, _, _ = strings.Cut(name, "?")
	if strings.HasSuffix(name, scriptExt) {
		name = strings.TrimSuffix(name, scriptExt) + streamExt
	}

	direct := strings.TrimPrefix(original, rw.rules.CORSPrefix)
	target := direct
	if !rw.isDirect(direct) {
		target = strings.TrimSuffix(rw.rules.BucketURL, "/") + "/" + scriptName(name)
	}

	return segment.Segment{
		Path: name,
		URL:  target,
		Kind: segment.KindMedia,
	}
}

func (rw *Rewriter) isDirect(rawURL string) bool {
	if rw.rules.DirectHost == "" {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return u.Scheme == "https" && u.Hostname() == rw.rules.DirectHost
}

// scriptName maps a .ts segment name back to the script extension the
// upstream bucket serves it under.
func scriptName(name string) string {
	if strings.HasSuffix(name, streamExt) {
		return strings.TrimSuffix(name, streamExt) + scriptExt
	}
	return name
}

func withSession(line, keyPath, session string) string {
	if session == "" {
		return line
	}
	local := uriAttr + "/" + keyPath
	return strings.ReplaceAll(line, local+`"`, local+sessionQuery(session)+`"`)
}

func sessionQuery(session string) string {
	if session == "" {
		return ""
	}
	return "?" + SessionParam + "=" + url.QueryEscape(session)
}

// splitLines splits on \n and \r\n without producing a trailing empty line.
func splitLines(text string) []string {
	var lines []string
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), len(text)+1)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}

// resolveURL resolves a possibly relative URL against a base URL.
func resolveURL(base *url.URL, relativeURL string) (string, error) {
	rel, err := url.Parse(relativeURL)
	if err != nil {
		return "", fmt.Errorf("invalid relative URL: %w", err)
	}

	// Resolve the relative URL against the base
	resolved := base.ResolveReference(rel)
	return resolved.String(), nil
}
