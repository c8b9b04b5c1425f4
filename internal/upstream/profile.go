// Package upstream describes the origin site hlsrelay fronts: its hosts,
// handshake endpoint, URL conventions and the browser header set it expects.
package upstream

import (
	"net/http"
	"time"
)

// Profile holds every upstream constant the proxy depends on.
type Profile struct {
	// LandingURL is the page scanned for an embedded manifest URL.
	LandingURL string
	// HandshakeURL receives the POST that yields session cookies.
	HandshakeURL string
	// HandshakeBody is the fixed JSON payload sent to HandshakeURL.
	HandshakeBody []byte
	// RequiredCookies lists the cookie names (leading underscores removed)
	// kept from the handshake response, in output order.
	RequiredCookies []string

	// RelayHost is the hostname substituted by mirror hosts.
	RelayHost string
	// MirrorHosts are tried, in order, after the original URL.
	MirrorHosts []string
	// DirectHost serves segments that may be fetched verbatim.
	DirectHost string
	// CORSPrefix wraps some segment URLs in the upstream manifest.
	CORSPrefix string
	// BucketURL is the fixed segment bucket on the panel host.
	BucketURL string

	// Headers is the spoofed mobile-browser header set sent on every call.
	Headers map[string]string
}

// DefaultProfile returns the profile of the streamed.su family of hosts.
func DefaultProfile() Profile {
	return Profile{
		LandingURL:      "https://fishy.streamed.su/",
		HandshakeURL:    "https://fishy.streamed.su/api/event",
		HandshakeBody:   []byte(`{"event":"pageview"}`),
		RequiredCookies: []string{"ddg8_", "ddg10_", "ddg9_", "ddg1_"},
		RelayHost:       "rr.buytommy.top",
		MirrorHosts:     []string{"p2-panel.streamed.su", "flu.streamed.su"},
		DirectHost:      "flu.streamed.su",
		CORSPrefix:      "https://corsproxy.io/?url=",
		BucketURL:       "https://p2-panel.streamed.su/bucket-44677-gjnru5ktoa",
		Headers: map[string]string{
			"User-Agent":         "Mozilla/5.0 (Linux; Android 10; K) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.0.0 Mobile Safari/537.36",
			"Referer":            "https://embedstreams.top/",
			"Origin":             "https://embedstreams.top",
			"Accept":             "*/*",
			"Accept-Encoding":    "identity",
			"Accept-Language":    "en-GB,en-US;q=0.9,en;q=0.8",
			"Sec-Ch-Ua":          `"Not A(Brand";v="8", "Chromium";v="132"`,
			"Sec-Ch-Ua-Mobile":   "?1",
			"Sec-Ch-Ua-Platform": `"Android"`,
			"Sec-Fetch-Dest":     "empty",
			"Sec-Fetch-Mode":     "cors",
			"Sec-Fetch-Site":     "cross-site",
			"Content-Type":       "application/json",
			"X-Requested-With":   "XMLHttpRequest",
			"X-Forwarded-For":    "127.0.0.1",
		},
	}
}

// Header returns a fresh copy of the shared header set, safe to mutate.
func (p Profile) Header() http.Header {
	h := make(http.Header, len(p.Headers)+2)
	for k, v := range p.Headers {
		h.Set(k, v)
	}
	return h
}

const (
	DefaultTimeout         = 30 * time.Second
	DefaultIdleConnTimeout = 90 * time.Second
	MaxIdleConnsPerHost    = 16
)

// NewClient returns the HTTP client shared by the authenticator, locator and
// fetcher. timeout applies to every outbound call; zero means DefaultTimeout.
func NewClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: MaxIdleConnsPerHost,
			IdleConnTimeout:     DefaultIdleConnTimeout,
		},
	}
}
