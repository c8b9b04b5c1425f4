// Package integration runs hlsrelay end to end against a fake upstream.
package integration

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/agleyzer/hlsrelay/internal/auth"
	"github.com/agleyzer/hlsrelay/internal/cluster"
	"github.com/agleyzer/hlsrelay/internal/fetch"
	"github.com/agleyzer/hlsrelay/internal/manifest"
	"github.com/agleyzer/hlsrelay/internal/mirror"
	"github.com/agleyzer/hlsrelay/internal/origin"
	"github.com/agleyzer/hlsrelay/internal/proxy"
	"github.com/agleyzer/hlsrelay/internal/segment"
	"github.com/agleyzer/hlsrelay/internal/server"
	"github.com/agleyzer/hlsrelay/internal/upstream"
)

// route is one canned upstream response.
type route struct {
	status      int
	contentType string
	body        string
	header      http.Header
}

// UpstreamRequest is what the upstream saw.
type UpstreamRequest struct {
	Method string
	Cookie string
	Range  string
}

// TestHarness manages a fake TLS upstream and any number of relays in front
// of it.
type TestHarness struct {
	t        *testing.T
	upstream *httptest.Server
	host     string
	hostname string

	mu       sync.Mutex
	routes   map[string]route
	requests map[string][]UpstreamRequest

	relays []*Relay
}

// Relay is one running hlsrelay instance.
type Relay struct {
	t       *testing.T
	URL     string
	Store   *segment.Store
	Auth    *auth.Authenticator
	server  *httptest.Server
	manager *cluster.Manager
}

// RelayOptions tunes a relay started by the harness.
type RelayOptions struct {
	SessionTokens bool
	// RaftBind and RaftPeers enable cluster mode.
	RaftBind  string
	RaftPeers []string
}

// NewTestHarness starts the fake upstream.
func NewTestHarness(t *testing.T) *TestHarness {
	t.Helper()

	h := &TestHarness{
		t:        t,
		routes:   make(map[string]route),
		requests: make(map[string][]UpstreamRequest),
	}
	h.upstream = httptest.NewTLSServer(http.HandlerFunc(h.serveUpstream))

	u, err := url.Parse(h.upstream.URL)
	if err != nil {
		t.Fatalf("failed to parse upstream URL: %v", err)
	}
	h.host = u.Host
	h.hostname = u.Hostname()
	return h
}

func (h *TestHarness) serveUpstream(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.requests[r.URL.Path] = append(h.requests[r.URL.Path], UpstreamRequest{
		Method: r.Method,
		Cookie: r.Header.Get("Cookie"),
		Range:  r.Header.Get("Range"),
	})
	rt, ok := h.routes[r.URL.Path]
	h.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	for k, v := range rt.header {
		w.Header()[k] = v
	}
	if rt.contentType != "" {
		w.Header().Set("Content-Type", rt.contentType)
	}
	if rt.status != http.StatusOK {
		w.WriteHeader(rt.status)
		io.WriteString(w, rt.body)
		return
	}
	// ServeContent honors Range the way a real origin would.
	http.ServeContent(w, r, "", time.Time{}, bytes.NewReader([]byte(rt.body)))
}

// Serve installs a 200 response for path.
func (h *TestHarness) Serve(path, contentType, body string) {
	h.ServeStatus(path, http.StatusOK, contentType, body)
}

// ServeStatus installs a response with an arbitrary status for path.
func (h *TestHarness) ServeStatus(path string, status int, contentType, body string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.routes[path] = route{status: status, contentType: contentType, body: body}
}

// ServeHandshake makes the handshake endpoint issue cookies.
func (h *TestHarness) ServeHandshake(setCookies ...string) {
	hdr := http.Header{}
	for _, c := range setCookies {
		hdr.Add("Set-Cookie", c)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.routes["/api/event"] = route{status: http.StatusOK, contentType: "application/json", body: "{}", header: hdr}
}

// UpstreamURL returns the absolute upstream URL for path.
func (h *TestHarness) UpstreamURL(path string) string {
	return h.upstream.URL + path
}

// Requests returns what the upstream saw for path.
func (h *TestHarness) Requests(path string) []UpstreamRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]UpstreamRequest(nil), h.requests[path]...)
}

// ResetRequests forgets every recorded upstream request.
func (h *TestHarness) ResetRequests() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requests = make(map[string][]UpstreamRequest)
}

// StartRelay wires a relay against the fake upstream. The upstream host
// stands in for every configured host: it is the relay host, both mirrors,
// the direct media host and the bucket.
func (h *TestHarness) StartRelay(opts RelayOptions) *Relay {
	h.t.Helper()

	logger := createTestLogger()
	client := h.upstream.Client()
	client.Timeout = 5 * time.Second

	profile := upstream.DefaultProfile()
	profile.LandingURL = h.UpstreamURL("/")
	profile.HandshakeURL = h.UpstreamURL("/api/event")
	profile.RelayHost = h.host
	profile.MirrorHosts = []string{h.host, h.host}
	profile.DirectHost = h.hostname
	profile.BucketURL = h.UpstreamURL("/bucket")
	header := profile.Header()

	authenticator := auth.New(auth.Config{
		HandshakeURL:    profile.HandshakeURL,
		HandshakeBody:   profile.HandshakeBody,
		RequiredCookies: profile.RequiredCookies,
		Header:          header,
	}, client, nil, logger)
	locator := origin.New(profile.LandingURL, header, client, logger)
	fetcher := fetch.New(client, mirror.NewResolver(profile.RelayHost, profile.MirrorHosts...), header,
		fetch.Options{Retries: fetch.DefaultRetries}, nil, logger)
	rewriter := manifest.NewRewriter(manifest.Rules{
		DirectHost: profile.DirectHost,
		CORSPrefix: profile.CORSPrefix,
		BucketURL:  profile.BucketURL,
	}, logger)

	relay := &Relay{t: h.t, Store: segment.NewStore(0, 0), Auth: authenticator}

	var store proxy.Store = relay.Store
	if opts.RaftBind != "" {
		manager, err := cluster.NewManager(cluster.Config{
			RaftID:           opts.RaftBind,
			BindAddr:         opts.RaftBind,
			Peers:            opts.RaftPeers,
			HeartbeatTimeout: 100 * time.Millisecond,
			ElectionTimeout:  100 * time.Millisecond,
		}, relay.Store, logger)
		if err != nil {
			h.t.Fatalf("failed to create cluster manager: %v", err)
		}
		if err := manager.Start(context.Background()); err != nil {
			h.t.Fatalf("failed to start cluster manager: %v", err)
		}
		relay.manager = manager
		store = cluster.NewStore(relay.Store, manager, logger)
	}

	p := proxy.New(proxy.Config{
		SessionTokens: opts.SessionTokens,
		Fallback:      proxy.RelayFallback(profile.RelayHost),
	}, fetcher, authenticator, locator, rewriter, store, nil, logger)

	srv := server.New(p, 0, logger)
	if relay.manager != nil {
		srv.SetCluster(relay.manager)
	}
	relay.server = httptest.NewServer(srv.Handler())
	relay.URL = relay.server.URL

	h.relays = append(h.relays, relay)
	return relay
}

// Get requests path (with query) from the relay.
func (r *Relay) Get(path string, header http.Header) (*http.Response, string) {
	r.t.Helper()

	req, err := http.NewRequest("GET", r.URL+path, nil)
	if err != nil {
		r.t.Fatalf("failed to build request: %v", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		r.t.Fatalf("GET %s failed: %v", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		r.t.Fatalf("failed to read body of %s: %v", path, err)
	}
	return resp, string(body)
}

// FetchPlaylist requests a rewritten manifest for manifestURL.
func (r *Relay) FetchPlaylist(manifestURL, cookies string) (*http.Response, string) {
	r.t.Helper()

	q := url.Values{}
	q.Set("url", manifestURL)
	if cookies != "" {
		q.Set("cookies", cookies)
	}
	return r.Get("/playlist.m3u8?"+q.Encode(), nil)
}

// IsLeader reports whether the relay leads its cluster.
func (r *Relay) IsLeader() bool {
	return r.manager != nil && r.manager.IsLeader()
}

// Cleanup stops all relays and the upstream.
func (h *TestHarness) Cleanup() {
	for _, r := range h.relays {
		r.server.Close()
		if r.manager != nil {
			r.manager.Shutdown()
		}
	}
	h.upstream.Close()
}

// WaitForCondition polls until a condition is met or timeout occurs.
func (h *TestHarness) WaitForCondition(condition func() bool, timeout time.Duration, description string) {
	h.t.Helper()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for !condition() {
		if time.Now().After(deadline) {
			h.t.Fatalf("timeout waiting for condition: %s", description)
		}
		<-ticker.C
	}
}

// findAvailablePort finds an available TCP port.
func findAvailablePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port
}

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// raftPeers allocates n loopback Raft addresses.
func raftPeers(t *testing.T, n int) []string {
	t.Helper()
	peers := make([]string, n)
	for i := range peers {
		peers[i] = fmt.Sprintf("127.0.0.1:%d", findAvailablePort(t))
	}
	return peers
}
