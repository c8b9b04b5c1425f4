package integration

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
)

func skipShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
}

func detail(t *testing.T, body string) string {
	t.Helper()
	var v map[string]string
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		t.Fatalf("error body is not JSON: %q", body)
	}
	return v["detail"]
}

// TestPlaylistAndSegment rewrites a manifest and then relays its segment.
func TestPlaylistAndSegment(t *testing.T) {
	skipShort(t)

	harness := NewTestHarness(t)
	defer harness.Cleanup()

	harness.Serve("/live.m3u8", "application/vnd.apple.mpegurl", "#EXTM3U\n"+harness.UpstreamURL("/media/seg1.js")+"\n")
	harness.Serve("/media/seg1.js", "application/javascript", "TSDATA")

	relay := harness.StartRelay(RelayOptions{})

	resp, body := relay.FetchPlaylist(harness.UpstreamURL("/live.m3u8"), "a=1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("playlist status = %d, body %q", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/vnd.apple.mpegurl" {
		t.Errorf("Content-Type = %q", ct)
	}
	if body != "#EXTM3U\n/seg1.ts" {
		t.Errorf("playlist body = %q, want %q", body, "#EXTM3U\n/seg1.ts")
	}
	if reqs := harness.Requests("/live.m3u8"); len(reqs) != 1 || reqs[0].Cookie != "a=1" {
		t.Errorf("manifest requests = %+v, want one with cookie a=1", reqs)
	}

	resp, body = relay.Get("/seg1.ts", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("segment status = %d, body %q", resp.StatusCode, body)
	}
	if body != "TSDATA" {
		t.Errorf("segment body = %q", body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "video/mp2t" {
		t.Errorf("segment Content-Type = %q, want video/mp2t", ct)
	}
	if cors := resp.Header.Get("Access-Control-Allow-Origin"); cors != "*" {
		t.Errorf("segment CORS header = %q", cors)
	}
	if reqs := harness.Requests("/media/seg1.js"); len(reqs) != 1 || reqs[0].Cookie != "a=1" {
		t.Errorf("segment requests = %+v, want one carrying the manifest cookie", reqs)
	}
}

// TestSegmentAllMirrorsFail expects one request per attempt per candidate
// and a 500 once every candidate is exhausted.
func TestSegmentAllMirrorsFail(t *testing.T) {
	skipShort(t)

	harness := NewTestHarness(t)
	defer harness.Cleanup()

	harness.Serve("/live.m3u8", "", "#EXTM3U\n"+harness.UpstreamURL("/media/seg1.js")+"\n")
	harness.ServeStatus("/media/seg1.js", http.StatusServiceUnavailable, "text/plain", "down")

	relay := harness.StartRelay(RelayOptions{})
	if resp, body := relay.FetchPlaylist(harness.UpstreamURL("/live.m3u8"), ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("playlist status = %d, body %q", resp.StatusCode, body)
	}

	resp, body := relay.Get("/seg1.ts", nil)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("segment status = %d, want 500", resp.StatusCode)
	}
	if d := detail(t, body); !strings.HasPrefix(d, "Error fetching resource") {
		t.Errorf("detail = %q", d)
	}
	if n := len(harness.Requests("/media/seg1.js")); n != 9 {
		t.Errorf("upstream saw %d attempts, want 9", n)
	}
}

// TestPlaylistRecovery falls back to the landing page and a fresh handshake
// when the supplied manifest URL is dead.
func TestPlaylistRecovery(t *testing.T) {
	skipShort(t)

	harness := NewTestHarness(t)
	defer harness.Cleanup()

	fresh := harness.UpstreamURL("/fresh/index.m3u8")
	harness.Serve("/", "text/html", `<html><script>var src = "`+fresh+`";</script></html>`)
	harness.ServeHandshake("__ddg1_=one; Path=/; Secure", "__ddg8_=eight; Path=/", "other=x")
	harness.Serve("/fresh/index.m3u8", "", "#EXTM3U\n#EXT-X-KEY:METHOD=AES-128,URI=\"key.bin\"\n#EXTINF:4,\n"+harness.UpstreamURL("/media/s1.js")+"\n")
	harness.Serve("/fresh/key.bin", "application/octet-stream", "0123456789abcdef")

	relay := harness.StartRelay(RelayOptions{})

	resp, body := relay.FetchPlaylist(harness.UpstreamURL("/dead.m3u8"), "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("playlist status = %d, body %q", resp.StatusCode, body)
	}
	if !strings.Contains(body, `URI="/key.bin"`) || !strings.HasSuffix(body, "/s1.ts") {
		t.Errorf("unexpected playlist %q", body)
	}

	reqs := harness.Requests("/fresh/index.m3u8")
	if len(reqs) != 1 {
		t.Fatalf("fresh manifest fetched %d times, want 1", len(reqs))
	}
	if reqs[0].Cookie != "ddg8_=eight; ddg1_=one" {
		t.Errorf("fresh manifest cookie = %q", reqs[0].Cookie)
	}

	// The key resolves against the manifest that was actually served.
	resp, body = relay.Get("/key.bin", nil)
	if resp.StatusCode != http.StatusOK || body != "0123456789abcdef" {
		t.Fatalf("key status = %d, body %q", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/octet-stream" {
		t.Errorf("key Content-Type = %q", ct)
	}

	// A second recovery reuses the cached cookie.
	if resp, body := relay.FetchPlaylist(harness.UpstreamURL("/dead.m3u8"), ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("second playlist status = %d, body %q", resp.StatusCode, body)
	}
	if n := len(harness.Requests("/api/event")); n != 1 {
		t.Errorf("handshake issued %d times, want 1", n)
	}
}

func TestPlaylistFailures(t *testing.T) {
	skipShort(t)

	tests := []struct {
		name       string
		setup      func(h *TestHarness)
		path       string
		wantDetail string
	}{
		{
			name:       "no fresh manifest or cookies",
			setup:      func(h *TestHarness) {},
			path:       "/dead.m3u8",
			wantDetail: "Error fetching M3U8: could not fetch M3U8 URL or cookies",
		},
		{
			name: "fresh manifest also dead",
			setup: func(h *TestHarness) {
				h.Serve("/", "text/html", `"`+h.UpstreamURL("/gone.m3u8")+`"`)
				h.ServeHandshake("__ddg1_=one")
			},
			path:       "/dead.m3u8",
			wantDetail: "Error fetching M3U8: error fetching M3U8",
		},
		{
			name: "not a manifest",
			setup: func(h *TestHarness) {
				h.Serve("/blocked.m3u8", "text/html", "<html>blocked</html>")
			},
			path:       "/blocked.m3u8",
			wantDetail: "Error fetching M3U8: invalid manifest",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			harness := NewTestHarness(t)
			defer harness.Cleanup()
			tt.setup(harness)

			relay := harness.StartRelay(RelayOptions{})
			resp, body := relay.FetchPlaylist(harness.UpstreamURL(tt.path), "")
			if resp.StatusCode != http.StatusInternalServerError {
				t.Fatalf("status = %d, want 500", resp.StatusCode)
			}
			if d := detail(t, body); !strings.HasPrefix(d, tt.wantDetail) {
				t.Errorf("detail = %q, want prefix %q", d, tt.wantDetail)
			}
		})
	}
}

func TestPlaylistRejectsBadURL(t *testing.T) {
	skipShort(t)

	harness := NewTestHarness(t)
	defer harness.Cleanup()
	relay := harness.StartRelay(RelayOptions{})

	resp, _ := relay.Get("/playlist.m3u8", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing url status = %d, want 400", resp.StatusCode)
	}
	resp, _ = relay.FetchPlaylist("file:///etc/passwd", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("file url status = %d, want 400", resp.StatusCode)
	}
}

func TestRangeRequests(t *testing.T) {
	skipShort(t)

	harness := NewTestHarness(t)
	defer harness.Cleanup()

	harness.Serve("/live.m3u8", "", "#EXTM3U\n"+harness.UpstreamURL("/media/seg1.js")+"\n")
	harness.Serve("/media/seg1.js", "", "0123456789")

	relay := harness.StartRelay(RelayOptions{})
	if resp, body := relay.FetchPlaylist(harness.UpstreamURL("/live.m3u8"), ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("playlist status = %d, body %q", resp.StatusCode, body)
	}

	tests := []struct {
		rng       string
		wantCode  int
		wantBody  string
		wantRange string
	}{
		{"bytes=0-3", http.StatusPartialContent, "0123", "bytes 0-3/10"},
		{"bytes=-2", http.StatusPartialContent, "89", "bytes 8-9/10"},
		{"bytes=4-", http.StatusPartialContent, "456789", "bytes 4-9/10"},
	}
	for _, tt := range tests {
		t.Run(tt.rng, func(t *testing.T) {
			resp, body := relay.Get("/seg1.ts", http.Header{"Range": {tt.rng}})
			if resp.StatusCode != tt.wantCode {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantCode)
			}
			if body != tt.wantBody {
				t.Errorf("body = %q, want %q", body, tt.wantBody)
			}
			if got := resp.Header.Get("Content-Range"); got != tt.wantRange {
				t.Errorf("Content-Range = %q, want %q", got, tt.wantRange)
			}
			if resp.Header.Get("Accept-Ranges") != "bytes" {
				t.Error("missing Accept-Ranges")
			}
		})
	}

	reqs := harness.Requests("/media/seg1.js")
	if len(reqs) == 0 || reqs[0].Range != "bytes=0-3" {
		t.Errorf("Range not forwarded upstream: %+v", reqs)
	}
}

func TestUnmappedSegmentFallback(t *testing.T) {
	skipShort(t)

	harness := NewTestHarness(t)
	defer harness.Cleanup()
	harness.Serve("/seg9.js", "", "RELAYED")

	relay := harness.StartRelay(RelayOptions{})
	resp, body := relay.Get("/seg9.ts?cookies=a%3D1", nil)
	if resp.StatusCode != http.StatusOK || body != "RELAYED" {
		t.Fatalf("status = %d, body %q", resp.StatusCode, body)
	}
	if reqs := harness.Requests("/seg9.js"); len(reqs) != 1 || reqs[0].Cookie != "a=1" {
		t.Errorf("fallback requests = %+v", reqs)
	}
}

// TestAbsoluteKeyURI keeps key paths that embed a full URL intact through
// the router.
func TestAbsoluteKeyURI(t *testing.T) {
	skipShort(t)

	harness := NewTestHarness(t)
	defer harness.Cleanup()

	keyURL := harness.UpstreamURL("/k/abs.key")
	harness.Serve("/live.m3u8", "", "#EXTM3U\n#EXT-X-KEY:METHOD=AES-128,URI=\""+keyURL+"\"\n#EXTINF:4,\n"+harness.UpstreamURL("/media/s1.js")+"\n")
	harness.Serve("/k/abs.key", "application/octet-stream", "KEY")

	relay := harness.StartRelay(RelayOptions{})
	resp, body := relay.FetchPlaylist(harness.UpstreamURL("/live.m3u8"), "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("playlist status = %d, body %q", resp.StatusCode, body)
	}
	if !strings.Contains(body, `URI="/`+keyURL+`"`) {
		t.Fatalf("unexpected key line in %q", body)
	}

	resp, body = relay.Get("/"+keyURL, nil)
	if resp.StatusCode != http.StatusOK || body != "KEY" {
		t.Errorf("key status = %d, body %q", resp.StatusCode, body)
	}
}

func TestSessionTokens(t *testing.T) {
	skipShort(t)

	harness := NewTestHarness(t)
	defer harness.Cleanup()

	harness.Serve("/a.m3u8", "", "#EXTM3U\n"+harness.UpstreamURL("/a/seg.js")+"\n")
	harness.Serve("/b.m3u8", "", "#EXTM3U\n"+harness.UpstreamURL("/b/seg.js")+"\n")
	harness.Serve("/a/seg.js", "", "A")
	harness.Serve("/b/seg.js", "", "B")

	relay := harness.StartRelay(RelayOptions{SessionTokens: true})

	_, first := relay.FetchPlaylist(harness.UpstreamURL("/a.m3u8"), "")
	_, second := relay.FetchPlaylist(harness.UpstreamURL("/b.m3u8"), "")

	segLine := func(playlist string) string {
		lines := strings.Split(playlist, "\n")
		return lines[len(lines)-1]
	}
	if !strings.Contains(segLine(first), "?sid=") {
		t.Fatalf("first playlist has no session token: %q", first)
	}

	// Each client keeps resolving against the manifest it was given.
	for _, tc := range []struct {
		line string
		want string
	}{
		{segLine(first), "A"},
		{segLine(second), "B"},
		{"/seg.ts", "B"},
	} {
		resp, body := relay.Get(tc.line, nil)
		if resp.StatusCode != http.StatusOK || body != tc.want {
			t.Errorf("GET %s = %d %q, want %q", tc.line, resp.StatusCode, body, tc.want)
		}
	}
}

func TestHealthReportsLastManifest(t *testing.T) {
	skipShort(t)

	harness := NewTestHarness(t)
	defer harness.Cleanup()

	harness.Serve("/live.m3u8", "", "#EXTM3U\n#EXT-X-TARGETDURATION:4\n#EXTINF:4,\n"+harness.UpstreamURL("/media/seg1.js")+"\n#EXTINF:4,\n"+harness.UpstreamURL("/media/seg2.js")+"\n")
	relay := harness.StartRelay(RelayOptions{})
	relay.FetchPlaylist(harness.UpstreamURL("/live.m3u8"), "")

	resp, body := relay.Get("/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}

	var health struct {
		Status string `json:"status"`
		Stats  struct {
			SegmentEntries int    `json:"segmentEntries"`
			ManifestSource string `json:"manifestSource"`
			Manifest       struct {
				Segments int  `json:"segments"`
				Live     bool `json:"live"`
			} `json:"manifest"`
		} `json:"stats"`
	}
	if err := json.Unmarshal([]byte(body), &health); err != nil {
		t.Fatalf("failed to parse health: %v", err)
	}
	if health.Status != "ok" || health.Stats.SegmentEntries != 2 || health.Stats.Manifest.Segments != 2 {
		t.Errorf("unexpected health %s", body)
	}
	if !health.Stats.Manifest.Live {
		t.Error("manifest without end tag should be reported live")
	}
	if health.Stats.ManifestSource != harness.UpstreamURL("/live.m3u8") {
		t.Errorf("manifestSource = %q", health.Stats.ManifestSource)
	}
}
