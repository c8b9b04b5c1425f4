package proxy

import (
	"net/http"
	"testing"

	"github.com/agleyzer/hlsrelay/internal/fetch"
)

func TestParseRange(t *testing.T) {
	tests := []struct {
		header    string
		size      int64
		wantStart int64
		wantEnd   int64
		wantErr   error
	}{
		{"bytes=0-3", 10, 0, 3, nil},
		{"bytes=4-", 10, 4, 9, nil},
		{"bytes=-3", 10, 7, 9, nil},
		{"bytes=-30", 10, 0, 9, nil},
		{"bytes=5-100", 10, 5, 9, nil},
		{"bytes=10-", 10, 0, 0, errUnsatisfiable},
		{"bytes=-0", 10, 0, 0, errUnsatisfiable},
		{"bytes=0-1,4-5", 10, 0, 0, errMalformed},
		{"items=0-1", 10, 0, 0, errMalformed},
		{"bytes=5-2", 10, 0, 0, errMalformed},
		{"bytes=a-b", 10, 0, 0, errMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			start, end, err := parseRange(tt.header, tt.size)
			if err != tt.wantErr {
				t.Fatalf("parseRange(%q) error = %v, want %v", tt.header, err, tt.wantErr)
			}
			if err == nil && (start != tt.wantStart || end != tt.wantEnd) {
				t.Errorf("parseRange(%q) = %d-%d, want %d-%d", tt.header, start, end, tt.wantStart, tt.wantEnd)
			}
		})
	}
}

func TestBuildResponse(t *testing.T) {
	full := &fetch.Resource{Status: http.StatusOK, ContentType: "video/mp2t", Header: http.Header{}, Body: []byte("0123456789")}

	partialHeader := http.Header{}
	partialHeader.Set("Content-Range", "bytes 0-1/10")
	partial := &fetch.Resource{Status: http.StatusPartialContent, ContentType: "video/mp2t", Header: partialHeader, Body: []byte("01")}

	tests := []struct {
		name      string
		res       *fetch.Resource
		rng       string
		wantCode  int
		wantBody  string
		wantRange string
	}{
		{"no range", full, "", http.StatusOK, "0123456789", ""},
		{"sliced locally", full, "bytes=8-", http.StatusPartialContent, "89", "bytes 8-9/10"},
		{"upstream partial passed through", partial, "bytes=0-1", http.StatusPartialContent, "01", "bytes 0-1/10"},
		{"unsatisfiable", full, "bytes=20-", http.StatusRequestedRangeNotSatisfiable, "", "bytes */10"},
		{"multi range ignored", full, "bytes=0-1,3-4", http.StatusOK, "0123456789", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := buildResponse(tt.res, tt.rng)
			if resp.Status != tt.wantCode {
				t.Errorf("Status = %d, want %d", resp.Status, tt.wantCode)
			}
			if string(resp.Body) != tt.wantBody {
				t.Errorf("Body = %q, want %q", resp.Body, tt.wantBody)
			}
			if got := resp.Header.Get("Content-Range"); got != tt.wantRange {
				t.Errorf("Content-Range = %q, want %q", got, tt.wantRange)
			}
			if resp.Header.Get("Accept-Ranges") != "bytes" {
				t.Error("missing Accept-Ranges")
			}
		})
	}
}
