package proxy

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/agleyzer/hlsrelay/internal/fetch"
)

func buildResponse(res *fetch.Resource, rangeHeader string) *Response {
	header := http.Header{}
	header.Set("Content-Type", res.ContentType)
	header.Set("Access-Control-Allow-Origin", "*")
	header.Set("Accept-Ranges", "bytes")

	if rangeHeader == "" {
		return &Response{Status: http.StatusOK, Header: header, Body: res.Body}
	}

	// Upstream honored the forwarded Range itself.
	if res.Status == http.StatusPartialContent {
		if cr := res.Header.Get("Content-Range"); cr != "" {
			header.Set("Content-Range", cr)
			return &Response{Status: http.StatusPartialContent, Header: header, Body: res.Body}
		}
	}

	size := int64(len(res.Body))
	start, end, err := parseRange(rangeHeader, size)
	switch {
	case err == errUnsatisfiable:
		header.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		return &Response{Status: http.StatusRequestedRangeNotSatisfiable, Header: header}
	case err != nil:
		// Malformed or multi-range requests are answered with the whole body.
		return &Response{Status: http.StatusOK, Header: header, Body: res.Body}
	}

	header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	return &Response{
		Status: http.StatusPartialContent,
		Header: header,
		Body:   res.Body[start : end+1],
	}
}

var (
	errUnsatisfiable = errors.New("range not satisfiable")
	errMalformed     = errors.New("malformed range")
)

// parseRange parses a single "bytes=" range against a body of size bytes and
// returns inclusive offsets.
func parseRange(s string, size int64) (int64, int64, error) {
	rangeSet, ok := strings.CutPrefix(strings.TrimSpace(s), "bytes=")
	if !ok || strings.Contains(rangeSet, ",") {
		return 0, 0, errMalformed
	}
	first, last, ok := strings.Cut(strings.TrimSpace(rangeSet), "-")
	if !ok {
		return 0, 0, errMalformed
	}
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)

	if first == "" {
		// Suffix range: the final n bytes.
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n < 0 {
			return 0, 0, errMalformed
		}
		if n == 0 || size == 0 {
			return 0, 0, errUnsatisfiable
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, nil
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, errMalformed
	}
	if start >= size {
		return 0, 0, errUnsatisfiable
	}
	end := size - 1
	if last != "" {
		e, err := strconv.ParseInt(last, 10, 64)
		if err != nil || e < start {
			return 0, 0, errMalformed
		}
		if e < end {
			end = e
		}
	}
	return start, end, nil
}
