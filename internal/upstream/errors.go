package upstream

import (
	"errors"
	"fmt"
)

// ErrTransport marks network, DNS or TLS failures and non-success statuses
// returned by an upstream host.
var ErrTransport = errors.New("upstream transport error")

// TransportError describes one failed outbound call.
type TransportError struct {
	URL string
	// Status is the HTTP status received, or 0 when no response arrived.
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: HTTP %d", e.URL, e.Status)
	}
	return fmt.Sprintf("%s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrTransport}
	}
	return []error{ErrTransport, e.Err}
}
