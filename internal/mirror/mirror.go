// Package mirror expands an upstream URL into the ordered list of hosts
// believed to serve the same resource.
package mirror

import "strings"

// Resolver substitutes a relay hostname with each known mirror host.
type Resolver struct {
	relayHost string
	mirrors   []string
}

// NewResolver creates a Resolver for relayHost and its mirrors.
func NewResolver(relayHost string, mirrors ...string) *Resolver {
	return &Resolver{
		relayHost: relayHost,
		mirrors:   append([]string(nil), mirrors...),
	}
}

// Resolve returns the original URL followed by one variant per mirror.
// When rawURL does not mention the relay host the variants equal the
// original; duplicates are kept.
func (r *Resolver) Resolve(rawURL string) []string {
	out := make([]string, 0, 1+len(r.mirrors))
	out = append(out, rawURL)
	for _, m := range r.mirrors {
		if r.relayHost == "" {
			out = append(out, rawURL)
			continue
		}
		out = append(out, strings.ReplaceAll(rawURL, r.relayHost, m))
	}
	return out
}

// Len reports how many candidates Resolve produces.
func (r *Resolver) Len() int {
	return 1 + len(r.mirrors)
}
