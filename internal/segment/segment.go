// Package segment defines the segment map that ties proxy-local paths to
// their true upstream URLs.
package segment

import "time"

// Kind distinguishes the two URI shapes a manifest rewrite maps.
type Kind uint8

const (
	// KindMedia is a media segment referenced by a bare URL line.
	KindMedia Kind = iota
	// KindKey is an encryption key referenced from an #EXT-X-KEY tag.
	KindKey
)

func (k Kind) String() string {
	if k == KindKey {
		return "key"
	}
	return "media"
}

// Segment is one mapping produced by a manifest rewrite.
type Segment struct {
	// Path is the proxy-local path without a leading slash.
	Path string

	// URL is the true upstream URL for Path.
	URL string

	// Kind records which manifest line shape produced the mapping.
	Kind Kind

	// Sequence is the line index in the source manifest.
	Sequence int
}

// Table is the complete segment map built from one manifest.
type Table struct {
	// Entries maps proxy-local path to upstream URL.
	Entries map[string]string

	// Source is the manifest URL the table was derived from.
	Source string

	// Cookie is the cookie header used to fetch the manifest.
	Cookie string

	// Created is when the table was built.
	Created time.Time
}

// NewTable builds a table from segments. Later segments overwrite earlier
// ones with the same path.
func NewTable(segments []Segment, source, cookie string) *Table {
	entries := make(map[string]string, len(segments))
	for _, s := range segments {
		entries[s.Path] = s.URL
	}
	return &Table{
		Entries: entries,
		Source:  source,
		Cookie:  cookie,
		Created: time.Now(),
	}
}

// Len returns the number of entries, tolerating a nil table.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Entries)
}

// Clone returns a deep copy of the table.
func (t *Table) Clone() *Table {
	if t == nil {
		return nil
	}
	entries := make(map[string]string, len(t.Entries))
	for k, v := range t.Entries {
		entries[k] = v
	}
	return &Table{
		Entries: entries,
		Source:  t.Source,
		Cookie:  t.Cookie,
		Created: t.Created,
	}
}
