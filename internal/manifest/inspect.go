package manifest

import (
	"bytes"
	"fmt"

	"github.com/grafov/m3u8"
)

// Summary describes a decoded playlist.
type Summary struct {
	// Kind is "master" or "media".
	Kind string

	// Segments is the number of media segments (media playlists only).
	Segments int

	// Variants is the number of variant streams (master playlists only).
	Variants int

	// TargetDuration is the declared target duration in seconds.
	TargetDuration float64

	// Encrypted is true when any segment declares a key.
	Encrypted bool

	// Live is true when the playlist has no end tag.
	Live bool
}

// Inspect decodes text leniently and summarizes it.
func Inspect(text string) (Summary, error) {
	playlist, listType, err := m3u8.DecodeFrom(bytes.NewBufferString(text), false)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to parse playlist: %w", err)
	}

	if listType == m3u8.MASTER {
		master, ok := playlist.(*m3u8.MasterPlaylist)
		if !ok {
			return Summary{}, fmt.Errorf("unexpected playlist type")
		}
		return Summary{Kind: "master", Variants: len(master.Variants)}, nil
	}

	media, ok := playlist.(*m3u8.MediaPlaylist)
	if !ok {
		return Summary{}, fmt.Errorf("unexpected playlist type")
	}

	s := Summary{
		Kind:           "media",
		TargetDuration: media.TargetDuration,
		Encrypted:      media.Key != nil,
		Live:           !media.Closed,
	}
	for _, seg := range media.Segments {
		if seg == nil {
			break
		}
		s.Segments++
		if seg.Key != nil {
			s.Encrypted = true
		}
	}
	return s, nil
}
