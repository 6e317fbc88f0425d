package playlist

import (
	"strings"

	"github.com/grafov/m3u8"
)

// Info summarizes a playlist for logs and metrics.
type Info struct {
	Kind    string // "master", "media" or "unknown"
	Entries int    // variants for master playlists, segments for media playlists
}

// Inspect decodes text leniently and reports what kind of playlist it is.
// Playlists the decoder rejects are reported as "unknown"; they are still
// served, since rewriting works line by line.
func Inspect(text string) Info {
	p, listType, err := m3u8.DecodeFrom(strings.NewReader(text), false)
	if err != nil || p == nil {
		return Info{Kind: "unknown"}
	}

	switch listType {
	case m3u8.MASTER:
		if master, ok := p.(*m3u8.MasterPlaylist); ok {
			return Info{Kind: "master", Entries: len(master.Variants)}
		}
	case m3u8.MEDIA:
		if media, ok := p.(*m3u8.MediaPlaylist); ok {
			return Info{Kind: "media", Entries: int(media.Count())}
		}
	}
	return Info{Kind: "unknown"}
}
