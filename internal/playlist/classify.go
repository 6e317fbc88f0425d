// Package playlist classifies upstream content and rewrites HLS playlists so
// that nested playlists and segments are fetched through the proxy.
package playlist

import (
	"net/url"
	"path"
	"strings"

	"github.com/elnormous/contenttype"
)

const (
	// ManifestExt is the HLS playlist file extension.
	ManifestExt = ".m3u8"
	// SegmentExt is the MPEG-TS media segment extension.
	SegmentExt = ".ts"

	// MIMEType is the content type served for rewritten playlists.
	MIMEType = "application/vnd.apple.mpegurl"
)

// Kind is the classification of an upstream response body.
type Kind int

const (
	KindPassthrough Kind = iota
	KindPlaylist
)

func (k Kind) String() string {
	if k == KindPlaylist {
		return "playlist"
	}
	return "passthrough"
}

// manifestTypes lists the type/subtype pairs players and CDNs use for HLS playlists.
var manifestTypes = map[string]bool{
	"application/vnd.apple.mpegurl": true,
	"application/x-mpegurl":         true,
	"application/mpegurl":           true,
	"audio/mpegurl":                 true,
	"audio/x-mpegurl":               true,
}

// Classify reports whether target with the given upstream Content-Type is a
// playlist. Either the path extension or the MIME type is sufficient.
func Classify(target *url.URL, contentType string) Kind {
	if strings.EqualFold(path.Ext(target.Path), ManifestExt) {
		return KindPlaylist
	}
	if IsManifestType(contentType) {
		return KindPlaylist
	}
	return KindPassthrough
}

// IsManifestType reports whether a Content-Type header value names an HLS
// playlist. Parameters such as charset are ignored.
func IsManifestType(contentType string) bool {
	if contentType == "" {
		return false
	}
	mt, err := contenttype.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return manifestTypes[strings.ToLower(mt.Type+"/"+mt.Subtype)]
}

// GuessContentType returns a content type for passthrough responses whose
// upstream omitted one.
func GuessContentType(target *url.URL) string {
	switch strings.ToLower(path.Ext(target.Path)) {
	case SegmentExt:
		return "video/mp2t"
	case ".m4s", ".mp4":
		return "video/mp4"
	case ".aac":
		return "audio/aac"
	case ".vtt":
		return "text/vtt"
	case ManifestExt:
		return MIMEType
	default:
		return "application/octet-stream"
	}
}
