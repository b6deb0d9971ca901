// Package playlist detects HLS (M3U8) documents and rewrites their URIs so
// that every nested fetch goes back through the relay.
package playlist

import (
	"net/url"
	"strings"

	"github.com/elnormous/contenttype"
)

// IsPlaylist decides whether an origin response is an M3U8 playlist.
//
// The Content-Type wins when it is decisive: any mpegurl subtype means a
// playlist, and video/*, audio/* or image/* means media. Anything else
// (missing, text/plain, application/octet-stream, unparseable) defers to the
// target path ending in .m3u8. text/plain on its own never marks a playlist.
func IsPlaylist(contentType string, target *url.URL) bool {
	if contentType != "" {
		if mt, err := contenttype.ParseMediaType(contentType); err == nil {
			typ := strings.ToLower(mt.Type)
			sub := strings.ToLower(mt.Subtype)
			if strings.Contains(sub, "mpegurl") {
				return true
			}
			switch typ {
			case "video", "audio", "image":
				return false
			}
		}
	}
	return target != nil && strings.HasSuffix(strings.ToLower(target.Path), ".m3u8")
}
