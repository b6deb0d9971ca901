package playlist

import (
	"net/url"
	"testing"
)

func TestIsPlaylist(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		target      string
		want        bool
	}{
		{"apple mpegurl", "application/vnd.apple.mpegurl", "https://o.example/live", true},
		{"x-mpegurl with charset", "application/x-mpegURL; charset=utf-8", "https://o.example/a.php", true},
		{"audio mpegurl", "audio/mpegurl", "https://o.example/a", true},
		{"audio x-mpegurl", "audio/x-mpegurl", "https://o.example/a", true},
		{"suffix without content type", "", "https://o.example/live/index.m3u8", true},
		{"suffix with octet-stream", "application/octet-stream", "https://o.example/live/index.m3u8", true},
		{"suffix with text/plain", "text/plain", "https://o.example/live/INDEX.M3U8", true},
		{"suffix ignores query", "", "https://o.example/live/index.m3u8?token=1", true},
		{"text/plain alone is not a playlist", "text/plain", "https://o.example/list.txt", false},
		{"video type beats suffix", "video/mp2t", "https://o.example/live/index.m3u8", false},
		{"image type", "image/png", "https://o.example/logo.png", false},
		{"segment", "video/MP2T", "https://o.example/seg1.ts", false},
		{"query contains m3u8", "", "https://o.example/get?file=a.m3u8", false},
		{"unparseable content type falls back to suffix", ";;;", "https://o.example/a.m3u8", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target, err := url.Parse(tt.target)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if got := IsPlaylist(tt.contentType, target); got != tt.want {
				t.Errorf("IsPlaylist(%q, %q) = %v, want %v", tt.contentType, tt.target, got, tt.want)
			}
		})
	}
}

func TestIsPlaylist_NilTarget(t *testing.T) {
	if IsPlaylist("", nil) {
		t.Error("IsPlaylist(\"\", nil) = true, want false")
	}
	if !IsPlaylist("application/vnd.apple.mpegurl", nil) {
		t.Error("IsPlaylist(mpegurl, nil) = false, want true")
	}
}
