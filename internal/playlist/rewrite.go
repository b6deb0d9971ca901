package playlist

import (
	"net/url"
	"regexp"
	"strings"

	"hls-relay/internal/proxyurl"
)

const utf8BOM = "\uFEFF"

// uriAttr matches the quoted URI attribute of a tag line. The leading
// separator keeps attributes such as KEYFORMATURI from matching.
var uriAttr = regexp.MustCompile(`[:,]\s*URI="([^"]*)"`)

// keyTags carry key URIs and are always rewritten.
var keyTags = map[string]bool{
	"#EXT-X-KEY":         true,
	"#EXT-X-SESSION-KEY": true,
}

// mediaTags carry media URIs in a URI attribute.
var mediaTags = map[string]bool{
	"#EXT-X-MAP":                true,
	"#EXT-X-MEDIA":              true,
	"#EXT-X-I-FRAME-STREAM-INF": true,
	"#EXT-X-PRELOAD-HINT":       true,
	"#EXT-X-PART":               true,
	"#EXT-X-RENDITION-REPORT":   true,
	"#EXT-X-SESSION-DATA":       true,
}

// Result is a rewritten playlist and what happened to its URIs.
type Result struct {
	Body []byte
	// Rewritten counts URIs replaced with relay links.
	Rewritten int
	// Preserved counts URIs kept verbatim because they did not resolve to
	// an http(s) URL.
	Preserved int
}

// Rewriter rewrites playlist URIs into relay links. It holds no
// per-request state and is safe for concurrent use.
type Rewriter struct {
	linker    *proxyurl.Linker
	mediaTags bool
}

// NewRewriter creates a Rewriter. When rewriteMediaTags is false only key
// tags and URI lines are rewritten.
func NewRewriter(linker *proxyurl.Linker, rewriteMediaTags bool) *Rewriter {
	return &Rewriter{linker: linker, mediaTags: rewriteMediaTags}
}

// Rewrite processes body line by line. URI lines and the URI attribute of
// key (and optionally media) tags are resolved against base and wrapped;
// blank lines and all other tags and comments pass through unchanged.
// Lines are rejoined with "\n" and a trailing "\r" on a line is kept.
func (r *Rewriter) Rewrite(body []byte, base *url.URL, id proxyurl.Identity) Result {
	text := strings.TrimPrefix(string(body), utf8BOM)
	lines := strings.Split(text, "\n")

	var res Result
	for i, line := range lines {
		content, cr := strings.CutSuffix(line, "\r")
		trimmed := strings.TrimSpace(content)

		var (
			out     string
			touched bool
			ok      bool
		)
		switch {
		case trimmed == "":
			continue
		case strings.HasPrefix(trimmed, "#"):
			if !r.rewritesTag(trimmed) {
				continue
			}
			out, touched, ok = r.rewriteTag(content, base, id)
		default:
			out, ok = r.linker.WrapReference(base, trimmed, id)
			touched = true
		}

		if !touched {
			continue
		}
		if !ok {
			res.Preserved++
			continue
		}
		res.Rewritten++
		if cr {
			out += "\r"
		}
		lines[i] = out
	}

	res.Body = []byte(strings.Join(lines, "\n"))
	return res
}

func (r *Rewriter) rewritesTag(line string) bool {
	name, _, _ := strings.Cut(line, ":")
	if keyTags[name] {
		return true
	}
	return r.mediaTags && mediaTags[name]
}

// rewriteTag replaces the URI attribute value of a tag line. touched is
// false when the line carries no URI attribute.
func (r *Rewriter) rewriteTag(line string, base *url.URL, id proxyurl.Identity) (out string, touched, ok bool) {
	loc := uriAttr.FindStringSubmatchIndex(line)
	if loc == nil {
		return line, false, false
	}
	start, end := loc[2], loc[3]
	wrapped, ok := r.linker.WrapReference(base, line[start:end], id)
	if !ok {
		return line, true, false
	}
	return line[:start] + wrapped + line[end:], true, true
}
