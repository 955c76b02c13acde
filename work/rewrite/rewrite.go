package rewrite

import (
	"bufio"
	"fmt"
	"net/url"
	"strings"

	"github.com/grafana/regexp"
	"github.com/grafov/m3u8"

	"hlscache-proxy/work/logger"
)

// uriAttrRe finds the URI="..." attribute embedded in HLS tags such as
// #EXT-X-KEY and #EXT-X-MAP. Only the quoted value is rewritten.
var uriAttrRe = regexp.MustCompile(`(?i)URI="([^"]*)"`)

// proxiedRe recognizes URIs that already point at a local proxy endpoint, so
// a manifest that slipped through twice is never double-wrapped.
var proxiedRe = regexp.MustCompile(`^http://127\.0\.0\.1:\d+/proxy\?`)

// IsManifestURL classifies a URL as an HLS playlist. Matching on the bare
// substring also catches playlist URLs with query strings or version
// suffixes after the extension.
func IsManifestURL(rawURL string) bool {
	return strings.Contains(rawURL, ".m3u8")
}

// Rewriter rewrites HLS playlists so every child URI funnels back through
// the local proxy. It is line-oriented by design: everything that is not a
// URI or a URI="..." attribute passes through byte for byte, including line
// endings, because players are strict about manifest shape. The emitted
// URIs embed Port, so rewritten text is only valid for the listener it was
// produced for.
//
// Signed DRM URIs are not supported: rewriting the URL breaks the signature.
type Rewriter struct {
	Port int
}

// New returns a Rewriter emitting proxy URIs for the given listener port.
func New(port int) *Rewriter {
	return &Rewriter{Port: port}
}

// Rewrite transforms manifest text fetched from originURL. Empty and
// whitespace-only lines pass through verbatim; tag lines have only their
// URI attribute rewritten; every other non-empty line is treated as a URI.
func (rw *Rewriter) Rewrite(text, originURL string) string {
	base, err := url.Parse(originURL)
	if err != nil {
		logger.Warn("{rewrite - Rewrite} unparseable origin URL, passing manifest through: %v", err)
		return text
	}

	lines := strings.Split(text, "\n")
	var out strings.Builder
	out.Grow(len(text) + len(lines)*48)

	for i, line := range lines {
		// carry the \r of CRLF manifests through untouched
		body, cr := strings.CutSuffix(line, "\r")

		switch {
		case strings.TrimSpace(body) == "":
			out.WriteString(body)
		case strings.HasPrefix(body, "#"):
			out.WriteString(rw.rewriteTagLine(body, base))
		default:
			out.WriteString(rw.rewriteURI(strings.TrimSpace(body), base))
		}

		if cr {
			out.WriteString("\r")
		}
		if i < len(lines)-1 {
			out.WriteString("\n")
		}
	}

	return out.String()
}

// rewriteTagLine rewrites the URI="..." attribute of a tag line, leaving the
// rest of the line untouched. Tags without a URI attribute pass through.
func (rw *Rewriter) rewriteTagLine(line string, base *url.URL) string {
	loc := uriAttrRe.FindStringSubmatchIndex(line)
	if loc == nil {
		return line
	}
	uri := line[loc[2]:loc[3]]
	return line[:loc[2]] + rw.rewriteURI(uri, base) + line[loc[3]:]
}

// rewriteURI resolves a possibly relative URI against the manifest's URL and
// wraps the absolute result in a proxy URL. URIs that already point at a
// local proxy endpoint pass through unchanged.
func (rw *Rewriter) rewriteURI(uri string, base *url.URL) string {
	if uri == "" || proxiedRe.MatchString(uri) {
		return uri
	}

	abs := uri
	lower := strings.ToLower(uri)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		ref, err := url.Parse(uri)
		if err != nil {
			logger.Debug("{rewrite - rewriteURI} unparseable URI %q, passing through", uri)
			return uri
		}
		abs = base.ResolveReference(ref).String()
	}

	return fmt.Sprintf("http://127.0.0.1:%d/proxy?url=%s", rw.Port, url.QueryEscape(abs))
}

// Kind classifies playlist text.
type Kind int

const (
	KindUnknown Kind = iota // not parseable as an HLS playlist
	KindMaster              // variant index referencing other playlists
	KindMedia               // media playlist referencing segments
)

// Detect parses playlist text and reports its kind plus, for media
// playlists, the number of segments it references. Used by the data source
// to scope head-only caching decisions; detection failures degrade to
// KindUnknown rather than erroring.
func Detect(text string) (kind Kind, segments int) {
	if !strings.HasPrefix(strings.TrimSpace(text), "#EXTM3U") {
		return KindUnknown, 0
	}

	// the decoder can panic on loosely formed playlists; that is a detection
	// failure like any other
	defer func() {
		if r := recover(); r != nil {
			logger.Debug("{rewrite - Detect} playlist decoder panicked: %v", r)
			kind, segments = KindUnknown, 0
		}
	}()

	playlist, listType, err := m3u8.DecodeFrom(bufio.NewReader(strings.NewReader(text)), false)
	if err != nil {
		return KindUnknown, 0
	}

	switch listType {
	case m3u8.MASTER:
		return KindMaster, 0
	case m3u8.MEDIA:
		media, ok := playlist.(*m3u8.MediaPlaylist)
		if !ok {
			return KindUnknown, 0
		}
		return KindMedia, int(media.Count())
	default:
		return KindUnknown, 0
	}
}
