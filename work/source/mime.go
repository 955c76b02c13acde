package source

import (
	"net/url"
	"path"
	"strconv"
	"strings"

	"hlscache-proxy/work/types"
)

// MimeFor maps a URL's path extension to the Content-Type served to the
// player. Unknown extensions fall back to an opaque octet stream.
func MimeFor(rawURL string) string {
	ext := ""
	if u, err := url.Parse(rawURL); err == nil {
		ext = strings.ToLower(strings.TrimPrefix(path.Ext(u.Path), "."))
	}

	switch ext {
	case "m3u8":
		return "application/vnd.apple.mpegurl"
	case "ts":
		return "video/mp2t"
	case "mp4":
		return "video/mp4"
	case "m4s":
		return "video/iso.segment"
	case "m4a":
		return "audio/mp4"
	default:
		return "application/octet-stream"
	}
}

// ParseRangeHeader parses an HTTP Range header of the form
// "bytes=<lo>-<hi?>". A missing upper bound means to end of file. Malformed
// values report false and the request is served unranged.
func ParseRangeHeader(value string) (*types.ByteRange, bool) {
	value = strings.TrimSpace(value)
	spec, ok := strings.CutPrefix(value, "bytes=")
	if !ok {
		return nil, false
	}

	// multi-range requests are not part of the wire contract
	if strings.Contains(spec, ",") {
		return nil, false
	}

	loStr, hiStr, ok := strings.Cut(spec, "-")
	if !ok || loStr == "" {
		return nil, false
	}

	lo, err := strconv.ParseInt(loStr, 10, 64)
	if err != nil || lo < 0 {
		return nil, false
	}

	r := &types.ByteRange{Start: lo, End: -1}
	if hiStr != "" {
		hi, err := strconv.ParseInt(hiStr, 10, 64)
		if err != nil || hi < lo {
			return nil, false
		}
		r.End = hi
	}
	return r, true
}

// clampRange resolves a parsed range against the resource size: open ranges
// extend to the last byte and upper bounds are clamped to size-1. Reports
// false when the range selects nothing.
func clampRange(r *types.ByteRange, size int64) (lo, hi int64, ok bool) {
	lo = r.Start
	hi = r.End
	if hi < 0 || hi > size-1 {
		hi = size - 1
	}
	if lo > hi || lo >= size {
		return 0, 0, false
	}
	return lo, hi, true
}
